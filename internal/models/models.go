package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Role distinguishes the two actor kinds the coordinator knows about.
type Role string

const (
	RoleCitizen  Role = "ciudadano"
	RoleRecycler Role = "reciclador"
)

func (r Role) Valid() bool { return r == RoleCitizen || r == RoleRecycler }

// Status is the request lifecycle state. Wire values are the Spanish
// estado strings the REST API and the clients already use.
type Status string

const (
	StatusPending   Status = "pendiente"
	StatusAccepted  Status = "aceptada"
	StatusCompleted Status = "completada"
	StatusCancelled Status = "cancelada"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Request is a citizen's pickup ask. Mutated only through the store's
// transition API; never deleted, only terminal-stamped.
type Request struct {
	ID          string    `json:"id"`
	CitizenID   string    `json:"ciudadano_id"`
	RecyclerID  string    `json:"reciclador_id,omitempty"`
	Material    string    `json:"material"`
	Quantity    float64   `json:"cantidad"`
	Description string    `json:"descripcion,omitempty"`
	Origin      Coord     `json:"origen"`
	Status      Status    `json:"estado"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RequestInput is the creation payload accepted from citizens.
type RequestInput struct {
	Material    string  `json:"material"`
	Quantity    float64 `json:"cantidad"`
	Description string  `json:"descripcion,omitempty"`
	Lat         float64 `json:"latitud"`
	Lng         float64 `json:"longitud"`
}

// LocationSample is one position report from a recycler bound to an
// active request. Only the latest per request is retained.
type LocationSample struct {
	ActorID   string    `json:"actor_id"`
	RequestID string    `json:"solicitud_id"`
	Loc       Coord     `json:"loc"`
	Timestamp time.Time `json:"timestamp"`
}

// RouteEstimate is the derived route summary delivered to the citizen.
// Superseded values are discarded, there is no history.
type RouteEstimate struct {
	DistanceKm      float64 `json:"distancia_km"`
	ETAMinutes      float64 `json:"eta_minutos"`
	NextInstruction string  `json:"siguiente_instruccion,omitempty"`
}
