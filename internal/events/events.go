// Package events defines the JSON vocabulary exchanged over the
// persistent transport. Every frame carries a "type" discriminator; the
// remaining fields are flat, matching what the dashboards already send.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

const (
	// server -> client
	TypeNewRequest       = "nueva_solicitud"
	TypeRequestAccepted  = "solicitud_aceptada"
	TypeRequestCancelled = "solicitud_cancelada"
	TypeRequestCompleted = "solicitud_completada"
	TypeRecyclerLocation = "ubicacion_reciclador" // also client -> server
	TypeRouteEstimate    = "ruta_estimada"
	TypeError            = "error"

	// client -> server
	TypeAcceptRequest   = "aceptar_solicitud"
	TypeRejectRequest   = "rechazar_solicitud"
	TypeCancelRequest   = "cancelar_solicitud"
	TypeCompleteRequest = "completar_solicitud"
	TypeAvailability    = "disponibilidad"
)

// Error codes carried on the error event. Distinguish a rejected intent
// from a transient network failure on the client side.
const (
	CodeInvalidTransition = "transicion_invalida"
	CodeConflict          = "conflicto"
	CodeBadRequest        = "solicitud_invalida"
)

// Inbound is the decoded form of any client frame. Fields not relevant
// to a given type are zero.
type Inbound struct {
	Type      string  `json:"type"`
	RequestID string  `json:"solicitud_id,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
	Available *bool   `json:"disponible,omitempty"`

	// Set on a client-side re-broadcast of a freshly created request.
	Request *models.Request `json:"solicitud,omitempty"`
}

// Decode parses one raw frame. A missing or unknown type is an error so
// the read loop can log it and move on.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("frame without type")
	}
	return in, nil
}

// Outbound frames. Constructors set the discriminator so a frame can
// never go out without one.

type NewRequest struct {
	Type    string         `json:"type"`
	Request models.Request `json:"solicitud"`
}

func NewRequestEvent(r models.Request) NewRequest {
	return NewRequest{Type: TypeNewRequest, Request: r}
}

type RequestAccepted struct {
	Type       string `json:"type"`
	RequestID  string `json:"solicitud_id"`
	RecyclerID string `json:"reciclador_id"`
}

func RequestAcceptedEvent(requestID, recyclerID string) RequestAccepted {
	return RequestAccepted{Type: TypeRequestAccepted, RequestID: requestID, RecyclerID: recyclerID}
}

type RequestCancelled struct {
	Type      string `json:"type"`
	RequestID string `json:"solicitud_id"`
}

func RequestCancelledEvent(requestID string) RequestCancelled {
	return RequestCancelled{Type: TypeRequestCancelled, RequestID: requestID}
}

type RequestCompleted struct {
	Type      string `json:"type"`
	RequestID string `json:"solicitud_id"`
}

func RequestCompletedEvent(requestID string) RequestCompleted {
	return RequestCompleted{Type: TypeRequestCompleted, RequestID: requestID}
}

type RecyclerLocation struct {
	Type      string  `json:"type"`
	RequestID string  `json:"solicitud_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

func RecyclerLocationEvent(s models.LocationSample) RecyclerLocation {
	return RecyclerLocation{Type: TypeRecyclerLocation, RequestID: s.RequestID, Lat: s.Loc.Lat, Lng: s.Loc.Lng}
}

type RouteEstimate struct {
	Type            string  `json:"type"`
	RequestID       string  `json:"solicitud_id"`
	DistanceKm      float64 `json:"distancia_km"`
	ETAMinutes      float64 `json:"eta_minutos"`
	NextInstruction string  `json:"siguiente_instruccion,omitempty"`
}

func RouteEstimateEvent(requestID string, e models.RouteEstimate) RouteEstimate {
	return RouteEstimate{
		Type:            TypeRouteEstimate,
		RequestID:       requestID,
		DistanceKm:      e.DistanceKm,
		ETAMinutes:      e.ETAMinutes,
		NextInstruction: e.NextInstruction,
	}
}

type Error struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"solicitud_id,omitempty"`
	Message   string `json:"mensaje"`
}

func ErrorEvent(code, requestID, message string) Error {
	return Error{Type: TypeError, Code: code, RequestID: requestID, Message: message}
}
