package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebaswaton/reciapp-dispatch/internal/coordinator"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
	"github.com/sebaswaton/reciapp-dispatch/internal/registry"
	"github.com/sebaswaton/reciapp-dispatch/internal/store"
)

// Server exposes the coordinator over REST and WebSocket. The REST
// surface mirrors the /api/solicitudes API the clients already consume;
// every state change still goes through the coordinator.
type Server struct {
	co     *coordinator.Coordinator
	store  *store.Store
	reg    *registry.Registry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(co *coordinator.Coordinator, st *store.Store, reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{co: co, store: st, reg: reg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/solicitudes", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/solicitudes", s.handleListRequests).Methods("GET")
	s.mux.HandleFunc("/api/solicitudes/{id}", s.handleUpdateRequest).Methods("PATCH")
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestPayload struct {
	CitizenID string `json:"ciudadano_id"`
	models.RequestInput
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var p createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.co.CreateRequest(p.CitizenID, p.RequestInput)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var out []models.Request
	switch {
	case q.Get("ciudadano_id") != "":
		out = s.store.ListByActor(q.Get("ciudadano_id"))
	case q.Get("reciclador_id") != "":
		out = s.store.ListByActor(q.Get("reciclador_id"))
	case q.Get("estado") != "":
		out = s.store.ListByStatus(models.Status(q.Get("estado")))
	default:
		out = s.store.ListByStatus(models.StatusPending)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type updateRequestPayload struct {
	Status  models.Status `json:"estado"`
	ActorID string        `json:"actor_id"`
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p updateRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		req models.Request
		err error
	)
	switch p.Status {
	case models.StatusAccepted:
		req, err = s.co.Accept(p.ActorID, id)
	case models.StatusCompleted:
		req, err = s.co.Complete(p.ActorID, id)
	case models.StatusCancelled:
		req, err = s.co.Cancel(p.ActorID, id)
	default:
		http.Error(w, "estado desconocido", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func statusForError(err error) int {
	var (
		conflict *store.ConflictError
		invalid  *store.InvalidTransitionError
		notFound *store.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
