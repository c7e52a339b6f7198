// Package store holds the in-process request table and its state
// machine. It is the single writer for request status; everything else
// reads copies.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

// Event is a lifecycle transition request.
type Event string

const (
	EventAccept   Event = "accept"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// InvalidTransitionError reports an edge the state machine does not
// have, or an actor that is not allowed to drive it. State is left
// unchanged.
type InvalidTransitionError struct {
	RequestID string
	From      models.Status
	Event     Event
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s from %s on request %s: %s", e.Event, e.From, e.RequestID, e.Reason)
}

// ConflictError reports a lost accept race: the request was already
// bound to another recycler.
type ConflictError struct {
	RequestID  string
	RecyclerID string // the winner
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request %s already accepted", e.RequestID)
}

type NotFoundError struct{ RequestID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.RequestID)
}

// Persister mirrors state changes into durable storage. Calls are best
// effort; the in-memory table stays authoritative during a session.
type Persister interface {
	SaveRequest(r models.Request) error
	UpdateRequest(r models.Request) error
}

// Store is the authoritative request table. Each request carries its
// own lock so concurrent accepts on one request serialize without a
// global write lock.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*entry

	persist Persister // optional
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu  sync.Mutex
	req models.Request
}

type Option func(*Store)

// WithPersister mirrors every create/transition into p.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		requests: make(map[string]*entry),
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a new pending request owned by citizenID.
func (s *Store) Create(citizenID string, in models.RequestInput) (models.Request, error) {
	if citizenID == "" {
		return models.Request{}, fmt.Errorf("empty citizen id")
	}
	if in.Material == "" {
		return models.Request{}, fmt.Errorf("empty material")
	}
	if in.Quantity <= 0 {
		return models.Request{}, fmt.Errorf("quantity must be > 0")
	}
	now := s.now()
	r := models.Request{
		ID:          uuid.NewString(),
		CitizenID:   citizenID,
		Material:    in.Material,
		Quantity:    in.Quantity,
		Description: in.Description,
		Origin:      models.Coord{Lat: in.Lat, Lng: in.Lng},
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.requests[r.ID] = &entry{req: r}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveRequest(r); err != nil {
			s.logger.Error("persist create failed", "request_id", r.ID, "error", err)
		}
	}
	return r, nil
}

// Get returns a copy of the request.
func (s *Store) Get(id string) (models.Request, bool) {
	s.mu.RLock()
	e, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return models.Request{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, true
}

// Transition applies ev to the request on behalf of actorID. The guards
// are exactly the lifecycle edges; anything else fails without touching
// state. Concurrent accepts serialize on the per-request lock, so
// exactly one wins and the rest get *ConflictError.
func (s *Store) Transition(id string, ev Event, actorID string) (models.Request, error) {
	s.mu.RLock()
	e, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return models.Request{}, &NotFoundError{RequestID: id}
	}

	e.mu.Lock()
	r, err := applyTransition(e.req, ev, actorID)
	if err != nil {
		e.mu.Unlock()
		return models.Request{}, err
	}
	r.UpdatedAt = s.now()
	e.req = r
	e.mu.Unlock()

	if s.persist != nil {
		if perr := s.persist.UpdateRequest(r); perr != nil {
			s.logger.Error("persist transition failed", "request_id", r.ID, "error", perr)
		}
	}
	return r, nil
}

func applyTransition(r models.Request, ev Event, actorID string) (models.Request, error) {
	switch ev {
	case EventAccept:
		if r.Status != models.StatusPending {
			if r.Status == models.StatusAccepted {
				return r, &ConflictError{RequestID: r.ID, RecyclerID: r.RecyclerID}
			}
			return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "not pending"}
		}
		r.RecyclerID = actorID
		r.Status = models.StatusAccepted
		return r, nil

	case EventComplete:
		if r.Status != models.StatusAccepted {
			return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "not accepted"}
		}
		if actorID != r.CitizenID && actorID != r.RecyclerID {
			return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "actor not bound to request"}
		}
		r.Status = models.StatusCompleted
		return r, nil

	case EventCancel:
		switch r.Status {
		case models.StatusPending:
			if actorID != r.CitizenID {
				return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "only the owning citizen can cancel a pending request"}
			}
		case models.StatusAccepted:
			if actorID != r.CitizenID && actorID != r.RecyclerID {
				return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "actor not bound to request"}
			}
		default:
			return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "already terminal"}
		}
		r.Status = models.StatusCancelled
		return r, nil

	default:
		return r, &InvalidTransitionError{RequestID: r.ID, From: r.Status, Event: ev, Reason: "unknown event"}
	}
}

// ListByStatus returns copies of all requests in the given state.
func (s *Store) ListByStatus(st models.Status) []models.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Request, 0)
	for _, e := range s.requests {
		e.mu.Lock()
		if e.req.Status == st {
			out = append(out, e.req)
		}
		e.mu.Unlock()
	}
	return out
}

// ListByActor returns copies of all requests the actor is a party to,
// as citizen or as bound recycler.
func (s *Store) ListByActor(actorID string) []models.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Request, 0)
	for _, e := range s.requests {
		e.mu.Lock()
		if e.req.CitizenID == actorID || e.req.RecyclerID == actorID {
			out = append(out, e.req)
		}
		e.mu.Unlock()
	}
	return out
}
