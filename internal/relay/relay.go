// Package relay streams position samples from the bound recycler of an
// accepted request to its citizen. Anything else is rejected before it
// reaches a connection.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebaswaton/reciapp-dispatch/internal/events"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
	"github.com/sebaswaton/reciapp-dispatch/internal/registry"
)

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrNotActive      = errors.New("request not in accepted state")
	ErrNotBound       = errors.New("actor is not the bound recycler")
)

// RequestReader is the read-only slice of the store the relay needs.
type RequestReader interface {
	Get(id string) (models.Request, bool)
}

// Sender is the registry surface the relay uses.
type Sender interface {
	SendCoalesced(userID, key string, event any) registry.SendResult
}

type Relay struct {
	store  RequestReader
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	latest map[string]models.LocationSample
}

func New(store RequestReader, sender Sender, logger *slog.Logger) *Relay {
	return &Relay{
		store:  store,
		sender: sender,
		logger: logger,
		now:    time.Now,
		latest: make(map[string]models.LocationSample),
	}
}

// Publish validates the sample against the request's session and
// forwards it verbatim to the bound citizen. A newer sample supersedes,
// never queues behind, an older one for the same request. The accepted
// request is returned so the caller can drive estimation.
func (r *Relay) Publish(actorID, requestID string, loc models.Coord) (models.Request, error) {
	req, ok := r.store.Get(requestID)
	if !ok {
		r.logger.Warn("sample for unknown request dropped", "request_id", requestID, "actor_id", actorID)
		return models.Request{}, ErrUnknownRequest
	}
	if req.Status != models.StatusAccepted {
		r.logger.Warn("sample for inactive request dropped", "request_id", requestID, "estado", string(req.Status))
		return models.Request{}, ErrNotActive
	}
	if actorID != req.RecyclerID {
		r.logger.Warn("sample from unbound actor dropped", "request_id", requestID, "actor_id", actorID)
		return models.Request{}, ErrNotBound
	}

	sample := models.LocationSample{
		ActorID:   actorID,
		RequestID: requestID,
		Loc:       loc,
		Timestamp: r.now(),
	}
	r.mu.Lock()
	r.latest[requestID] = sample
	r.mu.Unlock()

	res := r.sender.SendCoalesced(req.CitizenID, "ubicacion:"+requestID, events.RecyclerLocationEvent(sample))
	if res == registry.SendDropped {
		r.logger.Warn("sample delivery dropped", "request_id", requestID, "citizen_id", req.CitizenID)
	}
	return req, nil
}

// Latest returns the most recent sample for a request, if any.
func (r *Relay) Latest(requestID string) (models.LocationSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.latest[requestID]
	return s, ok
}

// EndSession forgets the request's sample state. Called on completion
// or cancellation; later publishes fail the accepted-state gate anyway.
func (r *Relay) EndSession(requestID string) {
	r.mu.Lock()
	delete(r.latest, requestID)
	r.mu.Unlock()
}
