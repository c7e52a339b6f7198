// Package coordinator glues the registry, store, relay and route
// adapter together. It is the only mutator of request state and the
// only place fan-out decisions are made.
package coordinator

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sebaswaton/reciapp-dispatch/internal/events"
	"github.com/sebaswaton/reciapp-dispatch/internal/geo"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
	"github.com/sebaswaton/reciapp-dispatch/internal/observability"
	"github.com/sebaswaton/reciapp-dispatch/internal/registry"
	"github.com/sebaswaton/reciapp-dispatch/internal/relay"
	"github.com/sebaswaton/reciapp-dispatch/internal/route"
	"github.com/sebaswaton/reciapp-dispatch/internal/store"
)

// SamplePublisher is the optional Kafka leg for location samples.
type SamplePublisher interface {
	PublishSample(s models.LocationSample) error
}

type Coordinator struct {
	store    *store.Store
	reg      *registry.Registry
	relay    *relay.Relay
	routes   *route.Adapter
	presence geo.Presence
	producer SamplePublisher // optional
	logger   *slog.Logger

	// broadcasts remembers which recyclers saw nueva_solicitud for a
	// still-pending request, so withdrawal fan-out and re-broadcast on
	// attach reach exactly the right set.
	mu         sync.Mutex
	broadcasts map[string]map[string]bool
}

func New(st *store.Store, reg *registry.Registry, rl *relay.Relay, routes *route.Adapter, presence geo.Presence, producer SamplePublisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		reg:        reg,
		relay:      rl,
		routes:     routes,
		presence:   presence,
		producer:   producer,
		logger:     logger,
		broadcasts: make(map[string]map[string]bool),
	}
}

// Attach binds a transport for the user and resumes delivery. A
// recycler is available by default on attach and catches up on pending
// requests it has not seen, which also covers earlier dropped sends.
func (c *Coordinator) Attach(userID string, role models.Role, conn registry.Conn) {
	c.reg.Attach(userID, conn)
	observability.ConnectionsLive.Inc()
	if role == models.RoleRecycler {
		c.presence.SetAvailable(userID, true)
		c.catchUp(userID)
	}
	c.logger.Info("transport attached", "user_id", userID, "rol", string(role))
}

// Detach removes the registry entry only. The request lifecycle is
// untouched; a later attach resumes delivery.
func (c *Coordinator) Detach(userID string, conn registry.Conn) {
	c.reg.Detach(userID, conn)
	observability.ConnectionsLive.Dec()
	c.logger.Info("transport detached", "user_id", userID)
}

// SetAvailability records the recycler's online/offline toggle. Turning
// available catches up on pending broadcasts.
func (c *Coordinator) SetAvailability(recyclerID string, available bool) {
	c.presence.SetAvailable(recyclerID, available)
	if available {
		c.catchUp(recyclerID)
	}
}

// CreateRequest inserts a pending request and fans it out to every
// connected, available recycler.
func (c *Coordinator) CreateRequest(citizenID string, in models.RequestInput) (models.Request, error) {
	r, err := c.store.Create(citizenID, in)
	if err != nil {
		return models.Request{}, err
	}
	observability.RequestsCreated.Inc()
	c.logger.Info("request created", "request_id", r.ID, "ciudadano_id", citizenID, "material", r.Material)
	c.fanOut(r)
	return r, nil
}

// Broadcast re-fans-out a still-pending request to available recyclers
// that have not seen it. Safe to call repeatedly.
func (c *Coordinator) Broadcast(requestID string) error {
	r, ok := c.store.Get(requestID)
	if !ok {
		return &store.NotFoundError{RequestID: requestID}
	}
	if r.Status != models.StatusPending {
		return &store.InvalidTransitionError{RequestID: requestID, From: r.Status, Event: "broadcast", Reason: "not pending"}
	}
	c.fanOut(r)
	return nil
}

func (c *Coordinator) fanOut(r models.Request) {
	ev := events.NewRequestEvent(r)
	for _, id := range c.presence.Available() {
		if id == r.CitizenID || !c.reg.Connected(id) {
			continue
		}
		if c.hasSeen(r.ID, id) {
			continue
		}
		if res := c.reg.Send(id, ev); res == registry.SendDropped {
			observability.SendsDropped.Inc()
			c.logger.Warn("broadcast dropped", "request_id", r.ID, "reciclador_id", id)
			continue
		}
		c.markSeen(r.ID, id)
	}
}

// catchUp delivers pending requests the recycler has not seen yet.
func (c *Coordinator) catchUp(recyclerID string) {
	if !c.reg.Connected(recyclerID) {
		return
	}
	for _, r := range c.store.ListByStatus(models.StatusPending) {
		if c.hasSeen(r.ID, recyclerID) {
			continue
		}
		if res := c.reg.Send(recyclerID, events.NewRequestEvent(r)); res != registry.SendDropped {
			c.markSeen(r.ID, recyclerID)
		}
	}
}

// Accept resolves the accept race. The winner binds the request; the
// citizen learns the recycler id and every other recycler that saw the
// broadcast gets a withdrawal. The loser's error is returned to the
// caller and nobody else hears about it.
func (c *Coordinator) Accept(recyclerID, requestID string) (models.Request, error) {
	r, err := c.store.Transition(requestID, store.EventAccept, recyclerID)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			observability.AcceptConflicts.Inc()
			c.logger.Info("accept lost race", "request_id", requestID, "reciclador_id", recyclerID, "winner", conflict.RecyclerID)
		}
		return models.Request{}, err
	}

	observability.RequestsAccepted.Inc()
	c.logger.Info("request accepted", "request_id", requestID, "reciclador_id", recyclerID)

	c.send(r.CitizenID, events.RequestAcceptedEvent(r.ID, recyclerID))
	for _, id := range c.seenBy(requestID) {
		if id != recyclerID {
			c.send(id, events.RequestCancelledEvent(r.ID))
		}
	}
	c.clearSeen(requestID)
	return r, nil
}

// Reject removes the request from that recycler's pending list only.
// No state changes and no one else is notified.
func (c *Coordinator) Reject(recyclerID, requestID string) {
	c.mu.Lock()
	if seen, ok := c.broadcasts[requestID]; ok {
		delete(seen, recyclerID)
	}
	c.mu.Unlock()
	c.logger.Info("request rejected", "request_id", requestID, "reciclador_id", recyclerID)
}

// Complete finishes an accepted request and notifies the counterpart.
func (c *Coordinator) Complete(actorID, requestID string) (models.Request, error) {
	r, err := c.store.Transition(requestID, store.EventComplete, actorID)
	if err != nil {
		return models.Request{}, err
	}
	observability.RequestsCompleted.Inc()
	c.logger.Info("request completed", "request_id", requestID, "actor_id", actorID)

	c.send(c.counterpart(r, actorID), events.RequestCompletedEvent(r.ID))
	c.teardown(requestID)
	return r, nil
}

// Cancel aborts a pending or accepted request and notifies whoever is
// on the other side: the bound counterpart for an accepted request, or
// every recycler that saw the broadcast for a pending one.
func (c *Coordinator) Cancel(actorID, requestID string) (models.Request, error) {
	r, err := c.store.Transition(requestID, store.EventCancel, actorID)
	if err != nil {
		return models.Request{}, err
	}
	observability.RequestsCancelled.Inc()
	c.logger.Info("request cancelled", "request_id", requestID, "actor_id", actorID)

	if r.RecyclerID != "" {
		c.send(c.counterpart(r, actorID), events.RequestCancelledEvent(r.ID))
	} else {
		for _, id := range c.seenBy(requestID) {
			c.send(id, events.RequestCancelledEvent(r.ID))
		}
	}
	c.teardown(requestID)
	return r, nil
}

// PublishLocation relays a position sample and drives the estimator.
// Provider failures degrade to the already-forwarded raw sample; the
// next sample retries.
func (c *Coordinator) PublishLocation(actorID, requestID string, loc models.Coord) error {
	req, err := c.relay.Publish(actorID, requestID, loc)
	if err != nil {
		observability.SamplesRejected.Inc()
		return err
	}
	observability.SamplesRelayed.Inc()
	c.presence.Upsert(actorID, loc)

	if c.producer != nil {
		if sample, ok := c.relay.Latest(requestID); ok {
			if perr := c.producer.PublishSample(sample); perr != nil {
				c.logger.Warn("sample publish failed", "request_id", requestID, "error", perr)
			}
		}
	}

	citizenID := req.CitizenID
	c.routes.Estimate(requestID, loc, req.Origin,
		func(est models.RouteEstimate) {
			observability.EstimatesDelivered.Inc()
			c.reg.SendCoalesced(citizenID, "ruta:"+requestID, events.RouteEstimateEvent(requestID, est))
		},
		func(err error) {
			observability.EstimateFailures.WithLabelValues(estimateFailureKind(err)).Inc()
			c.logger.Warn("route estimate failed", "request_id", requestID, "error", err)
		},
	)
	return nil
}

func (c *Coordinator) teardown(requestID string) {
	c.relay.EndSession(requestID)
	c.routes.Cancel(requestID)
	c.clearSeen(requestID)
}

func (c *Coordinator) counterpart(r models.Request, actorID string) string {
	if actorID == r.CitizenID {
		return r.RecyclerID
	}
	return r.CitizenID
}

func (c *Coordinator) send(userID string, ev any) {
	if userID == "" {
		return
	}
	if res := c.reg.Send(userID, ev); res == registry.SendDropped {
		observability.SendsDropped.Inc()
		c.logger.Warn("event dropped", "user_id", userID)
	}
}

func (c *Coordinator) hasSeen(requestID, recyclerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts[requestID][recyclerID]
}

func (c *Coordinator) markSeen(requestID, recyclerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.broadcasts[requestID]
	if !ok {
		seen = make(map[string]bool)
		c.broadcasts[requestID] = seen
	}
	seen[recyclerID] = true
}

func (c *Coordinator) seenBy(requestID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.broadcasts[requestID]))
	for id := range c.broadcasts[requestID] {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) clearSeen(requestID string) {
	c.mu.Lock()
	delete(c.broadcasts, requestID)
	c.mu.Unlock()
}

func estimateFailureKind(err error) string {
	var (
		quota       *route.QuotaExceededError
		noRoute     *route.NoRouteFoundError
		unavailable *route.ProviderUnavailableError
	)
	switch {
	case errors.As(err, &quota):
		return "quota_exceeded"
	case errors.As(err, &noRoute):
		return "no_route"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "other"
	}
}
