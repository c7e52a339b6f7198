package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sebaswaton/reciapp-dispatch/internal/events"
	"github.com/sebaswaton/reciapp-dispatch/internal/geo"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
	"github.com/sebaswaton/reciapp-dispatch/internal/registry"
	"github.com/sebaswaton/reciapp-dispatch/internal/relay"
	"github.com/sebaswaton/reciapp-dispatch/internal/route"
	"github.com/sebaswaton/reciapp-dispatch/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	events []any
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) got() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) countType(typ string) int {
	n := 0
	for _, ev := range c.got() {
		switch e := ev.(type) {
		case events.NewRequest:
			if e.Type == typ {
				n++
			}
		case events.RequestAccepted:
			if e.Type == typ {
				n++
			}
		case events.RequestCancelled:
			if e.Type == typ {
				n++
			}
		case events.RequestCompleted:
			if e.Type == typ {
				n++
			}
		case events.RecyclerLocation:
			if e.Type == typ {
				n++
			}
		case events.RouteEstimate:
			if e.Type == typ {
				n++
			}
		}
	}
	return n
}

// blockingProvider parks calls until released; the returned estimate
// encodes the sample position so tests can tell calls apart.
type blockingProvider struct {
	mu    sync.Mutex
	calls []chan struct{}
	origs []models.Coord
}

func (p *blockingProvider) Route(ctx context.Context, origin, dest models.Coord) (models.RouteEstimate, error) {
	p.mu.Lock()
	_ = len(p.calls)
	release := make(chan struct{})
	p.calls = append(p.calls, release)
	p.origs = append(p.origs, origin)
	p.mu.Unlock()

	select {
	case <-release:
	case <-ctx.Done():
		return models.RouteEstimate{}, ctx.Err()
	}
	return models.RouteEstimate{ETAMinutes: origin.Lat}, nil
}

func (p *blockingProvider) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.calls {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (p *blockingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	co       *Coordinator
	st       *store.Store
	provider *blockingProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	st := store.New(logger)
	reg := registry.New(logger)
	rl := relay.New(st, reg, logger)
	provider := &blockingProvider{}
	routes := route.NewAdapter(provider, time.Minute, logger)
	co := New(st, reg, rl, routes, geo.NewIndex(), nil, logger)
	return &harness{co: co, st: st, provider: provider}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestCreateBroadcastsToAvailableRecyclers(t *testing.T) {
	h := newHarness(t)
	citizen, recA, recB := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)
	h.co.Attach("B", models.RoleRecycler, recB)

	r, err := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5, Lat: 1, Lng: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.StatusPending {
		t.Fatalf("expected pendiente, got %s", r.Status)
	}

	for _, rec := range []*fakeConn{recA, recB} {
		got := rec.got()
		if len(got) != 1 {
			t.Fatalf("expected 1 broadcast, got %v", got)
		}
		ev, ok := got[0].(events.NewRequest)
		if !ok || ev.Request.ID != r.ID || ev.Request.Material != "plastico" {
			t.Fatalf("unexpected broadcast: %+v", got[0])
		}
	}
	if len(citizen.got()) != 0 {
		t.Fatalf("citizen must not receive its own broadcast, got %v", citizen.got())
	}
}

func TestUnavailableRecyclerSkipped(t *testing.T) {
	h := newHarness(t)
	recA, recB := &fakeConn{}, &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA)
	h.co.Attach("B", models.RoleRecycler, recB)
	h.co.SetAvailability("B", false)

	if _, err := h.co.CreateRequest("C", models.RequestInput{Material: "vidrio", Quantity: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(recA.got()) != 1 || len(recB.got()) != 0 {
		t.Fatalf("expected only A to hear the broadcast, got A=%v B=%v", recA.got(), recB.got())
	}
}

func TestAcceptRaceOneWinnerAndWithdrawal(t *testing.T) {
	h := newHarness(t)
	citizen, recA, recB := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)
	h.co.Attach("B", models.RoleRecycler, recB)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5})

	if _, err := h.co.Accept("A", r.ID); err != nil {
		t.Fatalf("accept A: %v", err)
	}

	// citizen learns who accepted
	waitFor(t, func() bool { return citizen.countType(events.TypeRequestAccepted) == 1 })
	var accepted events.RequestAccepted
	for _, ev := range citizen.got() {
		if a, ok := ev.(events.RequestAccepted); ok {
			accepted = a
		}
	}
	if accepted.RecyclerID != "A" || accepted.RequestID != r.ID {
		t.Fatalf("unexpected acceptance event: %+v", accepted)
	}

	// B saw the broadcast, so B gets the withdrawal
	if recB.countType(events.TypeRequestCancelled) != 1 {
		t.Fatalf("expected withdrawal for B, got %v", recB.got())
	}
	// the winner gets no withdrawal
	if recA.countType(events.TypeRequestCancelled) != 0 {
		t.Fatalf("winner must not get a withdrawal, got %v", recA.got())
	}

	// late accept from B loses with a conflict
	_, err := h.co.Accept("B", r.ID)
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestRejectSuppressesWithdrawal(t *testing.T) {
	h := newHarness(t)
	recA, recB := &fakeConn{}, &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA)
	h.co.Attach("B", models.RoleRecycler, recB)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "carton", Quantity: 2})
	h.co.Reject("B", r.ID)

	if _, err := h.co.Accept("A", r.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if recB.countType(events.TypeRequestCancelled) != 0 {
		t.Fatalf("rejected recycler must not get a withdrawal, got %v", recB.got())
	}
}

func TestCancelPendingThenAcceptIsInvalid(t *testing.T) {
	h := newHarness(t)
	recA := &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5})
	if _, err := h.co.Cancel("C", r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if recA.countType(events.TypeRequestCancelled) != 1 {
		t.Fatalf("expected withdrawal after cancel, got %v", recA.got())
	}

	var ite *store.InvalidTransitionError
	if _, err := h.co.Accept("A", r.ID); !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCompleteNotifiesCitizenAndEndsSession(t *testing.T) {
	h := newHarness(t)
	citizen, recA := &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "metal", Quantity: 1})
	h.co.Accept("A", r.ID)
	if _, err := h.co.Complete("A", r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if citizen.countType(events.TypeRequestCompleted) != 1 {
		t.Fatalf("expected completion event, got %v", citizen.got())
	}

	// session is gone: location traffic is rejected and reaches nobody
	before := citizen.countType(events.TypeRecyclerLocation)
	if err := h.co.PublishLocation("A", r.ID, models.Coord{Lat: 9}); err == nil {
		t.Fatal("expected rejection after completion")
	}
	if citizen.countType(events.TypeRecyclerLocation) != before {
		t.Fatal("sample leaked after session teardown")
	}
}

func TestLocationRelayAndLatestEstimateOnly(t *testing.T) {
	h := newHarness(t)
	citizen, recA := &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5, Lat: 10, Lng: 10})
	h.co.Accept("A", r.ID)

	// three samples in quick succession
	for i := 1; i <= 3; i++ {
		if err := h.co.PublishLocation("A", r.ID, models.Coord{Lat: float64(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return h.provider.callCount() == 3 })
	h.provider.releaseAll()

	// all three raw samples were live-delivered
	waitFor(t, func() bool { return citizen.countType(events.TypeRecyclerLocation) == 3 })

	// but only the estimate for the third sample arrives
	waitFor(t, func() bool { return citizen.countType(events.TypeRouteEstimate) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := citizen.countType(events.TypeRouteEstimate); n != 1 {
		t.Fatalf("expected exactly 1 estimate, got %d", n)
	}
	for _, ev := range citizen.got() {
		if e, ok := ev.(events.RouteEstimate); ok {
			if e.ETAMinutes != 3 {
				t.Fatalf("estimate does not correspond to the latest sample: %+v", e)
			}
		}
	}
}

func TestLocationFromWrongActorRejected(t *testing.T) {
	h := newHarness(t)
	citizen, recA, recB := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)
	h.co.Attach("B", models.RoleRecycler, recB)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5})
	h.co.Accept("A", r.ID)

	if err := h.co.PublishLocation("B", r.ID, models.Coord{Lat: 1}); !errors.Is(err, relay.ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
	if citizen.countType(events.TypeRecyclerLocation) != 0 {
		t.Fatal("sample from unbound recycler must never reach the citizen")
	}
}

func TestDisconnectDoesNotCancelAndRelayResumes(t *testing.T) {
	h := newHarness(t)
	citizen, recA := &fakeConn{}, &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)
	h.co.Attach("A", models.RoleRecycler, recA)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5})
	h.co.Accept("A", r.ID)

	// recycler drops mid-session
	h.co.Detach("A", recA)
	got, _ := h.st.Get(r.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("request must survive disconnection, got %s", got.Status)
	}

	// reconnect and resume streaming
	recA2 := &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA2)
	if err := h.co.PublishLocation("A", r.ID, models.Coord{Lat: 4}); err != nil {
		t.Fatalf("publish after reattach: %v", err)
	}
	if citizen.countType(events.TypeRecyclerLocation) != 1 {
		t.Fatalf("expected relay to resume, got %v", citizen.got())
	}
}

func TestOfflineCitizenGetsLatestSampleOnAttach(t *testing.T) {
	h := newHarness(t)
	recA := &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA)

	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "plastico", Quantity: 5})
	h.co.Accept("A", r.ID)

	h.co.PublishLocation("A", r.ID, models.Coord{Lat: 1})
	h.co.PublishLocation("A", r.ID, models.Coord{Lat: 2})

	citizen := &fakeConn{}
	h.co.Attach("C", models.RoleCitizen, citizen)

	locs := 0
	var last events.RecyclerLocation
	for _, ev := range citizen.got() {
		if e, ok := ev.(events.RecyclerLocation); ok {
			locs++
			last = e
		}
	}
	if locs != 1 || last.Lat != 2 {
		t.Fatalf("expected single coalesced latest sample, got %v", citizen.got())
	}
}

func TestLateAttachingRecyclerCatchesUp(t *testing.T) {
	h := newHarness(t)
	r, _ := h.co.CreateRequest("C", models.RequestInput{Material: "vidrio", Quantity: 3})

	recA := &fakeConn{}
	h.co.Attach("A", models.RoleRecycler, recA)

	got := recA.got()
	if len(got) != 1 {
		t.Fatalf("expected catch-up broadcast, got %v", got)
	}
	if ev, ok := got[0].(events.NewRequest); !ok || ev.Request.ID != r.ID {
		t.Fatalf("unexpected catch-up event: %+v", got[0])
	}

	// attaching again must not duplicate it
	h.co.Attach("A", models.RoleRecycler, &fakeConn{})
}
