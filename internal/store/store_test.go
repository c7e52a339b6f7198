package store

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

func testLogger() *slog.Logger { return slog.Default() }

func newPending(t *testing.T, s *Store) models.Request {
	t.Helper()
	r, err := s.Create("c1", models.RequestInput{Material: "plastico", Quantity: 5, Lat: 1, Lng: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.StatusPending {
		t.Fatalf("expected pendiente, got %s", r.Status)
	}
	return r
}

func TestCreateValidation(t *testing.T) {
	s := New(testLogger())
	if _, err := s.Create("", models.RequestInput{Material: "vidrio", Quantity: 1}); err == nil {
		t.Fatal("expected error for empty citizen")
	}
	if _, err := s.Create("c1", models.RequestInput{Quantity: 1}); err == nil {
		t.Fatal("expected error for empty material")
	}
	if _, err := s.Create("c1", models.RequestInput{Material: "vidrio", Quantity: 0}); err == nil {
		t.Fatal("expected error for zero quantity")
	}
}

func TestLifecycleAcceptComplete(t *testing.T) {
	s := New(testLogger())
	r := newPending(t, s)

	r2, err := s.Transition(r.ID, EventAccept, "rec1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r2.Status != models.StatusAccepted || r2.RecyclerID != "rec1" {
		t.Fatalf("unexpected state after accept: %+v", r2)
	}

	r3, err := s.Transition(r.ID, EventComplete, "rec1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r3.Status != models.StatusCompleted {
		t.Fatalf("expected completada, got %s", r3.Status)
	}

	// terminal states absorb
	if _, err := s.Transition(r.ID, EventCancel, "c1"); err == nil {
		t.Fatal("expected invalid transition from completada")
	}
}

func TestCancelGuards(t *testing.T) {
	s := New(testLogger())

	// pending: only the owning citizen
	r := newPending(t, s)
	if _, err := s.Transition(r.ID, EventCancel, "rec1"); err == nil {
		t.Fatal("expected rejection for non-owner cancel of pending")
	}
	if _, err := s.Transition(r.ID, EventCancel, "c1"); err != nil {
		t.Fatalf("citizen cancel of pending: %v", err)
	}

	// accepted: either bound party, nobody else
	r = newPending(t, s)
	if _, err := s.Transition(r.ID, EventAccept, "rec1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.Transition(r.ID, EventCancel, "stranger"); err == nil {
		t.Fatal("expected rejection for stranger cancel")
	}
	if _, err := s.Transition(r.ID, EventCancel, "rec1"); err != nil {
		t.Fatalf("recycler cancel of accepted: %v", err)
	}
}

func TestCompleteRequiresBoundActor(t *testing.T) {
	s := New(testLogger())
	r := newPending(t, s)

	if _, err := s.Transition(r.ID, EventComplete, "rec1"); err == nil {
		t.Fatal("expected invalid complete from pendiente")
	}
	if _, err := s.Transition(r.ID, EventAccept, "rec1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.Transition(r.ID, EventComplete, "stranger"); err == nil {
		t.Fatal("expected rejection for unbound actor")
	}
	var ite *InvalidTransitionError
	_, err := s.Transition(r.ID, EventComplete, "stranger")
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestAcceptAfterCancelIsInvalidTransition(t *testing.T) {
	s := New(testLogger())
	r := newPending(t, s)
	if _, err := s.Transition(r.ID, EventCancel, "c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var ite *InvalidTransitionError
	if _, err := s.Transition(r.ID, EventAccept, "rec1"); !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	s := New(testLogger())
	r := newPending(t, s)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(r.ID, EventAccept, "rec"+string(rune('A'+i)))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		var ce *ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", n-1, wins, conflicts)
	}

	got, _ := s.Get(r.ID)
	if got.Status != models.StatusAccepted || got.RecyclerID == "" {
		t.Fatalf("expected bound accepted request, got %+v", got)
	}
}

func TestTransitionUnknownRequest(t *testing.T) {
	s := New(testLogger())
	var nf *NotFoundError
	if _, err := s.Transition("nope", EventAccept, "rec1"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

type recordingPersister struct {
	mu      sync.Mutex
	saves   int
	updates int
}

func (p *recordingPersister) SaveRequest(models.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	return nil
}

func (p *recordingPersister) UpdateRequest(models.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	return nil
}

func TestPersisterMirrorsMutations(t *testing.T) {
	p := &recordingPersister{}
	s := New(testLogger(), WithPersister(p))
	r := newPending(t, s)
	if _, err := s.Transition(r.ID, EventAccept, "rec1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.saves != 1 || p.updates != 1 {
		t.Fatalf("expected 1 save and 1 update, got %d/%d", p.saves, p.updates)
	}
}

func TestListByActorAndStatus(t *testing.T) {
	s := New(testLogger())
	r1 := newPending(t, s)
	newPending(t, s)
	if _, err := s.Transition(r1.ID, EventAccept, "rec1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := len(s.ListByStatus(models.StatusPending)); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	if got := len(s.ListByActor("c1")); got != 2 {
		t.Fatalf("expected 2 for citizen, got %d", got)
	}
	if got := len(s.ListByActor("rec1")); got != 1 {
		t.Fatalf("expected 1 for recycler, got %d", got)
	}
}
