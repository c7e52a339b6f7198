package route

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

// Adapter enforces at most one in-flight estimate per request id. A new
// Estimate for the same request cancels the pending call; a result that
// arrives after being superseded or cancelled is discarded, so the
// delivered estimate always corresponds to the latest sample.
type Adapter struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	cancel context.CancelFunc
}

func NewAdapter(provider Provider, timeout time.Duration, logger *slog.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
		inflight: make(map[string]*call),
	}
}

// Estimate schedules a route computation for requestID. deliver runs
// only if the call is still current when the provider answers; onErr
// runs for current calls that fail. No automatic retries.
func (a *Adapter) Estimate(requestID string, origin, dest models.Coord, deliver func(models.RouteEstimate), onErr func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	c := &call{cancel: cancel}

	a.mu.Lock()
	if prev, ok := a.inflight[requestID]; ok {
		prev.cancel()
	}
	a.inflight[requestID] = c
	a.mu.Unlock()

	go func() {
		defer cancel()
		est, err := a.provider.Route(ctx, origin, dest)

		a.mu.Lock()
		current := a.inflight[requestID] == c
		if current {
			delete(a.inflight, requestID)
		}
		a.mu.Unlock()

		if !current || ctx.Err() == context.Canceled {
			return // superseded or session torn down: stale, discard
		}
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		deliver(est)
	}()
}

// Cancel drops any pending estimate for requestID. Called when the
// request leaves the accepted state.
func (a *Adapter) Cancel(requestID string) {
	a.mu.Lock()
	c, ok := a.inflight[requestID]
	if ok {
		delete(a.inflight, requestID)
	}
	a.mu.Unlock()
	if ok {
		c.cancel()
		a.logger.Debug("pending estimate cancelled", "request_id", requestID)
	}
}
