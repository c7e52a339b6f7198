// Package registry maps a user id to its live transport. One transport
// per user; sends to an offline user buffer into a bounded, time-boxed
// queue that flushes FIFO on the next attach.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Conn is the write side of a transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// SendResult tells the caller what happened to an event.
type SendResult int

const (
	// SendDelivered: written to a live transport.
	SendDelivered SendResult = iota
	// SendBuffered: user offline, queued for the next attach.
	SendBuffered
	// SendDropped: user offline and the buffer window is exhausted.
	// This is the delivery-failure signal; the coordinator decides
	// whether to re-send on a later state-affecting event.
	SendDropped
)

func (r SendResult) String() string {
	switch r {
	case SendDelivered:
		return "delivered"
	case SendBuffered:
		return "buffered"
	default:
		return "dropped"
	}
}

type buffered struct {
	key   string // non-empty for coalescing sends
	event any
	at    time.Time
}

// session serializes all writes for one user. Holding its lock across a
// write keeps per-transport delivery strictly FIFO.
type session struct {
	mu     sync.Mutex
	conn   Conn // nil while offline
	buffer []buffered
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session

	bufferSize int
	bufferTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Registry)

func WithBuffer(size int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.bufferSize = size
		r.bufferTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*session),
		bufferSize: 32,
		bufferTTL:  2 * time.Minute,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) session(userID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		s = &session{}
		r.sessions[userID] = s
	}
	return s
}

// Attach binds conn as the user's live transport, superseding and
// closing any previous one, then flushes the offline buffer in FIFO
// order. Entries older than the buffer TTL are discarded.
func (r *Registry) Attach(userID string, conn Conn) {
	s := r.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		r.logger.Info("transport superseded", "user_id", userID)
	}
	s.conn = conn

	cutoff := r.now().Add(-r.bufferTTL)
	for i, b := range s.buffer {
		if b.at.Before(cutoff) {
			continue
		}
		if err := conn.WriteJSON(b.event); err != nil {
			// keep what we could not flush for the next attach
			r.logger.Warn("flush write failed", "user_id", userID, "error", err)
			s.conn = nil
			_ = conn.Close()
			s.buffer = s.buffer[i:]
			return
		}
	}
	s.buffer = nil
}

// Detach removes conn if it is still the user's live transport. A
// superseded connection detaching late must not tear down its
// replacement.
func (r *Registry) Detach(userID string, conn Conn) {
	s := r.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Connected reports whether the user has a live transport.
func (r *Registry) Connected(userID string) bool {
	s := r.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send delivers event to the user, buffering while offline.
func (r *Registry) Send(userID string, event any) SendResult {
	return r.send(userID, "", event)
}

// SendCoalesced behaves like Send, but while the user is offline a
// buffered event with the same key is replaced in place instead of
// queued behind. Used for latest-wins traffic such as location samples.
func (r *Registry) SendCoalesced(userID, key string, event any) SendResult {
	return r.send(userID, key, event)
}

func (r *Registry) send(userID, key string, event any) SendResult {
	s := r.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.WriteJSON(event); err == nil {
			return SendDelivered
		} else {
			// broken transport: drop it and fall through to buffering
			r.logger.Warn("write failed, detaching transport", "user_id", userID, "error", err)
			_ = s.conn.Close()
			s.conn = nil
		}
	}

	now := r.now()
	if key != "" {
		for i := range s.buffer {
			if s.buffer[i].key == key {
				s.buffer[i].event = event
				s.buffer[i].at = now
				return SendBuffered
			}
		}
	}

	// prune expired entries before judging capacity
	cutoff := now.Add(-r.bufferTTL)
	kept := s.buffer[:0]
	for _, b := range s.buffer {
		if !b.at.Before(cutoff) {
			kept = append(kept, b)
		}
	}
	s.buffer = kept

	if len(s.buffer) >= r.bufferSize {
		return SendDropped
	}
	s.buffer = append(s.buffer, buffered{key: key, event: event, at: now})
	return SendBuffered
}
