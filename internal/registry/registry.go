// Package registry tracks the streams currently being served, so the server
// can report live counts, bound per-identity load, and reap streams whose
// consumer silently vanished.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/filebeam/filebeam/internal/logger"
)

// Stream is one in-flight download or playback session.
type Stream struct {
	ID        string
	RefID     int64
	ClientID  string
	RemoteIP  string
	StartedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	bytesSent    atomic.Int64

	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// Touch records consumer activity and the bytes just sent.
func (s *Stream) Touch(now time.Time, bytes int64) {
	s.lastActivity.Store(now.UnixNano())
	if bytes > 0 {
		s.bytesSent.Add(bytes)
	}
}

// BytesSent returns the total bytes written so far.
func (s *Stream) BytesSent() int64 {
	return s.bytesSent.Load()
}

// LastActivity returns the time of the most recent Touch.
func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// finish cancels the stream and runs its release hook exactly once, no matter
// how many of the teardown paths (handler return, deregister, reaper) fire.
func (s *Stream) finish() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// Registry is the set of active streams.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream

	maxAge   time.Duration
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
	onReap   func(n int)
}

// New creates a registry. maxAge is how long a stream may sit without
// activity before the reaper kills it; interval is the reaper period.
func New(maxAge, interval time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		maxAge:   maxAge,
		interval: interval,
		log:      log.WithComponent("registry"),
		now:      time.Now,
	}
}

// OnReap registers a callback invoked with the count of streams torn down by
// each CleanupStale pass. Must be set before RunReaper starts.
func (r *Registry) OnReap(fn func(n int)) {
	r.onReap = fn
}

// Register adds a stream. cancel tears down the fetch loop; release returns
// the identity's work-in-progress slot. Both run exactly once across every
// teardown path.
func (r *Registry) Register(refID int64, clientID, remoteIP string, cancel context.CancelFunc, release func()) *Stream {
	now := r.now()
	s := &Stream{
		ID:        uuid.NewString(),
		RefID:     refID,
		ClientID:  clientID,
		RemoteIP:  remoteIP,
		StartedAt: now,
		cancel:    cancel,
		release:   release,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()
	return s
}

// Deregister removes the stream and runs its teardown. Idempotent.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if ok {
		s.finish()
	}
}

// Count returns the number of active streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Touch updates activity for the stream, if it is still registered.
func (r *Registry) Touch(id string, bytes int64) {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if ok {
		s.Touch(r.now(), bytes)
	}
}

// CleanupStale tears down every stream idle longer than maxAge and returns
// how many were reaped.
func (r *Registry) CleanupStale() int {
	cutoff := r.now().Add(-r.maxAge)

	r.mu.Lock()
	var stale []*Stream
	for id, s := range r.streams {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.log.Warn("reaping stale stream",
			"stream_id", s.ID,
			"client_id", s.ClientID,
			"idle", r.now().Sub(s.LastActivity()).Round(time.Second),
			"bytes_sent", s.BytesSent())
		s.finish()
	}
	if len(stale) > 0 && r.onReap != nil {
		r.onReap(len(stale))
	}
	return len(stale)
}

// RunReaper periodically calls CleanupStale until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupStale(); n > 0 {
				r.log.Info("stale stream cleanup", "reaped", n, "active", r.Count())
			}
		}
	}
}
