package upstream

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
)

// DefaultSessionReadCap bounds concurrent FetchChunk calls per pooled session.
const DefaultSessionReadCap = 8

// Pool keeps at most one media session per (identity, data-center) pair and
// serializes concurrent opens of the same pair through a singleflight group.
// Sessions stay open until invalidated or the pool is closed.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*PooledSession

	group   singleflight.Group
	readCap int64
	log     *logger.Logger
}

// PooledSession wraps a Session with a per-session read semaphore so one hot
// file cannot monopolize the underlying connection.
type PooledSession struct {
	session Session
	sem     *semaphore.Weighted
	key     string
}

// NewPool creates a session pool. readCap caps concurrent reads per session;
// zero or negative selects DefaultSessionReadCap.
func NewPool(log *logger.Logger, readCap int64) *Pool {
	if readCap <= 0 {
		readCap = DefaultSessionReadCap
	}
	return &Pool{
		sessions: make(map[string]*PooledSession),
		readCap:  readCap,
		log:      log,
	}
}

func sessionKey(clientID string, dcID int) string {
	return fmt.Sprintf("%s/%d", clientID, dcID)
}

// GetOrOpen returns the pooled session for (client, dcID), dialing it if
// absent. Concurrent callers for the same pair share a single dial; losers
// of the race receive the winner's session.
func (p *Pool) GetOrOpen(ctx context.Context, client Client, dcID int) (*PooledSession, error) {
	key := sessionKey(client.ID(), dcID)

	p.mu.RLock()
	ps, ok := p.sessions[key]
	p.mu.RUnlock()
	if ok {
		return ps, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		// Re-check under the group: another flight may have populated the
		// map between our read and the Do call.
		p.mu.RLock()
		existing, ok := p.sessions[key]
		p.mu.RUnlock()
		if ok {
			return existing, nil
		}

		p.log.Debug("dialing media session", "client_id", client.ID(), "dc_id", dcID)
		sess, err := client.DialMediaSession(ctx, dcID)
		if err != nil {
			return nil, fmt.Errorf("dial media session dc %d: %w", dcID, err)
		}

		ps := &PooledSession{
			session: sess,
			sem:     semaphore.NewWeighted(p.readCap),
			key:     key,
		}
		p.mu.Lock()
		p.sessions[key] = ps
		p.mu.Unlock()
		return ps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PooledSession), nil
}

// Invalidate drops and closes the session for (clientID, dcID). The next
// GetOrOpen dials a fresh one. Used after auth-migration and dead-session
// errors.
func (p *Pool) Invalidate(clientID string, dcID int) {
	key := sessionKey(clientID, dcID)

	p.mu.Lock()
	ps, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	if ok {
		p.log.Debug("invalidating media session", "client_id", clientID, "dc_id", dcID)
		if err := ps.session.Close(); err != nil {
			p.log.Warn("closing invalidated session", "key", key, "error", err)
		}
	}
}

// Len returns the number of open sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Close tears down every pooled session.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*PooledSession)
	p.mu.Unlock()

	for key, ps := range sessions {
		if err := ps.session.Close(); err != nil {
			p.log.Warn("closing pooled session", "key", key, "error", err)
		}
	}
}

// FetchChunk acquires a read slot on the session, blocking while the session
// is saturated, then delegates to the underlying session.
func (ps *PooledSession) FetchChunk(ctx context.Context, loc locator.FileLocator, offset, limit int64) ([]byte, error) {
	if err := ps.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer ps.sem.Release(1)
	return ps.session.FetchChunk(ctx, loc, offset, limit)
}
