package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cubeflix/cshd/internal/logger"
	"github.com/cubeflix/cshd/pkg/auth"
)

// Table errors surfaced to the protocol layer.
var (
	// ErrInvalid covers missing, expired, username-mismatched and
	// IP-mismatched sessions.
	ErrInvalid = errors.New("session: invalid or expired")
	// ErrLimit reports that the per-user session limit is reached.
	ErrLimit = errors.New("session: too many sessions for user")
)

type genReply struct {
	id  string
	err error
}

// Table owns all live sessions. A single generator goroutine is the sole
// producer of session IDs: login callers rendezvous with it over a channel,
// which serializes generation and removes any need for a compare-and-set
// loop on the map.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	genReqs  chan chan genReply

	// now is the clock, swappable in tests.
	now func() time.Time

	// onSweep, when set, receives the live-session count after each sweep.
	onSweep func(live int)
}

// NewTable creates an empty session table.
func NewTable() *Table {
	t := &Table{
		sessions: make(map[string]*Session),
		genReqs:  make(chan chan genReply),
		now:      time.Now,
	}
	return t
}

// RunGenerator runs the session-ID generation worker until the context is
// cancelled. Exactly one generator must run per table.
func (t *Table) RunGenerator(ctx context.Context) error {
	logger.Info("session ID generator running")
	for {
		select {
		case <-ctx.Done():
			logger.Info("session ID generator stopped")
			return ctx.Err()
		case reply := <-t.genReqs:
			reply <- t.generateUnique()
		}
	}
}

// generateUnique produces an ID not currently present in the table,
// regenerating on the (cryptographically improbable) collision.
func (t *Table) generateUnique() genReply {
	for {
		id, err := auth.NewSessionID()
		if err != nil {
			return genReply{err: err}
		}
		t.mu.Lock()
		_, taken := t.sessions[id]
		t.mu.Unlock()
		if !taken {
			return genReply{id: id}
		}
	}
}

// RunSweeper periodically removes expired sessions until the context is
// cancelled.
func (t *Table) RunSweeper(ctx context.Context, period time.Duration) error {
	logger.Info("session expiration sweeper running", "period", period)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("session expiration sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// Sweep removes every expired session and returns how many were removed.
func (t *Table) Sweep() int {
	now := t.now()
	t.mu.Lock()
	removed := 0
	for id, s := range t.sessions {
		if s.Expired(now) {
			delete(t.sessions, id)
			removed++
		}
	}
	fn, live := t.onSweep, len(t.sessions)
	t.mu.Unlock()
	if fn != nil {
		fn(live)
	}
	return removed
}

// OnSweep registers fn to receive the live-session count after every sweep,
// so a gauge tracking the table stays current when the sweeper removes
// sessions.
func (t *Table) OnSweep(fn func(live int)) {
	t.mu.Lock()
	t.onSweep = fn
	t.mu.Unlock()
}

// Login installs a new session for the user. The per-user limit check and
// the insertion are a single critical section; limit 0 means unlimited. The
// ID comes from the generator worker, so Login blocks until RunGenerator
// serves the request.
func (t *Table) Login(ctx context.Context, username, peerIP string, expireAfter time.Duration, limit int) (Session, error) {
	reply := make(chan genReply, 1)
	select {
	case t.genReqs <- reply:
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
	var gen genReply
	select {
	case gen = <-reply:
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
	if gen.err != nil {
		return Session{}, gen.err
	}

	now := t.now()
	s := &Session{
		ID:          gen.id,
		Username:    username,
		PeerIP:      peerIP,
		CreatedAt:   now,
		ExpireAfter: expireAfter,
	}
	if expireAfter > 0 {
		s.ExpiresAt = now.Add(expireAfter)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 {
		live := 0
		for _, existing := range t.sessions {
			if existing.Username == username {
				live++
			}
		}
		if live >= limit {
			return Session{}, ErrLimit
		}
	}
	t.sessions[gen.id] = s
	return *s, nil
}

// Validate checks that the session exists, belongs to the username, was
// logged in from peerIP, and has not expired. An expired session is removed
// atomically with the check. A successful check renews the deadline with
// the session's originally chosen TTL and returns a snapshot.
func (t *Table) Validate(id, username, peerIP string) (Session, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrInvalid
	}
	if s.Username != username || s.PeerIP != peerIP {
		return Session{}, ErrInvalid
	}
	if s.Expired(now) {
		delete(t.sessions, id)
		return Session{}, ErrInvalid
	}
	if s.ExpireAfter > 0 {
		s.ExpiresAt = now.Add(s.ExpireAfter)
	}
	return *s, nil
}

// Has reports whether a session ID is present.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

// SetCwd updates a session's current directory.
func (t *Table) SetCwd(id, cwd string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	s.Cwd = cwd
	return true
}

// Remove deletes one session; false when it was not present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return false
	}
	delete(t.sessions, id)
	return true
}

// Clear empties the table and returns the number of sessions dropped.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.sessions)
	t.sessions = make(map[string]*Session)
	return n
}

// ClearUser removes every session belonging to the user.
func (t *Table) ClearUser(username string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.sessions {
		if s.Username == username {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
