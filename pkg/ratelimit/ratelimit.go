// Package ratelimit implements per-client-IP admission control against an
// ordered list of (window, max requests) rules. A request is admitted only
// when every rule simultaneously has room for it.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule is one admission window: at most Max requests per Window seconds.
type Rule struct {
	WindowSeconds int64
	Max           int64
}

// Limiter applies a rule set per client IP. Each IP carries one token bucket
// per rule, refilled at Max/Window with burst Max. Replacing the rules drops
// all existing per-IP state, so counters reset on reconfiguration.
type Limiter struct {
	mu      sync.Mutex
	rules   []Rule
	clients map[string][]*rate.Limiter
}

// New creates a limiter for the given rules. An empty rule set admits
// everything.
func New(rules []Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		clients: make(map[string][]*rate.Limiter),
	}
}

// Allow reports whether one request from the client IP is admitted now.
// The request counts against every window; when any window is full, the
// request is refused (and still consumed from the windows that had room,
// matching first-match-wins bucket semantics).
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rules) == 0 {
		return true
	}

	buckets, ok := l.clients[ip]
	if !ok {
		buckets = make([]*rate.Limiter, len(l.rules))
		for i, r := range l.rules {
			if r.Max <= 0 || r.WindowSeconds <= 0 {
				// Degenerate rule: admit nothing.
				buckets[i] = rate.NewLimiter(0, 0)
				continue
			}
			interval := time.Duration(r.WindowSeconds) * time.Second
			buckets[i] = rate.NewLimiter(rate.Every(interval/time.Duration(r.Max)), int(r.Max))
		}
		l.clients[ip] = buckets
	}

	admitted := true
	for _, b := range buckets {
		if !b.Allow() {
			admitted = false
		}
	}
	return admitted
}

// SetRules replaces the rule set and resets all per-IP counters.
func (l *Limiter) SetRules(rules []Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = rules
	l.clients = make(map[string][]*rate.Limiter)
}

// Rules returns a copy of the current rule set.
func (l *Limiter) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Enabled reports whether any rules are configured.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rules) > 0
}
