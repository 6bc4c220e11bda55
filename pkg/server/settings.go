package server

import (
	"sync"

	"github.com/cubeflix/cshd/pkg/config"
	"github.com/cubeflix/cshd/pkg/ratelimit"
)

// Settings holds the runtime-mutable server settings plus the set of
// setting names an admin command has touched since startup. Touched
// settings are written back to the config file on graceful shutdown.
type Settings struct {
	mu sync.RWMutex

	serverName             string
	rateLimit              []ratelimit.Rule
	sessionLimit           int
	defaultExpire          int64 // seconds; 0 = sessions never expire
	allowChangeExpire      bool
	sessionExpirationDelay int64 // seconds

	touched map[string]struct{}
}

func newSettings(cfg *config.Config) *Settings {
	return &Settings{
		serverName:             cfg.ServerName,
		rateLimit:              cfg.RateLimit,
		sessionLimit:           cfg.SessionLimit,
		defaultExpire:          cfg.DefaultExpire,
		allowChangeExpire:      cfg.AllowChangeExpire,
		sessionExpirationDelay: cfg.SessionExpirationDelay,
		touched:                make(map[string]struct{}),
	}
}

func (s *Settings) touch(names ...string) {
	for _, name := range names {
		s.touched[name] = struct{}{}
	}
}

// ServerName returns the current server name.
func (s *Settings) ServerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName
}

// SetServerName updates the server name and marks it touched.
func (s *Settings) SetServerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverName = name
	s.touch("server_name")
}

// RateLimit returns the current rule set.
func (s *Settings) RateLimit() []ratelimit.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimit
}

// SetRateLimit replaces the rule set and marks it touched.
func (s *Settings) SetRateLimit(rules []ratelimit.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rules
	s.touch("rate_limit")
}

// SessionLimit returns the per-user session cap (0 = unlimited).
func (s *Settings) SessionLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionLimit
}

// SetSessionLimit updates the session cap and marks it touched.
func (s *Settings) SetSessionLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLimit = limit
	s.touch("session_limit")
}

// Expiration returns the default TTL seconds and whether clients may choose
// their own at login.
func (s *Settings) Expiration() (defaultExpire int64, allowChange bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultExpire, s.allowChangeExpire
}

// SetExpiration updates both expiration settings and marks them touched.
func (s *Settings) SetExpiration(defaultExpire int64, allowChange bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultExpire = defaultExpire
	s.allowChangeExpire = allowChange
	s.touch("default_expire", "allow_change_expire")
}

// SessionExpirationDelay returns the sweeper period in seconds.
func (s *Settings) SessionExpirationDelay() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionExpirationDelay
}

// TouchedValues renders every touched setting in its config-file shape for
// the shutdown write-back.
func (s *Settings) TouchedValues() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.touched))
	for name := range s.touched {
		switch name {
		case "server_name":
			out[name] = s.serverName
		case "rate_limit":
			out[name] = config.RateLimitSetting(s.rateLimit)
		case "session_limit":
			out[name] = s.sessionLimit
		case "default_expire":
			out[name] = s.defaultExpire
		case "allow_change_expire":
			out[name] = s.allowChangeExpire
		case "session_expiration_delay":
			out[name] = s.sessionExpirationDelay
		}
	}
	return out
}
