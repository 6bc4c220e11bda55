// Package session implements the in-memory session table: creation through
// the serialized ID generator, validation with TTL renewal and peer-IP
// binding, and the periodic expiration sweep.
package session

import "time"

// Session is one authenticated context. Sessions live only in the table;
// callers receive value copies and mutate through Table methods so every
// access stays behind the table lock.
type Session struct {
	// ID is the 128-hex-character opaque token.
	ID string

	// Username is the account that logged the session in.
	Username string

	// PeerIP is the IP of the connection that performed the login. Commands
	// presenting this session from another IP are refused.
	PeerIP string

	// CreatedAt is the login instant.
	CreatedAt time.Time

	// ExpireAfter is the TTL chosen at login time; zero means the session
	// never expires. Renewal re-arms this same duration.
	ExpireAfter time.Duration

	// ExpiresAt is the current deadline; zero when ExpireAfter is zero.
	ExpiresAt time.Time

	// Cwd is the session's current directory, relative to the server root
	// with no leading separator. The root is the empty string.
	Cwd string
}

// Expired reports whether the session's deadline has passed at the given
// instant. Sessions without a deadline never expire.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
