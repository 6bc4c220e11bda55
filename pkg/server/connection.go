package server

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/cubeflix/cshd/internal/logger"
	"github.com/cubeflix/cshd/pkg/metrics"
	"github.com/cubeflix/cshd/pkg/protocol"
	"github.com/cubeflix/cshd/pkg/session"
	"github.com/cubeflix/cshd/pkg/users"
	"github.com/cubeflix/cshd/pkg/wire"
)

// handleConn serves exactly one request: rate-limit check, frame read,
// decode, route, respond, close. Failures at any stage become a normal
// error response; nothing propagates out of the handler.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.handlers.Done()
	defer conn.Close()
	// A panic anywhere below must not take down the accept loop; the client
	// gets a code 11 response and the connection closes as usual.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler", "panic", r)
			s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeInternal, "Error handling connection: [%v]", r)))
		}
	}()
	metrics.ConnectionsAccepted.Inc()

	ip := peerIP(conn.RemoteAddr())

	if !s.limiter.Allow(ip) {
		metrics.RateLimited.Inc()
		s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeRateLimited, "Exceeded rate limit.")))
		return
	}

	msg, err := wire.ReadMessage(conn, 0)
	if err != nil {
		if errors.Is(err, wire.ErrBadMagic) {
			s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeBadMagic, "Invalid CSH header.")))
			return
		}
		s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeInternal, "Error handling connection: [%v]", err)))
		return
	}

	req, perr := protocol.ParseRequest(msg)
	if perr != nil {
		s.respond(conn, protocol.BuildError(perr))
		return
	}

	var resp wire.Map
	var after func()
	switch r := req.(type) {
	case protocol.LoginRequest:
		metrics.RequestsTotal.WithLabelValues("login").Inc()
		logger.Info("log in request", "ip", ip, "user", r.Username)
		resp = s.handleLogin(ctx, r, ip)
	case protocol.StatusRequest:
		metrics.RequestsTotal.WithLabelValues("status").Inc()
		logger.Info("status request", "ip", ip)
		resp = s.handleStatus()
	case protocol.AdminRequest:
		metrics.RequestsTotal.WithLabelValues("admin").Inc()
		logger.Info("admin request", "ip", ip, "user", r.Username)
		resp, after = s.handleAdmin(r)
	case protocol.ClearSessionsRequest:
		metrics.RequestsTotal.WithLabelValues("clear_sessions").Inc()
		logger.Info("clear user sessions request", "ip", ip, "user", r.Username)
		resp = s.handleClearSessions(r)
	case protocol.CommandRequest:
		resp = s.handleCommand(r, ip)
	default:
		resp = protocol.BuildError(protocol.Errf(protocol.CodeInternal, "Error handling connection: [unhandled request]"))
	}

	s.respond(conn, resp)
	if after != nil {
		after()
	}
}

// respond encodes and writes one response frame. An encode failure on a
// success response is downgraded to a serialization error; a write failure
// on a success response is reported back as code 7. Failures while already
// responding with an error are only logged, so the fallback cannot recurse.
func (s *Server) respond(conn net.Conn, m wire.Map) {
	code, _ := m.GetInt("code")
	isError := code != 0
	if isError {
		metrics.RecordError(code)
	}

	payload, err := wire.Encode(m)
	if err != nil {
		logger.Error("response encoding failed", "error", err)
		if !isError {
			s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeSerializeFailed,
				"Serialization error. Data might be too big. Consider sending it in packets. [%v]", err)))
		}
		return
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		logger.Error("error responding", "error", err)
		if !isError {
			s.respond(conn, protocol.BuildError(protocol.Errf(protocol.CodeRespondFailed, "Error responding: [%v]", err)))
		}
	}
}

// handleLogin authenticates, applies the session limit, and installs a new
// session through the ID generator.
func (s *Server) handleLogin(ctx context.Context, r protocol.LoginRequest, ip string) wire.Map {
	if _, perr := s.authenticate(r.Username, r.Password); perr != nil {
		return protocol.BuildError(perr)
	}

	defaultExpire, allowChange := s.settings.Expiration()
	expireSeconds := defaultExpire
	if allowChange && r.ExpirationTime != nil {
		expireSeconds = *r.ExpirationTime
	}
	var expireAfter time.Duration
	if expireSeconds > 0 {
		expireAfter = time.Duration(expireSeconds) * time.Second
	}

	sess, err := s.sessions.Login(ctx, r.Username, ip, expireAfter, s.settings.SessionLimit())
	if err != nil {
		if errors.Is(err, session.ErrLimit) {
			return protocol.BuildError(protocol.Errf(protocol.CodeSessionLimit, "Too many sessions for user."))
		}
		return protocol.BuildError(protocol.AsError(err, protocol.CodeCommandFailed))
	}
	metrics.LiveSessions.Set(float64(s.sessions.Count()))

	logger.Info("session created", "user", r.Username, "ip", ip)
	return protocol.OKWith(map[string]any{
		"session_id": sess.ID,
		"timestamp":  utcTimestamp(sess.CreatedAt),
	})
}

// handleStatus builds the unauthenticated status/ping response.
func (s *Server) handleStatus() wire.Map {
	return protocol.OKWith(map[string]any{
		"status":    "OK",
		"timestamp": utcTimestamp(time.Now()),
		"version":   Version,
		"name":      s.settings.ServerName(),
		"os":        runtime.GOOS,
		"language":  Language,
	})
}

// handleClearSessions drops every session of the authenticated user.
func (s *Server) handleClearSessions(r protocol.ClearSessionsRequest) wire.Map {
	if _, perr := s.authenticate(r.Username, r.Password); perr != nil {
		return protocol.BuildError(perr)
	}
	n := s.sessions.ClearUser(r.Username)
	metrics.LiveSessions.Set(float64(s.sessions.Count()))
	logger.Info("cleared user sessions", "user", r.Username, "count", n)
	return protocol.OK()
}

// handleCommand validates the session and dispatches an integer session
// command.
func (s *Server) handleCommand(r protocol.CommandRequest, ip string) wire.Map {
	def, ok := sessionCommands[r.Command]
	if !ok {
		return protocol.BuildError(protocol.Errf(protocol.CodeUnknownCommand, "Command ID is invalid."))
	}
	metrics.RequestsTotal.WithLabelValues(def.name).Inc()

	sess, err := s.sessions.Validate(r.SessionID, r.Username, ip)
	if err != nil {
		return protocol.BuildError(protocol.Errf(protocol.CodeInvalidSession, "Session invalid or expired."))
	}

	if perr := s.checkPermission(sess.Username, def.perm); perr != nil {
		return protocol.BuildError(perr)
	}

	logger.Info("preforming command", "command", def.name, "user", sess.Username, "args", protocol.Describe(r.Args))

	resp, perr := def.run(s, sess, r.Args)
	if perr != nil {
		return protocol.BuildError(perr)
	}
	return resp
}

// authenticate resolves a username/password pair to a user record, mapping
// failures onto codes 13 and 14.
func (s *Server) authenticate(username, password string) (users.User, *protocol.Error) {
	u, ok := s.users.Get(username)
	if !ok {
		return users.User{}, protocol.Errf(protocol.CodeNoSuchUser, "User doesn't exist.")
	}
	if _, ok := s.users.Authenticate(username, password); !ok {
		return users.User{}, protocol.Errf(protocol.CodeBadPassword, "Invalid password.")
	}
	return u, nil
}

// checkPermission verifies the user still exists and holds the tier the
// command requires.
func (s *Server) checkPermission(username string, perm permTier) *protocol.Error {
	denied := protocol.Errf(protocol.CodePermissionDenied, "User does not have permission to preform this command.")

	u, ok := s.users.Get(username)
	if !ok {
		return denied
	}
	switch perm {
	case permNone:
		return nil
	case permRead:
		if !u.Permissions.CanRead() {
			return denied
		}
	case permWrite:
		if !u.Permissions.CanWrite() {
			return denied
		}
	}
	return nil
}

// utcTimestamp renders a time as the protocol's UTC 9-tuple
// (year, month, day, hour, minute, second, weekday, yearday, isdst), with
// Monday as weekday 0.
func utcTimestamp(t time.Time) wire.Tuple {
	u := t.UTC()
	return wire.Tuple{
		int64(u.Year()),
		int64(u.Month()),
		int64(u.Day()),
		int64(u.Hour()),
		int64(u.Minute()),
		int64(u.Second()),
		int64((int(u.Weekday()) + 6) % 7),
		int64(u.YearDay()),
		int64(0),
	}
}

// peerIP extracts the bare IP from a remote address.
func peerIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
