// Package server implements the CSH server: the TCP/TLS accept loop, the
// one-request-per-connection handler, and the session and admin command
// dispatch tables.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/cubeflix/cshd/internal/logger"
	"github.com/cubeflix/cshd/pkg/config"
	"github.com/cubeflix/cshd/pkg/metrics"
	"github.com/cubeflix/cshd/pkg/ratelimit"
	"github.com/cubeflix/cshd/pkg/sandbox"
	"github.com/cubeflix/cshd/pkg/session"
	"github.com/cubeflix/cshd/pkg/users"
)

// Version is the protocol-visible server version, stamped at build time.
var Version = "1.3.3"

// Language is the implementation-language tag reported by status requests.
const Language = "go"

// Server owns all shared state: the users store, the session table, the
// runtime settings, the rate limiter and the path sandbox. One Server runs
// one listener.
type Server struct {
	cfg      *config.Config
	users    *users.Store
	sessions *session.Table
	settings *Settings
	limiter  *ratelimit.Limiter
	box      *sandbox.Sandbox

	mu       sync.Mutex
	listener net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once

	handlers sync.WaitGroup
}

// New builds a server from the configuration and an opened users store. The
// server root must exist, be a directory, and be fully accessible; a root
// that fails the access check aborts startup rather than failing on the
// first client command.
func New(cfg *config.Config, store *users.Store) (*Server, error) {
	box, err := sandbox.New(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve server root: %w", err)
	}
	if err := checkRootAccess(box.Root()); err != nil {
		return nil, err
	}

	sessions := session.NewTable()
	sessions.OnSweep(func(live int) {
		metrics.LiveSessions.Set(float64(live))
	})

	return &Server{
		cfg:      cfg,
		users:    store,
		sessions: sessions,
		settings: newSettings(cfg),
		limiter:  ratelimit.New(cfg.RateLimit),
		box:      box,
		shutdown: make(chan struct{}),
	}, nil
}

// Sessions returns the session table, so the caller can run the ID generator
// and the expiration sweeper alongside the accept loop.
func (s *Server) Sessions() *session.Table {
	return s.sessions
}

// Settings returns the runtime-mutable settings.
func (s *Server) Settings() *Settings {
	return s.settings
}

// Root returns the absolute server root path.
func (s *Server) Root() string {
	return s.box.Root()
}

// Listen opens the server socket, plain TCP or TLS depending on the secure
// setting. Call before Serve.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var ln net.Listener
	var err error
	if sec := s.cfg.Secure; sec != nil {
		cert, cerr := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if cerr != nil {
			return fmt.Errorf("load TLS key pair: %w", cerr)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   sec.MinVersion,
		})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("server listening", "addr", ln.Addr().String(), "tls", s.cfg.Secure != nil, "root", s.box.Root())
	return nil
}

// Addr returns the bound listener address; nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the context is cancelled or a shutdown is
// requested, then waits for in-flight handlers to drain. A stop through
// either path returns nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		case <-stopped:
		}
		ln.Close()
	}()
	defer close(stopped)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.stopping(ctx) {
				break
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		s.handlers.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.handlers.Wait()
	logger.Info("server stopped")
	return nil
}

func (s *Server) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// RequestShutdown asks the accept loop to stop. Safe to call more than once
// and from command handlers.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Info("shutdown requested")
		close(s.shutdown)
	})
}

// ShutdownRequested is closed once a shutdown has been requested.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// checkRootAccess verifies the root exists, is a directory, and is readable,
// writable and traversable by this process.
func checkRootAccess(root string) error {
	st, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("server root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("server root %q is not a directory", root)
	}
	if _, err := os.ReadDir(root); err != nil {
		return fmt.Errorf("server root is not readable: %w", err)
	}
	probe, err := os.CreateTemp(root, ".cshd-access-*")
	if err != nil {
		return fmt.Errorf("server root is not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("server root is not writable: %w", err)
	}
	return nil
}
