// Package metrics exposes the prometheus instrumentation for cshd: request
// and connection counters, error-code counts, and the live-session gauge.
// When a metrics address is configured, Serve publishes them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubeflix/cshd/internal/logger"
)

var (
	// ConnectionsAccepted counts TCP connections accepted by the server.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cshd",
		Name:      "connections_accepted_total",
		Help:      "TCP connections accepted by the server.",
	})

	// RequestsTotal counts handled requests by command name.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cshd",
		Name:      "requests_total",
		Help:      "Requests handled, labelled by command.",
	}, []string{"command"})

	// ErrorsTotal counts error responses by protocol code.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cshd",
		Name:      "errors_total",
		Help:      "Error responses written, labelled by protocol code.",
	}, []string{"code"})

	// LiveSessions tracks the current session-table size.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cshd",
		Name:      "live_sessions",
		Help:      "Sessions currently present in the session table.",
	})

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cshd",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the per-IP rate limiter.",
	})
)

// RecordError bumps the error counter for a protocol code.
func RecordError(code int64) {
	ErrorsTotal.WithLabelValues(strconv.FormatInt(code, 10)).Inc()
}

// Serve publishes /metrics on addr until the context is cancelled. A
// graceful shutdown returns nil.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
