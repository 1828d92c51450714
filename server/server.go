// Package server exposes the operational HTTP surface: health and readiness
// probes, a per-bot status view, and Prometheus metrics. Interactive OAuth
// callbacks are NOT served here; each authorization flow runs its own
// short-lived listener on the bot's configured port.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perplexistential/twitch-creamery/telemetry"
)

// StatusSource reports per-bot session states; satisfied by bot.Supervisor.
type StatusSource interface {
	Snapshot() map[string]string
}

// NewMux returns the HTTP handler with all routes. db may be nil when the
// runtime uses the file token store; readiness then skips the DB ping.
func NewMux(sup StatusSource, db *sql.DB) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "db not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"bots": map[string]string{}}
		if sup != nil {
			body["bots"] = sup.Snapshot()
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("failed to encode status response", slog.Any("err", err))
		}
	})

	return withCorrelation(mux)
}

// withCorrelation injects a correlation id into each request context so
// request-scoped logs can be stitched together.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelation(r.Context(), id)))
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func Start(ctx context.Context, addr string, sup StatusSource, db *sql.DB) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(sup, db),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
