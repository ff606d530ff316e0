package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/metrics"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
	"github.com/Sternrassler/estate-sync/pkg/store"
)

const (
	serverRequestTimeout = 10 * time.Second
	serverReadTimeout    = 10 * time.Second
	serverWriteTimeout   = 15 * time.Second
	serverIdleTimeout    = 60 * time.Second
)

// statusSource is what the status endpoints read.
type statusSource interface {
	Status(ctx context.Context, recent int) (refresh.StatusReport, error)
}

// pinger reports whether a backing service is reachable.
type pinger func(ctx context.Context) error

// newRouter builds the status server.
func newRouter(src statusSource, runs store.Store, ready pinger, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
		loggingMiddleware(logger),
	)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(ready))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", statusHandler(src))
	r.Get("/runs/{id}", runHandler(runs))
	return r
}

func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func readyHandler(ready pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}
}

func statusHandler(src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recent := 10
		if v := r.URL.Query().Get("recent"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "recent must be a non-negative integer", http.StatusBadRequest)
				return
			}
			recent = n
		}
		report, err := src.Status(r.Context(), recent)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, report)
	}
}

func runHandler(runs store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "run not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, refresh.SummaryFromRun(run))
	}
}
