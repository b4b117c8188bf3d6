package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giveawayd/fulfill"
	"giveawayd/sched"
)

// SettlementController is the slice of the settlement processor the admin
// surface drives.
type SettlementController interface {
	Pause()
	Resume()
	Status() fulfill.Status
}

// JobRunner triggers scheduled jobs out of cadence.
type JobRunner interface {
	Trigger(ctx context.Context, name string) error
}

// Config wires the admin HTTP surface.
type Config struct {
	Settlement  SettlementController
	Jobs        JobRunner
	Logger      *slog.Logger
	BearerToken string
}

// Handler builds the admin router: health, status, pause controls, manual
// job triggers, and Prometheus metrics. Mutating routes require the bearer
// token when one is configured.
func Handler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Settlement == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settlement not wired"})
			return
		}
		writeJSON(w, http.StatusOK, cfg.Settlement.Status())
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.BearerToken))

		r.Post("/settlement/pause", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Settlement == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settlement not wired"})
				return
			}
			cfg.Settlement.Pause()
			logger.Info("settlement paused by operator")
			writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
		})
		r.Post("/settlement/resume", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Settlement == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settlement not wired"})
				return
			}
			cfg.Settlement.Resume()
			logger.Info("settlement resumed by operator")
			writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
		})
		r.Post("/jobs/{name}/run", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Jobs == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not wired"})
				return
			}
			name := chi.URLParam(req, "name")
			err := cfg.Jobs.Trigger(req.Context(), name)
			switch {
			case err == nil:
				logger.Info("job triggered by operator", "job", name)
				writeJSON(w, http.StatusOK, map[string]string{"status": "ran", "job": name})
			case errors.Is(err, sched.ErrUnknownJob):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			case errors.Is(err, sched.ErrJobBusy):
				writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			default:
				logger.Error("triggered job failed", "job", name, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		})
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			header := req.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || got != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
