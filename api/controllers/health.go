package controllers

import (
	"context"
	"net/http"

	"github.com/ordermesh/ordermesh-backend/api/responses"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
)

// Pinger is any dependency that can answer a readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthLive reports process liveness without touching dependencies.
func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OrderMesh-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings each named dependency and reports 503 when any is down.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OrderMesh-Env", cfg.App.Env)

		statuses := map[string]string{}
		var failed string
		var cause error
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(r.Context()); err != nil {
				statuses[name] = "down"
				failed = name
				cause = err
				continue
			}
			statuses[name] = "up"
		}

		if failed != "" {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeDependency, cause, failed+" unavailable").WithDetails(statuses))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "dependencies": statuses})
	}
}
