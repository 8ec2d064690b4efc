package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/redis"
)

const readinessTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Dispensary-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings postgres and redis. Either failing reports 503 with the failing component.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP redis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Dispensary-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{}
		var failed error
		if dbP == nil {
			checks["postgres"] = "missing"
			failed = pkgerrors.New(pkgerrors.CodeDependency, "postgres client not configured")
		} else if err := dbP.Ping(ctx); err != nil {
			checks["postgres"] = "down"
			failed = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "postgres unreachable")
		} else {
			checks["postgres"] = "ok"
		}
		if redisP == nil {
			checks["redis"] = "missing"
			failed = pkgerrors.New(pkgerrors.CodeDependency, "redis client not configured")
		} else if err := redisP.Ping(ctx); err != nil {
			checks["redis"] = "down"
			failed = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redis unreachable")
		} else {
			checks["redis"] = "ok"
		}

		if failed != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.As(failed).WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
