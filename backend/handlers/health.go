package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/upb/policy-gate/backend/app"
	"go.uber.org/zap"
)

// HealthCheck returns a simple liveness handler
func HealthCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck probes the stores the gate cannot serve without. Redis
// being down degrades the fair-use guard but does not fail readiness.
func ReadinessCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true

		if deps.DB == nil {
			ready = false
			checks["database"] = "not_initialized"
		} else if err := deps.DB.PingContext(ctx); err != nil {
			ready = false
			checks["database"] = "unhealthy"
			deps.Logger.Error("database health check failed", zap.Error(err))
		} else {
			checks["database"] = "healthy"
		}

		if deps.Redis == nil {
			checks["redis"] = "not_initialized"
		} else if err := deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "degraded"
			deps.Logger.Warn("redis health check failed", zap.Error(err))
		} else {
			checks["redis"] = "healthy"
		}

		status := "ready"
		code := http.StatusOK
		if !ready {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}
