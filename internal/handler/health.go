package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck — проверка зависимости (БД, Redis). nil — жива.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health отдаёт 200, если все проверки прошли, иначе 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = "down"
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Message: "degraded", Data: status})
		return
	}
	writeOK(w, http.StatusOK, "ok", status)
}
