package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
)

type HealthHandler struct {
	breakers *circuitbreaker.Registry
	redis    *redis.Client
	started  time.Time
}

func NewHealthHandler(breakers *circuitbreaker.Registry, client *redis.Client) *HealthHandler {
	return &HealthHandler{breakers: breakers, redis: client, started: time.Now()}
}

type healthStatus struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Redis     string            `json:"redis,omitempty"`
	Providers map[string]string `json:"providers"`
}

// Check reports liveness plus the circuit state of every provider seen so
// far. An open circuit degrades the status but never fails the check.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:    "healthy",
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Providers: map[string]string{},
	}

	for name, state := range h.breakers.States() {
		status.Providers[name] = state.String()
		if state != circuitbreaker.StateClosed {
			status.Status = "degraded"
		}
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx).Err(); err != nil {
			status.Redis = "unreachable"
			status.Status = "degraded"
		} else {
			status.Redis = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
