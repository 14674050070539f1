// Package handler provides HTTP handlers for the diagnostics API.
package handler

import (
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/crustclub/crustclub/internal/api/models"
	"github.com/crustclub/crustclub/internal/api/response"
	"github.com/crustclub/crustclub/internal/supervisor"
)

// StateReporter exposes the supervisor phase.
type StateReporter interface {
	State() supervisor.State
}

// OpsHandler handles liveness and readiness probes.
type OpsHandler struct {
	version   string
	buildTime string
	state     StateReporter
	clock     clockwork.Clock
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, state StateReporter, clock clockwork.Clock) *OpsHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OpsHandler{version: version, buildTime: buildTime, state: state, clock: clock}
}

// HealthCheck handles GET /healthz.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.clock.Now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /readyz. The daemon is ready while the supervisor is scheduling passes.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	state := h.state.State()
	health := models.Health{
		Status:  models.HealthStatusOK,
		Time:    models.Timestamp(h.clock.Now()),
		Details: map[string]any{"supervisor": string(state)},
	}
	status := http.StatusOK
	if state != supervisor.StateIntensive && state != supervisor.StateRegular {
		health.Status = models.HealthStatusFail
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}
