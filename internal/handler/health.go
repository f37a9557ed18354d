package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/querypilot/querypilot/internal/models"
)

const version = "1.0.0"

// HealthChecker is implemented by clients that can report connectivity
type HealthChecker interface {
	TestConnection(ctx context.Context) error
}

// HealthHandler handles GET /health with optional dependency checks
type HealthHandler struct {
	checks map[string]HealthChecker
}

// NewHealthHandler takes named dependency checkers; nil entries report as
// disabled instead of failing.
func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"server": "ok"}
	overallStatus := "healthy"

	// Short timeout so health probes never hang
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, checker := range h.checks {
		if checker == nil {
			checks[name] = "disabled"
			continue
		}
		if err := checker.TestConnection(ctx); err != nil {
			checks[name] = "unavailable: " + err.Error()
			overallStatus = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	code := http.StatusOK
	if overallStatus != "healthy" {
		code = http.StatusServiceUnavailable
	}
	models.WriteJSON(w, code, models.HealthResponse{
		Status:  overallStatus,
		Version: version,
		Checks:  checks,
	})
}
