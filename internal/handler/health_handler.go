package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports the health of each backing dependency by name.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type HealthHandler struct {
	checker HealthChecker
	logger  *zap.Logger
}

func NewHealthHandler(checker HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger}
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Service: "convert-service", Checks: map[string]string{}}
	statusCode := http.StatusOK

	for name, err := range h.checker.HealthCheck(ctx) {
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
			h.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, h.logger, statusCode, resp)
}
