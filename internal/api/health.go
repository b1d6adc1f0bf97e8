package api

import (
	"net/http"
	"time"

	"github.com/snarg/callkernel/internal/database"
)

// HealthResponse is the /api/v1/health body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler reports liveness/readiness, including a live database ping.
type HealthHandler struct {
	db        *database.DB
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ok"

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
