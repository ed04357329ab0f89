package server

import (
	"net/http"
	"time"

	"github.com/solanagram/backend/internal/metrics"
)

// handleHealth reports the orchestrator and its two hard dependencies.
// Either one failing degrades the whole answer to 503 so container
// orchestration restarts us instead of routing traffic here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	status := "healthy"

	if err := s.db.Ping(); err != nil {
		services["database"] = "error: " + err.Error()
		status = "degraded"
	} else {
		services["database"] = "connected"
	}

	if err := s.sup.PingRuntime(r.Context()); err != nil {
		services["docker"] = "error: " + err.Error()
		status = "degraded"
	} else {
		services["docker"] = "connected"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func (s *Server) handleLoginPerformance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		metrics.LoginStats
	}{
		Success:    true,
		LoginStats: s.logins.Stats(),
	})
}
