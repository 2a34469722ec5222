package fanout

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthReport is the body served by the health endpoint.
type HealthReport struct {
	Status      string    `json:"status"`
	Service     string    `json:"service"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      float64   `json:"uptime"`
	Connections int       `json:"connections"`
}

// Health returns a handler reporting liveness of the server.
func (s *Server) Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{
			Status:      "ok",
			Service:     service,
			Timestamp:   time.Now().UTC(),
			Uptime:      s.Uptime().Seconds(),
			Connections: s.ConnectionCount(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			s.logger.Error().Err(err).Msg("failed to write health report")
		}
	}
}
