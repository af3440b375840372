package server

import (
	"net/http"
	"time"

	"github.com/microshop/gateway/internal/breaker"
	"github.com/microshop/gateway/internal/httputil"
	"github.com/microshop/gateway/internal/proxy"
)

// Control endpoints are handled by the gateway itself and never forwarded.

type serviceStatus struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Health      string    `json:"health"`
	Enabled     bool      `json:"enabled"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "gateway",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness tracks the process only; backend health never gates it.
	if !s.ready.Load() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	backends := s.reg.List()
	out := make([]serviceStatus, 0, len(backends))
	for _, b := range backends {
		out = append(out, serviceStatus{
			Name:        b.Name,
			Address:     b.URL.String(),
			Health:      string(b.Health),
			Enabled:     b.Enabled,
			LastChecked: b.LastChecked,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]serviceStatus{"services": out})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string][]proxy.Route{"routes": s.table.Routes()})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string][]breaker.Snapshot{"breakers": s.bank.Snapshot()})
}
