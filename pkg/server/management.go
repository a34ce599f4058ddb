package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimburion/docmutex/pkg/health"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
)

// HeldKeysFunc reports the keys currently leased by this process.
type HeldKeysFunc func() []string

// ManagementServer exposes health, readiness, metrics and held leases of a
// lease-holding process on a separate port.
type ManagementServer struct {
	*Server
	router          *mux.Router
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	heldKeys        HeldKeysFunc
}

// NewManagementServer registers the management endpoints:
//   - /health: liveness, always 200
//   - /ready: runs the health registry, 503 when unhealthy
//   - /metrics: Prometheus exposition
//   - /leases: keys held by this process
func NewManagementServer(addr string, log logger.Logger, healthRegistry *health.Registry, metricsRegistry *metrics.Registry, heldKeys HeldKeysFunc) *ManagementServer {
	r := mux.NewRouter()
	s := &ManagementServer{
		Server: NewServer(Config{
			Addr:         addr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, r, log),
		router:          r,
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		heldKeys:        heldKeys,
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metricsRegistry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/leases", s.handleLeases).Methods(http.MethodGet)
	return s
}

// Router returns the underlying router for registering extra routes.
func (s *ManagementServer) Router() *mux.Router {
	return s.router
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) handleLeases(w http.ResponseWriter, _ *http.Request) {
	keys := []string{}
	if s.heldKeys != nil {
		if held := s.heldKeys(); held != nil {
			keys = held
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
