package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/docmutex/pkg/health"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
)

type stubCheckable struct{ err error }

func (s stubCheckable) HealthCheck(context.Context) error { return s.err }

func newTestManagementServer(t *testing.T, storeErr error, held []string) *ManagementServer {
	t.Helper()
	registry := health.NewRegistry()
	registry.Register(health.NewAdapterChecker("store:jobs", stubCheckable{err: storeErr}, time.Second))
	return NewManagementServer("127.0.0.1:0", logger.NewNop(), registry, metrics.NewRegistry(), func() []string { return held })
}

func serve(s *ManagementServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestManagementServer_HealthEndpoint(t *testing.T) {
	s := newTestManagementServer(t, errors.New("down"), nil)
	rec := serve(s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestManagementServer_ReadyEndpoint(t *testing.T) {
	if rec := serve(newTestManagementServer(t, nil, nil), "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when the store is reachable, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := serve(newTestManagementServer(t, errors.New("connection refused"), nil), "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var result health.AggregatedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Status != health.StatusUnhealthy || len(result.Checks) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestManagementServer_MetricsEndpoint(t *testing.T) {
	metrics.RecordAcquire("jobs", "single", "claimed", 1)
	rec := serve(newTestManagementServer(t, nil, nil), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime metrics in exposition")
	}
}

func TestManagementServer_LeasesEndpoint(t *testing.T) {
	rec := serve(newTestManagementServer(t, nil, []string{"a", "b"}), "/leases")
	var body struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 2 || body.Keys[0] != "a" {
		t.Fatalf("unexpected body: %+v", body)
	}

	rec = serve(newTestManagementServer(t, nil, nil), "/leases")
	if !strings.Contains(rec.Body.String(), `"keys":[]`) {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestManagementServer_MethodNotAllowed(t *testing.T) {
	s := newTestManagementServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := newTestManagementServer(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatal("server did not start listening")
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartFailsOnBadAddr(t *testing.T) {
	s := NewServer(Config{Addr: "256.0.0.1:bad"}, http.NotFoundHandler(), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() before start = %v", err)
	}
}
