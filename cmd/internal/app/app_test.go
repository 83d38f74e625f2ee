package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"modgate/cmd/internal/bus"
	"modgate/cmd/internal/gateway"
	"modgate/cmd/internal/store"
)

func newTestMux(t *testing.T, cfg Config) *http.ServeMux {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewInMemoryStore()
	b := bus.NewInMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	reg := gateway.NewRegistry()
	ws := gateway.NewWSGateway(log, reg, st, gateway.NewHandlers(log, st, b, reg))

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, false, ws)
	return mux
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rr.Code)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rr.Code)
	}
}

func TestReadyzRequiresDB(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{ReadinessRequireDB: true})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rr.Code)
	}
}
