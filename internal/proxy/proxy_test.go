package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmrig/runner/internal/catalog"
	"github.com/wasmrig/runner/internal/state"
)

func newTestRouter(t *testing.T) (*Router, *state.CatalogState) {
	t.Helper()
	c, err := catalog.Load("../../testdata")
	require.NoError(t, err)
	cs := state.NewCatalogState(c)
	return &Router{State: cs, Stats: state.NewStatsStore()}, cs
}

func TestHealthEndpointAlwaysOK(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestUnknownPrefixReturns404(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/nowhere/x", nil)
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no service registered")
}

func TestPathNotInOpenApiReturns404(t *testing.T) {
	rt, cs := newTestRouter(t)
	desc, ok := cs.Descriptor("hello")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/"+desc.Prefix+"/not-declared", nil)
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not declared in openapi")
}

func TestNoHealthyReplicaReturns503(t *testing.T) {
	rt, cs := newTestRouter(t)
	desc, ok := cs.Descriptor("hello")
	require.True(t, ok)

	cs.UpdateReplica("hello", 0, func(r *state.Replica) { r.HealthState = state.HealthOffline })

	req := httptest.NewRequest(http.MethodGet, "/"+desc.Prefix+"/hello", nil)
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRootPathDelegatesToDashboard(t *testing.T) {
	rt, _ := newTestRouter(t)
	rt.Dashboard = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("dashboard home"))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	rt.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dashboard home", rec.Body.String())
}

func TestRouteReturnsBackendStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	rt, cs := newTestRouter(t)
	desc, ok := cs.Descriptor("hello")
	require.True(t, ok)

	backendPort := backend.Listener.Addr().(*net.TCPAddr).Port
	cs.UpdateReplica("hello", 0, func(r *state.Replica) { r.Port = backendPort })

	status, err := rt.Route(context.Background(), desc.Prefix, "/hello")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
}
