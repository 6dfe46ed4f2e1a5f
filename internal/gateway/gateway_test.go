package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/store"
)

func TestServeHTTP_NoHealthyBackendReturns503(t *testing.T) {
	reg := registry.New()
	st := store.NewMemStore()
	gw := New(reg, st, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/web/anything", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTP_ProxiesToSelectedBackendAndSetsHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	reg := registry.New()
	reg.SetTargets("web", []registry.RouteTarget{
		{Service: "web", Version: "v1", BaseURL: upstream.URL, Weight: 100},
	})
	st := store.NewMemStore()
	gw := New(reg, st, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/web/ping", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "web", rec.Header().Get("X-Reconciler-Service"))
	assert.Equal(t, "v1", rec.Header().Get("X-Reconciler-Version"))
	assert.Equal(t, "pong", rec.Body.String())
}

func TestServeHTTP_UpstreamErrorReturns502(t *testing.T) {
	reg := registry.New()
	reg.SetTargets("web", []registry.RouteTarget{
		// Nothing listens on this port; the proxy dial must fail.
		{Service: "web", Version: "v1", BaseURL: "http://127.0.0.1:1", Weight: 100},
	})
	st := store.NewMemStore()
	gw := New(reg, st, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/web/ping", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServeHTTP_EmptyServicePathReturns404(t *testing.T) {
	reg := registry.New()
	st := store.NewMemStore()
	gw := New(reg, st, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
