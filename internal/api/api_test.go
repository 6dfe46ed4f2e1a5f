package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/rollout"
	"github.com/cuemby/dsr/internal/store"
)

func newFixture() (*Server, store.Store, *registry.State) {
	st := store.NewMemStore()
	reg := registry.New()
	rc := rollout.New(st, reg)
	return New(st, reg, rc), st, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterVersion_AppliesDefaultsAndPersists(t *testing.T) {
	srv, st, _ := newFixture()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"image":         "web:v1",
		"internal_port": 8080,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v, err := st.GetVersion("web", "v1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "/health", v.HealthPath)
	assert.Equal(t, 1, v.DesiredReplicas)
	assert.Equal(t, 100, v.RouteWeight)
}

func TestRegisterVersion_RejectsInvalidServiceName(t *testing.T) {
	srv, _, _ := newFixture()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "Invalid_Name!",
		"version":       "v1",
		"internal_port": 8080,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterVersion_RejectsOutOfRangePort(t *testing.T) {
	srv, _, _ := newFixture()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListServices_IncludesVersions(t *testing.T) {
	srv, _, _ := newFixture()
	doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 8080,
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"versions"`)
	assert.Contains(t, rec.Body.String(), `"v1"`)
}

func TestScale_UpdatesReplicas(t *testing.T) {
	srv, st, _ := newFixture()
	doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 8080,
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/versions/v1/scale", map[string]any{"replicas": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	v, err := st.GetVersion("web", "v1")
	require.NoError(t, err)
	assert.Equal(t, 5, v.DesiredReplicas)
}

func TestScale_UnknownVersionReturns404(t *testing.T) {
	srv, _, _ := newFixture()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/versions/missing/scale", map[string]any{"replicas": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScale_NegativeReplicasRejected(t *testing.T) {
	srv, _, _ := newFixture()
	doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 8080,
	})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/versions/v1/scale", map[string]any{"replicas": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWeight_OutOfRangeRejected(t *testing.T) {
	srv, _, _ := newFixture()
	doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 8080,
	})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/versions/v1/weight", map[string]any{"weight": 150})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetire_ZeroesWeightAndReplicas(t *testing.T) {
	srv, st, _ := newFixture()
	doJSON(t, srv.Handler(), http.MethodPost, "/services", map[string]any{
		"service":       "web",
		"version":       "v1",
		"internal_port": 8080,
		"replicas":      3,
		"weight":        100,
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/versions/v1/retire", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	v, err := st.GetVersion("web", "v1")
	require.NoError(t, err)
	assert.EqualValues(t, "retired", v.State)
	assert.Equal(t, 0, v.RouteWeight)
	assert.Equal(t, 0, v.DesiredReplicas)
}

func TestEvents_RespectsLimit(t *testing.T) {
	srv, st, _ := newFixture()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.LogEvent("INFO", "event", "web", "v1"))
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
}

func TestStartRollout_RejectsInvalidVersionLabel(t *testing.T) {
	srv, _, _ := newFixture()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/rollout", map[string]any{
		"to_version": "Not Valid!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRollout_ThenList(t *testing.T) {
	srv, _, reg := newFixture()

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/services/web/rollout", map[string]any{
		"to_version":    "v2",
		"image":         "web:v2",
		"internal_port": 8080,
		"replicas":      1,
		"canary_weight": 10,
		"step_percent":  50,
		"max_wait_s":    1,
		"auto":          false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	id, _ := status["ID"].(string)
	require.NotEmpty(t, id)

	listRec := doJSON(t, srv.Handler(), http.MethodGet, "/rollouts", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), id)

	all := reg.ListRollouts()
	require.Len(t, all, 1)
}
