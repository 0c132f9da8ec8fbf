package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eddielth/nodecore/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewRouter(SourceFunc(func() map[string]interface{} { return nil }), nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	state := "running"
	h := NewRouter(SourceFunc(func() map[string]interface{} {
		return map[string]interface{}{"state": state, "hardware_id": "hw-1"}
	}), nil)

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hw-1", body["hardware_id"])

	state = "safe_mode"
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/status").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.CommandProcessed("run_pump", "ACCEPTED")

	h := NewRouter(SourceFunc(func() map[string]interface{} { return nil }), reg)
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nodecore_commands_total{command="run_pump",status="ACCEPTED"} 1`)

	assert.Equal(t, http.StatusNotFound, get(t, NewRouter(SourceFunc(func() map[string]interface{} { return nil }), nil), "/metrics").Code)
}
