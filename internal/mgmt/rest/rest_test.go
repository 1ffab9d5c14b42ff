package rest_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/config"
	"github.com/jroosing/packetforge/internal/controlbus"
	"github.com/jroosing/packetforge/internal/mgmt/rest"
	"github.com/jroosing/packetforge/internal/mgmt/runtime"
	"github.com/jroosing/packetforge/internal/telemetry"
)

func testConfig() config.Config {
	return config.Config{
		Flows: []config.Flow{{DstIP: "10.0.0.1", DstPort: 80, SrcIPLo: "10.0.0.2", SrcIPHi: "10.0.0.2"}},
		Load:  config.Load{MaxConcurrent: 16, Mode: config.ModeUnlimited},
		Mgmt:  config.Mgmt{RESTPort: 8080, CLIPrompt: "packetforge> "},
	}
}

func newTestServer(t *testing.T) *rest.Server {
	t.Helper()
	bus := controlbus.New(1, 8)
	rt := runtime.New(testConfig(), bus, telemetry.NewRegistry(), nil, nil, nil, nil)
	return rest.New(rt, nil)
}

func performRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 0, snap.TCBCount)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodGet, "/api/v1/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "packetforge_tcb_active")
}

func TestGetAndPutConfig(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.Engine(), http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var cfg config.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	cfg.Load.MaxConcurrent = 32

	body, err := json.Marshal(cfg)
	require.NoError(t, err)
	w = performRequest(s.Engine(), http.MethodPut, "/api/v1/config", string(body))
	assert.Equal(t, http.StatusOK, w.Code)

	w = performRequest(s.Engine(), http.MethodGet, "/api/v1/config", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, uint32(32), cfg.Load.MaxConcurrent)
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodPut, "/api/v1/config", `{"flows":[],"load":{"mode":"unlimited","max_concurrent":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRejectsUnknownPort(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodPost, "/api/v1/start",
		`{"port_id":0,"dst_ip":"10.0.0.1","rate_pps":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartWithoutDstIPArmsConfiguredFlows(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodPost, "/api/v1/start", `{"duration_s":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStop(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodPost, "/api/v1/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProfilesWithoutStore(t *testing.T) {
	s := newTestServer(t)
	w := performRequest(s.Engine(), http.MethodGet, "/api/v1/profiles", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
