package service

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainlab/relprop/pkg/domain"
)

const testManifest = `
name: test-net
layers:
  - kind: linear
    in: 2
    out: 2
    weights: [1, 1, 2, 0]
  - kind: relu
  - kind: linear
    in: 2
    out: 1
    weights: [1, 1]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelPath = writeManifest(t, testManifest)
	cfg.WatchModel = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(cfg, logger)
	require.NoError(t, err)
	return srv
}

func testMux(t *testing.T, srv *Server) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	return mux
}

func TestAttributeEndpoint(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	body := strings.NewReader(`{"inputs":[{"shape":[1,2],"data":[1,2]}],"delta":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/attribute", body)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var resp AttributeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "test-net", resp.Model)
	assert.NotEmpty(t, resp.RunID)
	require.Len(t, resp.Values, 1)
	assert.Equal(t, []int{1, 2}, resp.Values[0].Shape)
	assert.InDeltaSlice(t, []float64{3, 2}, resp.Values[0].Data, 1e-6)
	require.Len(t, resp.Delta, 1)
	assert.InDelta(t, 0, resp.Delta[0], 1e-6)
}

func TestAttributeEndpointAllLayers(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	body := strings.NewReader(`{"inputs":[{"shape":[1,2],"data":[1,2]}],"all_layers":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/attribute", body)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AttributeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// One entry for the input plus one per traversed layer.
	require.Len(t, resp.Layers, 4)
	assert.Equal(t, resp.Values[0].Data, resp.Layers[0].Data)
	assert.InDeltaSlice(t, []float64{1}, resp.Layers[3].Data, 1e-6)
}

func TestAttributeEndpointValidation(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid json",
			body:       `{"inputs":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "no inputs",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "shape data mismatch",
			body:       `{"inputs":[{"shape":[1,3],"data":[1,2]}]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "non-positive dimension",
			body:       `{"inputs":[{"shape":[1,0],"data":[]}]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "empty target",
			body:       `{"inputs":[{"shape":[1,2],"data":[1,2]}],"target":{}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_TARGET",
		},
		{
			name:       "conflicting target selectors",
			body:       `{"inputs":[{"shape":[1,2],"data":[1,2]}],"target":{"index":0,"indices":[0]}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_TARGET",
		},
		{
			name:       "target out of range",
			body:       `{"inputs":[{"shape":[1,2],"data":[1,2]}],"target":{"index":5}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_TARGET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/attribute", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var errResp domain.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.wantCode, errResp.Code)
			assert.NotEmpty(t, errResp.Message)
		})
	}
}

func TestAttributeEndpointMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/attribute", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAttributeEndpointBodyLimit(t *testing.T) {
	srv := newTestServer(t)
	srv.config.MaxBodyBytes = 64
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	big := `{"inputs":[{"shape":[1,2],"data":[1,2]}],"padding":"` + strings.Repeat("x", 256) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/attribute", strings.NewReader(big))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "REQUEST_TOO_LARGE", errResp.Code)
}

func TestAttributeEndpointModelNotLoaded(t *testing.T) {
	srv := newTestServer(t)
	mux := testMux(t, srv)

	body := strings.NewReader(`{"inputs":[{"shape":[1,2],"data":[1,2]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/attribute", body)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "MODEL_NOT_LOADED", errResp.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	mux := testMux(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.NotEmpty(t, status.Reason)

	require.NoError(t, srv.store.Load())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test-net", status.Model)
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	mux := testMux(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Load())
	mux := testMux(t, srv)

	body := strings.NewReader(`{"inputs":[{"shape":[1,2],"data":[1,2]}]}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/attribute", body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	metrics := rec.Body.String()
	assert.Contains(t, metrics, `relprop_attributions_total{status="success"} 1`)
	assert.Contains(t, metrics, `relprop_model_layers{model="test-net"} 3`)
	assert.Contains(t, metrics, "relprop_http_requests_total")
}
