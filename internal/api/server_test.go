package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvcalib/internal/metrics"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

func testManifest() *manifest.Manifest {
	params := func(scale float64, zp int) []manifest.Params {
		return []manifest.Params{{Scale: scale, ZeroPoint: zp, BitWidth: 8, Scheme: "asymmetric", Granularity: "per_tensor"}}
	}
	m := &manifest.Manifest{
		FormatVersion: manifest.FormatVersion,
		Metadata: manifest.Metadata{
			ModelID:   "toy-2l",
			RunID:     "run",
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Scheme:    "asymmetric",
			BitWidth:  8,
		},
		Layers: []manifest.Layer{
			{Index: 0, Name: "model.layers.0", Role: "attention_block", Tensors: []manifest.Tensor{
				{Role: manifest.RoleKey, Params: params(8.0/255, 96)},
				{Role: manifest.RoleValue, Params: params(0.01, 128)},
			}},
			{Index: 1, Name: "model.layers.1", Role: "attention_block", Tensors: []manifest.Tensor{
				{Role: manifest.RoleKey, Params: params(0.02, 120)},
				{Role: manifest.RoleValue, Params: params(0.03, 100)},
			}},
		},
	}
	return m
}

func newTestEcho(s *Server) *echo.Echo {
	e := echo.New()
	s.Register(e)
	return e
}

func doRequest(t *testing.T, e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLookup(t *testing.T) {
	t.Parallel()

	met := metrics.New()
	e := newTestEcho(NewServer(testManifest(), WithMetrics(met)))

	rec := doRequest(t, e, http.MethodGet, "/v1/layers/0/key")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got LookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Layer != 0 || got.Role != manifest.RoleKey || got.Entry.Params[0].ZeroPoint != 96 {
		t.Fatalf("unexpected lookup: %+v", got)
	}

	rec = doRequest(t, e, http.MethodGet, "/v1/layers/1/v")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"zero_point":100`) {
		t.Fatalf("short role alias: %d %s", rec.Code, rec.Body.String())
	}

	metricsRec := doRequest(t, e, http.MethodGet, "/metrics")
	if !strings.Contains(metricsRec.Body.String(), `kvcalib_lookups_total{result="hit"} 2`) {
		t.Fatalf("lookup hits not exported:\n%s", metricsRec.Body.String())
	}
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewServer(testManifest()))
	tests := []struct {
		path   string
		status int
		errTyp string
	}{
		{"/v1/layers/7/key", http.StatusNotFound, "not_found_error"},
		{"/v1/layers/0/normalization_input", http.StatusNotFound, "not_found_error"},
		{"/v1/layers/x/key", http.StatusBadRequest, "invalid_request_error"},
		{"/v1/layers/-1/key", http.StatusBadRequest, "invalid_request_error"},
		{"/v1/layers/0/query", http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tc := range tests {
		rec := doRequest(t, e, http.MethodGet, tc.path)
		if rec.Code != tc.status {
			t.Fatalf("%s: status got %d want %d body=%s", tc.path, rec.Code, tc.status, rec.Body.String())
		}
		var body struct {
			Error ResponseError `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.path, err)
		}
		if body.Error.Type != tc.errTyp || body.Error.Message == "" {
			t.Fatalf("%s: error body %+v", tc.path, body.Error)
		}
	}
}

func TestManifestAndListing(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewServer(testManifest()))

	rec := doRequest(t, e, http.MethodGet, "/v1/manifest")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status: %d", rec.Code)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.FormatVersion != manifest.FormatVersion || len(m.Layers) != 2 {
		t.Fatalf("manifest: %+v", m)
	}

	rec = doRequest(t, e, http.MethodGet, "/v1/layers")
	var list struct {
		Data []LayerSummary `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Data) != 2 || len(list.Data[1].Roles) != 2 || list.Data[1].Roles[0] != manifest.RoleKey {
		t.Fatalf("list: %+v", list.Data)
	}

	rec = doRequest(t, e, http.MethodGet, "/v1/manifest/metadata")
	if !strings.Contains(rec.Body.String(), `"model_id":"toy-2l"`) {
		t.Fatalf("metadata: %s", rec.Body.String())
	}
}

func TestEmptyServer(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewServer(nil))
	rec := doRequest(t, e, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "empty") {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, e, http.MethodGet, "/v1/layers/0/key"); rec.Code != http.StatusNotFound {
		t.Fatalf("lookup without manifest: %d", rec.Code)
	}
	if rec := doRequest(t, e, http.MethodPost, "/v1/reload"); rec.Code != http.StatusBadRequest {
		t.Fatalf("reload without path: %d", rec.Code)
	}
}

func TestLoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := manifest.Write(testManifest(), dir)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewServer(nil)
	if err := s.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	e := newTestEcho(s)
	if rec := doRequest(t, e, http.MethodGet, "/healthz"); !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health after load: %s", rec.Body.String())
	}

	updated := testManifest()
	updated.Metadata.ModelID = "toy-2l-v2"
	if _, err := manifest.Write(updated, dir); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	rec := doRequest(t, e, http.MethodPost, "/v1/reload")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "toy-2l-v2") {
		t.Fatalf("reload: %d %s", rec.Code, rec.Body.String())
	}

	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(`{"format_version": 3}`), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	rec = doRequest(t, e, http.MethodPost, "/v1/reload")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("reload of unsupported version: %d %s", rec.Code, rec.Body.String())
	}
	// The previous manifest keeps serving.
	if rec := doRequest(t, e, http.MethodGet, "/v1/layers/1/key"); rec.Code != http.StatusOK {
		t.Fatalf("lookup after failed reload: %d", rec.Code)
	}
}

func TestParseLookup(t *testing.T) {
	t.Parallel()

	if _, _, err := parseLookup("3", "bogus"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	layer, role, err := parseLookup("12", "k")
	if err != nil || layer != 12 || role != manifest.RoleKey {
		t.Fatalf("parseLookup: %d %q %v", layer, role, err)
	}
}
