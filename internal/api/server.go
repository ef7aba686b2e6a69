// Package api serves an exported KV quantization manifest over HTTP so a
// serving engine or operator can look parameters up by layer and role.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvcalib/internal/logger"
	"github.com/samcharles93/kvcalib/internal/metrics"
	"github.com/samcharles93/kvcalib/pkg/manifest"
)

// Lookup results recorded in metrics.
const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultInvalid = "invalid"
)

type Server struct {
	mu   sync.RWMutex
	m    *manifest.Manifest
	path string

	metrics *metrics.Metrics
	log     logger.Logger
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer serves m. m may be nil until Load succeeds.
func NewServer(m *manifest.Manifest, opts ...Option) *Server {
	s := &Server{m: m, log: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the manifest at path and swaps it in. The path is remembered
// for POST /v1/reload.
func (s *Server) Load(path string) error {
	m, err := manifest.Read(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m, s.path = m, path
	s.mu.Unlock()
	s.log.Info("manifest loaded", "path", path, "layers", len(m.Layers), "model_id", m.Metadata.ModelID)
	return nil
}

func (s *Server) current() (*manifest.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.m == nil {
		return nil, ErrNoManifest
	}
	return s.m, nil
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/manifest", s.handleManifest)
	e.GET("/v1/manifest/metadata", s.handleMetadata)
	e.GET("/v1/layers", s.handleListLayers)
	e.GET("/v1/layers/:layer/:role", s.handleLookup)
	e.POST("/v1/reload", s.handleReload)
}

func (s *Server) handleHealth(c *echo.Context) error {
	_, err := s.current()
	status := "ok"
	if err != nil {
		status = "empty"
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleManifest(c *echo.Context) error {
	m, err := s.current()
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleMetadata(c *echo.Context) error {
	m, err := s.current()
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"format_version": m.FormatVersion,
		"metadata":       m.Metadata,
	})
}

// LayerSummary is one row of GET /v1/layers.
type LayerSummary struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
}

func (s *Server) handleListLayers(c *echo.Context) error {
	m, err := s.current()
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	out := make([]LayerSummary, 0, len(m.Layers))
	for _, l := range m.Layers {
		row := LayerSummary{Index: l.Index, Name: l.Name, Role: l.Role, Roles: make([]string, 0, len(l.Tensors))}
		for _, t := range l.Tensors {
			row.Roles = append(row.Roles, t.Role)
		}
		out = append(out, row)
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": out})
}

// LookupResponse is the body of GET /v1/layers/:layer/:role.
type LookupResponse struct {
	Layer int             `json:"layer"`
	Role  string          `json:"role"`
	Entry manifest.Tensor `json:"entry"`
}

func (s *Server) handleLookup(c *echo.Context) error {
	layer, role, err := parseLookup(c.Param("layer"), c.Param("role"))
	if err != nil {
		s.metrics.Lookup(resultInvalid)
		return writeBadRequest(c, err.Error(), "")
	}
	m, err := s.current()
	if err != nil {
		s.metrics.Lookup(resultMiss)
		return writeNotFound(c, err.Error())
	}
	t, ok := m.Lookup(layer, role)
	if !ok {
		s.metrics.Lookup(resultMiss)
		return writeNotFound(c, fmt.Sprintf("no %s parameters for layer %d", role, layer))
	}
	s.metrics.Lookup(resultHit)
	return c.JSON(http.StatusOK, LookupResponse{Layer: layer, Role: role, Entry: t})
}

func parseLookup(layerParam, role string) (int, string, error) {
	layer, err := strconv.Atoi(layerParam)
	if err != nil || layer < 0 {
		return 0, "", newInvalidRequest(fmt.Sprintf("layer must be a non-negative integer, got %q", layerParam))
	}
	switch role {
	case manifest.RoleKey, manifest.RoleValue, manifest.RoleNormalizationInput, manifest.RoleNormalizationWeight:
		return layer, role, nil
	case "k":
		return layer, manifest.RoleKey, nil
	case "v":
		return layer, manifest.RoleValue, nil
	}
	return 0, "", newInvalidRequest(fmt.Sprintf("unknown tensor role %q", role))
}

func (s *Server) handleReload(c *echo.Context) error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return writeBadRequest(c, "server was not started from a manifest file", "")
	}
	if err := s.Load(path); err != nil {
		s.log.Error("manifest reload failed", "path", path, "error", err)
		if errors.Is(err, manifest.ErrUnsupportedVersion) || errors.Is(err, manifest.ErrInvalid) {
			return writeError(c, http.StatusUnprocessableEntity, "invalid_manifest_error", err.Error(), "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	return s.handleMetadata(c)
}
