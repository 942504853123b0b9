// Package api contains the HTTP handlers for the persona generation service.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"personaforge/internal/export"
	"personaforge/internal/logging"
	"personaforge/internal/persona"
	"personaforge/internal/service"
	"personaforge/internal/store"
	"personaforge/pkg/models"
)

const (
	serviceName    = "personaforge"
	serviceVersion = "1.0.0"

	defaultArtifacts = 5
	maxArtifacts     = 100
)

// Server holds the dependencies for the API server.
type Server struct {
	gen    *service.Generator
	logger *logging.Logger
}

// NewServer creates a new Server.
func NewServer(gen *service.Generator, logger *logging.Logger) *Server {
	return &Server{gen: gen, logger: logger}
}

// Register mounts all handlers on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/generate", s.HandleGenerate)
	e.GET("/artifacts", s.HandleArtifacts)
	e.GET("/health", s.HandleHealth)
	e.GET("/info", s.HandleInfo)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   serviceName,
		Version:   serviceVersion,
	})
}

// GenerateResponse is the /generate response body.
type GenerateResponse struct {
	Success bool            `json:"success"`
	Persona *models.Persona `json:"persona"`
	Artifacts struct {
		Requested int `json:"requested"`
		Persisted int `json:"persisted"`
		Rejected  int `json:"rejected"`
		Failed    int `json:"failed"`
	} `json:"artifacts"`
	OutputFile    string                `json:"output_file,omitempty"`
	Manifest      *models.BatchManifest `json:"manifest,omitempty"`
	ElapsedMillis int64                 `json:"elapsed_ms"`
}

// HandleGenerate builds a persona from the description and generates its
// artifact set in one call.
// (GET /generate?description=...&artifacts=5&temperature=0.7)
func (s *Server) HandleGenerate(c echo.Context) error {
	ctx := c.Request().Context()

	rc, verbose, err := parseGenerateParams(c)
	if err != nil {
		return err
	}

	report, err := s.gen.Run(ctx, rc)
	if err != nil {
		var buildErr *persona.BuildError
		if errors.As(err, &buildErr) {
			return echo.NewHTTPError(http.StatusBadGateway, buildErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if rc.Output != "" {
		category := models.Category("")
		if len(rc.Categories) == 1 {
			category = rc.Categories[0]
		}
		if _, err := export.WriteFile(ctx, s.gen.Store(), report.Persona.Slug, category, rc.Output); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "export failed: "+err.Error())
		}
	}

	resp := GenerateResponse{
		Success:       report.Manifest.Accepted > 0,
		Persona:       report.Persona,
		OutputFile:    rc.Output,
		ElapsedMillis: report.Elapsed.Milliseconds(),
	}
	resp.Artifacts.Requested = report.Manifest.Requested
	resp.Artifacts.Persisted = report.Manifest.Accepted
	for _, n := range report.Manifest.Rejected {
		resp.Artifacts.Rejected += n
	}
	resp.Artifacts.Rejected += report.Manifest.Exhausted
	resp.Artifacts.Failed = report.Manifest.Failed
	if verbose {
		resp.Manifest = report.Manifest
	}

	return c.JSON(http.StatusOK, resp)
}

// HandleArtifacts returns persisted artifacts for a persona.
// (GET /artifacts?persona=slug&category=code&limit=20)
func (s *Server) HandleArtifacts(c echo.Context) error {
	ctx := c.Request().Context()

	slug := strings.TrimSpace(c.QueryParam("persona"))
	if slug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing required parameter: persona")
	}

	q := store.Query{PersonaSlug: slug, Order: store.OrderNewestFirst}
	if raw := c.QueryParam("category"); raw != "" {
		category := models.Category(raw)
		if !models.ValidCategory(category) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown category: "+raw)
		}
		q.Category = category
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		q.Limit = limit
	}

	p, err := s.gen.Store().GetPersona(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown persona: "+slug)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	artifacts, err := s.gen.Store().QueryArtifacts(ctx, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"persona":   p,
		"count":     len(artifacts),
		"artifacts": artifacts,
	})
}

// HandleInfo describes the API surface and its parameters.
func (s *Server) HandleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /generate":  "Build a persona and generate its artifacts",
			"GET /artifacts": "List persisted artifacts for a persona",
			"GET /health":    "Health check",
			"GET /info":      "API information",
		},
		"parameters": map[string]interface{}{
			"description": map[string]interface{}{
				"type":        "string",
				"required":    true,
				"example":     "Senior Go engineer at a fintech startup",
				"description": "Persona description",
			},
			"artifacts": map[string]interface{}{
				"type":        "integer",
				"default":     defaultArtifacts,
				"min":         1,
				"max":         maxArtifacts,
				"description": "Number of artifacts to generate",
			},
			"categories": map[string]interface{}{
				"type":        "string",
				"default":     strings.Join(categoryNames(), ","),
				"description": "Comma-separated artifact categories",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model override for this run",
			},
			"temperature": map[string]interface{}{
				"type":        "float",
				"min":         0.0,
				"max":         1.0,
				"description": "Sampling temperature",
			},
			"seed": map[string]interface{}{
				"type":        "integer",
				"required":    false,
				"description": "Seed for a reproducible run",
			},
			"output": map[string]interface{}{
				"type":        "string",
				"required":    false,
				"description": "Server-side path to export the run as JSON",
			},
			"verbose": map[string]interface{}{
				"type":        "boolean",
				"default":     false,
				"description": "Include the per-request manifest in the response",
			},
		},
	})
}

func parseGenerateParams(c echo.Context) (service.RunConfig, bool, error) {
	rc := service.RunConfig{
		Description: strings.TrimSpace(c.QueryParam("description")),
		Count:       defaultArtifacts,
	}
	if rc.Description == "" {
		return rc, false, echo.NewHTTPError(http.StatusBadRequest, "missing required parameter: description")
	}

	if raw := c.QueryParam("artifacts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, "artifacts must be an integer")
		}
		if n < 1 || n > maxArtifacts {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, "artifacts must be between 1 and 100")
		}
		rc.Count = n
	}

	if raw := c.QueryParam("categories"); raw != "" {
		categories, err := models.ParseCategories(raw)
		if err != nil {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		rc.Categories = categories
	}

	if raw := c.QueryParam("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, "temperature must be a number")
		}
		if t < 0.0 || t > 1.0 {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, "temperature must be between 0.0 and 1.0")
		}
		rc.Temperature = t
	}

	if raw := c.QueryParam("seed"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rc, false, echo.NewHTTPError(http.StatusBadRequest, "seed must be an integer")
		}
		rc.Seed = seed
		rc.SeedSet = true
	}

	rc.Model = strings.TrimSpace(c.QueryParam("model"))
	rc.Output = strings.TrimSpace(c.QueryParam("output"))

	verbose := strings.EqualFold(c.QueryParam("verbose"), "true")
	return rc, verbose, nil
}

func categoryNames() []string {
	names := make([]string, 0, len(models.AllCategories))
	for _, c := range models.AllCategories {
		names = append(names, string(c))
	}
	return names
}
