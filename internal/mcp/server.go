package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"personaforge/internal/service"
	"personaforge/internal/store"
	"personaforge/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	gen       *service.Generator
}

func NewServer(gen *service.Generator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"PersonaForge",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		gen: gen,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate_artifacts",
			mcp.WithDescription("Build a persona from a description and generate a coherent set of synthetic artifacts for it"),
			mcp.WithString("description", mcp.Required(), mcp.Description("Persona description, e.g. 'Senior Go engineer at a fintech startup'")),
			mcp.WithNumber("artifacts", mcp.Description("Number of artifacts to generate (default 5, max 100)")),
			mcp.WithString("categories", mcp.Description("Comma-separated artifact categories")),
			mcp.WithNumber("seed", mcp.Description("Seed for a reproducible run")),
		),
		s.handleGenerate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"query_artifacts",
			mcp.WithDescription("List persisted artifacts for a persona"),
			mcp.WithString("persona", mcp.Required(), mcp.Description("Persona slug")),
			mcp.WithString("category", mcp.Description("Restrict to one artifact category")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of artifacts to return")),
		),
		s.handleQuery,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"build_persona",
			mcp.WithDescription("Build and persist a persona from a description without generating artifacts"),
			mcp.WithString("description", mcp.Required(), mcp.Description("Persona description")),
			mcp.WithNumber("seed", mcp.Description("Seed for a reproducible persona")),
		),
		s.handleBuildPersona,
	)
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	description, ok := args["description"].(string)
	if !ok || description == "" {
		return mcp.NewToolResultError("Missing required parameter: description"), nil
	}

	rc := service.RunConfig{Description: description, Count: 5}
	if n, ok := args["artifacts"].(float64); ok {
		if n < 1 || n > 100 {
			return mcp.NewToolResultError("artifacts must be between 1 and 100"), nil
		}
		rc.Count = int(n)
	}
	if raw, ok := args["categories"].(string); ok && raw != "" {
		categories, err := models.ParseCategories(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rc.Categories = categories
	}
	if seed, ok := args["seed"].(float64); ok {
		rc.Seed = int64(seed)
		rc.SeedSet = true
	}

	report, err := s.gen.Run(ctx, rc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Generation failed: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(report)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	slug, ok := args["persona"].(string)
	if !ok || slug == "" {
		return mcp.NewToolResultError("Missing required parameter: persona"), nil
	}

	q := store.Query{PersonaSlug: slug, Order: store.OrderNewestFirst}
	if raw, ok := args["category"].(string); ok && raw != "" {
		category := models.Category(raw)
		if !models.ValidCategory(category) {
			return mcp.NewToolResultError("Unknown category: " + raw), nil
		}
		q.Category = category
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		q.Limit = int(limit)
	}

	artifacts, err := s.gen.Store().QueryArtifacts(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Query failed: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(artifacts)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleBuildPersona(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	description, ok := args["description"].(string)
	if !ok || description == "" {
		return mcp.NewToolResultError("Missing required parameter: description"), nil
	}

	seed, seedSet := toSeed(args["seed"])
	p, err := s.gen.BuildPersona(ctx, description, seed, seedSet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build persona: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(p)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func toSeed(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// SSE server backs both the direct POST path and /mcp/sse + /mcp/message.
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
