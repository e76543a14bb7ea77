package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/batch"
	"ubrowser-mcp-server/internal/config"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the collaborators the tool surface drives.
type Deps struct {
	Registry    *session.Registry
	Snapshotter *snapshot.Snapshotter
	Dispatcher  *actions.Dispatcher
	Executor    *batch.Executor
	// Engine backs the fact resources. Optional.
	Engine *facts.Engine
	// Gatherer is served on /metrics in SSE mode. Optional.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server wires the MCP runtime to the page sessions, the dispatcher and the
// batch executor.
type Server struct {
	cfg       config.Config
	deps      Deps
	env       *env
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Snapshotter == nil || deps.Dispatcher == nil || deps.Executor == nil {
		return nil, errors.New("mcp: registry, snapshotter, dispatcher and executor are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	logger := deps.Logger.With(zap.String("component", "mcp"))
	server := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		env: &env{
			registry:    deps.Registry,
			snapshotter: deps.Snapshotter,
			dispatcher:  deps.Dispatcher,
			timeout:     cfg.Actions.Default(),
			logger:      logger,
		},
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Router returns the HTTP surface used in SSE mode: the MCP endpoints plus
// /metrics and /healthz.
func (s *Server) Router(baseURL string) http.Handler {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL(baseURL))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())
	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	manager := s.deps.Registry.Manager()
	payload := map[string]interface{}{
		"ok":          true,
		"browser":     manager.IsStarted(),
		"pages":       manager.List(),
		"currentPage": manager.CurrentName(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("health encode failed", zap.Error(err))
	}
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Router("http://localhost:" + strconv.Itoa(port)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("SSE server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	// Single actions
	s.registerTool(&NavigateTool{env: s.env})
	s.registerTool(&ClickTool{env: s.env})
	s.registerTool(&TypeTool{env: s.env})
	s.registerTool(&SelectTool{env: s.env})
	s.registerTool(&ScrollTool{env: s.env})

	// Observation
	s.registerTool(&SnapshotTool{env: s.env})
	s.registerTool(&InspectTool{env: s.env, markdown: newMarkdownConverter()})
	s.registerTool(&ConsoleTool{env: s.env})

	// Multi-step and page management
	s.registerTool(&BatchTool{env: s.env, executor: s.deps.Executor})
	s.registerTool(&PagesTool{env: s.env})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		start := time.Now()
		result, err := tool.Execute(ctx, args)
		s.logger.Debug("tool call",
			zap.String("tool", tool.Name()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %s", tool.Name(), actions.CleanError(err)))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"ok":    false,
		"error": fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"ok":false,"error":"tool %s failed to encode payload"}`, toolName))
}
