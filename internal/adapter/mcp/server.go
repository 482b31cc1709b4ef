// Package mcp exposes the approval and budget gates to AI agents over the
// Model Context Protocol, so an agent can request human approval and check
// its own budget before spending tokens.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
)

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIKey, when set, is required as a bearer token on every request.
	APIKey string
}

// ApprovalGate is the slice of the approval service the MCP tools need.
type ApprovalGate interface {
	CreateRequest(ctx context.Context, c approval.CreateRequest) (*approval.Request, error)
	Get(ctx context.Context, id string) (*approval.Request, error)
}

// BudgetReader reads budget state for agents.
type BudgetReader interface {
	CheckLimits(ctx context.Context, projectID, agentType string, additionalTokens int64, additionalCost float64) (*budget.CheckResult, error)
	GetCounter(ctx context.Context, projectID, agentType string) (*budget.Counter, error)
}

// StopTrigger activates emergency stops.
type StopTrigger interface {
	Trigger(ctx context.Context, projectID, agentType, reason, triggeredBy string) (*stop.Stop, error)
}

// ServerDeps are the service dependencies injected into the tools. Nil
// fields disable the corresponding tools with a runtime error result.
type ServerDeps struct {
	Approvals ApprovalGate
	Budgets   BudgetReader
	Stops     StopTrigger
}

// Server hosts the MCP tools over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
	ln        net.Listener
}

// NewServer creates an MCP server with all tools registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying server, mainly for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start begins serving MCP over HTTP on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	handler := AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()

	slog.Info("mcp server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
