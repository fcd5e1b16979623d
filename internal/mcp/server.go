// Package mcp connects the engine to the Model Context Protocol in both
// directions: Server exposes graph and chain runs as MCP tools, and
// ToolAdapter lets a capability be served by a tool on an external MCP
// server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
	sdk_server "github.com/mark3labs/mcp-go/server"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/chain"
	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/poller"
	"github.com/pocketomega/pocket-studio/internal/store"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

const (
	serverName    = "pocket-studio"
	serverVersion = "0.1.0"
	toolTimeout   = 30 * time.Minute
)

// GraphRunner executes one graph. *dispatch.Dispatcher implements it.
type GraphRunner interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.Run, error)
}

// ChainRunner executes a chain. *chain.Orchestrator implements it.
type ChainRunner interface {
	RunChain(ctx context.Context, target workflow.Target, steps []workflow.Step, observer dispatch.Observer) (*chain.Summary, error)
}

// ServerOptions groups the collaborators of Server. Graphs and Chains are
// required; the rest enable the matching tools.
type ServerOptions struct {
	Graphs   GraphRunner
	Chains   ChainRunner
	Store    store.Persistence
	Registry *backend.Registry
	Poller   *poller.Poller
}

// Server exposes the engine as MCP tools.
type Server struct {
	opts  ServerOptions
	inner *sdk_server.MCPServer
}

// NewServer builds the MCP server and registers its tools.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		opts:  opts,
		inner: sdk_server.NewMCPServer(serverName, serverVersion, sdk_server.WithToolCapabilities(false)),
	}

	s.inner.AddTool(sdk_mcp.NewTool("run_graph",
		sdk_mcp.WithDescription("Run one workflow graph and return every node result. Pass the graph document (JSON or YAML) or the ref of a stored graph."),
		sdk_mcp.WithString("graph", sdk_mcp.Description("Graph document, JSON or YAML")),
		sdk_mcp.WithString("ref", sdk_mcp.Description("Reference of a stored graph")),
	), s.handleRunGraph)

	s.inner.AddTool(sdk_mcp.NewTool("run_chain",
		sdk_mcp.WithDescription("Run a step chain against its target and return the run summary."),
		sdk_mcp.WithString("chain", sdk_mcp.Required(), sdk_mcp.Description("Chain document, JSON or YAML")),
	), s.handleRunChain)

	if opts.Store != nil {
		s.inner.AddTool(sdk_mcp.NewTool("get_target",
			sdk_mcp.WithDescription("Return a target's status, primary media and the steps of its latest run."),
			sdk_mcp.WithString("id", sdk_mcp.Required(), sdk_mcp.Description("Target id")),
		), s.handleGetTarget)
	}

	if opts.Registry != nil && opts.Poller != nil {
		s.inner.AddTool(sdk_mcp.NewTool("check_job",
			sdk_mcp.WithDescription("Check once more on an async job a run reported as pending."),
			sdk_mcp.WithString("capability", sdk_mcp.Required(), sdk_mcp.Description("Capability that submitted the job")),
			sdk_mcp.WithString("external_id", sdk_mcp.Required(), sdk_mcp.Description("Provider job id")),
		), s.handleCheckJob)

		s.inner.AddTool(sdk_mcp.NewTool("list_capabilities",
			sdk_mcp.WithDescription("List the capability tags nodes can use."),
		), s.handleListCapabilities)
	}
	return s
}

// MCPServer returns the underlying SDK server, for transports and tests.
func (s *Server) MCPServer() *sdk_server.MCPServer { return s.inner }

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	log.Printf("[MCP] Serving %s over stdio", serverName)
	return sdk_server.ServeStdio(s.inner)
}

// ── Tool handlers ──

// Engine failures (a failed node, a failed chain) are results, not tool
// errors: the caller reads them from the JSON. Tool errors are reserved for
// input that could not be run at all.

func (s *Server) handleRunGraph(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	var g *workflow.Graph
	var err error
	switch doc, ref := req.GetString("graph", ""), req.GetString("ref", ""); {
	case doc != "":
		g, err = workflow.DecodeGraph([]byte(doc))
	case ref != "" && s.opts.Store != nil:
		g, err = s.opts.Store.LoadGraph(ctx, ref)
	case ref != "":
		err = fmt.Errorf("graph refs need a store")
	default:
		err = fmt.Errorf("either graph or ref is required")
	}
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	run, err := s.opts.Graphs.Execute(ctx, dispatch.Request{Graph: g})
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(run.Report())
}

func (s *Server) handleRunChain(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	c, err := workflow.DecodeChain([]byte(req.GetString("chain", "")))
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	sum, err := s.opts.Chains.RunChain(ctx, c.Target, c.Steps, nil)
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sum)
}

func (s *Server) handleGetTarget(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	rec, err := s.opts.Store.GetTarget(ctx, req.GetString("id", ""))
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleCheckJob(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	out, err := s.opts.Poller.Recheck(ctx, s.opts.Registry, req.GetString("capability", ""), req.GetString("external_id", ""))
	if err != nil {
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	var res workflow.NodeResult
	out.Apply(&res)
	return jsonResult(res)
}

func (s *Server) handleListCapabilities(_ context.Context, _ sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	return jsonResult(s.opts.Registry.Capabilities())
}

func jsonResult(v any) (*sdk_mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return sdk_mcp.NewToolResultText(string(data)), nil
}
