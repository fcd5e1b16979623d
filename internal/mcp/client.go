package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// backendsFile mirrors the top-level structure of the MCP backends file.
type backendsFile struct {
	Backends map[string]BackendConfig `json:"mcpBackends"`
}

// BackendConfig binds one capability tag to one tool on an external MCP
// server. The capability comes from the map key in the backends file.
type BackendConfig struct {
	Capability string              // derived from the map key
	Transport  string              `json:"transport"`         // "stdio" | "sse"
	Command    string              `json:"command,omitempty"` // stdio: executable path
	Args       []string            `json:"args,omitempty"`    // stdio: command arguments
	URL        string              `json:"url,omitempty"`     // sse: base URL
	Env        []string            `json:"env,omitempty"`     // stdio: extra environment variables
	Tool       string              `json:"tool"`              // tool invoked per node
	Output     workflow.OutputKind `json:"output,omitempty"`  // default text
}

// LoadBackends reads the backends file. Entries are returned sorted by
// capability.
func LoadBackends(path string) ([]BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read backends %q: %w", path, err)
	}
	var file backendsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse backends %q: %w", path, err)
	}

	out := make([]BackendConfig, 0, len(file.Backends))
	for capability, cfg := range file.Backends {
		cfg.Capability = capability
		if cfg.Tool == "" {
			return nil, fmt.Errorf("mcp: backend %q: tool is required", capability)
		}
		if cfg.Output == "" {
			cfg.Output = workflow.OutputText
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out, nil
}

// Client wraps the mcp-go SDK client for a single MCP server.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	mu    sync.RWMutex
	cfg   BackendConfig
	inner sdk_client.MCPClient
}

// NewClient creates an unconnected client. Call Connect before CallTool.
func NewClient(cfg BackendConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect opens the transport and performs the MCP initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	var inner sdk_client.MCPClient

	switch c.cfg.Transport {
	case "stdio":
		cli, err := sdk_client.NewStdioMCPClient(c.cfg.Command, c.cfg.Env, c.cfg.Args...)
		if err != nil {
			return fmt.Errorf("mcp: start stdio server for %q: %w", c.cfg.Capability, err)
		}
		inner = cli

	case "sse":
		cli, err := sdk_client.NewSSEMCPClient(c.cfg.URL)
		if err != nil {
			return fmt.Errorf("mcp: create SSE client for %q: %w", c.cfg.Capability, err)
		}
		if err := cli.Start(ctx); err != nil {
			return fmt.Errorf("mcp: start SSE client for %q: %w", c.cfg.Capability, err)
		}
		inner = cli

	default:
		return fmt.Errorf("mcp: unknown transport %q for %q", c.cfg.Transport, c.cfg.Capability)
	}
	return c.initialize(ctx, inner)
}

func (c *Client) initialize(ctx context.Context, inner sdk_client.MCPClient) error {
	_, err := inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "pocket-studio",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		return fmt.Errorf("mcp: initialize server for %q: %w", c.cfg.Capability, err)
	}

	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()
	return nil
}

// CallTool invokes the configured tool and returns its concatenated text
// content. A tool-level error (IsError) is returned as *ToolError.
func (c *Client) CallTool(ctx context.Context, args map[string]any) (string, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()

	if inner == nil {
		return "", fmt.Errorf("mcp: client for %q not connected", c.cfg.Capability)
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = c.cfg.Tool
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call tool %q: %w", c.cfg.Tool, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", &ToolError{Tool: c.cfg.Tool, Message: text}
	}
	return text, nil
}

// Close terminates the connection and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

// ToolError is an error the remote tool reported about its own input.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp: tool %q returned error: %s", e.Tool, e.Message)
}
