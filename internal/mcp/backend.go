package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// ToolAdapter serves one capability by calling one tool on an external MCP
// server. The node's bound config is passed as the tool arguments; the
// tool's text content becomes the node output. For image, audio and video
// outputs the text is taken as the media reference.
type ToolAdapter struct {
	cfg    BackendConfig
	client *Client
}

// NewToolAdapter wraps a connected client.
func NewToolAdapter(cfg BackendConfig, client *Client) *ToolAdapter {
	return &ToolAdapter{cfg: cfg, client: client}
}

// Capability returns the configured tag.
func (a *ToolAdapter) Capability() string { return a.cfg.Capability }

// Invoke performs one tool call.
func (a *ToolAdapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	args := make(map[string]any, len(node.Config))
	for k, v := range node.Config {
		args[k] = v
	}

	text, err := a.client.CallTool(ctx, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), Message: te.Message, Detail: "tool " + te.Tool}
		}
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), Message: "tool call failed", Err: err}
	}

	out, err := outputOf(a.cfg.Output, text)
	if err != nil {
		return backend.Result{}, backend.Invocationf(a.Capability(), "%v", err)
	}
	return backend.Sync(out, map[string]any{"tool": a.cfg.Tool, "transport": a.cfg.Transport}), nil
}

// Close releases the underlying connection.
func (a *ToolAdapter) Close() error { return a.client.Close() }

func outputOf(kind workflow.OutputKind, text string) (*workflow.Output, error) {
	ref := strings.TrimSpace(text)
	if kind != workflow.OutputText && ref == "" {
		return nil, fmt.Errorf("tool returned no %s reference", kind)
	}
	switch kind {
	case workflow.OutputText:
		return workflow.TextOutput(text), nil
	case workflow.OutputImage:
		return workflow.ImageOutput(ref), nil
	case workflow.OutputImages:
		return workflow.ImagesOutput(strings.Fields(ref)), nil
	case workflow.OutputAudio:
		return workflow.AudioOutput(ref), nil
	case workflow.OutputVideo:
		return workflow.VideoOutput(ref), nil
	}
	return nil, fmt.Errorf("unsupported output kind %q", kind)
}

// ConnectBackends connects every backend in the file and registers one
// adapter per capability. Failures are per backend: the rest still connect.
// Connections are released by reg.CloseAll.
func ConnectBackends(ctx context.Context, path string, reg *backend.Registry) (int, []error) {
	cfgs, err := LoadBackends(path)
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	connected := 0
	for _, cfg := range cfgs {
		cli := NewClient(cfg)
		if err := cli.Connect(ctx); err != nil {
			log.Printf("[MCP] Connect failed: %s: %v", cfg.Capability, err)
			errs = append(errs, err)
			continue
		}
		reg.Register(NewToolAdapter(cfg, cli))
		connected++
		log.Printf("[MCP] Connected: %s → tool %s (%s)", cfg.Capability, cfg.Tool, cfg.Transport)
	}
	return connected, errs
}
