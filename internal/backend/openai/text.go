package openai

import (
	"context"
	"log"
	"strings"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// TextAdapter generates text with a chat completion.
// Node fields: prompt (required), system, model.
type TextAdapter struct {
	c *Client
}

func (a *TextAdapter) Capability() string { return backend.CapText }

func (a *TextAdapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	prompt := backend.String(node.Config, "prompt")
	if prompt == "" {
		return backend.Result{}, backend.Invocationf(a.Capability(), "prompt is empty")
	}

	var msgs []openailib.ChatCompletionMessage
	if system := backend.String(node.Config, "system"); system != "" {
		msgs = append(msgs, openailib.ChatCompletionMessage{Role: openailib.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openailib.ChatCompletionMessage{Role: openailib.ChatMessageRoleUser, Content: prompt})

	model := backend.String(node.Config, "model")
	if model == "" {
		model = a.c.config.Model
	}
	req := openailib.ChatCompletionRequest{Model: model, Messages: msgs}
	if a.c.config.Temperature != nil {
		req.Temperature = *a.c.config.Temperature
	}
	if a.c.config.MaxTokens > 0 {
		req.MaxTokens = a.c.config.MaxTokens
	}

	start := time.Now()
	resp, err := withRetry(ctx, a.c, "chat", func() (openailib.ChatCompletionResponse, error) {
		return a.c.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		return backend.Result{}, invocationError(a.Capability(), err)
	}
	if len(resp.Choices) == 0 {
		return backend.Result{}, backend.Invocationf(a.Capability(), "no choices returned from model %s", model)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return backend.Result{}, backend.Invocationf(a.Capability(), "model %s returned empty content (finish reason %s)", model, resp.Choices[0].FinishReason)
	}

	log.Printf("[OpenAI] text node %s: %d chars in %dms", node.ID, len([]rune(content)), time.Since(start).Milliseconds())
	return backend.Sync(workflow.TextOutput(content), map[string]any{"model": model}), nil
}
