// Package openai implements the synchronous text, image and speech
// capabilities over any OpenAI-compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/blob"
)

// Client is the shared connection behind the OpenAI-compatible adapters.
type Client struct {
	client *openailib.Client
	config *Config
	blobs  blob.Store
}

// NewClient creates a client. blobs receives binary payloads (speech audio,
// base64 images) and may be nil when only the text capability is used.
func NewClient(config *Config, blobs blob.Store) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Client{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
		blobs:  blobs,
	}, nil
}

// GetConfig returns the client's configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// Adapters returns the text, image-sync and speech adapters over this client.
func (c *Client) Adapters() []backend.Adapter {
	return []backend.Adapter{
		&TextAdapter{c: c},
		&ImageAdapter{c: c},
		&SpeechAdapter{c: c},
	}
}

// withRetry runs call, retrying transient failures (transport errors, 429,
// 5xx) up to MaxRetries times. Client errors are returned immediately.
func withRetry[T any](ctx context.Context, c *Client, what string, call func() (T, error)) (T, error) {
	var resp T
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, lastErr = call()
		if lastErr == nil || !transient(lastErr) {
			break
		}
		if attempt < c.config.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			log.Printf("[OpenAI] %s retry %d/%d after %v, error: %v", what, attempt+1, c.config.MaxRetries, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return resp, ctx.Err()
			}
		}
	}
	return resp, lastErr
}

func transient(err error) bool {
	code := statusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

func statusCode(err error) int {
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openailib.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// invocationError converts a go-openai error into the backend taxonomy,
// keeping the provider's own message and its error type/code as detail.
func invocationError(capability string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &backend.InvocationError{Capability: capability, Message: err.Error(), Err: err}
	}
	ie := &backend.InvocationError{Capability: capability, StatusCode: statusCode(err), Message: err.Error(), Err: err}
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		ie.Message = apiErr.Message
		switch {
		case apiErr.Code != nil:
			ie.Detail = fmt.Sprint(apiErr.Code)
		case apiErr.Type != "":
			ie.Detail = apiErr.Type
		}
	}
	return ie
}
