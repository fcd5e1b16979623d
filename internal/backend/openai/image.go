package openai

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// aspectSizes maps the aspect ratios nodes declare to image sizes.
var aspectSizes = map[string]string{
	"1:1":  openailib.CreateImageSize1024x1024,
	"16:9": openailib.CreateImageSize1792x1024,
	"9:16": openailib.CreateImageSize1024x1792,
}

// ImageAdapter generates images in one synchronous request.
// Node fields: prompt (required), aspect_ratio or size, count, model.
// Base64 results are written to the blob store; URL results pass through.
type ImageAdapter struct {
	c *Client
}

func (a *ImageAdapter) Capability() string { return backend.CapImageSync }

func (a *ImageAdapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	prompt := backend.String(node.Config, "prompt")
	if prompt == "" {
		return backend.Result{}, backend.Invocationf(a.Capability(), "prompt is empty")
	}

	size := backend.String(node.Config, "size")
	if s, ok := aspectSizes[backend.String(node.Config, "aspect_ratio")]; ok && size == "" {
		size = s
	}
	if size == "" {
		size = a.c.config.ImageSize
	}
	model := backend.String(node.Config, "model")
	if model == "" {
		model = a.c.config.ImageModel
	}
	count := backend.Int(node.Config, "count", 1)
	if count < 1 {
		count = 1
	}

	req := openailib.ImageRequest{
		Prompt: prompt,
		Model:  model,
		N:      count,
		Size:   size,
	}
	start := time.Now()
	resp, err := withRetry(ctx, a.c, "image", func() (openailib.ImageResponse, error) {
		return a.c.client.CreateImage(ctx, req)
	})
	if err != nil {
		return backend.Result{}, invocationError(a.Capability(), err)
	}

	refs := make([]string, 0, len(resp.Data))
	for i, d := range resp.Data {
		switch {
		case d.URL != "":
			refs = append(refs, d.URL)
		case d.B64JSON != "":
			ref, err := a.store(ctx, d.B64JSON)
			if err != nil {
				return backend.Result{}, backend.Invocationf(a.Capability(), "store image %d: %v", i, err)
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return backend.Result{}, backend.Invocationf(a.Capability(), "model %s returned no images", model)
	}

	log.Printf("[OpenAI] image node %s: %d image(s) in %dms", node.ID, len(refs), time.Since(start).Milliseconds())
	request := map[string]any{"model": model, "size": size, "count": count}
	if len(refs) == 1 {
		return backend.Sync(workflow.ImageOutput(refs[0]), request), nil
	}
	return backend.Sync(workflow.ImagesOutput(refs), request), nil
}

func (a *ImageAdapter) store(ctx context.Context, b64 string) (string, error) {
	if a.c.blobs == nil {
		return "", errNoBlobStore
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return a.c.blobs.Put(ctx, data, "image/png")
}
