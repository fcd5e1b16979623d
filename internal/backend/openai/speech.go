package openai

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

var errNoBlobStore = errors.New("no blob store configured")

var speechContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
}

// SpeechAdapter synthesizes speech and stores the audio in the blob store.
// Node fields: text (required), voice, format, speed, model.
type SpeechAdapter struct {
	c *Client
}

func (a *SpeechAdapter) Capability() string { return backend.CapSpeech }

func (a *SpeechAdapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	text := backend.String(node.Config, "text")
	if text == "" {
		return backend.Result{}, backend.Invocationf(a.Capability(), "text is empty")
	}
	if a.c.blobs == nil {
		return backend.Result{}, backend.Invocationf(a.Capability(), "%v", errNoBlobStore)
	}

	voice := backend.String(node.Config, "voice")
	if voice == "" {
		voice = a.c.config.Voice
	}
	format := backend.String(node.Config, "format")
	if _, ok := speechContentTypes[format]; !ok {
		format = "mp3"
	}
	model := backend.String(node.Config, "model")
	if model == "" {
		model = a.c.config.SpeechModel
	}

	req := openailib.CreateSpeechRequest{
		Model:          openailib.SpeechModel(model),
		Input:          text,
		Voice:          openailib.SpeechVoice(voice),
		ResponseFormat: openailib.SpeechResponseFormat(format),
		Speed:          backend.Float(node.Config, "speed", 1.0),
	}

	start := time.Now()
	audio, err := withRetry(ctx, a.c, "speech", func() ([]byte, error) {
		resp, err := a.c.client.CreateSpeech(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Close()
		return io.ReadAll(resp)
	})
	if err != nil {
		return backend.Result{}, invocationError(a.Capability(), err)
	}
	if len(audio) == 0 {
		return backend.Result{}, backend.Invocationf(a.Capability(), "empty audio response")
	}

	ref, err := a.c.blobs.Put(ctx, audio, speechContentTypes[format])
	if err != nil {
		return backend.Result{}, backend.Invocationf(a.Capability(), "store audio: %v", err)
	}

	log.Printf("[OpenAI] speech node %s: %d bytes in %dms", node.ID, len(audio), time.Since(start).Milliseconds())
	return backend.Sync(workflow.AudioOutput(ref), map[string]any{"model": model, "voice": voice, "format": format}), nil
}
