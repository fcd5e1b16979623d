package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "PocketStudio/0.1 (Job Client)"
)

// Adapter submits jobs to one provider and serves as the provider's status
// probe for the poller.
type Adapter struct {
	provider Provider
	apiKey   string
	client   *http.Client
	vocab    backend.StatusVocabulary
}

// New builds an adapter. The API key is read from APIKeyEnv when set.
func New(p Provider) *Adapter {
	key := p.APIKey
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			key = v
		}
	}
	timeout := defaultTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	return &Adapter{
		provider: p,
		apiKey:   key,
		client:   &http.Client{Timeout: timeout},
		vocab:    p.Vocabulary(),
	}
}

// Capability returns the provider's capability tag.
func (a *Adapter) Capability() string { return a.provider.Capability }

// Invoke submits one job and returns its handle. It makes exactly one
// outbound request; any non-2xx answer is a fatal InvocationError.
func (a *Adapter) Invoke(ctx context.Context, node workflow.Node) (backend.Result, error) {
	if a.apiKey == "" && a.provider.APIKeyEnv != "" {
		return backend.Result{}, backend.Invocationf(a.Capability(), "missing API key: set %s", a.provider.APIKeyEnv)
	}

	payload := a.requestBody(node.Config)
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.Result{}, backend.Invocationf(a.Capability(), "encode request: %v", err)
	}

	method := a.provider.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, a.provider.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return backend.Result{}, backend.Invocationf(a.Capability(), "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), Message: "submit failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, detail := providerError(resp.Header.Get("Content-Type"), raw, a.vocab.MessageKeys)
		if msg == "" {
			msg = resp.Status
		}
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), StatusCode: resp.StatusCode, Message: msg, Detail: detail}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), StatusCode: resp.StatusCode, Message: "submit response is not JSON", Err: err}
	}
	idKeys := a.provider.IDKeys
	if len(idKeys) == 0 {
		idKeys = defaultIDKeys
	}
	id, _ := backend.LookupString(doc, idKeys)
	if id == "" {
		return backend.Result{}, &backend.InvocationError{Capability: a.Capability(), StatusCode: resp.StatusCode, Message: fmt.Sprintf("submit response carries no job id (tried %v)", idKeys)}
	}

	log.Printf("[JobAPI] %s submitted job %s for node %s in %dms", a.provider.Name, id, node.ID, time.Since(start).Milliseconds())

	return backend.Async(a.Handle(id), map[string]any{
		"provider":  a.provider.Name,
		"submitUrl": a.provider.SubmitURL,
		"body":      payload,
	}), nil
}

// Handle rebuilds the job handle for a previously submitted job, so a
// pending job can be checked again later.
func (a *Adapter) Handle(externalID string) *backend.JobHandle {
	return &backend.JobHandle{
		ExternalID:   externalID,
		Candidates:   expandAll(a.provider.StatusURLs, externalID),
		DashboardURL: expand(a.provider.DashboardURL, externalID),
		OutputKind:   a.provider.Output,
		Vocabulary:   a.vocab,
		Probe:        a,
	}
}

// FetchStatus performs one authenticated GET of a status URL.
func (a *Adapter) FetchStatus(ctx context.Context, statusURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (a *Adapter) authorize(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if a.apiKey == "" {
		return
	}
	header := a.provider.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	scheme := a.provider.AuthScheme
	if scheme == "" && header == "Authorization" {
		scheme = "Bearer"
	}
	if scheme != "" {
		req.Header.Set(header, scheme+" "+a.apiKey)
		return
	}
	req.Header.Set(header, a.apiKey)
}

// requestBody merges static values with the node's bound config, renamed
// through Fields when the provider declares a mapping. Empty values are
// omitted so providers apply their own defaults.
func (a *Adapter) requestBody(config map[string]any) map[string]any {
	body := make(map[string]any, len(a.provider.Static)+len(config))
	for k, v := range a.provider.Static {
		body[k] = v
	}
	if len(a.provider.Fields) == 0 {
		for k, v := range config {
			if !isEmpty(v) {
				body[k] = v
			}
		}
		return body
	}
	for field, key := range a.provider.Fields {
		if v, ok := config[field]; ok && !isEmpty(v) {
			body[key] = v
		}
	}
	return body
}

func isEmpty(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(vv) == ""
	case []string:
		return len(vv) == 0
	case []any:
		return len(vv) == 0
	}
	return false
}

// expand substitutes the job id as a single escaped path segment.
func expand(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, "{id}", url.PathEscape(id))
}

func expandAll(tmpls []string, id string) []string {
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		out[i] = expand(t, id)
	}
	return out
}
