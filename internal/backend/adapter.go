// Package backend defines the uniform contract every external generation
// capability implements, the async job handle returned by job-based
// providers, and the capability registry the dispatcher resolves from.
package backend

import (
	"context"
	"strings"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// Capability tags understood by the built-in adapters.
const (
	CapText           = "text"
	CapImageSync      = "image-sync"
	CapImageAsyncJob  = "image-async-job"
	CapSpeech         = "speech"
	CapSpeechAsyncJob = "speech-async-job"
	CapVideoAsyncJob  = "video-async-job"
)

// Adapter is one external generation capability.
// Invoke performs exactly one outbound call. A sync adapter returns a
// Result with Output set; an async adapter returns a Result with Job set.
// Errors returned by Invoke are fatal for the node and never retried by the
// engine.
type Adapter interface {
	// Capability returns the tag nodes use to address this adapter.
	Capability() string

	// Invoke runs the node with its bound config.
	Invoke(ctx context.Context, node workflow.Node) (Result, error)
}

// Result is what one invocation produced.
type Result struct {
	Output *workflow.Output
	Job    *JobHandle
	// Request holds provider request fields worth keeping in the node's
	// request snapshot (model, size, voice, ...). Secrets never go here.
	Request map[string]any
}

// Async reports whether the result must go through the poller.
func (r Result) Async() bool { return r.Job != nil }

// Sync wraps a finished payload.
func Sync(out *workflow.Output, request map[string]any) Result {
	return Result{Output: out, Request: request}
}

// Async wraps a job handle.
func Async(h *JobHandle, request map[string]any) Result {
	return Result{Job: h, Request: request}
}

// StatusProbe performs one status request against a candidate URL and
// returns the HTTP status code and the raw body.
type StatusProbe interface {
	FetchStatus(ctx context.Context, url string) (int, []byte, error)
}

// JobResumer is implemented by async adapters that can rebuild a handle for
// a job submitted earlier, given only its external id.
type JobResumer interface {
	Handle(externalID string) *JobHandle
}

// JobHandle describes an external job the poller must drive to completion.
// Providers often expose several undocumented status endpoint shapes, so the
// adapter supplies every plausible one in probe order.
type JobHandle struct {
	ExternalID   string
	Candidates   []string
	DashboardURL string
	OutputKind   workflow.OutputKind
	Vocabulary   StatusVocabulary
	Probe        StatusProbe
}

// StatusVocabulary tells the poller how to read one provider's status
// documents. Keys are dot paths into the decoded JSON body.
type StatusVocabulary struct {
	StatusKeys []string
	// Statuses maps a lower-cased provider status string to its canonical form.
	Statuses map[string]workflow.JobStatus
	// ResultKeys are tried in order; the first non-empty value wins.
	ResultKeys []string
	// NSFWKeys name boolean flags that mark a content-policy block.
	NSFWKeys    []string
	MessageKeys []string
}

// defaultStatuses covers the status strings seen across common providers.
var defaultStatuses = map[string]workflow.JobStatus{
	"queued":            workflow.JobQueued,
	"pending":           workflow.JobQueued,
	"waiting":           workflow.JobQueued,
	"submitted":         workflow.JobQueued,
	"starting":          workflow.JobQueued,
	"running":           workflow.JobRunning,
	"processing":        workflow.JobRunning,
	"in_progress":       workflow.JobRunning,
	"generating":        workflow.JobRunning,
	"completed":         workflow.JobCompleted,
	"complete":          workflow.JobCompleted,
	"succeeded":         workflow.JobCompleted,
	"success":           workflow.JobCompleted,
	"done":              workflow.JobCompleted,
	"ready":             workflow.JobCompleted,
	"failed":            workflow.JobFailed,
	"failure":           workflow.JobFailed,
	"error":             workflow.JobFailed,
	"canceled":          workflow.JobFailed,
	"cancelled":         workflow.JobFailed,
	"nsfw":              workflow.JobNSFWBlocked,
	"nsfw_blocked":      workflow.JobNSFWBlocked,
	"content_moderated": workflow.JobNSFWBlocked,
	"request_moderated": workflow.JobNSFWBlocked,
	"blocked":           workflow.JobNSFWBlocked,
}

// DefaultVocabulary returns the vocabulary used when a provider declares none.
func DefaultVocabulary() StatusVocabulary {
	statuses := make(map[string]workflow.JobStatus, len(defaultStatuses))
	for k, v := range defaultStatuses {
		statuses[k] = v
	}
	return StatusVocabulary{
		StatusKeys:  []string{"status", "state", "data.status"},
		Statuses:    statuses,
		ResultKeys:  []string{"result.raw", "result.min", "result.url", "output", "data.url"},
		NSFWKeys:    []string{"nsfw", "result.nsfw"},
		MessageKeys: []string{"error.message", "error", "message", "detail"},
	}
}

// Merge overlays o on v: o's keys replace v's key lists when set, and o's
// status entries are added to v's table.
func (v StatusVocabulary) Merge(o StatusVocabulary) StatusVocabulary {
	out := StatusVocabulary{
		StatusKeys:  pick(o.StatusKeys, v.StatusKeys),
		ResultKeys:  pick(o.ResultKeys, v.ResultKeys),
		NSFWKeys:    pick(o.NSFWKeys, v.NSFWKeys),
		MessageKeys: pick(o.MessageKeys, v.MessageKeys),
		Statuses:    make(map[string]workflow.JobStatus, len(v.Statuses)+len(o.Statuses)),
	}
	for k, s := range v.Statuses {
		out.Statuses[k] = s
	}
	for k, s := range o.Statuses {
		out.Statuses[strings.ToLower(k)] = s
	}
	return out
}

// Canonical maps a provider status string. Empty or unrecognized strings
// report ok=false; callers treat them as still running.
func (v StatusVocabulary) Canonical(raw string) (workflow.JobStatus, bool) {
	s, ok := v.Statuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

func pick(a, b []string) []string {
	if len(a) > 0 {
		return append([]string(nil), a...)
	}
	return append([]string(nil), b...)
}
