// Package workflow holds the data model shared by every engine layer:
// generation nodes, the edges between them, per-node results, async jobs,
// chain steps and the accumulating chain context.
package workflow

import (
	"time"
)

// NodeID identifies a node within one Graph.
type NodeID = string

// Node is one unit of work bound to exactly one backend capability.
// Config holds static field values (prompt, voice id, aspect ratio, ...);
// only the binding layer produces a modified copy before dispatch.
type Node struct {
	ID         NodeID         `json:"id" yaml:"id" validate:"required"`
	Capability string         `json:"capability" yaml:"capability" validate:"required"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Clone returns a copy of the node with its own Config map.
// Slice values inside Config are copied one level deep.
func (n Node) Clone() Node {
	cp := Node{ID: n.ID, Capability: n.Capability, Config: make(map[string]any, len(n.Config))}
	for k, v := range n.Config {
		switch vv := v.(type) {
		case []string:
			cp.Config[k] = append([]string(nil), vv...)
		case []any:
			cp.Config[k] = append([]any(nil), vv...)
		default:
			cp.Config[k] = v
		}
	}
	return cp
}

// Edge declares that Target may consume Source's output.
type Edge struct {
	Source NodeID `json:"source" yaml:"source" validate:"required"`
	Target NodeID `json:"target" yaml:"target" validate:"required"`
}

// Graph is one workflow definition executed as a unit.
type Graph struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`
}

// ── Output payload ──

// OutputKind tags the variant held by an Output.
type OutputKind string

const (
	OutputText   OutputKind = "text"
	OutputImage  OutputKind = "image"
	OutputImages OutputKind = "images"
	OutputAudio  OutputKind = "audio"
	OutputVideo  OutputKind = "video"
)

// Output is a tagged union over the payloads a backend can produce.
// Exactly the field matching Kind is meaningful. References are opaque
// blob-store references or provider URLs; the engine never interprets them.
type Output struct {
	Kind      OutputKind `json:"kind"`
	Text      string     `json:"text,omitempty"`
	ImageRef  string     `json:"imageRef,omitempty"`
	ImageRefs []string   `json:"imageRefs,omitempty"`
	AudioRef  string     `json:"audioRef,omitempty"`
	VideoRef  string     `json:"videoRef,omitempty"`
}

// TextOutput builds a text payload.
func TextOutput(s string) *Output { return &Output{Kind: OutputText, Text: s} }

// ImageOutput builds a single-image payload.
func ImageOutput(ref string) *Output { return &Output{Kind: OutputImage, ImageRef: ref} }

// ImagesOutput builds a multi-image payload. The first element doubles as ImageRef.
func ImagesOutput(refs []string) *Output {
	o := &Output{Kind: OutputImages, ImageRefs: append([]string(nil), refs...)}
	if len(refs) > 0 {
		o.ImageRef = refs[0]
	}
	return o
}

// AudioOutput builds an audio payload.
func AudioOutput(ref string) *Output { return &Output{Kind: OutputAudio, AudioRef: ref} }

// VideoOutput builds a video payload.
func VideoOutput(ref string) *Output { return &Output{Kind: OutputVideo, VideoRef: ref} }

// OutputFromRef wraps a single reference in the payload variant for kind.
func OutputFromRef(kind OutputKind, ref string) *Output {
	switch kind {
	case OutputImage:
		return ImageOutput(ref)
	case OutputImages:
		return ImagesOutput([]string{ref})
	case OutputAudio:
		return AudioOutput(ref)
	case OutputVideo:
		return VideoOutput(ref)
	default:
		return TextOutput(ref)
	}
}

// Images returns every image reference the payload carries.
func (o *Output) Images() []string {
	if o == nil {
		return nil
	}
	switch {
	case len(o.ImageRefs) > 0:
		return append([]string(nil), o.ImageRefs...)
	case o.ImageRef != "":
		return []string{o.ImageRef}
	}
	return nil
}

// ── Node results ──

// ErrorKind classifies a failed or unfinished node.
type ErrorKind string

const (
	ErrKindInvalidGraph       ErrorKind = "invalid_graph"
	ErrKindInvocation         ErrorKind = "invocation"
	ErrKindJobFailed          ErrorKind = "job_failed"
	ErrKindNSFWBlocked        ErrorKind = "nsfw_blocked"
	ErrKindMissingInput       ErrorKind = "missing_input"
	ErrKindInconsistentResult ErrorKind = "inconsistent_result"
	ErrKindPending            ErrorKind = "pending"
	ErrKindCancelled          ErrorKind = "cancelled"
)

// NodeResult is created once per node per graph run and never mutated after.
// A pending result (Pending=true) is neither success nor fatal: the external
// job may still finish and can be checked later via ExternalID.
type NodeResult struct {
	NodeID          NodeID         `json:"nodeId"`
	Capability      string         `json:"capability,omitempty"`
	Success         bool           `json:"success"`
	Pending         bool           `json:"pending,omitempty"`
	Output          *Output        `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       ErrorKind      `json:"errorKind,omitempty"`
	ErrorDetail     map[string]any `json:"errorDetail,omitempty"`
	RequestSnapshot map[string]any `json:"requestSnapshot,omitempty"`
	ExternalID      string         `json:"externalId,omitempty"`
	DashboardURL    string         `json:"dashboardUrl,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      time.Time      `json:"finishedAt"`
}

// Failed reports whether the result is a fatal node failure.
func (r NodeResult) Failed() bool { return !r.Success && !r.Pending }

// ── Jobs ──

// JobStatus is the canonical status of an external asynchronous job.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobNSFWBlocked JobStatus = "nsfw_blocked"
	JobUnknown     JobStatus = "unknown"
)

// Terminal reports whether no further status change is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobNSFWBlocked
}

// Job tracks one external asynchronous generation. Only the poller mutates it.
type Job struct {
	ExternalID string    `json:"externalId"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     JobStatus `json:"status"`
	ResultRef  string    `json:"resultRef,omitempty"`
	StatusURL  string    `json:"statusUrl,omitempty"`
	Attempts   int       `json:"attempts"`
}

// ── Steps and chains ──

// StepStatus moves strictly forward: pending → running → completed|failed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

var stepTransitions = map[StepStatus]StepStatus{
	StepPending: StepRunning,
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to StepStatus) bool {
	if from == StepRunning {
		return to == StepCompleted || to == StepFailed
	}
	return stepTransitions[from] == to
}

// TargetStatus is the overall status of a chain's target (a "board").
type TargetStatus string

const (
	TargetIdle       TargetStatus = "idle"
	TargetInProgress TargetStatus = "in_progress"
	TargetCompleted  TargetStatus = "completed"
	TargetFailed     TargetStatus = "failed"
)

// Step is one Graph run occupying one position in a chain.
type Step struct {
	Order   int                   `json:"order" yaml:"order"`
	Ref     string                `json:"ref,omitempty" yaml:"ref,omitempty"`
	Graph   Graph                 `json:"graph" yaml:"graph"`
	Binding BindingSpec           `json:"binding,omitempty" yaml:"binding,omitempty"`
	Status  StepStatus            `json:"status" yaml:"-"`
	Outputs map[NodeID]NodeResult `json:"outputs,omitempty" yaml:"-"`
}

// Transition advances the step status, refusing backwards moves.
func (s *Step) Transition(to StepStatus) bool {
	from := s.Status
	if from == "" {
		from = StepPending
	}
	if !CanTransition(from, to) {
		return false
	}
	s.Status = to
	return true
}

// Target is the entity a chain runs against. Fields carries free-text
// inputs (e.g. the board's prompt) that binding specs may reference.
type Target struct {
	ID     string            `json:"id" yaml:"id"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Chain is an ordered list of steps run against one target.
type Chain struct {
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Target Target `json:"target" yaml:"target"`
	Steps  []Step `json:"steps" yaml:"steps"`
}
