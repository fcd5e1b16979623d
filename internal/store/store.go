// Package store persists what chain runs produce: per-step node results and
// the target's overall status. It also resolves step graph references.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// ErrNotFound is returned when a graph or target does not exist.
var ErrNotFound = errors.New("not found")

// StepRecord is the persisted outcome of one step of one chain run.
type StepRecord struct {
	TargetID string                                  `json:"targetId"`
	RunID    string                                  `json:"runId"`
	Order    int                                     `json:"order"`
	Status   workflow.StepStatus                     `json:"status"`
	Error    string                                  `json:"error,omitempty"`
	Results  map[workflow.NodeID]workflow.NodeResult `json:"results"`
	SavedAt  time.Time                               `json:"savedAt"`
}

// TargetUpdate changes a target's overall status.
type TargetUpdate struct {
	RunID   string
	Status  workflow.TargetStatus
	Message string
	// Media is the summary derived on completion; nil leaves it unchanged.
	Media *workflow.Media
}

// TargetRecord is a target's status plus the steps of its latest run.
type TargetRecord struct {
	ID        string                `json:"id"`
	Status    workflow.TargetStatus `json:"status"`
	Error     string                `json:"error,omitempty"`
	Media     workflow.Media        `json:"media"`
	RunID     string                `json:"runId,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Steps     []StepRecord          `json:"steps,omitempty"`
}

// Persistence is what the chain orchestrator needs from a datastore.
type Persistence interface {
	LoadGraph(ctx context.Context, ref string) (*workflow.Graph, error)
	SaveStepResult(ctx context.Context, rec StepRecord) error
	UpdateTargetStatus(ctx context.Context, targetID string, u TargetUpdate) error
	GetTarget(ctx context.Context, targetID string) (*TargetRecord, error)
}

// GraphWriter stores graph definitions under a reference.
type GraphWriter interface {
	PutGraph(ctx context.Context, ref string, g *workflow.Graph) error
}
