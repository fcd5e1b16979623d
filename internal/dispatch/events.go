package dispatch

import (
	"time"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// EventKind names a progress event.
type EventKind string

const (
	EventNodeStarted  EventKind = "node_started"
	EventNodeFinished EventKind = "node_finished"
	EventStepStarted  EventKind = "step_started"
	EventStepFinished EventKind = "step_finished"
	EventChainDone    EventKind = "chain_finished"
	EventWarning      EventKind = "warning"
)

// Event is one progress notification from a graph or chain run.
type Event struct {
	Kind       EventKind            `json:"kind"`
	Step       int                  `json:"step,omitempty"`
	NodeID     string               `json:"nodeId,omitempty"`
	Capability string               `json:"capability,omitempty"`
	Status     string               `json:"status,omitempty"`
	Message    string               `json:"message,omitempty"`
	Result     *workflow.NodeResult `json:"result,omitempty"`
	Time       time.Time            `json:"time"`
}

// Observer receives events. Calls are serialized within one run.
type Observer func(Event)
