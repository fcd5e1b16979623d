package workflow

import "sort"

// ContextEntry is one output recorded in a ChainContext.
type ContextEntry struct {
	StepOrder int     `json:"stepOrder"`
	NodeID    NodeID  `json:"nodeId"`
	Output    *Output `json:"output"`
}

// ChainContext accumulates terminal-node outputs across the steps of one
// chain run. Entries are keyed by (step order, node id) and never replaced;
// a node id reused by a later step adds a new entry. Only the orchestrator
// writes to it; binding reads snapshots.
type ChainContext struct {
	entries []ContextEntry
	latest  map[NodeID]int

	last    int
	hasLast bool
}

// NewChainContext returns an empty context.
func NewChainContext() *ChainContext {
	return &ChainContext{latest: make(map[NodeID]int)}
}

// Append records the outputs of one step in node-id order and marks it as
// the most recent step. It must be called once per executed step, even when
// the step produced nothing. Returns the number of entries written.
func (c *ChainContext) Append(stepOrder int, outputs map[NodeID]*Output) int {
	ids := make([]NodeID, 0, len(outputs))
	for id, out := range outputs {
		if out != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		c.latest[id] = len(c.entries)
		c.entries = append(c.entries, ContextEntry{StepOrder: stepOrder, NodeID: id, Output: outputs[id]})
	}
	c.last, c.hasLast = stepOrder, true
	return len(ids)
}

// Output returns the most recent output recorded for a node id.
func (c *ChainContext) Output(id NodeID) (*Output, bool) {
	if c == nil {
		return nil, false
	}
	i, ok := c.latest[id]
	if !ok {
		return nil, false
	}
	return c.entries[i].Output, true
}

// Entries returns a copy of all entries in insertion order.
func (c *ChainContext) Entries() []ContextEntry {
	if c == nil {
		return nil
	}
	return append([]ContextEntry(nil), c.entries...)
}

// Len returns the number of recorded outputs.
func (c *ChainContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// LastStep returns the entries written by the most recently appended step.
// A step that produced no outputs yields nil; older steps are never used
// in its place.
func (c *ChainContext) LastStep() []ContextEntry {
	if c == nil || !c.hasLast {
		return nil
	}
	var out []ContextEntry
	for i := len(c.entries) - 1; i >= 0 && c.entries[i].StepOrder == c.last; i-- {
		out = append(out, c.entries[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Media holds the first reference found per media category.
type Media struct {
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// PrimaryMedia scans entries in order and keeps the first value present in
// each media category.
func (c *ChainContext) PrimaryMedia() Media {
	var m Media
	for _, e := range c.Entries() {
		o := e.Output
		if o == nil {
			continue
		}
		if m.Image == "" {
			if imgs := o.Images(); len(imgs) > 0 {
				m.Image = imgs[0]
			}
		}
		if m.Video == "" && o.VideoRef != "" {
			m.Video = o.VideoRef
		}
		if m.Audio == "" && o.AudioRef != "" {
			m.Audio = o.AudioRef
		}
	}
	return m
}
