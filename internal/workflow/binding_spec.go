package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SourceKind says where a step-level binding takes its value from.
type SourceKind string

const (
	// SourceLiteral uses Value verbatim.
	SourceLiteral SourceKind = "literal"
	// SourceTarget reads Target.Fields[Value] (e.g. the board's free-text prompt).
	SourceTarget SourceKind = "target"
	// SourcePrevious takes the previous step's output of the field's kind.
	SourcePrevious SourceKind = "previous"
	// SourceNode takes the latest output of node Value.
	SourceNode SourceKind = "node"
)

// Source is one step-level binding: where a field's value comes from.
// Workflow files may write it as a short string: "target:prompt",
// "previous", "node:img1" or any other literal text.
type Source struct {
	Kind  SourceKind `json:"kind" yaml:"kind"`
	Value string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// ParseSource decodes the short string form of a Source.
func ParseSource(s string) Source {
	switch {
	case s == "previous":
		return Source{Kind: SourcePrevious}
	case strings.HasPrefix(s, "target:"):
		return Source{Kind: SourceTarget, Value: strings.TrimPrefix(s, "target:")}
	case strings.HasPrefix(s, "node:"):
		return Source{Kind: SourceNode, Value: strings.TrimPrefix(s, "node:")}
	}
	return Source{Kind: SourceLiteral, Value: s}
}

// UnmarshalJSON accepts either the short string form or an object.
func (s *Source) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		var short string
		if err := json.Unmarshal(trimmed, &short); err != nil {
			return fmt.Errorf("binding source: %w", err)
		}
		*s = ParseSource(short)
		return nil
	}
	type plain Source
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("binding source: %w", err)
	}
	*s = Source(p)
	return nil
}

// BindingSpec binds node fields for one step. Nodes maps a node id to its
// field bindings; Fields applies to every node that declares the field.
// Node-specific entries win over graph-wide ones.
type BindingSpec struct {
	Fields map[string]Source            `json:"fields,omitempty" yaml:"fields,omitempty"`
	Nodes  map[NodeID]map[string]Source `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// For returns the bindings that apply to one node.
func (b BindingSpec) For(id NodeID) map[string]Source {
	if len(b.Fields) == 0 && len(b.Nodes[id]) == 0 {
		return nil
	}
	out := make(map[string]Source, len(b.Fields)+len(b.Nodes[id]))
	for k, v := range b.Fields {
		out[k] = v
	}
	for k, v := range b.Nodes[id] {
		out[k] = v
	}
	return out
}
