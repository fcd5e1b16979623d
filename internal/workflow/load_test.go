package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const foxGraphYAML = `
name: fox
nodes:
  - id: A
    capability: text
    config:
      prompt: "describe a fox"
  - id: B
    capability: image-sync
    config:
      aspect_ratio: "1:1"
edges:
  - source: A
    target: B
`

func TestDecodeGraph_YAML(t *testing.T) {
	g, err := DecodeGraph([]byte(foxGraphYAML))
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	if g.Name != "fox" || len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("unexpected graph: %+v", g)
	}
	if g.Nodes[0].Config["prompt"] != "describe a fox" {
		t.Errorf("prompt = %v", g.Nodes[0].Config["prompt"])
	}
}

func TestDecodeGraph_JSON(t *testing.T) {
	doc := `{"nodes":[{"id":"a","capability":"text"}]}`
	g, err := DecodeGraph([]byte(doc))
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	if g.Nodes[0].ID != "a" {
		t.Errorf("unexpected node: %+v", g.Nodes[0])
	}
}

func TestDecodeGraph_SchemaRejectsUnknownField(t *testing.T) {
	doc := `{"nodes":[{"id":"a","capability":"text","colour":"red"}]}`
	_, err := DecodeGraph([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestDecodeGraph_DanglingEdge(t *testing.T) {
	doc := `{"nodes":[{"id":"a","capability":"text"}],"edges":[{"source":"a","target":"ghost"}]}`
	_, err := DecodeGraph([]byte(doc))
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

const boardChainYAML = `
name: storyboard
target:
  id: board-7
  fields:
    prompt: "a fox in the snow"
steps:
  - order: 2
    graph:
      nodes:
        - id: voice
          capability: speech
    binding:
      nodes:
        voice:
          text: previous
  - order: 1
    graph:
      nodes:
        - id: img
          capability: image-sync
    binding:
      fields:
        prompt: target:prompt
        style: {kind: literal, value: watercolor}
`

func TestDecodeChain_SortsStepsAndParsesSources(t *testing.T) {
	c, err := DecodeChain([]byte(boardChainYAML))
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if c.Target.ID != "board-7" || c.Target.Fields["prompt"] != "a fox in the snow" {
		t.Fatalf("unexpected target: %+v", c.Target)
	}
	if c.Steps[0].Order != 1 || c.Steps[1].Order != 2 {
		t.Fatalf("steps not sorted: %d, %d", c.Steps[0].Order, c.Steps[1].Order)
	}
	for _, s := range c.Steps {
		if s.Status != StepPending {
			t.Errorf("step %d status = %q, want pending", s.Order, s.Status)
		}
	}
	fields := c.Steps[0].Binding.Fields
	if got := fields["prompt"]; got.Kind != SourceTarget || got.Value != "prompt" {
		t.Errorf("prompt source = %+v", got)
	}
	if got := fields["style"]; got.Kind != SourceLiteral || got.Value != "watercolor" {
		t.Errorf("style source = %+v", got)
	}
	if got := c.Steps[1].Binding.Nodes["voice"]["text"]; got.Kind != SourcePrevious {
		t.Errorf("voice text source = %+v", got)
	}
}

func TestDecodeChain_DuplicateOrder(t *testing.T) {
	doc := `
target: {id: t}
steps:
  - order: 1
    ref: a
  - order: 1
    ref: b
`
	if _, err := DecodeChain([]byte(doc)); err == nil {
		t.Fatal("expected duplicate order error")
	}
}

func TestLoadGraphFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fox.yaml")
	if err := os.WriteFile(path, []byte(foxGraphYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadGraphFile(path); err != nil {
		t.Fatalf("LoadGraphFile: %v", err)
	}
	if _, err := LoadGraphFile(filepath.Join(dir, "fox.txt")); err == nil {
		t.Error("expected unsupported extension error")
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"previous", Source{Kind: SourcePrevious}},
		{"target:script", Source{Kind: SourceTarget, Value: "script"}},
		{"node:img1", Source{Kind: SourceNode, Value: "img1"}},
		{"plain words", Source{Kind: SourceLiteral, Value: "plain words"}},
	}
	for _, tt := range tests {
		if got := ParseSource(tt.in); got != tt.want {
			t.Errorf("ParseSource(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
