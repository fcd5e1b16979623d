package workflow

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://pocket-studio.local/schemas/"

var (
	schemaOnce  sync.Once
	graphSchema *jsonschema.Schema
	chainSchema *jsonschema.Schema
	schemaErr   error
)

// loadSchemas compiles the embedded workflow schemas once.
func loadSchemas() error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, name := range []string{"graph.schema.json", "chain.schema.json"} {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		if graphSchema, schemaErr = c.Compile(schemaBaseURL + "graph.schema.json"); schemaErr != nil {
			return
		}
		chainSchema, schemaErr = c.Compile(schemaBaseURL + "chain.schema.json")
	})
	return schemaErr
}

// DecodeGraph parses a JSON or YAML graph document, checks it against the
// graph schema and the graph invariants.
func DecodeGraph(data []byte) (*Graph, error) {
	if err := loadSchemas(); err != nil {
		return nil, err
	}
	var g Graph
	if err := decodeDocument(data, graphSchema, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := Validate(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// DecodeChain parses a JSON or YAML chain document. Steps are returned
// sorted by Order with status pending; every inline graph is validated.
func DecodeChain(data []byte) (*Chain, error) {
	if err := loadSchemas(); err != nil {
		return nil, err
	}
	var c Chain
	if err := decodeDocument(data, chainSchema, &c); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if c.Target.ID == "" {
		return nil, fmt.Errorf("decode chain: target id is required")
	}
	sort.SliceStable(c.Steps, func(i, j int) bool { return c.Steps[i].Order < c.Steps[j].Order })
	seen := make(map[int]bool, len(c.Steps))
	for i := range c.Steps {
		s := &c.Steps[i]
		if seen[s.Order] {
			return nil, fmt.Errorf("decode chain: duplicate step order %d", s.Order)
		}
		seen[s.Order] = true
		s.Status = StepPending
		if len(s.Graph.Nodes) == 0 {
			if s.Ref == "" {
				return nil, fmt.Errorf("decode chain: step %d has neither graph nor ref", s.Order)
			}
			continue
		}
		if err := Validate(&s.Graph); err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Order, err)
		}
	}
	return &c, nil
}

// LoadGraphFile reads and decodes a graph file (.json, .yaml or .yml).
func LoadGraphFile(path string) (*Graph, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return DecodeGraph(data)
}

// LoadChainFile reads and decodes a chain file (.json, .yaml or .yml).
func LoadChainFile(path string) (*Chain, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return DecodeChain(data)
}

func readDocument(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("unsupported workflow file extension %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	return data, nil
}

// decodeDocument normalizes YAML to JSON, validates it against schema and
// unmarshals into out. JSON is a YAML subset, so one path serves both.
func decodeDocument(data []byte, schema *jsonschema.Schema, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("empty document")
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}

	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return json.Unmarshal(jsonBytes, out)
}
