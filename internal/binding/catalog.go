// Package binding computes the concrete config each node runs with, from its
// static config, same-graph upstream results, outputs carried in from
// earlier chain steps, and the step's binding spec.
package binding

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// FieldType is the closed set of field type tags.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldTextarea FieldType = "textarea"
	FieldPrompt   FieldType = "prompt"
	FieldImage    FieldType = "image"
	FieldImages   FieldType = "images"
	FieldSelect   FieldType = "select"
	FieldSlider   FieldType = "slider"
	FieldSwitch   FieldType = "switch"
)

// Rule says how a bound value combines with the field's existing content.
type Rule string

const (
	RuleAppend    Rule = "append"
	RuleOverwrite Rule = "overwrite"
	RuleImage     Rule = "image"
	RuleImages    Rule = "images"
)

// DefaultRule returns the rule implied by a field type.
func (t FieldType) DefaultRule() Rule {
	switch t {
	case FieldPrompt, FieldTextarea:
		return RuleAppend
	case FieldImage:
		return RuleImage
	case FieldImages:
		return RuleImages
	}
	return RuleOverwrite
}

// FieldDef declares one node field.
type FieldDef struct {
	Name     string    `yaml:"name" json:"name" validate:"required"`
	Type     FieldType `yaml:"type" json:"type" validate:"required,oneof=text textarea prompt image images select slider switch"`
	Required bool      `yaml:"required" json:"required,omitempty"`
	Forward  bool      `yaml:"forward" json:"forward,omitempty"`
	Max      int       `yaml:"max" json:"max,omitempty" validate:"gte=0"`
	// Primary names the config key that receives element 0 of an images field.
	Primary string   `yaml:"primary" json:"primary,omitempty"`
	Default any      `yaml:"default" json:"default,omitempty"`
	Options []string `yaml:"options" json:"options,omitempty"`
}

// CapabilitySpec describes one node type.
type CapabilitySpec struct {
	Async  bool                `yaml:"async" json:"async,omitempty"`
	Output workflow.OutputKind `yaml:"output" json:"output" validate:"required,oneof=text image images audio video"`
	Fields []FieldDef          `yaml:"fields" json:"fields" validate:"dive"`
}

// Field returns the definition of a field by name.
func (s CapabilitySpec) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Catalog is the node-type configuration plus the per-capability rule table.
type Catalog struct {
	Capabilities map[string]CapabilitySpec `yaml:"capabilities" validate:"required,dive"`
	Rules        map[string]map[string]Rule `yaml:"rules" validate:"omitempty,dive,dive,oneof=append overwrite image images"`
}

// genericSpec applies to capabilities the catalog does not describe:
// a prompt that accumulates and optional image inputs.
var genericSpec = CapabilitySpec{
	Output: workflow.OutputText,
	Fields: []FieldDef{
		{Name: "prompt", Type: FieldPrompt, Forward: true},
		{Name: "image", Type: FieldImage, Forward: true},
		{Name: "images", Type: FieldImages, Forward: true, Primary: "image"},
	},
}

// Spec returns the spec for a capability and whether the catalog knows it.
func (c *Catalog) Spec(capability string) (CapabilitySpec, bool) {
	if s, ok := c.Capabilities[capability]; ok {
		return s, true
	}
	return genericSpec, false
}

// RuleFor looks up the binding rule table, falling back to the type default.
func (c *Catalog) RuleFor(capability string, f FieldDef) Rule {
	if r, ok := c.Rules[capability][f.Name]; ok {
		return r
	}
	return f.Type.DefaultRule()
}

var (
	//go:embed catalog.yaml
	defaultCatalogYAML []byte

	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

var validate = validator.New()

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := ParseCatalog(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("binding: embedded catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid catalog: %s", strings.Join(parts, "; "))
		}
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	for name, rules := range c.Rules {
		spec, ok := c.Capabilities[name]
		if !ok {
			return nil, fmt.Errorf("invalid catalog: rules for unknown capability %q", name)
		}
		for field := range rules {
			if _, ok := spec.Field(field); !ok {
				return nil, fmt.Errorf("invalid catalog: rule for unknown field %s.%s", name, field)
			}
		}
	}
	return &c, nil
}

// LoadCatalogFile reads a catalog from disk; an empty path yields the default.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}
