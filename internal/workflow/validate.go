package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidGraph wraps every structural problem found before dispatch.
	ErrInvalidGraph = errors.New("invalid graph")
	// ErrCycle is returned (wrapped in ErrInvalidGraph) when edges form a cycle.
	ErrCycle = errors.New("graph contains a cycle")
)

// validate is a singleton validator instance
var validate = validator.New()

// Validate checks the graph invariants: struct-level requirements, unique
// node ids, and edges whose endpoints exist. Cycles are detected by NewPlan.
func Validate(g *Graph) error {
	if g == nil {
		return fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	if err := validate.Struct(g); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidGraph, formatValidationError(err))
	}

	seen := make(map[NodeID]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		seen[n.ID] = true
	}
	for i, e := range g.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("%w: edge %d references unknown source %q", ErrInvalidGraph, i, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: edge %d references unknown target %q", ErrInvalidGraph, i, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: %w: self edge on %q", ErrInvalidGraph, ErrCycle, e.Source)
		}
	}
	return nil
}

// formatValidationError flattens validator field errors into one line.
func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
