package workflow

import "fmt"

// Plan is the executable shape of a validated graph.
type Plan struct {
	// Order is a topological order; ties keep node declaration order.
	Order []NodeID
	// Levels groups Order into waves whose members share no edge path.
	Levels [][]NodeID
	// Upstream maps a node to its declared sources, in edge declaration order.
	Upstream map[NodeID][]NodeID
	// Downstream maps a node to the nodes that consume it.
	Downstream map[NodeID][]NodeID
	// Terminal lists nodes without outgoing edges, in Order.
	Terminal []NodeID
}

// IsTerminal reports whether id has no outgoing edges.
func (p *Plan) IsTerminal(id NodeID) bool {
	return len(p.Downstream[id]) == 0
}

// NewPlan validates g and computes its topological order with Kahn's
// algorithm. A graph with a cycle is rejected with ErrCycle.
func NewPlan(g *Graph) (*Plan, error) {
	if err := Validate(g); err != nil {
		return nil, err
	}

	p := &Plan{
		Upstream:   make(map[NodeID][]NodeID, len(g.Nodes)),
		Downstream: make(map[NodeID][]NodeID, len(g.Nodes)),
	}
	inDegree := make(map[NodeID]int, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}

	// Duplicate edges collapse to one dependency.
	type pair struct{ s, t NodeID }
	seen := make(map[pair]bool, len(g.Edges))
	for _, e := range g.Edges {
		k := pair{e.Source, e.Target}
		if seen[k] {
			continue
		}
		seen[k] = true
		p.Upstream[e.Target] = append(p.Upstream[e.Target], e.Source)
		p.Downstream[e.Source] = append(p.Downstream[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Kahn's algorithm, processed wave by wave so Levels falls out for free.
	var wave []NodeID
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			wave = append(wave, n.ID)
		}
	}

	declared := make(map[NodeID]int, len(g.Nodes))
	for i, n := range g.Nodes {
		declared[n.ID] = i
	}

	for len(wave) > 0 {
		p.Levels = append(p.Levels, wave)
		p.Order = append(p.Order, wave...)

		var next []NodeID
		for _, id := range wave {
			for _, dep := range p.Downstream[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sortByDeclaration(next, declared)
		wave = next
	}

	if len(p.Order) != len(g.Nodes) {
		var stuck []NodeID
		for _, n := range g.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, fmt.Errorf("%w: %w: nodes %v never become ready", ErrInvalidGraph, ErrCycle, stuck)
	}

	for _, id := range p.Order {
		if p.IsTerminal(id) {
			p.Terminal = append(p.Terminal, id)
		}
	}
	return p, nil
}

// sortByDeclaration is an insertion sort; waves are small.
func sortByDeclaration(ids []NodeID, declared map[NodeID]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && declared[ids[j]] < declared[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
