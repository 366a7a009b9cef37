package ir

import (
	"github.com/pkg/errors"
)

// SortedNodes returns the live nodes in a topological (DAG) order: every node
// appears after the producers of all its inputs. It returns an error if the
// graph contains a cycle or a node whose inputs can never be resolved.
func (g *Graph) SortedNodes() ([]*Node, error) {
	live := g.Nodes()
	sorted := make([]*Node, 0, len(live))

	// Value names already available: graph inputs, initializers, and the
	// empty name used for omitted optional inputs.
	done := make(map[string]bool, len(g.args))
	done[""] = true
	for _, name := range g.inputs {
		done[name] = true
	}
	for name := range g.initializers {
		done[name] = true
	}

	isReady := func(n *Node) bool {
		for _, in := range n.inputs {
			if !done[in.Name] {
				return false
			}
		}
		return true
	}

	scheduled := make(map[NodeIndex]bool, len(live))
	for {
		progressed := false
		for _, n := range live {
			if scheduled[n.index] || !isReady(n) {
				continue
			}
			sorted = append(sorted, n)
			scheduled[n.index] = true
			for _, out := range n.outputs {
				done[out.Name] = true
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(sorted) != len(live) {
		for _, n := range live {
			if !scheduled[n.index] {
				return nil, errors.Errorf("graph %q is not a DAG: node %s is part of a cycle or has unresolvable inputs",
					g.name, n)
			}
		}
	}
	return sorted, nil
}

// Validate checks the graph invariants: no input or output value reference
// dangles (every referenced value has a live producer, is a bound
// initializer, or is an external graph input) and the node relation is
// acyclic. It returns the first violation found.
func (g *Graph) Validate() error {
	resolvable := func(name string) bool {
		if name == "" {
			return true
		}
		if g.Producer(name) != nil {
			return true
		}
		if _, found := g.initializers[name]; found {
			return true
		}
		for _, input := range g.inputs {
			if input == name {
				return true
			}
		}
		return false
	}

	for _, n := range g.Nodes() {
		for _, in := range n.inputs {
			if !resolvable(in.Name) {
				return errors.Errorf("graph %q: input %q of node %s dangles: no producer, initializer or graph input",
					g.name, in.Name, n)
			}
		}
	}
	for _, outputName := range g.outputs {
		if !resolvable(outputName) {
			return errors.Errorf("graph %q: graph output %q dangles: no producer, initializer or graph input",
				g.name, outputName)
		}
	}

	_, err := g.SortedNodes()
	return err
}
