package optimizer

import (
	"github.com/gomlx/onnx-optimizer/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass drives one Rule over a graph. Apply visits every live node exactly
// once in the graph's insertion order, recursing into control-flow subgraphs
// before processing the owning node itself so nested fusions happen before
// outer ones. Node removals requested by the rule are batched per graph scope
// and committed only after that scope's traversal completes.
//
// A Pass is synchronous and single-threaded: it holds exclusive logical
// ownership of the graph for the duration of Apply.
type Pass struct {
	rule Rule
}

// NewPass wraps a rule into a runnable pass.
func NewPass(rule Rule) *Pass {
	return &Pass{rule: rule}
}

// Name returns the wrapped rule's name.
func (p *Pass) Name() string { return p.rule.Name() }

// Apply runs the pass over g and every nested subgraph. It reports whether
// the graph was modified. On error the remaining traversal is aborted;
// rewrites already committed by earlier anchors stay committed, but the
// aborted scope's batched removals are discarded.
func (p *Pass) Apply(g *ir.Graph) (modified bool, err error) {
	return p.apply(g, 0)
}

func (p *Pass) apply(g *ir.Graph, level int) (modified bool, err error) {
	var removals []ir.NodeIndex
	for _, n := range g.Nodes() {
		// Nested subgraphs first.
		for _, sub := range n.Subgraphs() {
			subModified, err := p.apply(sub, level+1)
			if err != nil {
				return modified, err
			}
			modified = modified || subModified
		}

		outcome, err := p.rule.Rewrite(g, n)
		if err != nil {
			return modified, errors.WithMessagef(err, "%s pass on graph %q at node %s", p.rule.Name(), g.Name(), n)
		}
		modified = modified || outcome.Modified
		removals = append(removals, outcome.Remove...)
	}

	for _, idx := range removals {
		if err := g.RemoveNode(idx); err != nil {
			return modified, errors.WithMessagef(err, "%s pass committing deferred removals on graph %q", p.rule.Name(), g.Name())
		}
	}
	if len(removals) > 0 {
		modified = true
		klog.V(1).Infof("%s: removed %d node(s) from graph %q (level %d)", p.rule.Name(), len(removals), g.Name(), level)
	}
	return modified, nil
}
