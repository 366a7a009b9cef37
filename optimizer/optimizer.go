// Package optimizer provides graph-rewriting passes over the ir computation
// graph, applied offline before execution.
//
//   - Initializer: the constant-tensor algebra the fusion rules fold values
//     with (elementwise multiply/add, per-axis scaling).
//   - Rule: one local pattern-match-and-rewrite rule, invoked per node.
//   - Pass: the driver that walks a graph (descending into control-flow
//     subgraphs first), applies a rule at every node, and commits the
//     deferred node removals after the traversal completes.
//
// Rules built in: ConvMulFusion (fold a trailing per-channel Mul into the
// preceding Conv's weight and bias), ConvAddFusion (fold a trailing
// per-channel Add into the Conv's bias) and EliminateIdentity.
package optimizer

import (
	"slices"

	"github.com/gomlx/onnx-optimizer/ir"
)

// Outcome is what a Rule reports for one anchor node: whether it rewrote
// anything, and which nodes the driver must remove once the traversal is
// done. Removing during iteration is forbidden -- later anchors in the same
// pass may still need to observe not-yet-removed nodes.
type Outcome struct {
	Modified bool
	Remove   []ir.NodeIndex
}

// Rule is a single local rewrite rule. Rewrite inspects one anchor node and
// either rewrites (initializer replacement, edge rewiring) or leaves the
// graph untouched. A pattern that does not apply is a normal outcome, not an
// error; errors are reserved for internally inconsistent graphs and abort the
// whole pass run.
type Rule interface {
	Name() string
	Rewrite(g *ir.Graph, n *ir.Node) (Outcome, error)
}

// isOpTypeVersionDomain reports whether n is opType in the given operator
// domain at one of the supported opset versions.
func isOpTypeVersionDomain(n *ir.Node, opType string, versions []int, domain string) bool {
	return n.OpType() == opType && n.Domain() == domain && slices.Contains(versions, n.OpVersion())
}

// isCompatibleProvider reports whether n's execution-provider tag is in the
// compatible set. An empty set means every provider is compatible.
func isCompatibleProvider(n *ir.Node, compatible map[string]bool) bool {
	return len(compatible) == 0 || compatible[n.Provider()]
}

func providerSet(providers []string) map[string]bool {
	if len(providers) == 0 {
		return nil
	}
	set := make(map[string]bool, len(providers))
	for _, p := range providers {
		set[p] = true
	}
	return set
}
