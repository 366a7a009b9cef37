package optimizer

import (
	"github.com/gomlx/onnx-optimizer/ir"
)

// EliminateIdentity removes Identity nodes, rewiring their consumers to the
// identity's input. Identities whose output is an external graph output are
// kept: removing them would rename the graph's interface.
type EliminateIdentity struct{}

// NewEliminateIdentity creates the rule.
func NewEliminateIdentity() *EliminateIdentity { return &EliminateIdentity{} }

// Name implements Rule.
func (f *EliminateIdentity) Name() string { return "EliminateIdentity" }

// Rewrite implements Rule.
func (f *EliminateIdentity) Rewrite(g *ir.Graph, node *ir.Node) (Outcome, error) {
	var none Outcome
	if node.OpType() != "Identity" || node.Domain() != "" ||
		len(node.InputDefs()) != 1 || len(node.OutputDefs()) != 1 ||
		g.IsNodeOutputInGraphOutputs(node) {
		return none, nil
	}
	if err := g.RewireConsumers(node.OutputDefs()[0].Name, node.InputDefs()[0].Name); err != nil {
		return none, err
	}
	return Outcome{Modified: true, Remove: []ir.NodeIndex{node.Index()}}, nil
}
