package optimizer

import (
	"github.com/gomlx/onnx-optimizer/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConvAddFusion folds a per-output-channel add into the preceding
// convolution's bias:
//
//	Conv(x, W, [B]) -> Add(., c)   becomes   Conv(x, W, B+c)
//
// c must be a constant with one value per output channel (rank = W's rank
// minus 1, leading dimension equal to W's, every later dimension 1). When the
// Conv has no bias, c reshaped to rank 1 becomes the bias. The Add node is
// removed and its consumers are rewired to the Conv output.
type ConvAddFusion struct {
	compatibleProviders map[string]bool
}

// NewConvAddFusion creates the rule. Only nodes assigned to one of the given
// execution-provider tags are considered; an empty list means every provider.
func NewConvAddFusion(compatibleProviders ...string) *ConvAddFusion {
	return &ConvAddFusion{compatibleProviders: providerSet(compatibleProviders)}
}

// Name implements Rule.
func (f *ConvAddFusion) Name() string { return "ConvAddFusion" }

// Rewrite implements Rule.
func (f *ConvAddFusion) Rewrite(g *ir.Graph, node *ir.Node) (Outcome, error) {
	var none Outcome
	if !isOpTypeVersionDomain(node, "Conv", convOpsetVersions, "") ||
		!isCompatibleProvider(node, f.compatibleProviders) ||
		g.OutputEdgesCount(node) != 1 {
		return none, nil
	}
	addNode := g.SingleConsumer(node)
	if addNode == nil {
		return none, nil
	}
	if !isOpTypeVersionDomain(addNode, "Add", addOpsetVersions, "") ||
		g.InputEdgesCount(addNode) != 1 ||
		g.IsNodeOutputInGraphOutputs(addNode) ||
		addNode.Provider() != node.Provider() {
		return none, nil
	}

	convInputs := node.InputDefs()
	addInputs := addNode.InputDefs()
	if len(convInputs) < 2 || len(addInputs) < 2 {
		return none, nil
	}

	// The addend must carry exactly one value per output channel of the
	// weight. A scalar addend is not foldable without an existing bias, so
	// it is not matched at all.
	convWProto, _ := g.GetInitializedTensor(convInputs[1].Name)
	addBProto, _ := g.GetInitializedTensor(addInputs[1].Name)
	if !IsSupportedDataType(convWProto) ||
		!IsSupportedDataType(addBProto) ||
		convWProto.DataType != addBProto.DataType ||
		len(convWProto.Dims) < 4 ||
		len(addBProto.Dims) != len(convWProto.Dims)-1 ||
		addBProto.Dims[0] != convWProto.Dims[0] {
		return none, nil
	}
	for _, dim := range addBProto.Dims[1:] {
		if dim != 1 {
			return none, nil
		}
	}

	hasBias := len(convInputs) == 3 && convInputs[2].Name != ""
	if !hasBias && len(convInputs) == 3 {
		// An explicit empty bias slot cannot be filled by appending.
		return none, nil
	}

	if hasBias {
		convBProto, found := g.GetInitializedTensor(convInputs[2].Name)
		if !found {
			return none, nil
		}
		if convBProto == nil {
			return none, errors.Errorf("internal error in ConvAddFusion: bias constant %q of node %s resolved to nil",
				convInputs[2].Name, node)
		}
		if !IsSupportedDataType(convBProto) ||
			convBProto.DataType != addBProto.DataType ||
			len(convBProto.Dims) != 1 ||
			convBProto.Dims[0] != addBProto.Dims[0] {
			return none, nil
		}
		convB, err := NewInitializer(convBProto)
		if err != nil {
			return none, err
		}
		addB, err := NewInitializer(addBProto)
		if err != nil {
			return none, err
		}
		if err := convB.Add(addB); err != nil {
			return none, err
		}
		newConvB := convBProto.Clone()
		if err := convB.ToProto(newConvB); err != nil {
			return none, err
		}
		if err := g.ReplaceInitializer(newConvB); err != nil {
			return none, err
		}
	} else {
		// The addend becomes the bias, reshaped to rank 1 under its own
		// name. That is only sound while the Add node is its sole consumer.
		if g.ConsumerCount(addInputs[1].Name) != 1 {
			return none, nil
		}
		newConvB := addBProto.Clone()
		newConvB.Dims = []int64{addBProto.Dims[0]}
		if err := g.ReplaceInitializer(newConvB); err != nil {
			return none, err
		}
		g.AppendNodeInput(node, newConvB.Name)
	}

	if err := g.RewireConsumers(addNode.OutputDefs()[0].Name, node.OutputDefs()[0].Name); err != nil {
		return none, err
	}

	klog.V(2).Infof("ConvAddFusion: folded %s into %s", addNode, node)
	return Outcome{Modified: true, Remove: []ir.NodeIndex{addNode.Index()}}, nil
}
