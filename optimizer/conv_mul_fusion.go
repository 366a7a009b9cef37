package optimizer

import (
	"github.com/gomlx/onnx-optimizer/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Opset versions the fusion rules accept for each op type.
var (
	convOpsetVersions = []int{1, 11}
	mulOpsetVersions  = []int{7, 13, 14}
	addOpsetVersions  = []int{7, 13, 14}
)

// ConvMulFusion folds a per-output-channel multiply into the preceding
// convolution:
//
//	Conv(x, W, [B]) -> Mul(., s)   becomes   Conv(x, W*s, [B*s])
//
// where s is a constant that is either a scalar or broadcasts one value per
// output channel (leading dimension equal to W's, every later dimension 1).
// The Mul node is removed and its consumers are rewired to the Conv output.
type ConvMulFusion struct {
	compatibleProviders map[string]bool
}

// NewConvMulFusion creates the rule. Only nodes assigned to one of the given
// execution-provider tags are considered; an empty list means every provider.
func NewConvMulFusion(compatibleProviders ...string) *ConvMulFusion {
	return &ConvMulFusion{compatibleProviders: providerSet(compatibleProviders)}
}

// Name implements Rule.
func (f *ConvMulFusion) Name() string { return "ConvMulFusion" }

// Rewrite implements Rule. The anchor is the Conv node; any failed
// precondition is a silent no-match. Only an internally inconsistent graph
// (a declared constant input that resolves to a nil tensor, or an
// undecodable constant) surfaces as an error.
func (f *ConvMulFusion) Rewrite(g *ir.Graph, node *ir.Node) (Outcome, error) {
	var none Outcome
	if !isOpTypeVersionDomain(node, "Conv", convOpsetVersions, "") ||
		!isCompatibleProvider(node, f.compatibleProviders) ||
		g.OutputEdgesCount(node) != 1 {
		return none, nil
	}
	mulNode := g.SingleConsumer(node)
	if mulNode == nil {
		return none, nil
	}
	if !isOpTypeVersionDomain(mulNode, "Mul", mulOpsetVersions, "") ||
		g.InputEdgesCount(mulNode) != 1 ||
		g.IsNodeOutputInGraphOutputs(mulNode) ||
		mulNode.Provider() != node.Provider() {
		return none, nil
	}

	convInputs := node.InputDefs()
	mulInputs := mulNode.InputDefs()
	if len(convInputs) < 2 || len(mulInputs) < 2 {
		return none, nil
	}

	// Both the weight and the scale must be bound constants of a supported
	// floating-point dtype; the scale must be a scalar or one value per
	// output channel.
	convWProto, _ := g.GetInitializedTensor(convInputs[1].Name)
	mulBProto, _ := g.GetInitializedTensor(mulInputs[1].Name)
	if !IsSupportedDataType(convWProto) ||
		!IsSupportedDataType(mulBProto) ||
		convWProto.DataType != mulBProto.DataType ||
		len(convWProto.Dims) < 4 ||
		!(len(mulBProto.Dims) == 0 ||
			(len(mulBProto.Dims) == len(convWProto.Dims)-1 && mulBProto.Dims[0] == convWProto.Dims[0])) {
		return none, nil
	}
	if len(mulBProto.Dims) != 0 {
		for _, dim := range mulBProto.Dims[1:] {
			if dim != 1 {
				return none, nil
			}
		}
	}

	convW, err := NewInitializer(convWProto)
	if err != nil {
		return none, err
	}
	mulB, err := NewInitializer(mulBProto)
	if err != nil {
		return none, err
	}
	scaleIsScalar := len(mulBProto.Dims) == 0

	// Optional bias: the third Conv input. A bias name with no bound
	// constant means the bias is a runtime value and the pattern does not
	// apply; a bound-but-nil constant is a loader bug and aborts the pass.
	hasBias := len(convInputs) == 3 && convInputs[2].Name != ""
	var convB *Initializer
	var convBProto *ir.TensorProto
	if hasBias {
		var found bool
		convBProto, found = g.GetInitializedTensor(convInputs[2].Name)
		if !found {
			return none, nil
		}
		if convBProto == nil {
			return none, errors.Errorf("internal error in ConvMulFusion: bias constant %q of node %s resolved to nil",
				convInputs[2].Name, node)
		}
		if !IsSupportedDataType(convBProto) ||
			convBProto.DataType != mulBProto.DataType ||
			len(convBProto.Dims) != 1 ||
			(!scaleIsScalar && convBProto.Dims[0] != mulBProto.Dims[0]) {
			return none, nil
		}
		convB, err = NewInitializer(convBProto)
		if err != nil {
			return none, err
		}
	}

	// Fold the scale into the weight along the per-output-channel axis.
	if err := convW.ScaleByAxis(mulB, 1); err != nil {
		return none, err
	}
	if hasBias {
		if scaleIsScalar {
			err = convB.ScaleByAxis(mulB, 0)
		} else {
			err = convB.Mul(mulB)
		}
		if err != nil {
			return none, err
		}
	}

	// Commit: replace the constants under their original names, then route
	// the Mul's consumers to the Conv output directly. The Mul node itself
	// is only removed after the traversal completes.
	newConvW := convWProto.Clone()
	if err := convW.ToProto(newConvW); err != nil {
		return none, err
	}
	if err := g.ReplaceInitializer(newConvW); err != nil {
		return none, err
	}
	if hasBias {
		newConvB := convBProto.Clone()
		if err := convB.ToProto(newConvB); err != nil {
			return none, err
		}
		if err := g.ReplaceInitializer(newConvB); err != nil {
			return none, err
		}
	}
	if err := g.RewireConsumers(mulNode.OutputDefs()[0].Name, node.OutputDefs()[0].Name); err != nil {
		return none, err
	}

	klog.V(2).Infof("ConvMulFusion: folded %s into %s", mulNode, node)
	return Outcome{Modified: true, Remove: []ir.NodeIndex{mulNode.Index()}}, nil
}
