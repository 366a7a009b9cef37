package optimizer

import (
	"testing"

	"github.com/gomlx/onnx-optimizer/dtypes"
	"github.com/gomlx/onnx-optimizer/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassFusesMultipleAnchorsInOneRun(t *testing.T) {
	// Two independent Conv->Mul pairs: both must fuse in a single Apply,
	// with both Mul removals deferred to the end of the traversal.
	g := ir.NewGraph("two_pairs")
	g.AddInput("x1", dtypes.Float32, 1, 3, 4, 4)
	g.AddInput("x2", dtypes.Float32, 1, 3, 4, 4)
	for _, suffix := range []string{"1", "2"} {
		must.M(g.AddInitializedTensor(makeFloatTensor("w"+suffix, []int64{2, 3, 1, 1}, []float32{1, 2, 3, 4, 5, 6})))
		must.M(g.AddInitializedTensor(makeScalarTensor("s"+suffix, 2)))
		g.AddNode(ir.NodeDef{OpType: "Conv", OpVersion: 11,
			Inputs: []string{"x" + suffix, "w" + suffix}, Outputs: []string{"conv_out" + suffix}})
		g.AddNode(ir.NodeDef{OpType: "Mul", OpVersion: 14,
			Inputs: []string{"conv_out" + suffix, "s" + suffix}, Outputs: []string{"mul_out" + suffix}})
		g.AddNode(ir.NodeDef{OpType: "Relu", OpVersion: 14,
			Inputs: []string{"mul_out" + suffix}, Outputs: []string{"y" + suffix}})
		g.MarkOutput("y" + suffix)
	}
	require.NoError(t, g.Validate())

	modified, err := NewPass(NewConvMulFusion()).Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 4, g.NumNodes())
	for _, n := range g.Nodes() {
		assert.NotEqual(t, "Mul", n.OpType())
	}
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, floatData(t, g, "w1"))
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, floatData(t, g, "w2"))
	require.NoError(t, g.Validate())
}

func TestPassRecursesIntoSubgraphs(t *testing.T) {
	// The fusible pair lives inside the body of a control-flow node; the
	// driver must descend into it and fuse there.
	sub := ir.NewGraph("body")
	sub.AddInput("sx", dtypes.Float32, 1, 3, 4, 4)
	must.M(sub.AddInitializedTensor(makeFloatTensor("sw", []int64{2, 3, 1, 1}, []float32{1, 2, 3, 4, 5, 6})))
	must.M(sub.AddInitializedTensor(makeScalarTensor("ss", 10)))
	sub.AddNode(ir.NodeDef{OpType: "Conv", OpVersion: 11,
		Inputs: []string{"sx", "sw"}, Outputs: []string{"sconv_out"}})
	sub.AddNode(ir.NodeDef{OpType: "Mul", OpVersion: 14,
		Inputs: []string{"sconv_out", "ss"}, Outputs: []string{"smul_out"}})
	sub.AddNode(ir.NodeDef{OpType: "Relu", OpVersion: 14,
		Inputs: []string{"smul_out"}, Outputs: []string{"sy"}})
	sub.MarkOutput("sy")
	require.NoError(t, sub.Validate())

	g := ir.NewGraph("outer")
	g.AddInput("cond", dtypes.Bool)
	ifNode := g.AddNode(ir.NodeDef{OpType: "If", OpVersion: 13,
		Inputs: []string{"cond"}, Outputs: []string{"y"}})
	ifNode.AttachSubgraph(sub)
	g.MarkOutput("y")

	modified, err := NewPass(NewConvMulFusion()).Apply(g)
	require.NoError(t, err)
	assert.True(t, modified, "a subgraph rewrite must surface as modified on the outer call")
	assert.Equal(t, 2, sub.NumNodes())
	for _, n := range sub.Nodes() {
		assert.NotEqual(t, "Mul", n.OpType())
	}
	assert.Equal(t, []float32{10, 20, 30, 40, 50, 60}, floatData(t, sub, "sw"))
	assert.Equal(t, 1, g.NumNodes())
	require.NoError(t, sub.Validate())
}

func TestPassNoMatchLeavesGraphAlone(t *testing.T) {
	g := ir.NewGraph("no_conv")
	g.AddInput("x", dtypes.Float32, 4)
	g.AddNode(ir.NodeDef{OpType: "Relu", OpVersion: 14, Inputs: []string{"x"}, Outputs: []string{"y"}})
	g.MarkOutput("y")

	modified, err := NewPass(NewConvMulFusion()).Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, 1, g.NumNodes())
}

func TestEliminateIdentity(t *testing.T) {
	g := ir.NewGraph("identities")
	g.AddInput("x", dtypes.Float32, 4)
	g.AddNode(ir.NodeDef{Name: "id1", OpType: "Identity", OpVersion: 14,
		Inputs: []string{"x"}, Outputs: []string{"a"}})
	g.AddNode(ir.NodeDef{Name: "id2", OpType: "Identity", OpVersion: 14,
		Inputs: []string{"a"}, Outputs: []string{"b"}})
	g.AddNode(ir.NodeDef{Name: "relu", OpType: "Relu", OpVersion: 14,
		Inputs: []string{"b"}, Outputs: []string{"y"}})
	// This identity produces a graph output and must survive.
	g.AddNode(ir.NodeDef{Name: "id3", OpType: "Identity", OpVersion: 14,
		Inputs: []string{"y"}, Outputs: []string{"z"}})
	g.MarkOutput("z")
	require.NoError(t, g.Validate())

	modified, err := NewPass(NewEliminateIdentity()).Apply(g)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 2, g.NumNodes())

	var relu *ir.Node
	for _, n := range g.Nodes() {
		if n.OpType() == "Relu" {
			relu = n
		}
	}
	require.NotNil(t, relu)
	assert.Equal(t, "x", relu.InputDefs()[0].Name, "chained identities collapse to the original input")
	require.NoError(t, g.Validate())

	modified, err = NewPass(NewEliminateIdentity()).Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
}
