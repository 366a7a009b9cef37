// Package ir holds the mutable computation-graph intermediate representation
// the optimizer passes operate on.
//
//   - Graph: owns the node arena, the producer/consumer value-reference index
//     and the initializer (constant tensor) store.
//   - Node: one operator instance, addressed by a stable NodeIndex.
//   - NodeArg: a named value reference connecting a producer to its consumers.
//   - TensorProto: the in-memory persisted form of a constant tensor.
//
// The graph is an arena: nodes reference value names, and all producer and
// consumer relations are resolved through the graph's index, never through
// direct node-to-node pointers. Graph surgery (rewiring, node removal) is
// therefore plain index bookkeeping and cannot create ownership cycles.
package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-optimizer/dtypes"
	"github.com/pkg/errors"
)

// Graph is a mutable computation graph. It is not safe for concurrent
// mutation: an optimizer pass holds exclusive logical ownership of the graph
// for the duration of its run.
type Graph struct {
	name string

	// Node arena. Removed nodes leave a nil slot; indices are never reused.
	nodes   []*Node
	numLive int

	// Value references interned by name.
	args map[string]*NodeArg

	// producer maps an output name to the node producing it.
	// consumers maps an input name to the consuming nodes, one entry per
	// consuming input slot (a node consuming the same value twice appears
	// twice).
	producer  map[string]NodeIndex
	consumers map[string][]NodeIndex

	initializers map[string]*TensorProto

	inputs  []string
	outputs []string
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		args:         make(map[string]*NodeArg),
		producer:     make(map[string]NodeIndex),
		consumers:    make(map[string][]NodeIndex),
		initializers: make(map[string]*TensorProto),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// internArg returns the unique NodeArg for name, creating it if needed.
func (g *Graph) internArg(name string) *NodeArg {
	arg, found := g.args[name]
	if !found {
		arg = &NodeArg{Name: name}
		g.args[name] = arg
	}
	return arg
}

// AddInput declares an external graph input with the given logical type.
func (g *Graph) AddInput(name string, dtype dtypes.DType, dims ...int64) *NodeArg {
	arg := g.internArg(name)
	arg.DType = dtype
	arg.Shape = dims
	g.inputs = append(g.inputs, name)
	return arg
}

// MarkOutput declares name as an external graph output.
func (g *Graph) MarkOutput(name string) {
	g.internArg(name)
	g.outputs = append(g.outputs, name)
}

// Inputs returns the names of the external graph inputs.
func (g *Graph) Inputs() []string { return g.inputs }

// Outputs returns the names of the external graph outputs.
func (g *Graph) Outputs() []string { return g.outputs }

// IsGraphOutput reports whether name is declared as an external graph output.
func (g *Graph) IsGraphOutput(name string) bool {
	return slices.Contains(g.outputs, name)
}

// AddNode adds a node built from def and returns it. It panics on malformed
// definitions: a node without outputs, or an output name already produced by
// another live node (output names are unique within the graph).
func (g *Graph) AddNode(def NodeDef) *Node {
	if len(def.Outputs) == 0 {
		exceptions.Panicf("ir.AddNode: node %q (%s) has no outputs", def.Name, def.OpType)
	}
	for _, outputName := range def.Outputs {
		if outputName == "" {
			exceptions.Panicf("ir.AddNode: node %q (%s) has an empty output name", def.Name, def.OpType)
		}
		if prev, found := g.producer[outputName]; found && g.GetNode(prev) != nil {
			exceptions.Panicf("ir.AddNode: output %q of node %q (%s) is already produced by node %s",
				outputName, def.Name, def.OpType, g.GetNode(prev))
		}
	}

	n := &Node{
		index:     NodeIndex(len(g.nodes)),
		name:      def.Name,
		opType:    def.OpType,
		domain:    def.Domain,
		opVersion: def.OpVersion,
		provider:  def.Provider,
	}
	for _, inputName := range def.Inputs {
		n.inputs = append(n.inputs, g.internArg(inputName))
		if inputName != "" {
			g.consumers[inputName] = append(g.consumers[inputName], n.index)
		}
	}
	for _, outputName := range def.Outputs {
		n.outputs = append(n.outputs, g.internArg(outputName))
		g.producer[outputName] = n.index
	}
	g.nodes = append(g.nodes, n)
	g.numLive++
	return n
}

// GetNode resolves a NodeIndex to its node, or nil if the index is out of
// range or the node has been removed.
func (g *Graph) GetNode(idx NodeIndex) *Node {
	if idx < 0 || int(idx) >= len(g.nodes) {
		return nil
	}
	return g.nodes[idx]
}

// Nodes returns a snapshot of the live nodes in insertion (index) order. The
// returned slice is not affected by later graph mutation, so callers may
// remove nodes while ranging over it -- though passes are expected to defer
// removals until their traversal completes.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.numLive)
	for _, n := range g.nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numLive }

// Producer returns the live node producing the named value, or nil if the
// value has no producer (it is an initializer, a graph input, or unknown).
func (g *Graph) Producer(name string) *Node {
	idx, found := g.producer[name]
	if !found {
		return nil
	}
	return g.GetNode(idx)
}

// ConsumerCount returns the number of input slots across all live nodes that
// reference the named value.
func (g *Graph) ConsumerCount(name string) int {
	return len(g.consumers[name])
}

// OutputEdgesCount returns the number of edges leaving n: the total consumer
// slot count over all of n's outputs. Graph outputs are not edges; check
// IsNodeOutputInGraphOutputs separately.
func (g *Graph) OutputEdgesCount(n *Node) int {
	count := 0
	for _, out := range n.outputs {
		count += len(g.consumers[out.Name])
	}
	return count
}

// InputEdgesCount returns the number of edges arriving at n: the input slots
// fed by a live node's output. Inputs bound to initializers or external graph
// inputs are not edges.
func (g *Graph) InputEdgesCount(n *Node) int {
	count := 0
	for _, in := range n.inputs {
		if in.Name == "" {
			continue
		}
		if g.Producer(in.Name) != nil {
			count++
		}
	}
	return count
}

// IsNodeOutputInGraphOutputs reports whether any of n's outputs is declared
// as an external graph output.
func (g *Graph) IsNodeOutputInGraphOutputs(n *Node) bool {
	for _, out := range n.outputs {
		if g.IsGraphOutput(out.Name) {
			return true
		}
	}
	return false
}

// SingleConsumer returns the unique node consuming n's sole output, or nil
// when n is not eligible: n has more than one output, the output has zero or
// multiple consumer slots, or the output is itself an external graph output.
func (g *Graph) SingleConsumer(n *Node) *Node {
	if len(n.outputs) != 1 {
		return nil
	}
	outputName := n.outputs[0].Name
	if g.IsGraphOutput(outputName) {
		return nil
	}
	slots := g.consumers[outputName]
	if len(slots) != 1 {
		return nil
	}
	return g.GetNode(slots[0])
}

// AddInitializedTensor binds a constant tensor to its value-reference name.
// It panics on a nil tensor or an empty name, and returns an error if a
// constant is already bound under that name.
func (g *Graph) AddInitializedTensor(tp *TensorProto) error {
	if tp == nil || tp.Name == "" {
		exceptions.Panicf("ir.AddInitializedTensor: nil or unnamed tensor")
	}
	if _, found := g.initializers[tp.Name]; found {
		return errors.Errorf("initializer %q already exists in graph %q", tp.Name, g.name)
	}
	arg := g.internArg(tp.Name)
	arg.DType = tp.DataType
	arg.Shape = slices.Clone(tp.Dims)
	g.initializers[tp.Name] = tp
	return nil
}

// RemoveInitializedTensor removes the constant bound under name, if any.
func (g *Graph) RemoveInitializedTensor(name string) {
	delete(g.initializers, name)
}

// GetInitializedTensor looks up the constant tensor bound to name. The second
// result distinguishes "no constant bound under this name" (a runtime value)
// from a bound entry -- a bound entry may still be nil if the loader stored a
// corrupt one, which callers must treat as an internal-consistency error, not
// as absence.
func (g *Graph) GetInitializedTensor(name string) (*TensorProto, bool) {
	tp, found := g.initializers[name]
	return tp, found
}

// NumInitializers returns the number of bound constant tensors.
func (g *Graph) NumInitializers() int { return len(g.initializers) }

// ReplaceInitializer atomically replaces the constant bound under tp.Name
// with tp. The name must already be bound; all value references to the name
// remain valid, only the constant's value changes.
func (g *Graph) ReplaceInitializer(tp *TensorProto) error {
	if tp == nil || tp.Name == "" {
		exceptions.Panicf("ir.ReplaceInitializer: nil or unnamed tensor")
	}
	if _, found := g.initializers[tp.Name]; !found {
		return errors.Errorf("cannot replace initializer %q: not bound in graph %q", tp.Name, g.name)
	}
	g.RemoveInitializedTensor(tp.Name)
	return g.AddInitializedTensor(tp)
}

// RewireConsumers redirects every input slot referencing oldName to newName
// instead. The producer of newName is unaffected. It returns an
// internal-consistency error if a node recorded in the consumer index cannot
// be resolved.
func (g *Graph) RewireConsumers(oldName, newName string) error {
	slots := g.consumers[oldName]
	if len(slots) == 0 {
		return nil
	}
	for _, idx := range slots {
		if g.GetNode(idx) == nil {
			return errors.Errorf("graph %q consumer index is inconsistent: node #%d consumes %q but cannot be resolved",
				g.name, idx, oldName)
		}
	}
	newArg := g.internArg(newName)
	for _, idx := range slots {
		n := g.nodes[idx]
		for i, in := range n.inputs {
			if in.Name == oldName {
				n.inputs[i] = newArg
			}
		}
	}
	g.consumers[newName] = append(g.consumers[newName], slots...)
	delete(g.consumers, oldName)
	return nil
}

// AppendNodeInput appends a new input slot referencing name to n, keeping the
// consumer index in sync.
func (g *Graph) AppendNodeInput(n *Node, name string) {
	n.inputs = append(n.inputs, g.internArg(name))
	if name != "" {
		g.consumers[name] = append(g.consumers[name], n.index)
	}
}

// RemoveNode deletes the node at idx and releases its value references. It
// returns an error if the node is already gone, if any live node still
// consumes one of its outputs, or if one of its outputs is an external graph
// output.
func (g *Graph) RemoveNode(idx NodeIndex) error {
	n := g.GetNode(idx)
	if n == nil {
		return errors.Errorf("cannot remove node #%d from graph %q: no such node", idx, g.name)
	}
	for _, out := range n.outputs {
		if count := len(g.consumers[out.Name]); count > 0 {
			return errors.Errorf("cannot remove node %s: output %q still has %d consumer(s)", n, out.Name, count)
		}
		if g.IsGraphOutput(out.Name) {
			return errors.Errorf("cannot remove node %s: output %q is a graph output", n, out.Name)
		}
	}
	for _, out := range n.outputs {
		delete(g.producer, out.Name)
	}
	// Drop one consumer entry per input slot of the removed node.
	for _, in := range n.inputs {
		if in.Name == "" {
			continue
		}
		slots := g.consumers[in.Name]
		if pos := slices.Index(slots, idx); pos >= 0 {
			slots = slices.Delete(slots, pos, pos+1)
		}
		if len(slots) == 0 {
			delete(g.consumers, in.Name)
		} else {
			g.consumers[in.Name] = slots
		}
	}
	g.nodes[idx] = nil
	g.numLive--
	return nil
}
