package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/onnx-optimizer/dtypes"
)

// NodeIndex is the stable identity of a node within its graph's arena.
// Indices are never reused while the graph is alive, so a NodeIndex recorded
// during traversal stays valid (it resolves to nil after the node is removed).
type NodeIndex int

// NodeArg is a named value reference: the "wire" connecting a producing
// node's output to zero or more consuming nodes' inputs. Args are interned by
// name within a Graph, so two nodes referring to the same name share the same
// *NodeArg. The dtype/shape are the logical type of the value, when known.
type NodeArg struct {
	Name  string
	DType dtypes.DType
	Shape []int64
}

// NodeDef describes a node to be added to a Graph.
type NodeDef struct {
	Name      string
	OpType    string
	Domain    string // "" is the default operator domain.
	OpVersion int    // Opset version the op type resolves to.
	Provider  string // Execution-provider tag; "" if unassigned.
	Inputs    []string
	Outputs   []string
}

// Node is one operator instance in a Graph. It holds no owning pointers to
// other nodes: all producer/consumer relations go through the graph's index.
type Node struct {
	index     NodeIndex
	name      string
	opType    string
	domain    string
	opVersion int
	provider  string

	inputs    []*NodeArg
	outputs   []*NodeArg
	subgraphs []*Graph
}

// Index returns the node's stable arena index.
func (n *Node) Index() NodeIndex { return n.index }

// Name returns the node's (possibly empty) name.
func (n *Node) Name() string { return n.name }

// OpType returns the operator type, e.g. "Conv".
func (n *Node) OpType() string { return n.opType }

// Domain returns the operator domain; "" is the default domain.
func (n *Node) Domain() string { return n.domain }

// OpVersion returns the opset version the node's op type resolves to.
func (n *Node) OpVersion() int { return n.opVersion }

// Provider returns the execution-provider tag the node is assigned to.
func (n *Node) Provider() string { return n.provider }

// SetProvider assigns the execution-provider tag.
func (n *Node) SetProvider(provider string) { n.provider = provider }

// InputDefs returns the node's ordered input value references. An entry may
// have an empty name for an omitted optional input.
func (n *Node) InputDefs() []*NodeArg { return n.inputs }

// OutputDefs returns the node's ordered output value references.
func (n *Node) OutputDefs() []*NodeArg { return n.outputs }

// Subgraphs returns the control-flow body graphs attached to this node, if
// any (e.g. the branches of an "If" node).
func (n *Node) Subgraphs() []*Graph { return n.subgraphs }

// AttachSubgraph attaches a control-flow body graph to the node.
func (n *Node) AttachSubgraph(sub *Graph) { n.subgraphs = append(n.subgraphs, sub) }

// String implements fmt.Stringer with a one-line summary for error messages.
func (n *Node) String() string {
	var parts []string
	for _, in := range n.inputs {
		parts = append(parts, in.Name)
	}
	inputs := strings.Join(parts, ", ")
	parts = parts[:0]
	for _, out := range n.outputs {
		parts = append(parts, out.Name)
	}
	outputs := strings.Join(parts, ", ")
	return fmt.Sprintf("#%d %s(%s) -> (%s)", n.index, n.opType, inputs, outputs)
}
