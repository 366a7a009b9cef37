package ir

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"
)

// String implements fmt.Stringer, and pretty prints graph information.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph %q:\n", g.name)
	w("\tInputs:\t%q\n", g.inputs)
	w("\tOutputs:\t%q\n", g.outputs)
	w("\t# nodes:\t%d\n", g.numLive)

	opTypes := make(map[string]bool)
	numSubgraphs := 0
	for _, n := range g.Nodes() {
		opTypes[n.opType] = true
		numSubgraphs += len(n.subgraphs)
	}
	opTypeNames := maps.Keys(opTypes)
	slices.Sort(opTypeNames)
	w("\tOp types:\t%#v\n", opTypeNames)
	if numSubgraphs > 0 {
		w("\t# subgraphs:\t%d\n", numSubgraphs)
	}

	var numElements int64
	for _, tp := range g.initializers {
		if tp != nil {
			numElements += tp.Size()
		}
	}
	w("\t# initializers:\t%d (%s elements)\n", len(g.initializers), humanize.Comma(numElements))
	return buf.String()
}
