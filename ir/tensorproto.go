package ir

import (
	"slices"

	"github.com/gomlx/onnx-optimizer/dtypes"
)

// TensorProto is the in-memory mirror of a persisted constant tensor: a dtype
// tag, a dimension list and a flat value buffer. Loaders convert to and from
// the external wire format at the boundary; the optimizer only ever sees this
// form.
//
// Exactly one of the value buffers is expected to be set: FloatData for
// Float32, DoubleData for Float64, or RawData with the elements packed
// little-endian (the only representation for Float16/BFloat16).
type TensorProto struct {
	Name     string
	DataType dtypes.DType
	Dims     []int64

	FloatData  []float32
	DoubleData []float64
	RawData    []byte
}

// Size returns the number of elements, the product of Dims. A rank-0 tensor
// has size 1.
func (tp *TensorProto) Size() int64 {
	size := int64(1)
	for _, dim := range tp.Dims {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the tensor.
func (tp *TensorProto) Clone() *TensorProto {
	if tp == nil {
		return nil
	}
	return &TensorProto{
		Name:       tp.Name,
		DataType:   tp.DataType,
		Dims:       slices.Clone(tp.Dims),
		FloatData:  slices.Clone(tp.FloatData),
		DoubleData: slices.Clone(tp.DoubleData),
		RawData:    slices.Clone(tp.RawData),
	}
}
