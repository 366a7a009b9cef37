// Package dtypes enumerates the element types a graph tensor can carry.
//
// The numeric tags follow the ONNX TensorProto.DataType values, so a loader
// can map the wire representation directly.
package dtypes

import "fmt"

// DType is the element type of a tensor.
type DType int32

const (
	InvalidDType DType = 0
	Float32      DType = 1
	Uint8        DType = 2
	Int8         DType = 3
	Uint16       DType = 4
	Int16        DType = 5
	Int32        DType = 6
	Int64        DType = 7
	String       DType = 8
	Bool         DType = 9
	Float16      DType = 10
	Float64      DType = 11
	Uint32       DType = 12
	Uint64       DType = 13
	BFloat16     DType = 16
)

// IsFloat reports whether dt is one of the floating-point element types.
func (dt DType) IsFloat() bool {
	switch dt {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// Size returns the number of bytes one element occupies in a raw buffer.
// String has no fixed size and returns 0.
func (dt DType) Size() int {
	switch dt {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16, Float16, BFloat16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "Float32"
	case Uint8:
		return "Uint8"
	case Int8:
		return "Int8"
	case Uint16:
		return "Uint16"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case String:
		return "String"
	case Bool:
		return "Bool"
	case Float16:
		return "Float16"
	case Float64:
		return "Float64"
	case Uint32:
		return "Uint32"
	case Uint64:
		return "Uint64"
	case BFloat16:
		return "BFloat16"
	case InvalidDType:
		return "InvalidDType"
	}
	return fmt.Sprintf("DType(%d)", int32(dt))
}
