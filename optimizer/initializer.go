package optimizer

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/gomlx/onnx-optimizer/dtypes"
	"github.com/gomlx/onnx-optimizer/ir"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Initializer is the in-memory working form of a constant tensor: it decodes
// an ir.TensorProto value buffer once, supports the elementwise and per-axis
// arithmetic the fusion rules need, and encodes the result back with ToProto.
// It has no graph awareness.
//
// Float32, Float16 and BFloat16 tensors share a float32 working buffer (the
// half-precision types are widened on decode and narrowed on encode); Float64
// tensors keep a float64 buffer.
type Initializer struct {
	name  string
	dtype dtypes.DType
	dims  []int64

	f32 []float32
	f64 []float64
}

// IsSupportedDataType reports whether the tensor's element type is one the
// initializer arithmetic can operate on without precision-lossy
// reinterpretation. Integral, bool and string tensors are rejected. A nil
// tensor is not supported.
func IsSupportedDataType(tp *ir.TensorProto) bool {
	if tp == nil {
		return false
	}
	switch tp.DataType {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16:
		return true
	}
	return false
}

// NewInitializer decodes the tensor's value buffer into a working form. It
// returns an error for unsupported dtypes and for corrupt tensors (missing
// buffer, or buffer size not matching the dimensions).
func NewInitializer(tp *ir.TensorProto) (*Initializer, error) {
	if tp == nil {
		return nil, errors.New("cannot build an Initializer from a nil tensor")
	}
	if !IsSupportedDataType(tp) {
		return nil, errors.Errorf("initializer %q has unsupported dtype %s", tp.Name, tp.DataType)
	}
	ini := &Initializer{
		name:  tp.Name,
		dtype: tp.DataType,
		dims:  slices.Clone(tp.Dims),
	}
	size := int(tp.Size())

	switch tp.DataType {
	case dtypes.Float32:
		if tp.FloatData != nil {
			if len(tp.FloatData) != size {
				return nil, errors.Errorf("initializer %q has %d elements of float data, but its dimensions %v require %d",
					tp.Name, len(tp.FloatData), tp.Dims, size)
			}
			ini.f32 = slices.Clone(tp.FloatData)
			return ini, nil
		}
		if tp.RawData != nil {
			if len(tp.RawData) != size*4 {
				return nil, errors.Errorf("initializer %q has %d bytes of raw data, but its dimensions %v require %d",
					tp.Name, len(tp.RawData), tp.Dims, size*4)
			}
			ini.f32 = make([]float32, size)
			for i := range ini.f32 {
				ini.f32[i] = math.Float32frombits(binary.LittleEndian.Uint32(tp.RawData[i*4:]))
			}
			return ini, nil
		}

	case dtypes.Float64:
		if tp.DoubleData != nil {
			if len(tp.DoubleData) != size {
				return nil, errors.Errorf("initializer %q has %d elements of double data, but its dimensions %v require %d",
					tp.Name, len(tp.DoubleData), tp.Dims, size)
			}
			ini.f64 = slices.Clone(tp.DoubleData)
			return ini, nil
		}
		if tp.RawData != nil {
			if len(tp.RawData) != size*8 {
				return nil, errors.Errorf("initializer %q has %d bytes of raw data, but its dimensions %v require %d",
					tp.Name, len(tp.RawData), tp.Dims, size*8)
			}
			ini.f64 = make([]float64, size)
			for i := range ini.f64 {
				ini.f64[i] = math.Float64frombits(binary.LittleEndian.Uint64(tp.RawData[i*8:]))
			}
			return ini, nil
		}

	case dtypes.Float16, dtypes.BFloat16:
		// Half-precision tensors are always stored as raw little-endian bits.
		if tp.RawData != nil {
			if len(tp.RawData) != size*2 {
				return nil, errors.Errorf("initializer %q has %d bytes of raw data, but its dimensions %v require %d",
					tp.Name, len(tp.RawData), tp.Dims, size*2)
			}
			ini.f32 = make([]float32, size)
			for i := range ini.f32 {
				bits := binary.LittleEndian.Uint16(tp.RawData[i*2:])
				if tp.DataType == dtypes.Float16 {
					ini.f32[i] = float16.Frombits(bits).Float32()
				} else {
					ini.f32[i] = math.Float32frombits(uint32(bits) << 16)
				}
			}
			return ini, nil
		}
	}
	return nil, errors.Errorf("initializer %q (%s) has no value buffer", tp.Name, tp.DataType)
}

// Name returns the bound value-reference name of the constant.
func (ini *Initializer) Name() string { return ini.name }

// DType returns the element type.
func (ini *Initializer) DType() dtypes.DType { return ini.dtype }

// Dims returns the dimension list; rank 0 is a scalar.
func (ini *Initializer) Dims() []int64 { return ini.dims }

// Size returns the number of elements.
func (ini *Initializer) Size() int64 {
	size := int64(1)
	for _, dim := range ini.dims {
		size *= dim
	}
	return size
}

// ScaleByAxis multiplies ini in place, viewing its buffer as
// prod(dims[:axis]) contiguous blocks of prod(dims[axis:]) elements each:
// block i is multiplied by scale element i, or by the single scalar if scale
// is rank-0. scale must have either one element or exactly one element per
// block, and the same dtype as ini.
func (ini *Initializer) ScaleByAxis(scale *Initializer, axis int) error {
	if scale.dtype != ini.dtype {
		return errors.Errorf("cannot scale initializer %q (%s) by %q (%s): dtypes differ",
			ini.name, ini.dtype, scale.name, scale.dtype)
	}
	if axis < 0 || axis > len(ini.dims) {
		return errors.Errorf("cannot scale initializer %q with %d dimensions along axis %d", ini.name, len(ini.dims), axis)
	}
	blockSize := int64(1)
	for _, dim := range ini.dims[axis:] {
		blockSize *= dim
	}
	if blockSize == 0 {
		return nil
	}
	numBlocks := ini.Size() / blockSize
	scaleSize := scale.Size()
	if scaleSize != 1 && scaleSize != numBlocks {
		return errors.Errorf("cannot scale initializer %q (dims %v, axis %d) by %q: need 1 or %d scale elements, got %d",
			ini.name, ini.dims, axis, scale.name, numBlocks, scaleSize)
	}

	if ini.f64 != nil {
		for block := int64(0); block < numBlocks; block++ {
			s := scale.f64[0]
			if scaleSize != 1 {
				s = scale.f64[block]
			}
			floats.Scale(s, ini.f64[block*blockSize:(block+1)*blockSize])
		}
		return nil
	}
	for block := int64(0); block < numBlocks; block++ {
		s := scale.f32[0]
		if scaleSize != 1 {
			s = scale.f32[block]
		}
		for i := block * blockSize; i < (block+1)*blockSize; i++ {
			ini.f32[i] *= s
		}
	}
	return nil
}

// Mul multiplies ini elementwise by other, in place. The operands must have
// the same dtype, and either the same number of elements or other must be a
// scalar.
func (ini *Initializer) Mul(other *Initializer) error {
	if err := ini.checkElementwise("multiply", other); err != nil {
		return err
	}
	if other.Size() == 1 {
		return ini.ScaleByAxis(other, 0)
	}
	if ini.f64 != nil {
		floats.Mul(ini.f64, other.f64)
		return nil
	}
	for i, v := range other.f32 {
		ini.f32[i] *= v
	}
	return nil
}

// Add adds other to ini elementwise, in place. The operands must have the
// same dtype, and either the same number of elements or other must be a
// scalar.
func (ini *Initializer) Add(other *Initializer) error {
	if err := ini.checkElementwise("add", other); err != nil {
		return err
	}
	if ini.f64 != nil {
		if other.Size() == 1 {
			floats.AddConst(other.f64[0], ini.f64)
		} else {
			floats.Add(ini.f64, other.f64)
		}
		return nil
	}
	if other.Size() == 1 {
		v := other.f32[0]
		for i := range ini.f32 {
			ini.f32[i] += v
		}
		return nil
	}
	for i, v := range other.f32 {
		ini.f32[i] += v
	}
	return nil
}

func (ini *Initializer) checkElementwise(op string, other *Initializer) error {
	if other.dtype != ini.dtype {
		return errors.Errorf("cannot %s initializer %q (%s) by %q (%s): dtypes differ",
			op, ini.name, ini.dtype, other.name, other.dtype)
	}
	if other.Size() != 1 && other.Size() != ini.Size() {
		return errors.Errorf("cannot %s initializer %q (%d elements) by %q (%d elements)",
			op, ini.name, ini.Size(), other.name, other.Size())
	}
	return nil
}

// ToProto writes the initializer's values back into tp, which must carry the
// same dtype and element count -- typically a Clone of the tensor the
// initializer was built from. Only the value buffer changes; dtype and
// dimensions are preserved exactly, and the original encoding (typed field vs
// raw bytes) is kept.
func (ini *Initializer) ToProto(tp *ir.TensorProto) error {
	if tp == nil {
		return errors.Errorf("initializer %q: cannot export to a nil tensor", ini.name)
	}
	if tp.DataType != ini.dtype {
		return errors.Errorf("initializer %q (%s) cannot be exported to tensor %q (%s): dtypes differ",
			ini.name, ini.dtype, tp.Name, tp.DataType)
	}
	if tp.Size() != ini.Size() {
		return errors.Errorf("initializer %q has %d elements, but target tensor %q has %d",
			ini.name, ini.Size(), tp.Name, tp.Size())
	}

	switch {
	case tp.FloatData != nil:
		copy(tp.FloatData, ini.f32)
	case tp.DoubleData != nil:
		copy(tp.DoubleData, ini.f64)
	case tp.RawData != nil:
		switch ini.dtype {
		case dtypes.Float32:
			for i, v := range ini.f32 {
				binary.LittleEndian.PutUint32(tp.RawData[i*4:], math.Float32bits(v))
			}
		case dtypes.Float64:
			for i, v := range ini.f64 {
				binary.LittleEndian.PutUint64(tp.RawData[i*8:], math.Float64bits(v))
			}
		case dtypes.Float16:
			for i, v := range ini.f32 {
				binary.LittleEndian.PutUint16(tp.RawData[i*2:], float16.Fromfloat32(v).Bits())
			}
		case dtypes.BFloat16:
			for i, v := range ini.f32 {
				binary.LittleEndian.PutUint16(tp.RawData[i*2:], uint16(math.Float32bits(v)>>16))
			}
		}
	default:
		return errors.Errorf("initializer %q: target tensor %q has no value buffer", ini.name, tp.Name)
	}
	return nil
}
