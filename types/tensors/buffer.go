// Package tensors defines the data handled by the boxing engine:
//
//   - Buffer: the host data of one shard, a flat slice of the Go type of its dtype plus its shape.
//   - Pending: the dependency token of an asynchronous operation producing a Buffer.
//   - Local: the shard held by one rank, on one device, possibly not yet computed.
//   - Descriptor and Consistent: a logical tensor with its placement, and this rank's view of it.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Buffer holds the data of a tensor (or of a shard of it) in host memory, in row-major order.
//
// Buffers are immutable once created: operations always return new buffers.
type Buffer struct {
	shape shapes.Shape

	// flat is a slice of the Go type of shape.DType, with shape.Size() elements.
	flat any
}

// NewBuffer wraps the flat slice in a Buffer with the given shape. The slice is not copied, and must not be
// modified afterward.
func NewBuffer(shape shapes.Shape, flat any) (*Buffer, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for buffer", shape)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("buffer of shape %s requires a []%s, got %T", shape, shape.DType.GoType(), flat)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("buffer of shape %s requires %d elements, got %d", shape, shape.Size(), flatV.Len())
	}
	return &Buffer{shape: shape, flat: flat}, nil
}

// Zeros returns a Buffer of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		panic(errors.Errorf("tensors.Zeros(%s): invalid shape", shape))
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Buffer{shape: shape, flat: flatV.Interface()}
}

// FromFlatAndDimensions creates a Buffer with the given dimensions, filled with a copy of data.
// The dtype is inferred from T. It panics if the size of data doesn't match the dimensions.
func FromFlatAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Buffer {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		panic(errors.Errorf("FromFlatAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size()))
	}
	b := Zeros(shape)
	copyConverting(reflect.ValueOf(b.flat), reflect.ValueOf(data))
	return b
}

// FromAnyValue creates a Buffer from a scalar or a (multi-dimensional) slice with homogeneous dimensions.
func FromAnyValue(value any) (*Buffer, error) {
	shape, err := shapes.FromAnyValue(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create a buffer from %T", value)
	}
	b := Zeros(shape)
	flatV := reflect.ValueOf(b.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value).Convert(flatV.Type().Elem()))
		return b, nil
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	return b, nil
}

// copySlicesRecursively copies the values of a multi-dimensional slice to a flat slice, given the strides
// of each axis.
func copySlicesRecursively(flatV, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		copyConverting(flatV, mdSlice)
		return
	}
	for ii := range mdSlice.Len() {
		start := ii * strides[0]
		copySlicesRecursively(flatV.Slice(start, start+strides[0]), mdSlice.Index(ii), strides[1:])
	}
}

// copyConverting copies src to dst, converting elements if the Go types differ (e.g. int to int64).
func copyConverting(dst, src reflect.Value) {
	if dst.Type().Elem() == src.Type().Elem() {
		reflect.Copy(dst, src)
		return
	}
	elemT := dst.Type().Elem()
	for ii := range src.Len() {
		dst.Index(ii).Set(src.Index(ii).Convert(elemT))
	}
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape {
	return b.shape
}

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType {
	return b.shape.DType
}

// Size is the number of elements.
func (b *Buffer) Size() int {
	return b.shape.Size()
}

// Flat returns the flat slice with the data. It must not be modified.
func (b *Buffer) Flat() any {
	return b.flat
}

// Memory returns the number of bytes used by the data.
func (b *Buffer) Memory() uintptr {
	return b.shape.Memory()
}

// Value returns a multi-dimensional slice (or a scalar) with a copy of the data.
func (b *Buffer) Value() any {
	flatV := reflect.ValueOf(b.flat)
	if b.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return buildSlicesRecursively(flatV, b.shape.Dimensions).Interface()
}

func buildSlicesRecursively(flatV reflect.Value, dimensions []int) reflect.Value {
	if len(dimensions) == 1 {
		out := reflect.MakeSlice(flatV.Type(), dimensions[0], dimensions[0])
		reflect.Copy(out, flatV)
		return out
	}
	stride := flatV.Len() / max(dimensions[0], 1)
	var elemT reflect.Type = flatV.Type()
	for range len(dimensions) - 1 {
		elemT = reflect.SliceOf(elemT)
	}
	out := reflect.MakeSlice(elemT, dimensions[0], dimensions[0])
	for ii := range dimensions[0] {
		out.Index(ii).Set(buildSlicesRecursively(flatV.Slice(ii*stride, (ii+1)*stride), dimensions[1:]))
	}
	return out
}

// Equal returns whether both buffers have the same shape and values.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == other {
		return true
	}
	if b == nil || other == nil || !b.shape.Equal(other.shape) {
		return false
	}
	v0, v1 := reflect.ValueOf(b.flat), reflect.ValueOf(other.flat)
	for ii := range v0.Len() {
		if !v0.Index(ii).Equal(v1.Index(ii)) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "<nil buffer>"
	}
	return fmt.Sprintf("%s: %v", b.shape, b.Value())
}

// Clone returns a copy of the buffer with its own data.
func (b *Buffer) Clone() *Buffer {
	out := Zeros(b.shape)
	reflect.Copy(reflect.ValueOf(out.flat), reflect.ValueOf(b.flat))
	out.shape = b.shape.Clone()
	return out
}

// Reshape returns a buffer with the same elements and the new dimensions.
// The element count must match.
func (b *Buffer) Reshape(dimensions ...int) (*Buffer, error) {
	shape := shapes.Make(b.shape.DType, dimensions...)
	if shape.Size() != b.shape.Size() {
		return nil, errors.Errorf("cannot reshape %s to %v: element counts %d and %d differ",
			b.shape, dimensions, b.shape.Size(), shape.Size())
	}
	return &Buffer{shape: shape, flat: b.flat}, nil
}
