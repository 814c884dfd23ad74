package tensors

import (
	"reflect"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Slice returns a new buffer with the elements of b in the region (in b's coordinates).
func (b *Buffer) Slice(region shardy.Region) (*Buffer, error) {
	if len(region.Starts) != b.shape.Rank() || len(region.Limits) != b.shape.Rank() {
		return nil, errors.Errorf("region %s has the wrong rank for buffer %s", region, b.shape)
	}
	for axis, dim := range b.shape.Dimensions {
		if region.Starts[axis] < 0 || region.Limits[axis] > dim || region.Starts[axis] > region.Limits[axis] {
			return nil, errors.Errorf("region %s out of bounds for buffer %s (axis %d)", region, b.shape, axis)
		}
	}
	out := Zeros(shapes.Make(b.shape.DType, region.Dimensions()...))
	copyRegion(out, make([]int, b.shape.Rank()), b, region.Starts, region.Dimensions())
	return out, nil
}

// Piece is a buffer and the region it occupies in an assembled buffer.
type Piece struct {
	Region shardy.Region
	Buffer *Buffer
}

// Assemble creates a buffer of the given shape, filled with the pieces at their regions. Elements not covered
// by any piece are zero. Pieces must match the dtype of the shape, and the dimensions of their regions.
func Assemble(shape shapes.Shape, pieces ...Piece) (*Buffer, error) {
	out := Zeros(shape)
	full := shardy.FullRegion(shape)
	for ii, piece := range pieces {
		if piece.Buffer.DType() != shape.DType {
			return nil, boxerr.Errorf(boxerr.ErrShapeMismatch, "piece #%d has dtype %s, but assembling %s",
				ii, piece.Buffer.DType(), shape)
		}
		if len(piece.Region.Starts) != shape.Rank() {
			return nil, boxerr.Errorf(boxerr.ErrShapeMismatch, "piece #%d region %s doesn't match rank of %s",
				ii, piece.Region, shape)
		}
		if inter, _ := piece.Region.Intersect(full); inter.Size() != piece.Region.Size() {
			return nil, boxerr.Errorf(boxerr.ErrShapeMismatch, "piece #%d region %s is out of bounds of %s",
				ii, piece.Region, shape)
		}
		if err := piece.Buffer.shape.Check(shape.DType, piece.Region.Dimensions()...); err != nil {
			return nil, boxerr.Errorf(boxerr.ErrShapeMismatch, "piece #%d doesn't fit its region %s: %v",
				ii, piece.Region, err)
		}
		copyRegion(out, piece.Region.Starts, piece.Buffer, make([]int, shape.Rank()), piece.Region.Dimensions())
	}
	return out, nil
}

// copyRegion copies the hyper-rectangle of the given extent, starting at srcStarts in src, to dst at dstStarts.
// It copies one contiguous row (last axis) at a time.
func copyRegion(dst *Buffer, dstStarts []int, src *Buffer, srcStarts []int, extent []int) {
	dstV, srcV := reflect.ValueOf(dst.flat), reflect.ValueOf(src.flat)
	rank := len(extent)
	if rank == 0 {
		dstV.Index(0).Set(srcV.Index(0))
		return
	}
	for _, dim := range extent {
		if dim == 0 {
			return
		}
	}
	dstStrides, srcStrides := dst.shape.Strides(), src.shape.Strides()
	rowLen := extent[rank-1]
	outer := make([]int, rank-1)
	for {
		dstOffset, srcOffset := dstStarts[rank-1], srcStarts[rank-1]
		for axis, idx := range outer {
			dstOffset += (dstStarts[axis] + idx) * dstStrides[axis]
			srcOffset += (srcStarts[axis] + idx) * srcStrides[axis]
		}
		reflect.Copy(dstV.Slice(dstOffset, dstOffset+rowLen), srcV.Slice(srcOffset, srcOffset+rowLen))

		// Next row.
		axis := rank - 2
		for ; axis >= 0; axis-- {
			outer[axis]++
			if outer[axis] < extent[axis] {
				break
			}
			outer[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

type summable interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64 |
		~complex64 | ~complex128
}

func addInto[T summable](dst, src []T) {
	for ii, v := range src {
		dst[ii] += v
	}
}

// Sum returns the element-wise sum of the buffers, which must all have the same shape.
// This is the reduction of PartialSum shards. Half-precision dtypes are accumulated in float32 and rounded
// at every step.
func Sum(buffers ...*Buffer) (*Buffer, error) {
	if len(buffers) == 0 {
		return nil, errors.New("tensors.Sum requires at least one buffer")
	}
	shape := buffers[0].shape
	for ii, b := range buffers[1:] {
		if !b.shape.Equal(shape) {
			return nil, boxerr.Errorf(boxerr.ErrShapeMismatch, "cannot sum buffer #%d of shape %s with shape %s",
				ii+1, b.shape, shape)
		}
	}
	out := buffers[0].Clone()
	for _, b := range buffers[1:] {
		switch dst := out.flat.(type) {
		case []float32:
			addInto(dst, b.flat.([]float32))
		case []float64:
			addInto(dst, b.flat.([]float64))
		case []int8:
			addInto(dst, b.flat.([]int8))
		case []int16:
			addInto(dst, b.flat.([]int16))
		case []int32:
			addInto(dst, b.flat.([]int32))
		case []int64:
			addInto(dst, b.flat.([]int64))
		case []uint8:
			addInto(dst, b.flat.([]uint8))
		case []uint16:
			addInto(dst, b.flat.([]uint16))
		case []uint32:
			addInto(dst, b.flat.([]uint32))
		case []uint64:
			addInto(dst, b.flat.([]uint64))
		case []complex64:
			addInto(dst, b.flat.([]complex64))
		case []complex128:
			addInto(dst, b.flat.([]complex128))
		case []float16.Float16:
			for ii, v := range b.flat.([]float16.Float16) {
				dst[ii] = float16.Fromfloat32(dst[ii].Float32() + v.Float32())
			}
		case []bfloat16.BFloat16:
			for ii, v := range b.flat.([]bfloat16.BFloat16) {
				dst[ii] = bfloat16.FromFloat32(dst[ii].Float32() + v.Float32())
			}
		case []bool:
			for ii, v := range b.flat.([]bool) {
				dst[ii] = dst[ii] || v
			}
		default:
			return nil, errors.Errorf("tensors.Sum: dtype %s not supported", shape.DType)
		}
	}
	return out, nil
}
