// Package shapeinference calculates the shape resulting from the operations of the execution substrate and
// validates their inputs, before they are enqueued.
//
// Collective operations are validated on the participant group: it must be non-empty, with unique,
// non-negative ranks.
package shapeinference

import (
	"slices"

	"github.com/gomlx/boxing/internal/optypes"
	"github.com/gomlx/boxing/internal/utils"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Group validates the participants of a collective operation.
func Group(opType optypes.OpType, group []int) error {
	if len(group) == 0 {
		return errors.Errorf("%s: group of participants cannot be empty", opType)
	}
	seen := utils.MakeSet[int](len(group))
	for _, rank := range group {
		if rank < 0 {
			return errors.Errorf("%s: invalid rank %d in group %v", opType, rank, group)
		}
		if seen.Has(rank) {
			return errors.Errorf("%s: rank %d is duplicated in group %v", opType, rank, group)
		}
		seen.Insert(rank)
	}
	return nil
}

// CollectiveBroadcast returns the output shape of a broadcast from root to the group.
// The output shape is identical to the operand shape.
func CollectiveBroadcast(operand shapes.Shape, group []int, root int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("CollectiveBroadcast: invalid operand shape %s", operand)
	}
	if err = Group(optypes.CollectiveBroadcast, group); err != nil {
		return shapes.Invalid(), err
	}
	if !slices.Contains(group, root) {
		return shapes.Invalid(), errors.Errorf("CollectiveBroadcast: root rank %d is not in group %v", root, group)
	}
	return operand.Clone(), nil
}

// AllReduce returns the output shape of the sum of the operands of every participant.
// All operands must have the same shape, which is also the output shape.
func AllReduce(operands []shapes.Shape, group []int) (output shapes.Shape, err error) {
	if err = Group(optypes.AllReduce, group); err != nil {
		return shapes.Invalid(), err
	}
	if len(operands) != len(group) {
		return shapes.Invalid(), errors.Errorf("AllReduce: %d operands for a group of %d participants",
			len(operands), len(group))
	}
	for i, operand := range operands {
		if !operand.Ok() {
			return shapes.Invalid(), errors.Errorf("AllReduce: invalid operand[%d] shape %s", i, operand)
		}
		if !operand.Equal(operands[0]) {
			return shapes.Invalid(), errors.Errorf("AllReduce: operand[%d] shape %s (rank %d) does not match "+
				"operand[0] shape %s (rank %d)", i, operand, group[i], operands[0], group[0])
		}
		if operand.DType == dtypes.Bool {
			return shapes.Invalid(), errors.Errorf("AllReduce: operands of dtype %s cannot be summed", operand.DType)
		}
	}
	return operands[0].Clone(), nil
}

// Exchange validates an exchange of regions of a logical tensor among the participants, and returns the output
// shape of each participant (invalid for participants that don't receive anything).
//
// For each participant, operands[i] is the shape of the shard it contributes, at region (starts[i], limits[i])
// of the logical tensor, or nil starts if it contributes nothing. Similarly, the destination regions define
// what each participant receives.
func Exchange(logical shapes.Shape, group []int, operands []shapes.Shape,
	srcStarts, srcLimits, dstStarts, dstLimits [][]int) (outputs []shapes.Shape, err error) {
	if !logical.Ok() {
		return nil, errors.Errorf("Exchange: invalid logical shape %s", logical)
	}
	if err = Group(optypes.Exchange, group); err != nil {
		return nil, err
	}
	n := len(group)
	if len(operands) != n || len(srcStarts) != n || len(srcLimits) != n || len(dstStarts) != n || len(dstLimits) != n {
		return nil, errors.Errorf("Exchange: all arguments must have one entry per participant (%d)", n)
	}
	outputs = make([]shapes.Shape, n)
	for i := range group {
		if srcStarts[i] != nil {
			dims, err := regionDimensions(logical, srcStarts[i], srcLimits[i])
			if err != nil {
				return nil, errors.WithMessagef(err, "Exchange: source region of rank %d", group[i])
			}
			if err = operands[i].Check(logical.DType, dims...); err != nil {
				return nil, errors.WithMessagef(err, "Exchange: operand of rank %d doesn't match its region", group[i])
			}
		}
		outputs[i] = shapes.Invalid()
		if dstStarts[i] != nil {
			dims, err := regionDimensions(logical, dstStarts[i], dstLimits[i])
			if err != nil {
				return nil, errors.WithMessagef(err, "Exchange: destination region of rank %d", group[i])
			}
			outputs[i] = shapes.Make(logical.DType, dims...)
		}
	}
	return outputs, nil
}

func regionDimensions(logical shapes.Shape, starts, limits []int) ([]int, error) {
	if len(starts) != logical.Rank() || len(limits) != logical.Rank() {
		return nil, errors.Errorf("region rank (%d, %d) doesn't match logical shape %s",
			len(starts), len(limits), logical)
	}
	dims := make([]int, logical.Rank())
	for axis, dim := range logical.Dimensions {
		if starts[axis] < 0 || limits[axis] < starts[axis] || limits[axis] > dim {
			return nil, errors.Errorf("region [%d:%d] out of bounds for axis %d of %s",
				starts[axis], limits[axis], axis, logical)
		}
		dims[axis] = limits[axis] - starts[axis]
	}
	return dims, nil
}

// Reshape returns the output shape of reshaping operand to the given dimensions.
// The number of elements must be preserved.
func Reshape(operand shapes.Shape, dimensions []int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("Reshape: invalid operand shape %s", operand)
	}
	for axis, dim := range dimensions {
		if dim < 0 {
			return shapes.Invalid(), errors.Errorf("Reshape: negative dimension %d for axis %d", dim, axis)
		}
	}
	output = shapes.Make(operand.DType, dimensions...)
	if output.Size() != operand.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape: cannot reshape %s (%d elements) to %s (%d elements)",
			operand, operand.Size(), output, output.Size())
	}
	return output, nil
}

// Slice calculates the output shape for a Slice operation.
// It checks that starts, limits, and strides have the correct length (matching operand rank),
// and that the slice parameters are valid for the operand's dimensions.
// Strides must be positive. Empty slices (limit == start) are valid, since shards can be empty.
func Slice(operand shapes.Shape, starts, limits, strides []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	opName := "Slice"
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("%s: invalid operand shape %s", opName, operand)
	}
	if len(starts) != rank {
		return shapes.Invalid(), errors.Errorf("%s: len(starts)=%d, but operand rank is %d", opName, len(starts), rank)
	}
	if len(limits) != rank {
		return shapes.Invalid(), errors.Errorf("%s: len(limits)=%d, but operand rank is %d", opName, len(limits), rank)
	}
	if len(strides) != rank {
		return shapes.Invalid(), errors.Errorf("%s: len(strides)=%d, but operand rank is %d", opName, len(strides), rank)
	}

	output = shapes.Shape{
		DType:      operand.DType,
		Dimensions: make([]int, rank),
	}
	for axis := range rank {
		start, limit, stride := starts[axis], limits[axis], strides[axis]
		dimSize := operand.Dimensions[axis]
		if stride <= 0 {
			return shapes.Invalid(), errors.Errorf("%s: stride must be positive, but got stride[%d]=%d for operand shape %s",
				opName, axis, stride, operand)
		}
		if start < 0 || start > dimSize {
			return shapes.Invalid(), errors.Errorf("%s: start index %d is out of bounds for axis %d with size %d (operand shape %s)",
				opName, start, axis, dimSize, operand)
		}
		if limit < start || limit > dimSize {
			return shapes.Invalid(), errors.Errorf("%s: limit index %d is out of bounds for axis %d (start=%d, size=%d, operand shape %s)",
				opName, limit, axis, start, dimSize, operand)
		}
		// The first one is always taken, so we use the ceiling of the division.
		output.Dimensions[axis] = (limit - start + (stride - 1)) / stride
	}
	return output, nil
}

// Zeros validates the shape of a buffer to be created filled with zeros.
func Zeros(shape shapes.Shape) (output shapes.Shape, err error) {
	if !shape.Ok() {
		return shapes.Invalid(), errors.Errorf("Zeros: invalid shape %s", shape)
	}
	return shape.Clone(), nil
}

// AdjustAxisToRank returns a positive axis, adjusting negative numbers to the correct rank.
func AdjustAxisToRank(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("axis %d is out of range for the rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}
