// Package substrate defines the execution substrate the boxing engine enqueues work on: collective operations
// among groups of ranks, and local operations on a rank's own buffers.
//
// Operations are asynchronous: Enqueue* returns immediately with a Pending, the dependency token that later
// operations take as input and that resolves to the output buffer (or the error that prevented it).
//
// Ordering contract:
//
//   - Each rank has one stream: operations run in the order they were enqueued, each waiting for its input's
//     Pending.
//   - Collectives are matched among the participants by group and by order: the n-th collective a rank enqueues
//     on a group matches the n-th collective every other participant enqueues on the same group. Every
//     participant must enqueue the same kind of operation, otherwise all of them fail.
//   - Enqueued collectives cannot be cancelled.
package substrate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/boxing/internal/optypes"
	"github.com/gomlx/boxing/shapeinference"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
)

// Pending is the dependency token returned by enqueued operations.
type Pending = tensors.Pending

// Substrate is one rank's handle on the execution substrate.
type Substrate interface {
	// Rank served by this handle.
	Rank() int

	// EnqueueCollective enqueues this rank's part of a collective operation.
	EnqueueCollective(op *CollectiveOp) *Pending

	// EnqueueLocal enqueues an operation on this rank's buffers.
	EnqueueLocal(op *LocalOp) *Pending
}

// CollectiveOp is one participant's description of a collective operation.
// Create it with Broadcast, AllReduce or Exchange.
type CollectiveOp struct {
	Type optypes.OpType

	// Group of participating ranks. All participants must give the same set of ranks.
	Group []int

	// Input buffer of this participant. It may be nil for non-root broadcast members, and for Exchange
	// participants that contribute nothing.
	Input *Pending

	// Shape of the input (or, for non-root broadcast members, of the expected output).
	Shape shapes.Shape

	// Root of a CollectiveBroadcast.
	Root int

	// Logical shape and regions of an Exchange: Source is the region of the logical tensor Input holds,
	// Destination the region this participant receives. Either can be nil.
	Logical             shapes.Shape
	Source, Destination *shardy.Region
}

// Broadcast creates a CollectiveBroadcast op: every member of group receives root's buffer.
func Broadcast(group []int, root int, input *Pending, shape shapes.Shape) *CollectiveOp {
	return &CollectiveOp{Type: optypes.CollectiveBroadcast, Group: group, Root: root, Input: input, Shape: shape}
}

// AllReduce creates an AllReduce op: every member of group receives the element-wise sum of all inputs.
func AllReduce(group []int, input *Pending, shape shapes.Shape) *CollectiveOp {
	return &CollectiveOp{Type: optypes.AllReduce, Group: group, Input: input, Shape: shape}
}

// Exchange creates an Exchange op for one participant: it contributes input, holding region source of a logical
// tensor, and receives region destination. input/source and destination may be nil.
func Exchange(group []int, logical shapes.Shape, input *Pending, shape shapes.Shape,
	source, destination *shardy.Region) *CollectiveOp {
	return &CollectiveOp{Type: optypes.Exchange, Group: group, Logical: logical, Input: input, Shape: shape,
		Source: source, Destination: destination}
}

// GroupKey returns the canonical key of the group: the sorted ranks.
func GroupKey(group []int) string {
	sorted := slices.Clone(group)
	slices.Sort(sorted)
	parts := make([]string, len(sorted))
	for i, rank := range sorted {
		parts[i] = fmt.Sprint(rank)
	}
	return strings.Join(parts, ",")
}

// Validate checks the op from the point of view of rank, and returns the shape of its output (invalid if rank
// receives nothing).
func (op *CollectiveOp) Validate(rank int) (shapes.Shape, error) {
	if !op.Type.IsCollective() {
		return shapes.Invalid(), errors.Errorf("%s is not a collective operation", op.Type)
	}
	if err := shapeinference.Group(op.Type, op.Group); err != nil {
		return shapes.Invalid(), err
	}
	if !slices.Contains(op.Group, rank) {
		return shapes.Invalid(), errors.Errorf("%s: rank %d is not in group %v", op.Type, rank, op.Group)
	}
	switch op.Type {
	case optypes.CollectiveBroadcast:
		if rank == op.Root && op.Input == nil {
			return shapes.Invalid(), errors.Errorf("%s: root rank %d has no input", op.Type, rank)
		}
		return shapeinference.CollectiveBroadcast(op.Shape, op.Group, op.Root)
	case optypes.AllReduce:
		if op.Input == nil {
			return shapes.Invalid(), errors.Errorf("%s: rank %d has no input", op.Type, rank)
		}
		operands := make([]shapes.Shape, len(op.Group))
		for i := range operands {
			operands[i] = op.Shape
		}
		return shapeinference.AllReduce(operands, op.Group)
	case optypes.Exchange:
		if (op.Input == nil) != (op.Source == nil) {
			return shapes.Invalid(), errors.Errorf("%s: rank %d must give both input and source region, or neither",
				op.Type, rank)
		}
		var srcStarts, srcLimits, dstStarts, dstLimits [][]int
		srcStarts, srcLimits = regionParts(op.Source)
		dstStarts, dstLimits = regionParts(op.Destination)
		outputs, err := shapeinference.Exchange(op.Logical, []int{rank}, []shapes.Shape{op.Shape},
			srcStarts, srcLimits, dstStarts, dstLimits)
		if err != nil {
			return shapes.Invalid(), err
		}
		return outputs[0], nil
	}
	return shapes.Invalid(), errors.Errorf("unknown collective %s", op.Type)
}

func regionParts(region *shardy.Region) (starts, limits [][]int) {
	if region == nil {
		return [][]int{nil}, [][]int{nil}
	}
	return [][]int{region.Starts}, [][]int{region.Limits}
}

// String implements fmt.Stringer.
func (op *CollectiveOp) String() string {
	switch op.Type {
	case optypes.CollectiveBroadcast:
		return fmt.Sprintf("%s(%s, group=%v, root=%d)", op.Type.ToStableHLO(), op.Shape.ToStableHLO(), op.Group, op.Root)
	case optypes.Exchange:
		src, dst := "-", "-"
		if op.Source != nil {
			src = op.Source.String()
		}
		if op.Destination != nil {
			dst = op.Destination.String()
		}
		return fmt.Sprintf("%s(%s, group=%v, src=%s, dst=%s)", op.Type.ToStableHLO(), op.Logical.ToStableHLO(), op.Group, src, dst)
	default:
		return fmt.Sprintf("%s(%s, group=%v)", op.Type.ToStableHLO(), op.Shape.ToStableHLO(), op.Group)
	}
}

// LocalOp is an operation on one rank's buffers. Create it with Reshape, Slice or Zeros.
type LocalOp struct {
	Type  optypes.OpType
	Input *Pending

	// InputShape is the shape of Input.
	InputShape shapes.Shape

	// Shape is the output shape, for Reshape and Zeros.
	Shape shapes.Shape

	// Region to extract, for Slice.
	Region shardy.Region
}

// Reshape creates a local op that reshapes input (of shape inputShape) to shape.
func Reshape(input *Pending, inputShape, shape shapes.Shape) *LocalOp {
	return &LocalOp{Type: optypes.Reshape, Input: input, InputShape: inputShape, Shape: shape}
}

// Slice creates a local op that extracts region from input (of shape inputShape).
func Slice(input *Pending, inputShape shapes.Shape, region shardy.Region) *LocalOp {
	return &LocalOp{Type: optypes.Slice, Input: input, InputShape: inputShape, Region: region}
}

// Zeros creates a local op that creates a buffer of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *LocalOp {
	return &LocalOp{Type: optypes.Zeros, Shape: shape}
}

// Validate checks the op and returns the shape of its output.
func (op *LocalOp) Validate() (shapes.Shape, error) {
	switch op.Type {
	case optypes.Reshape:
		if op.Input == nil {
			return shapes.Invalid(), errors.Errorf("%s: missing input", op.Type)
		}
		if op.InputShape.DType != op.Shape.DType {
			return shapes.Invalid(), errors.Errorf("%s: cannot change dtype from %s to %s",
				op.Type, op.InputShape.DType, op.Shape.DType)
		}
		return shapeinference.Reshape(op.InputShape, op.Shape.Dimensions)
	case optypes.Slice:
		if op.Input == nil {
			return shapes.Invalid(), errors.Errorf("%s: missing input", op.Type)
		}
		strides := make([]int, op.InputShape.Rank())
		for i := range strides {
			strides[i] = 1
		}
		return shapeinference.Slice(op.InputShape, op.Region.Starts, op.Region.Limits, strides)
	case optypes.Zeros:
		return shapeinference.Zeros(op.Shape)
	}
	return shapes.Invalid(), errors.Errorf("%s is not a local operation", op.Type)
}

// Run executes the op on the given input buffer (nil for Zeros).
func (op *LocalOp) Run(input *tensors.Buffer) (*tensors.Buffer, error) {
	switch op.Type {
	case optypes.Reshape:
		return input.Reshape(op.Shape.Dimensions...)
	case optypes.Slice:
		return input.Slice(op.Region)
	case optypes.Zeros:
		return tensors.Zeros(op.Shape), nil
	}
	return nil, errors.Errorf("%s is not a local operation", op.Type)
}

// String implements fmt.Stringer.
func (op *LocalOp) String() string {
	switch op.Type {
	case optypes.Slice:
		return fmt.Sprintf("%s(%s, %s)", op.Type.ToStableHLO(), op.InputShape.ToStableHLO(), op.Region)
	case optypes.Zeros:
		return fmt.Sprintf("%s(%s)", op.Type.ToStableHLO(), op.Shape.ToStableHLO())
	default:
		return fmt.Sprintf("%s(%s -> %s)", op.Type.ToStableHLO(), op.InputShape.ToStableHLO(), op.Shape.ToStableHLO())
	}
}
