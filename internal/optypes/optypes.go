// Package optypes defines OpType and lists the operations the execution substrate runs.
package optypes

import (
	"fmt"

	"github.com/gomlx/boxing/internal/utils"
)

// OpType is an enum of the operations that can be enqueued in an execution substrate.
type OpType int

//go:generate go tool enumer -type=OpType optypes.go

const (
	Invalid OpType = iota

	// CollectiveBroadcast copies the buffer of the group's root to every other member of the group.
	CollectiveBroadcast

	// AllReduce sums the buffers of all members of the group, and every member gets the result.
	AllReduce

	// Exchange moves regions of the logical tensor between the members: each member contributes the region
	// it holds (if any) and receives the region it asks for (if any).
	Exchange

	// Reshape changes the dimensions of a local buffer, keeping its elements.
	Reshape

	// Slice extracts a contiguous region of a local buffer.
	Slice

	// Zeros creates a local buffer filled with zeros.
	Zeros

	// Last should always be kept the last, it is used as a counter/marker.
	Last
)

var (
	// stableHLOMappings maps OpType to the corresponding StableHLO name, when the default
	// "snake case" doesn't work.
	stableHLOMappings = map[OpType]string{
		Exchange: "stablehlo.all_to_all",
		Zeros:    "stablehlo.constant",
	}
)

// ToStableHLO returns the name of the closest StableHLO operation, used when rendering operations.
func (op OpType) ToStableHLO() string {
	name, ok := stableHLOMappings[op]
	if !ok {
		name = fmt.Sprintf("stablehlo.%s", utils.ToSnakeCase(op.String()))
	}
	return name
}

// IsCollective returns whether the operation requires the participation of all members of a group.
func (op OpType) IsCollective() bool {
	switch op {
	case CollectiveBroadcast, AllReduce, Exchange:
		return true
	default:
		return false
	}
}
