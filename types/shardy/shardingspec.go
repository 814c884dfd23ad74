package shardy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/pkg/errors"
)

// ShardingSpec (also known as PartitionSpec in JAX) is Shardy's [1] per-tensor-axis view of a placement:
// for each axis of the logical tensor, the list of mesh axes it is sharded across.
//
// Tensor axes not listed are replicated. It is an alternative notation for a PlacedDistribution without
// PartialSum dimensions, see ToPlacement and SpecFromPlacement.
//
// Example:
//
//	mesh := NewDeviceMesh("my_mesh", CPU, []int{2, 2}, []string{"data", "model"})
//
//	// Input's "batch" axis is sharded across the "data" axis of the mesh.
//	inputSharding := NewShardingSpec(mesh).AddShardedAxis("data")
//
//	// Second axis is sharded across both "data" and "model" devices.
//	largeWeights := NewShardingSpec(mesh).AddReplicated().AddShardedAxis("data", "model")
//
// [1] https://github.com/openxla/shardy/blob/main/docs/sharding_representation.md
type ShardingSpec struct {
	Mesh *DeviceMesh
	Axes []TensorAxisSpec
}

// TensorAxisSpec specifies the mesh axes one tensor axis is sharded across. Empty means replicated.
type TensorAxisSpec struct {
	MeshAxes []MeshAxisSpec
	Opened   bool // If opened to further sharding.
}

type MeshAxisSpec struct {
	AxisName string

	// PreSize, Size are only set if defining a sub-axis of the mesh.
	PreSize, Size int
}

// NewShardingSpec creates a new ShardingSpec.
func NewShardingSpec(mesh *DeviceMesh) *ShardingSpec {
	return &ShardingSpec{mesh, make([]TensorAxisSpec, 0)}
}

// AddShardedAxis adds the next tensor axis, sharded across the given mesh axes (major to minor).
// It returns itself, so calls can be chained.
func (s *ShardingSpec) AddShardedAxis(meshAxesNames ...string) *ShardingSpec {
	axisSpec := TensorAxisSpec{}
	for _, meshAxisName := range meshAxesNames {
		axisSpec.MeshAxes = append(axisSpec.MeshAxes, MeshAxisSpec{AxisName: meshAxisName})
	}
	s.Axes = append(s.Axes, axisSpec)
	return s
}

// AddReplicated adds the next tensor axis, replicated.
// It returns itself, so calls can be chained.
func (s *ShardingSpec) AddReplicated() *ShardingSpec {
	s.Axes = append(s.Axes, TensorAxisSpec{})
	return s
}

// Rank returns the number of tensor axes described, which may be smaller than the rank of the tensor.
func (s *ShardingSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if no tensor axis is sharded or opened.
func (s *ShardingSpec) IsReplicated() bool {
	for _, axisSpec := range s.Axes {
		if axisSpec.MeshAxes != nil || axisSpec.Opened {
			return false
		}
	}
	return true
}

// Validate checks that the ShardingSpec is valid for its mesh.
func (s *ShardingSpec) Validate() error {
	for i, axisSpec := range s.Axes {
		for j, meshAxisSpec := range axisSpec.MeshAxes {
			axisName := meshAxisSpec.AxisName
			if axisName == "" {
				return errors.Errorf(
					"ShardingSpec tensor axis %d, mesh axis #%d refers to empty mesh axis name", i, j)
			}
			axisIdx, ok := s.Mesh.nameToAxis[axisName]
			if !ok {
				return errors.Errorf("ShardingSpec tensor axis %d, mesh axis #%d refers to unknown mesh axis %q",
					i, j, axisName)
			}
			if meshAxisSpec.Size > 0 {
				meshAxisSize := s.Mesh.axesSizes[axisIdx]
				if meshAxisSpec.PreSize <= 0 {
					return errors.Errorf("ShardingSpec tensor axis %d, mesh axis #%d %q has invalid PreSize %d",
						i, j, axisName, meshAxisSpec.PreSize)
				}
				if meshAxisSize%(meshAxisSpec.PreSize*meshAxisSpec.Size) != 0 {
					return errors.Errorf("ShardingSpec tensor axis %d, mesh axis #%d %q with PreSize %d and Size %d "+
						"doesn't divide mesh axis of size %d",
						i, j, axisName, meshAxisSpec.PreSize, meshAxisSpec.Size, meshAxisSize)
				}
			}
		}
	}
	return nil
}

// ValidateShape checks the ShardingSpec is valid and fits a tensor of the given shape.
func (s *ShardingSpec) ValidateShape(shape shapes.Shape) error {
	if s == nil {
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Rank() > shape.Rank() {
		return errors.Errorf("ShardingSpec rank %d is larger than tensor rank %d", s.Rank(), shape.Rank())
	}
	return nil
}

// ToPlacement converts the ShardingSpec to the equivalent PlacedDistribution.
//
// Each mesh axis listed for a tensor axis becomes Split(tensorAxis), the others Broadcast. Since mesh
// dimensions split hierarchically in mesh order, the mesh axes of one tensor axis must be listed in mesh order.
// Sub-axes and opened axes have no equivalent, and return an error matching boxerr.ErrConfiguration.
func (s *ShardingSpec) ToPlacement() (*PlacedDistribution, error) {
	if err := s.Validate(); err != nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "%v", err)
	}
	axes := make([]AxisDistribution, s.Mesh.Rank())
	for i := range axes {
		axes[i] = Broadcast()
	}
	for tensorAxis, axisSpec := range s.Axes {
		if axisSpec.Opened {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration,
				"tensor axis %d of %s is opened, it has no fixed placement", tensorAxis, s.ToStableHLO())
		}
		previous := -1
		for _, meshAxisSpec := range axisSpec.MeshAxes {
			if meshAxisSpec.Size > 0 {
				return nil, boxerr.Errorf(boxerr.ErrConfiguration,
					"sub-axis %q of %s is not supported", meshAxisSpec.AxisName, s.ToStableHLO())
			}
			meshAxis := s.Mesh.nameToAxis[meshAxisSpec.AxisName]
			if axes[meshAxis].IsSplit() {
				return nil, boxerr.Errorf(boxerr.ErrConfiguration,
					"mesh axis %q is used more than once in %s", meshAxisSpec.AxisName, s.ToStableHLO())
			}
			if meshAxis < previous {
				return nil, boxerr.Errorf(boxerr.ErrConfiguration,
					"mesh axes of tensor axis %d in %s must be listed in mesh order", tensorAxis, s.ToStableHLO())
			}
			previous = meshAxis
			axes[meshAxis] = Split(tensorAxis)
		}
	}
	dist, err := NewMeshDistribution(axes...)
	if err != nil {
		return nil, err
	}
	return NewPlacement(dist, s.Mesh)
}

// SpecFromPlacement converts a placement to the equivalent ShardingSpec.
// Placements with PartialSum dimensions have no equivalent and return an error matching
// boxerr.ErrConfiguration.
func SpecFromPlacement(placed *PlacedDistribution) (*ShardingSpec, error) {
	if placed.dist.HasPartialSum() {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "%s has partial sums, it can't be expressed as a ShardingSpec",
			placed)
	}
	spec := NewShardingSpec(placed.mesh)
	for meshAxis, d := range placed.dist.axes {
		if !d.IsSplit() {
			continue
		}
		for spec.Rank() <= d.axis {
			spec.AddReplicated()
		}
		spec.Axes[d.axis].MeshAxes = append(spec.Axes[d.axis].MeshAxes,
			MeshAxisSpec{AxisName: placed.mesh.axesNames[meshAxis]})
	}
	return spec, nil
}

// ToStableHLO converts the ShardingSpec to its Shardy string representation.
// See details in:
// https://github.com/openxla/shardy/blob/main/docs/sharding_representation.md
func (s *ShardingSpec) ToStableHLO() string {
	var dimShardings []string
	replicatedAxes := make(map[string]bool)
	for _, axisName := range s.Mesh.axesNames {
		replicatedAxes[axisName] = true
	}

	for _, axisSpec := range s.Axes {
		var hloAxes []string
		for _, meshAxisSpec := range axisSpec.MeshAxes {
			delete(replicatedAxes, meshAxisSpec.AxisName)
			if meshAxisSpec.Size > 0 {
				hloAxes = append(hloAxes, fmt.Sprintf("%s:(%d)%d",
					meshAxisSpec.AxisName, meshAxisSpec.PreSize, meshAxisSpec.Size))
			} else {
				hloAxes = append(hloAxes, meshAxisSpec.AxisName)
			}
		}
		if axisSpec.Opened {
			hloAxes = append(hloAxes, "?")
		}
		dimShardings = append(dimShardings, fmt.Sprintf("{%s}", strings.Join(hloAxes, ", ")))
	}

	replicated := make([]string, 0, len(replicatedAxes))
	for axisName := range replicatedAxes {
		replicated = append(replicated, axisName)
	}
	sort.Strings(replicated)
	replicatedPart := ""
	if len(replicated) > 0 {
		replicatedPart = fmt.Sprintf(", replicated={%s}", strings.Join(replicated, ", "))
	}
	return fmt.Sprintf("#sdy.sharding<@%s, [%s]%s>", s.Mesh.Name(), strings.Join(dimShardings, ", "), replicatedPart)
}

// DescribePlacement renders a placement for error messages: its short notation, plus its Shardy sharding
// when it has one.
func DescribePlacement(placed *PlacedDistribution) string {
	spec, err := SpecFromPlacement(placed)
	if err != nil {
		return placed.String()
	}
	return fmt.Sprintf("%s (%s)", placed, spec.ToStableHLO())
}
