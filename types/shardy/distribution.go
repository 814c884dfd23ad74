package shardy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/boxing/internal/intern"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
)

// AxisKind enumerates how a logical tensor is laid out along one mesh dimension.
type AxisKind int

//go:generate go tool enumer -type=AxisKind -trimprefix=Kind distribution.go

const (
	KindInvalid AxisKind = iota

	// KindSplit partitions one tensor axis among the devices along the mesh dimension.
	KindSplit

	// KindBroadcast replicates the full tensor on every device along the mesh dimension.
	KindBroadcast

	// KindPartialSum means every device along the mesh dimension holds a full-shaped tensor, and the logical
	// value is their element-wise sum.
	KindPartialSum
)

// AxisDistribution is the distribution of a logical tensor along one mesh dimension.
// Create it with Split, Broadcast or PartialSum.
type AxisDistribution struct {
	kind AxisKind
	axis int
}

// Split returns the distribution that partitions the tensor axis among the devices of a mesh dimension.
func Split(axis int) AxisDistribution {
	return AxisDistribution{kind: KindSplit, axis: axis}
}

// Broadcast returns the distribution that replicates the tensor along a mesh dimension.
func Broadcast() AxisDistribution {
	return AxisDistribution{kind: KindBroadcast}
}

// PartialSum returns the distribution where the tensor is the sum of the values held along a mesh dimension.
func PartialSum() AxisDistribution {
	return AxisDistribution{kind: KindPartialSum}
}

func (d AxisDistribution) Kind() AxisKind { return d.kind }

func (d AxisDistribution) IsSplit() bool { return d.kind == KindSplit }

func (d AxisDistribution) IsBroadcast() bool { return d.kind == KindBroadcast }

func (d AxisDistribution) IsPartialSum() bool { return d.kind == KindPartialSum }

// SplitAxis returns the tensor axis being split, or -1 if d is not a Split.
func (d AxisDistribution) SplitAxis() int {
	if d.kind != KindSplit {
		return -1
	}
	return d.axis
}

// String returns the short notation: S(axis), B or P.
func (d AxisDistribution) String() string {
	switch d.kind {
	case KindSplit:
		return fmt.Sprintf("S(%d)", d.axis)
	case KindBroadcast:
		return "B"
	case KindPartialSum:
		return "P"
	default:
		return d.kind.String()
	}
}

// MeshDistribution is the ordered list of AxisDistribution of a tensor, one per mesh dimension.
//
// It is immutable and interned: it can only be created with NewMeshDistribution, and equal distributions are
// the same pointer.
type MeshDistribution struct {
	axes []AxisDistribution
	key  string
}

var distributions = intern.NewTable[MeshDistribution]()

// NewMeshDistribution returns the interned distribution with the given per-mesh-dimension distributions.
// It returns an error matching boxerr.ErrConfiguration if axes is empty or holds an invalid value.
func NewMeshDistribution(axes ...AxisDistribution) (*MeshDistribution, error) {
	if len(axes) == 0 {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "MeshDistribution requires at least one mesh dimension")
	}
	parts := make([]string, len(axes))
	for i, d := range axes {
		if !d.kind.IsAAxisKind() || d.kind == KindInvalid {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration, "invalid distribution %s for mesh dimension %d", d, i)
		}
		if d.kind == KindSplit && d.axis < 0 {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration,
				"split axis must be non-negative, got %d for mesh dimension %d", d.axis, i)
		}
		parts[i] = d.String()
	}
	key := "[" + strings.Join(parts, ", ") + "]"
	return distributions.Intern(key, func() *MeshDistribution {
		return &MeshDistribution{axes: slices.Clone(axes), key: key}
	}), nil
}

// Rank returns the number of mesh dimensions described.
func (d *MeshDistribution) Rank() int {
	return len(d.axes)
}

// Axis returns the distribution along the mesh dimension meshAxis.
func (d *MeshDistribution) Axis(meshAxis int) AxisDistribution {
	return d.axes[meshAxis]
}

// Axes returns a copy of the per-mesh-dimension distributions.
func (d *MeshDistribution) Axes() []AxisDistribution {
	return slices.Clone(d.axes)
}

// String returns the distribution in short notation, e.g. "[S(0), B]". It is also its canonical key.
func (d *MeshDistribution) String() string {
	return d.key
}

// ParseMeshDistribution parses the short notation returned by MeshDistribution.String, with or without the
// brackets, e.g. "[S(0), B]" or "S(1),P".
func ParseMeshDistribution(notation string) (*MeshDistribution, error) {
	trimmed := strings.TrimSpace(notation)
	trimmed = strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]")
	var axes []AxisDistribution
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		switch {
		case part == "B":
			axes = append(axes, Broadcast())
		case part == "P":
			axes = append(axes, PartialSum())
		case strings.HasPrefix(part, "S(") && strings.HasSuffix(part, ")"):
			axis, err := strconv.Atoi(part[2 : len(part)-1])
			if err != nil {
				return nil, boxerr.Errorf(boxerr.ErrConfiguration, "invalid split %q in distribution %q", part, notation)
			}
			axes = append(axes, Split(axis))
		default:
			return nil, boxerr.Errorf(boxerr.ErrConfiguration,
				"invalid mesh dimension distribution %q in %q: use S(<axis>), B or P", part, notation)
		}
	}
	return NewMeshDistribution(axes...)
}

// HasPartialSum returns whether any mesh dimension is a PartialSum.
func (d *MeshDistribution) HasPartialSum() bool {
	return slices.ContainsFunc(d.axes, AxisDistribution.IsPartialSum)
}

// MeshAxesOfKind returns the indices of the mesh dimensions with the given kind, in increasing order.
func (d *MeshDistribution) MeshAxesOfKind(kind AxisKind) []int {
	var indices []int
	for i, axis := range d.axes {
		if axis.kind == kind {
			indices = append(indices, i)
		}
	}
	return indices
}

// PlacedDistribution is a MeshDistribution bound to a DeviceMesh: the complete description of where each
// piece of a logical tensor lives. It is immutable and interned.
type PlacedDistribution struct {
	dist *MeshDistribution
	mesh *DeviceMesh
}

var placements = intern.NewTable[PlacedDistribution]()

// NewPlacement returns the interned placement of dist on mesh.
// It returns an error matching boxerr.ErrConfiguration if dist doesn't have one entry per mesh dimension.
func NewPlacement(dist *MeshDistribution, mesh *DeviceMesh) (*PlacedDistribution, error) {
	if dist == nil || mesh == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "NewPlacement requires a distribution and a mesh")
	}
	if dist.Rank() != mesh.Rank() {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration,
			"distribution %s has %d entries, but mesh %s has rank %d", dist, dist.Rank(), mesh, mesh.Rank())
	}
	key := dist.key + "@" + mesh.key
	return placements.Intern(key, func() *PlacedDistribution {
		return &PlacedDistribution{dist: dist, mesh: mesh}
	}), nil
}

// Key returns the canonical string that identifies the placement.
func (p *PlacedDistribution) Key() string {
	return p.dist.key + "@" + p.mesh.key
}

// Distribution returns the MeshDistribution part of the placement.
func (p *PlacedDistribution) Distribution() *MeshDistribution { return p.dist }

// Mesh returns the DeviceMesh part of the placement.
func (p *PlacedDistribution) Mesh() *DeviceMesh { return p.mesh }

// String implements fmt.Stringer.
func (p *PlacedDistribution) String() string {
	return fmt.Sprintf("%s on %s", p.dist, p.mesh)
}

// ValidateShape checks that every split tensor axis exists in the logical shape.
func (p *PlacedDistribution) ValidateShape(logical shapes.Shape) error {
	if !logical.Ok() {
		return boxerr.Errorf(boxerr.ErrConfiguration, "invalid logical shape %s", logical)
	}
	for meshAxis, d := range p.dist.axes {
		if d.IsSplit() && d.axis >= logical.Rank() {
			return boxerr.Errorf(boxerr.ErrConfiguration,
				"%s splits tensor axis %d (mesh dimension %d), but logical shape %s has rank %d",
				p, d.axis, meshAxis, logical, logical.Rank())
		}
	}
	return nil
}

// BalancedSplit returns the slice [start, start+size) of an axis of length extent, divided in parts balanced
// slices, assigned to index. The first extent%parts slices get one extra element.
func BalancedSplit(extent, parts, index int) (start, size int) {
	base, remainder := extent/parts, extent%parts
	size = base
	if index < remainder {
		size++
	}
	start = index*base + min(index, remainder)
	return
}

// Region is a hyper-rectangle of the logical tensor: for each axis, elements in [Starts[i], Limits[i]).
type Region struct {
	Starts, Limits []int
}

// FullRegion returns the region that covers the whole shape.
func FullRegion(shape shapes.Shape) Region {
	return Region{Starts: make([]int, shape.Rank()), Limits: slices.Clone(shape.Dimensions)}
}

// Dimensions returns the extent of the region along each axis.
func (r Region) Dimensions() []int {
	dims := make([]int, len(r.Starts))
	for i := range dims {
		dims[i] = max(r.Limits[i]-r.Starts[i], 0)
	}
	return dims
}

// Size returns the number of elements in the region.
func (r Region) Size() int {
	size := 1
	for _, dim := range r.Dimensions() {
		size *= dim
	}
	return size
}

// Intersect returns the intersection of two regions of the same rank, and whether it is non-empty.
func (r Region) Intersect(other Region) (Region, bool) {
	out := Region{Starts: make([]int, len(r.Starts)), Limits: make([]int, len(r.Starts))}
	nonEmpty := true
	for i := range r.Starts {
		out.Starts[i] = max(r.Starts[i], other.Starts[i])
		out.Limits[i] = min(r.Limits[i], other.Limits[i])
		if out.Limits[i] <= out.Starts[i] {
			nonEmpty = false
		}
	}
	return out, nonEmpty
}

// Relative returns the region r expressed in the coordinates of the enclosing region origin.
func (r Region) Relative(origin Region) Region {
	out := Region{Starts: make([]int, len(r.Starts)), Limits: make([]int, len(r.Starts))}
	for i := range r.Starts {
		out.Starts[i] = r.Starts[i] - origin.Starts[i]
		out.Limits[i] = r.Limits[i] - origin.Starts[i]
	}
	return out
}

// String implements fmt.Stringer.
func (r Region) String() string {
	parts := make([]string, len(r.Starts))
	for i := range r.Starts {
		parts[i] = fmt.Sprintf("%d:%d", r.Starts[i], r.Limits[i])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ShardRegion returns the region of the logical tensor held by the device at the given mesh coordinates.
//
// Mesh dimensions are applied in order: a Split(axis) divides the current extent of the tensor axis in
// balanced slices and keeps the one at the device's coordinate, so a tensor axis split by two mesh
// dimensions is split hierarchically. Broadcast and PartialSum keep the extent.
func ShardRegion(logical shapes.Shape, placed *PlacedDistribution, coords []int) (Region, error) {
	if err := placed.ValidateShape(logical); err != nil {
		return Region{}, err
	}
	mesh := placed.mesh
	if len(coords) != mesh.Rank() {
		return Region{}, boxerr.Errorf(boxerr.ErrConfiguration,
			"%d coordinates given for mesh %s of rank %d", len(coords), mesh, mesh.Rank())
	}
	region := FullRegion(logical)
	for meshAxis, d := range placed.dist.axes {
		coord := coords[meshAxis]
		if coord < 0 || coord >= mesh.axesSizes[meshAxis] {
			return Region{}, boxerr.Errorf(boxerr.ErrConfiguration,
				"coordinate %d out of bounds for mesh axis %q of size %d",
				coord, mesh.axesNames[meshAxis], mesh.axesSizes[meshAxis])
		}
		if !d.IsSplit() {
			continue
		}
		extent := region.Limits[d.axis] - region.Starts[d.axis]
		start, size := BalancedSplit(extent, mesh.axesSizes[meshAxis], coord)
		region.Starts[d.axis] += start
		region.Limits[d.axis] = region.Starts[d.axis] + size
	}
	return region, nil
}

// PhysicalShape returns the shape of the shard held by the device at the given mesh coordinates.
// See ShardRegion for how it is derived.
func PhysicalShape(logical shapes.Shape, placed *PlacedDistribution, coords []int) (shapes.Shape, error) {
	region, err := ShardRegion(logical, placed, coords)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(logical.DType, region.Dimensions()...), nil
}
