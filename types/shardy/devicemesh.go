// Package shardy provides the types that describe how a logical tensor is placed on a set of devices:
// the DeviceMesh, the per-mesh-dimension distributions (MeshDistribution) and their combination
// (PlacedDistribution), plus the derivation of the physical shape each device holds.
//
// All descriptors are interned: two descriptors built from equal parts are the same pointer, so they can be
// compared with == and used as map keys.
//
// It also converts to and from Shardy's [1] ShardingSpec representation.
//
// [1] https://github.com/openxla/shardy
package shardy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/boxing/internal/intern"
	"github.com/gomlx/boxing/internal/utils"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/pkg/errors"
)

// DeviceKind is the kind of device a mesh is placed on.
type DeviceKind int

//go:generate go tool enumer -type=DeviceKind devicemesh.go

const (
	CPU DeviceKind = iota
	GPU
)

// ParseDeviceKind converts a device tag to a DeviceKind. Besides the enum names (case-insensitive), it accepts
// the tag "cuda" for GPU.
func ParseDeviceKind(tag string) (DeviceKind, error) {
	switch strings.ToLower(tag) {
	case "cuda", "gpu":
		return GPU, nil
	case "cpu":
		return CPU, nil
	}
	return CPU, boxerr.Errorf(boxerr.ErrConfiguration, "unknown device tag %q, valid values are %q",
		tag, []string{"cpu", "gpu", "cuda"})
}

// DeviceRef identifies one device: its kind and its ordinal among devices of that kind.
type DeviceRef struct {
	Kind    DeviceKind
	Ordinal int
}

// String implements fmt.Stringer. E.g.: "gpu:3".
func (d DeviceRef) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(d.Kind.String()), d.Ordinal)
}

// DeviceMesh defines the logical topology of a set of devices: a named n-dimensional grid of devices of one kind,
// each identified by the rank of the process that drives it.
//
// DeviceMesh is immutable and interned, see NewDeviceMesh.
type DeviceMesh struct {
	name string
	kind DeviceKind

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// ranks of the members of the mesh, in row-major order of the mesh.
	ranks []int

	// rankToFlat is the reverse of ranks.
	rankToFlat map[int]int

	key string
}

var meshes = intern.NewTable[DeviceMesh]()

// NewDeviceMesh returns the mesh with the given topology.
//
//   - name: the name of the mesh, it must be a valid identifier (see utils.IsIdentifier).
//   - kind: the kind of device of all members.
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis, also valid identifiers.
//   - ranks: the process ranks assigned to the mesh positions, in row-major order. If empty, the ranks are
//     sequential, starting from 0.
//
// Meshes are interned: calling NewDeviceMesh twice with the same arguments returns the same pointer.
// Any invalid argument returns an error matching boxerr.ErrConfiguration.
func NewDeviceMesh(name string, kind DeviceKind, axesSizes []int, axesNames []string, ranks ...int) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration,
			"axesSizes and axesNames must have the same length, got %d and %d", len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "DeviceMesh axesSizes cannot be empty")
	}
	if !kind.IsADeviceKind() {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "invalid device kind %s", kind)
	}
	if !utils.IsIdentifier(name) {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration,
			"DeviceMesh name %q is not a valid identifier, suggestion %q", name, utils.NormalizeIdentifier(name))
	}

	numDevices := 1
	seenNames := utils.MakeSet[string](len(axesNames))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration, "DeviceMesh axis name at index %d cannot be empty", i)
		}
		if !utils.IsIdentifier(axisName) {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration,
				"DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
		if seenNames.Has(axisName) {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration, "DeviceMesh axis name %q is duplicated", axisName)
		}
		seenNames.Insert(axisName)
		if axesSizes[i] <= 0 {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration,
				"DeviceMesh axis %q must have a positive size, got %d", axisName, axesSizes[i])
		}
		numDevices *= axesSizes[i]
	}

	if len(ranks) == 0 {
		ranks = make([]int, numDevices)
		for i := range ranks {
			ranks[i] = i
		}
	} else if len(ranks) != numDevices {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration,
			"DeviceMesh %q has %d devices, but %d ranks were given", name, numDevices, len(ranks))
	}
	seenRanks := utils.MakeSet[int](numDevices)
	for _, rank := range ranks {
		if rank < 0 {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration, "ranks must be non-negative, got %d", rank)
		}
		if seenRanks.Has(rank) {
			return nil, boxerr.Errorf(boxerr.ErrConfiguration, "rank #%d is duplicated in mesh %q", rank, name)
		}
		seenRanks.Insert(rank)
	}

	key := meshKey(name, kind, axesSizes, axesNames, ranks)
	return meshes.Intern(key, func() *DeviceMesh {
		m := &DeviceMesh{
			name:       name,
			kind:       kind,
			axesNames:  slices.Clone(axesNames),
			axesSizes:  slices.Clone(axesSizes),
			nameToAxis: make(map[string]int, len(axesNames)),
			numDevices: numDevices,
			ranks:      slices.Clone(ranks),
			rankToFlat: make(map[int]int, numDevices),
			key:        key,
		}
		for i, axisName := range axesNames {
			m.nameToAxis[axisName] = i
		}
		for flatIdx, rank := range ranks {
			m.rankToFlat[rank] = flatIdx
		}
		return m
	}), nil
}

func meshKey(name string, kind DeviceKind, axesSizes []int, axesNames []string, ranks []int) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s/%s/", name, kind)
	for i, axisName := range axesNames {
		if i > 0 {
			sb.WriteByte(',')
		}
		_, _ = fmt.Fprintf(&sb, "%s=%d", axisName, axesSizes[i])
	}
	sb.WriteByte('/')
	for i, rank := range ranks {
		if i > 0 {
			sb.WriteByte(',')
		}
		_, _ = fmt.Fprintf(&sb, "%d", rank)
	}
	return sb.String()
}

// Key returns the canonical string that identifies the mesh.
func (m *DeviceMesh) Key() string {
	return m.key
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// Kind returns the kind of the devices of the mesh.
func (m *DeviceMesh) Kind() DeviceKind {
	return m.kind
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found in %s", axisName, m)
	}
	return m.axesSizes[idx], nil
}

// Ranks returns a copy of the ranks of the members of the mesh, in row-major order.
func (m *DeviceMesh) Ranks() []int {
	return slices.Clone(m.ranks)
}

// HasRank returns whether the rank is a member of the mesh.
func (m *DeviceMesh) HasRank(rank int) bool {
	_, found := m.rankToFlat[rank]
	return found
}

// DeviceToMesh returns the position of the device driven by rank in the mesh: both its flat index
// (row-major) and its coordinates along each mesh axis.
//
// It returns an error matching boxerr.ErrNotMember if the rank is not part of the mesh.
func (m *DeviceMesh) DeviceToMesh(rank int) (flatIdx int, coords []int, err error) {
	flatIdx, found := m.rankToFlat[rank]
	if !found {
		return 0, nil, boxerr.Errorf(boxerr.ErrNotMember, "rank %d is not part of the mesh %s", rank, m)
	}
	return flatIdx, m.Coordinates(flatIdx), nil
}

// Coordinates converts a flat (row-major) index of the mesh to its coordinates along each axis.
func (m *DeviceMesh) Coordinates(flatIdx int) []int {
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = flatIdx % m.axesSizes[i]
		flatIdx /= m.axesSizes[i]
	}
	return coords
}

// MeshToDevice returns the rank at the given mesh coordinates.
func (m *DeviceMesh) MeshToDevice(coords []int) (int, error) {
	if len(coords) != len(m.axesSizes) {
		return 0, boxerr.Errorf(boxerr.ErrConfiguration,
			"%d coordinates given for mesh %s of rank %d", len(coords), m, m.Rank())
	}
	flatIdx := 0
	for i, coord := range coords {
		if coord < 0 || coord >= m.axesSizes[i] {
			return 0, boxerr.Errorf(boxerr.ErrConfiguration,
				"coordinate %d out of bounds for axis %q of size %d", coord, m.axesNames[i], m.axesSizes[i])
		}
		flatIdx = flatIdx*m.axesSizes[i] + coord
	}
	return m.ranks[flatIdx], nil
}

// ReplaceDeviceKind returns the mesh with the same topology and ranks, placed on devices of the given kind.
func (m *DeviceMesh) ReplaceDeviceKind(kind DeviceKind) (*DeviceMesh, error) {
	if kind == m.kind {
		return m, nil
	}
	return NewDeviceMesh(m.name, kind, m.axesSizes, m.axesNames, m.ranks...)
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "DeviceMesh(@%s, %s, axesSizes={", m.name, m.kind)
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("}")
	if !m.isSequential() {
		_, _ = fmt.Fprintf(&sb, ", ranks=%v", m.ranks)
	}
	sb.WriteString(")")
	return sb.String()
}

func (m *DeviceMesh) isSequential() bool {
	for i, rank := range m.ranks {
		if rank != i {
			return false
		}
	}
	return true
}

// ComputeReplicaGroups returns the groups of ranks participating in some collective operation performed along
// the given mesh axes.
//
// Each replica group (a []int) includes the ranks that differ only on the given axes, ordered by their
// position along them. The other axes split the mesh into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh("mesh", CPU, []int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh %s", axis, m)
		}
		axisIndices = append(axisIndices, idx)
	}
	return m.ComputeReplicaGroupsByIndex(axisIndices)
}

// ComputeReplicaGroupsByIndex is like ComputeReplicaGroups, but takes the indices of the mesh axes.
func (m *DeviceMesh) ComputeReplicaGroupsByIndex(axisIndices []int) ([][]int, error) {
	axisSet := utils.MakeSet[int](len(axisIndices))
	for _, idx := range axisIndices {
		if idx < 0 || idx >= len(m.axesSizes) {
			return nil, errors.Errorf("axis index %d out of range for mesh %s", idx, m)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", m.axesNames[idx])
		}
		axisSet.Insert(idx)
	}
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	// Position of a member: the group index comes from the coordinates on the other axes, the position
	// within the group from the coordinates on the requested axes.
	linearize := func(coords []int, indices []int) int {
		pos := 0
		for _, axisIdx := range indices {
			pos = pos*m.axesSizes[axisIdx] + coords[axisIdx]
		}
		return pos
	}
	for flatIdx := range m.numDevices {
		coords := m.Coordinates(flatIdx)
		groups[linearize(coords, nonAxisIndices)][linearize(coords, axisIndices)] = m.ranks[flatIdx]
	}
	return groups, nil
}

// ToStableHLO returns the Shardy representation of the mesh.
// E.g.: sdy.mesh @mesh = <["data"=4, "model"=2]>
func (m *DeviceMesh) ToStableHLO() string {
	var buf strings.Builder
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("sdy.mesh @%s = <[", m.name)
	for i, axisName := range m.axesNames {
		if i > 0 {
			w(", ")
		}
		w("%q=%d", axisName, m.axesSizes[i])
	}
	w("]")
	if !m.isSequential() {
		w(", device_ids=[")
		for i, rank := range m.ranks {
			if i > 0 {
				w(", ")
			}
			w("%d", rank)
		}
		w("]")
	}
	w(">")
	return buf.String()
}
