// Package boxing redistributes tensors placed on a mesh of devices: given a tensor split, broadcast or partially
// summed across the devices according to one placement, it produces the same logical tensor placed according
// to another.
//
// Each rank (process driving one device) has its own Context, and all ranks involved in a transition call
// Context.Redistribute with the same arguments: the selected rule's executor then enqueues the local operations
// and collectives of its rank on the execution substrate. Redistribute returns as soon as the work is enqueued;
// the data of the resulting shard is available once tensors.Local.Wait returns.
//
// Example, for each rank:
//
//	ctx, err := boxing.NewContext(group, sub, nil)
//	x, err := ctx.ToConsistent(local, splitPlacement, logicalShape)
//	y, err := ctx.Redistribute(x, x.Descriptor(), broadcastDescriptor)
//	shard, err := ctx.ToLocal(y)
//	value, err := shard.Wait()
package boxing

import (
	"slices"

	"github.com/gomlx/boxing/internal/intern"
	"github.com/gomlx/boxing/process"
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
)

// Context is the boxing engine of one rank: its place in the process group, its handle on the execution
// substrate and the rules it dispatches to.
//
// It caches feasibility decisions, mesh positions, physical shapes and broadcast groups. A Context must be used
// by only one goroutine, the one driving its rank: the caches are not synchronized. Cached entries are never
// invalidated, since they are keyed by interned values, which are immutable.
type Context struct {
	group    *process.Group
	sub      substrate.Substrate
	registry *Registry

	rules           *intern.Memo[transition, *Rule]
	positions       *intern.Memo[*shardy.DeviceMesh, meshPosition]
	regions         *intern.Memo[*tensors.Descriptor, shardy.Region]
	broadcastGroups *intern.Memo[*shardy.PlacedDistribution, []int]
	exchangeGroups  *intern.Memo[meshPair, []int]
}

// transition is the key of a dispatch decision.
type transition struct {
	src, dst *tensors.Descriptor
}

type meshPair struct {
	src, dst *shardy.DeviceMesh
}

// meshPosition of the Context's rank in a mesh.
type meshPosition struct {
	member  bool
	flatIdx int
	coords  []int
}

// NewContext creates the boxing engine for the rank of group, enqueueing its work on sub.
//
// If registry is nil, DefaultRegistry() is used. The registry is frozen.
func NewContext(group *process.Group, sub substrate.Substrate, registry *Registry) (*Context, error) {
	if group == nil || sub == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "boxing.NewContext requires a process group and a substrate")
	}
	if group.Rank() != sub.Rank() {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "process group is for rank %d, but the substrate serves rank %d",
			group.Rank(), sub.Rank())
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	registry.Freeze()
	c := &Context{
		group:    group,
		sub:      sub,
		registry: registry,
	}
	c.rules = intern.NewMemo(c.selectRule)
	c.positions = intern.NewMemo(c.computePosition)
	c.regions = intern.NewMemo(c.computeRegion)
	c.broadcastGroups = intern.NewMemo(c.computeBroadcastGroup)
	c.exchangeGroups = intern.NewMemo(computeExchangeGroup)
	return c, nil
}

// Rank of the Context.
func (c *Context) Rank() int { return c.group.Rank() }

// Group returns the process group view of the Context's rank.
func (c *Context) Group() *process.Group { return c.group }

// Substrate returns the handle on the execution substrate work is enqueued on.
func (c *Context) Substrate() substrate.Substrate { return c.sub }

// Registry returns the (frozen) rules used by the Context.
func (c *Context) Registry() *Registry { return c.registry }

func (c *Context) position(mesh *shardy.DeviceMesh) meshPosition {
	pos, _ := c.positions.Get(mesh)
	return pos
}

func (c *Context) computePosition(mesh *shardy.DeviceMesh) (meshPosition, error) {
	flatIdx, ok := c.group.RankIndexInMesh(mesh)
	if !ok {
		return meshPosition{flatIdx: -1}, nil
	}
	return meshPosition{member: true, flatIdx: flatIdx, coords: mesh.Coordinates(flatIdx)}, nil
}

// IsMember returns whether the Context's rank is a member of the mesh.
func (c *Context) IsMember(mesh *shardy.DeviceMesh) bool {
	return c.position(mesh).member
}

// ShardRegion returns the region of the logical tensor held by the Context's rank.
// It returns an error matching boxerr.ErrNotMember if the rank is not a member of the descriptor's mesh.
func (c *Context) ShardRegion(desc *tensors.Descriptor) (shardy.Region, error) {
	return c.regions.Get(desc)
}

func (c *Context) computeRegion(desc *tensors.Descriptor) (shardy.Region, error) {
	pos := c.position(desc.Mesh())
	if !pos.member {
		return shardy.Region{}, boxerr.Errorf(boxerr.ErrNotMember, "rank %d is not a member of %s", c.Rank(), desc.Mesh())
	}
	return shardy.ShardRegion(desc.Shape(), desc.Placement(), pos.coords)
}

// PhysicalShape returns the shape of the shard of desc held by the Context's rank.
// It returns an error matching boxerr.ErrNotMember if the rank is not a member of the descriptor's mesh.
func (c *Context) PhysicalShape(desc *tensors.Descriptor) (shapes.Shape, error) {
	region, err := c.ShardRegion(desc)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(desc.Shape().DType, region.Dimensions()...), nil
}

// broadcastGroup returns the ranks of the placement's mesh that differ from the Context's rank only on the
// Broadcast mesh axes, ordered by their position along those axes. The first one is the root of the group.
func (c *Context) broadcastGroup(placed *shardy.PlacedDistribution) ([]int, error) {
	return c.broadcastGroups.Get(placed)
}

func (c *Context) computeBroadcastGroup(placed *shardy.PlacedDistribution) ([]int, error) {
	mesh := placed.Mesh()
	if !c.position(mesh).member {
		return nil, boxerr.Errorf(boxerr.ErrNotMember, "rank %d is not a member of %s", c.Rank(), mesh)
	}
	groups, err := mesh.ComputeReplicaGroupsByIndex(placed.Distribution().MeshAxesOfKind(shardy.KindBroadcast))
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, c.Rank()) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d not found in the broadcast groups of %s", c.Rank(), placed)
}

// exchangeGroup returns the sorted ranks of the union of both meshes.
func (c *Context) exchangeGroup(src, dst *shardy.DeviceMesh) []int {
	group, _ := c.exchangeGroups.Get(meshPair{src, dst})
	return group
}

func computeExchangeGroup(pair meshPair) ([]int, error) {
	group := slices.Concat(pair.src.Ranks(), pair.dst.Ranks())
	slices.Sort(group)
	return slices.Compact(group), nil
}

// device returns the device of the Context's rank in the mesh.
func (c *Context) device(mesh *shardy.DeviceMesh) (shardy.DeviceRef, error) {
	return c.group.Device(mesh)
}
