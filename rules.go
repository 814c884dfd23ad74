package boxing

import (
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
)

// Feasibility predicates of the built-in rules.

func checkIdentity(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if src != dst {
		return errors.New("source and destination placements differ")
	}
	return nil
}

func checkSameDeviceKind(src, dst *shardy.PlacedDistribution) error {
	if src.Mesh().Kind() != dst.Mesh().Kind() {
		return boxerr.Errorf(boxerr.ErrDeviceMismatch, "device kinds differ: %s and %s", src.Mesh().Kind(), dst.Mesh().Kind())
	}
	return nil
}

func checkSameMesh(src, dst *shardy.PlacedDistribution) error {
	if src.Mesh() != dst.Mesh() {
		return errors.Errorf("requires the same mesh, got %s and %s", src.Mesh().Name(), dst.Mesh().Name())
	}
	return nil
}

// checkOneDimKinds checks both placements are on 1-D meshes with the given kinds.
func checkOneDimKinds(src, dst *shardy.PlacedDistribution, srcKind, dstKind shardy.AxisKind) error {
	if src.Distribution().Rank() != 1 || dst.Distribution().Rank() != 1 {
		return errors.Errorf("requires 1-D meshes, got %d-D and %d-D", src.Distribution().Rank(), dst.Distribution().Rank())
	}
	if src.Distribution().Axis(0).Kind() != srcKind || dst.Distribution().Axis(0).Kind() != dstKind {
		return errors.Errorf("requires %s to %s, got %s to %s", srcKind, dstKind, src.Distribution(), dst.Distribution())
	}
	return nil
}

func checkNaiveSToS(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindSplit, shardy.KindSplit); err != nil {
		return err
	}
	return checkSameDeviceKind(src, dst)
}

func checkNaiveSToB(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindSplit, shardy.KindBroadcast); err != nil {
		return err
	}
	return checkSameDeviceKind(src, dst)
}

func checkNaiveBToS(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindBroadcast, shardy.KindSplit); err != nil {
		return err
	}
	return checkSameMesh(src, dst)
}

func checkNaivePToB(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindPartialSum, shardy.KindBroadcast); err != nil {
		return err
	}
	return checkSameMesh(src, dst)
}

func checkNaivePToS(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindPartialSum, shardy.KindSplit); err != nil {
		return err
	}
	return checkSameMesh(src, dst)
}

func checkNaiveBToP(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if err := checkOneDimKinds(src, dst, shardy.KindBroadcast, shardy.KindPartialSum); err != nil {
		return err
	}
	return checkSameMesh(src, dst)
}

func checkNDExchange(src, dst *shardy.PlacedDistribution, _ shapes.Shape) error {
	if src.Distribution().HasPartialSum() || dst.Distribution().HasPartialSum() {
		return errors.Errorf("PartialSum not supported, got %s to %s", src.Distribution(), dst.Distribution())
	}
	return checkSameDeviceKind(src, dst)
}

// Executors of the built-in rules.

// memberShard returns the tensor's shard, and an error if the rank is a member of the mesh but holds none.
func (c *Context) memberShard(tensor *tensors.Consistent) (*tensors.Local, error) {
	local, ok := tensor.Local()
	if !ok {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "rank %d is a member of %s, but holds no shard of %s",
			c.Rank(), tensor.Descriptor().Mesh(), tensor.Descriptor())
	}
	return local, nil
}

// wrap creates the shard of dst held by the Context's rank, produced by pending.
func (c *Context) wrap(dst *tensors.Descriptor, pending *tensors.Pending) (*tensors.Consistent, error) {
	shape, err := c.PhysicalShape(dst)
	if err != nil {
		return nil, err
	}
	device, err := c.device(dst.Mesh())
	if err != nil {
		return nil, err
	}
	return tensors.NewConsistent(dst, tensors.NewPendingLocal(shape, device, pending)), nil
}

func executeIdentity(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	local, _ := input.Local()
	return tensors.NewConsistent(dst, local), nil
}

// isSourceRoot returns whether the rank at coords contributes its shard to an exchange: among ranks holding
// the same region (those differing only on Broadcast axes), only the first one sends.
func isSourceRoot(dist *shardy.MeshDistribution, coords []int) bool {
	for meshAxis, d := range dist.Axes() {
		if !d.IsSplit() && coords[meshAxis] != 0 {
			return false
		}
	}
	return true
}

// executeExchange reshards with one exchange collective among the ranks of both meshes: each source root
// contributes its region of the logical tensor, and each destination member receives its own region.
// Ranks in neither mesh enqueue nothing.
func executeExchange(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	src := input.Descriptor()
	srcPos, dstPos := c.position(src.Mesh()), c.position(dst.Mesh())
	if !srcPos.member && !dstPos.member {
		return tensors.NewConsistent(dst, nil), nil
	}
	var (
		in                  *tensors.Pending
		inShape             = shapes.Invalid()
		source, destination *shardy.Region
	)
	if srcPos.member && isSourceRoot(src.Distribution(), srcPos.coords) {
		local, err := c.memberShard(input)
		if err != nil {
			return nil, err
		}
		region, err := c.ShardRegion(src)
		if err != nil {
			return nil, err
		}
		in, inShape, source = local.Pending(), local.Shape(), &region
	}
	if dstPos.member {
		region, err := c.ShardRegion(dst)
		if err != nil {
			return nil, err
		}
		destination = &region
	}
	group := c.exchangeGroup(src.Mesh(), dst.Mesh())
	pending := c.sub.EnqueueCollective(substrate.Exchange(group, src.Shape(), in, inShape, source, destination))
	if destination == nil {
		return tensors.NewConsistent(dst, nil), nil
	}
	return c.wrap(dst, pending)
}

// executeBToS slices the destination region out of the replicated value, no communication needed.
func executeBToS(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	if !c.IsMember(dst.Mesh()) {
		return tensors.NewConsistent(dst, nil), nil
	}
	local, err := c.memberShard(input)
	if err != nil {
		return nil, err
	}
	region, err := c.ShardRegion(dst)
	if err != nil {
		return nil, err
	}
	return c.wrap(dst, c.sub.EnqueueLocal(substrate.Slice(local.Pending(), local.Shape(), region)))
}

// allReduce enqueues the sum of the partial values held by the members of the (same, 1-D) mesh.
func (c *Context) allReduce(input *tensors.Consistent) (*tensors.Pending, error) {
	local, err := c.memberShard(input)
	if err != nil {
		return nil, err
	}
	mesh := input.Descriptor().Mesh()
	return c.sub.EnqueueCollective(substrate.AllReduce(mesh.Ranks(), local.Pending(), local.Shape())), nil
}

func executePToB(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	if !c.IsMember(dst.Mesh()) {
		return tensors.NewConsistent(dst, nil), nil
	}
	sum, err := c.allReduce(input)
	if err != nil {
		return nil, err
	}
	return c.wrap(dst, sum)
}

func executePToS(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	if !c.IsMember(dst.Mesh()) {
		return tensors.NewConsistent(dst, nil), nil
	}
	sum, err := c.allReduce(input)
	if err != nil {
		return nil, err
	}
	region, err := c.ShardRegion(dst)
	if err != nil {
		return nil, err
	}
	return c.wrap(dst, c.sub.EnqueueLocal(substrate.Slice(sum, dst.Shape(), region)))
}

// executeBToP keeps the value on the first rank of the mesh, and zeros on the others, so the sum is the value.
func executeBToP(c *Context, input *tensors.Consistent, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	pos := c.position(dst.Mesh())
	if !pos.member {
		return tensors.NewConsistent(dst, nil), nil
	}
	local, err := c.memberShard(input)
	if err != nil {
		return nil, err
	}
	if pos.flatIdx == 0 {
		return tensors.NewConsistent(dst, local), nil
	}
	return c.wrap(dst, c.sub.EnqueueLocal(substrate.Zeros(local.Shape())))
}
