package boxing

import (
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// castState is the progress of a local tensor being bound to a consistent descriptor in ToConsistent.
type castState int

//go:generate go tool enumer -type=castState -trimprefix=cast consistency.go

const (
	castUncommitted castState = iota
	castShapeChecked
	castBroadcastPending
	castSynced
	castCommitted
)

// cast tracks one ToConsistent call.
type cast struct {
	rank  int
	desc  *tensors.Descriptor
	state castState
	local *tensors.Local
}

func (t *cast) advance(state castState) {
	klog.V(2).Infof("rank %d: ToConsistent(%s): %s -> %s", t.rank, t.desc, t.state, state)
	t.state = state
}

// ToConsistent binds local, this rank's shard, to the consistent tensor of the given logical shape (and dtype)
// placed with placed.
//
// Ranks that are not members of the placement's mesh get a descriptor-only tensor, and local is ignored
// (it may be nil).
//
// If consistency checking is enabled (see SetConsistencyCheck), it verifies that the shard has the logical
// dtype and the physical shape derived from the placement for this rank. A shard with a different shape but
// the same number of elements is reshaped; otherwise it returns an error matching boxerr.ErrShapeMismatch.
// Then, if the placement broadcasts on some mesh axes, the shard of the first rank of each group of replicas
// is broadcast to the others: every member of the group must call ToConsistent with the same arguments.
//
// On error no tensor is produced.
func (c *Context) ToConsistent(local *tensors.Local, placed *shardy.PlacedDistribution, logical shapes.Shape) (*tensors.Consistent, error) {
	desc, err := tensors.NewDescriptor(logical, placed)
	if err != nil {
		return nil, err
	}
	if !c.IsMember(placed.Mesh()) {
		klog.V(2).Infof("rank %d: ToConsistent(%s): not a member, descriptor only", c.Rank(), desc)
		return tensors.NewConsistent(desc, nil), nil
	}
	if local == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "rank %d is a member of %s but has no local tensor",
			c.Rank(), placed.Mesh())
	}
	physical, err := c.PhysicalShape(desc)
	if err != nil {
		return nil, err
	}
	device, err := c.device(placed.Mesh())
	if err != nil {
		return nil, err
	}
	t := &cast{rank: c.Rank(), desc: desc, state: castUncommitted, local: local}
	if !ConsistencyCheck() {
		t.local = tensors.NewPendingLocal(physical, device, local.Pending())
		t.advance(castCommitted)
		return tensors.NewConsistent(desc, t.local), nil
	}

	if err := c.checkShape(t, physical); err != nil {
		return nil, err
	}
	t.advance(castShapeChecked)

	group, err := c.broadcastGroup(placed)
	if err != nil {
		return nil, err
	}
	if len(group) > 1 {
		// Only the root's shard is read: the others are overwritten and may not even be valid.
		var input *tensors.Pending
		if c.Rank() == group[0] {
			input = t.local.Pending()
		}
		pending := c.sub.EnqueueCollective(substrate.Broadcast(group, group[0], input, physical))
		t.local = tensors.NewPendingLocal(physical, device, pending)
		t.advance(castBroadcastPending)
		t.advance(castSynced)
	}
	if t.local.Device() != device {
		t.local = tensors.NewPendingLocal(physical, device, t.local.Pending())
	}
	t.advance(castCommitted)
	return tensors.NewConsistent(desc, t.local), nil
}

// checkShape verifies the dtype and physical shape of the shard, and enqueues a reshape if only the dimensions
// differ.
func (c *Context) checkShape(t *cast, physical shapes.Shape) error {
	got := t.local.Shape()
	if got.DType != physical.DType {
		return boxerr.Errorf(boxerr.ErrShapeMismatch, "rank %d: local tensor has dtype %s, but %s requires %s",
			c.Rank(), got.DType, t.desc, physical.DType)
	}
	if got.Equal(physical) {
		return nil
	}
	if got.Size() != physical.Size() {
		return boxerr.Errorf(boxerr.ErrShapeMismatch,
			"rank %d: local tensor has shape %s (%d elements), but %s requires %s (%d elements)",
			c.Rank(), got, got.Size(), t.desc, physical, physical.Size())
	}
	klog.V(2).Infof("rank %d: reshaping local tensor %s to %s", c.Rank(), got, physical)
	reshaped := c.sub.EnqueueLocal(substrate.Reshape(t.local.Pending(), got, physical))
	t.local = tensors.NewPendingLocal(physical, t.local.Device(), reshaped)
	return nil
}

// ToLocal returns this rank's shard of tensor. It returns an error matching boxerr.ErrNotMember if the rank
// is not a member of the tensor's mesh.
func (c *Context) ToLocal(tensor *tensors.Consistent) (*tensors.Local, error) {
	if tensor == nil || tensor.Descriptor() == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "ToLocal requires a consistent tensor")
	}
	local, ok := tensor.Local()
	if !ok {
		return nil, boxerr.Errorf(boxerr.ErrNotMember, "rank %d holds no shard of %s", c.Rank(), tensor.Descriptor())
	}
	return local, nil
}

// Distribute places value, the full logical tensor, with placed: each member of the mesh takes the region it
// holds, and for PartialSum mesh axes only the first rank along them keeps the value, the others hold zeros.
// The result is bound with ToConsistent.
//
// Every rank calling it must pass the same value: it is meant for tests and for seeding computations.
func (c *Context) Distribute(value *tensors.Buffer, placed *shardy.PlacedDistribution) (*tensors.Consistent, error) {
	if value == nil {
		return nil, errors.New("Distribute requires a value")
	}
	logical := value.Shape()
	desc, err := tensors.NewDescriptor(logical, placed)
	if err != nil {
		return nil, err
	}
	pos := c.position(placed.Mesh())
	if !pos.member {
		return c.ToConsistent(nil, placed, logical)
	}
	region, err := c.ShardRegion(desc)
	if err != nil {
		return nil, err
	}
	device, err := c.device(placed.Mesh())
	if err != nil {
		return nil, err
	}
	physical := shapes.Make(logical.DType, region.Dimensions()...)
	var pending *tensors.Pending
	if isPartialRoot(placed.Distribution(), pos.coords) {
		pending = c.sub.EnqueueLocal(substrate.Slice(tensors.Ready(value), logical, region))
	} else {
		pending = c.sub.EnqueueLocal(substrate.Zeros(physical))
	}
	return c.ToConsistent(tensors.NewPendingLocal(physical, device, pending), placed, logical)
}

// isPartialRoot returns whether coords are 0 on all PartialSum mesh axes.
func isPartialRoot(dist *shardy.MeshDistribution, coords []int) bool {
	for _, meshAxis := range dist.MeshAxesOfKind(shardy.KindPartialSum) {
		if coords[meshAxis] != 0 {
			return false
		}
	}
	return true
}
