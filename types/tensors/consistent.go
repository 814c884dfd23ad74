package tensors

import (
	"fmt"

	"github.com/gomlx/boxing/internal/intern"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
)

// Descriptor describes a consistent (global) tensor: its logical shape and how it is placed on devices.
// It is immutable and interned, so descriptors can be compared with ==.
type Descriptor struct {
	logical shapes.Shape
	placed  *shardy.PlacedDistribution
}

var descriptors = intern.NewTable[Descriptor]()

// NewDescriptor returns the interned descriptor of a logical tensor of the given shape placed with placed.
// It fails with boxerr.ErrConfiguration if the placement splits axes the shape doesn't have.
func NewDescriptor(logical shapes.Shape, placed *shardy.PlacedDistribution) (*Descriptor, error) {
	if placed == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "descriptor of %s requires a placement", logical)
	}
	if err := placed.ValidateShape(logical); err != nil {
		return nil, err
	}
	return descriptors.Intern(logical.String()+"|"+placed.Key(), func() *Descriptor {
		return &Descriptor{logical: logical.Clone(), placed: placed}
	}), nil
}

// Shape returns the logical (global) shape.
func (d *Descriptor) Shape() shapes.Shape { return d.logical }

// Placement returns where the tensor is placed.
func (d *Descriptor) Placement() *shardy.PlacedDistribution { return d.placed }

// Mesh is a shortcut to Placement().Mesh().
func (d *Descriptor) Mesh() *shardy.DeviceMesh { return d.placed.Mesh() }

// Distribution is a shortcut to Placement().Distribution().
func (d *Descriptor) Distribution() *shardy.MeshDistribution { return d.placed.Distribution() }

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s %s", d.logical, d.placed)
}

// Consistent is one rank's handle on a consistent tensor: the descriptor, plus the local shard if the rank
// is a member of the mesh. Non-member ranks hold a descriptor-only Consistent.
type Consistent struct {
	desc  *Descriptor
	local *Local
}

// NewConsistent binds a local shard (nil for non-member ranks) to a descriptor.
func NewConsistent(desc *Descriptor, local *Local) *Consistent {
	return &Consistent{desc: desc, local: local}
}

// Descriptor returns the tensor's descriptor. It is never nil for tensors created with NewConsistent.
func (c *Consistent) Descriptor() *Descriptor { return c.desc }

// Local returns this rank's shard, and false if the rank is not a member of the mesh.
func (c *Consistent) Local() (*Local, bool) {
	return c.local, c.local != nil
}

// IsMember returns whether this rank holds a shard of the tensor.
func (c *Consistent) IsMember() bool { return c.local != nil }

// String implements fmt.Stringer.
func (c *Consistent) String() string {
	if c.local == nil {
		return fmt.Sprintf("Consistent(%s, not a member)", c.desc)
	}
	return fmt.Sprintf("Consistent(%s, %s)", c.desc, c.local)
}
