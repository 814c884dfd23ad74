// Package process answers the questions each rank asks about itself: which rank it is, where it sits in a
// mesh and which device it drives.
//
// A Group is the view of one rank (process) on the set of ranks running the computation, similar to an MPI
// communicator. Every rank has its own Group, with the same Size.
package process

import (
	"fmt"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shardy"
)

// Group is the view of one rank on the process group.
type Group struct {
	rank, size int
}

// NewGroup returns the Group of the given rank among size ranks.
func NewGroup(rank, size int) (*Group, error) {
	if size <= 0 {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "process group size must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "rank %d out of range for a group of %d", rank, size)
	}
	return &Group{rank: rank, size: size}, nil
}

// Rank of the current process, 0 <= rank < Size().
func (g *Group) Rank() int { return g.rank }

// Size is the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// RankIndexInMesh returns the flat (row-major) index of the current rank in the mesh, and false if the rank is
// not a member of the mesh.
func (g *Group) RankIndexInMesh(mesh *shardy.DeviceMesh) (int, bool) {
	flatIdx, _, err := mesh.DeviceToMesh(g.rank)
	if err != nil {
		return -1, false
	}
	return flatIdx, true
}

// DeviceForRank returns the device driven by rank as a member of the mesh. Each rank drives the device of the
// mesh's kind with its own ordinal.
//
// It returns an error matching boxerr.ErrNotMember if rank is not a member of the mesh.
func (g *Group) DeviceForRank(mesh *shardy.DeviceMesh, rank int) (shardy.DeviceRef, error) {
	if rank < 0 || rank >= g.size {
		return shardy.DeviceRef{}, boxerr.Errorf(boxerr.ErrConfiguration,
			"rank %d out of range for a group of %d", rank, g.size)
	}
	if !mesh.HasRank(rank) {
		return shardy.DeviceRef{}, boxerr.Errorf(boxerr.ErrNotMember, "rank %d is not a member of %s", rank, mesh)
	}
	return shardy.DeviceRef{Kind: mesh.Kind(), Ordinal: rank}, nil
}

// Device returns the device of the current rank in the mesh.
func (g *Group) Device(mesh *shardy.DeviceMesh) (shardy.DeviceRef, error) {
	return g.DeviceForRank(mesh, g.rank)
}

// CheckMesh verifies that every member of the mesh is a rank of the group.
func (g *Group) CheckMesh(mesh *shardy.DeviceMesh) error {
	for _, rank := range mesh.Ranks() {
		if rank >= g.size {
			return boxerr.Errorf(boxerr.ErrConfiguration, "%s uses rank %d, but the process group has only %d ranks",
				mesh, rank, g.size)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("rank %d/%d", g.rank, g.size)
}
