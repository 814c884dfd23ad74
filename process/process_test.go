package process

import (
	"testing"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	_, err := NewGroup(3, 3)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)
	_, err = NewGroup(0, 0)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)

	g := must.M1(NewGroup(3, 6))
	assert.Equal(t, 3, g.Rank())
	assert.Equal(t, 6, g.Size())
	assert.Equal(t, "rank 3/6", g.String())

	mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.GPU, []int{2, 2}, []string{"x", "y"}, 2, 3, 4, 5))
	idx, ok := g.RankIndexInMesh(mesh)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	device := must.M1(g.Device(mesh))
	assert.Equal(t, shardy.DeviceRef{Kind: shardy.GPU, Ordinal: 3}, device)
	device = must.M1(g.DeviceForRank(mesh, 5))
	assert.Equal(t, 5, device.Ordinal)

	_, err = g.DeviceForRank(mesh, 0)
	require.ErrorIs(t, err, boxerr.ErrNotMember)
	_, err = g.DeviceForRank(mesh, 6)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)

	other := must.M1(NewGroup(0, 6))
	_, ok = other.RankIndexInMesh(mesh)
	assert.False(t, ok)

	require.NoError(t, g.CheckMesh(mesh))
	small := must.M1(NewGroup(0, 4))
	require.ErrorIs(t, small.CheckMesh(mesh), boxerr.ErrConfiguration)
}
