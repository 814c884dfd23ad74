package shardy_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name          string
			sizes         []int
			axisNames     []string
			wantRank      int
			wantNum       int
			wantStableHLO string
		}{
			{
				name:          "1D mesh",
				sizes:         []int{8},
				axisNames:     []string{"replica"},
				wantRank:      1,
				wantNum:       8,
				wantStableHLO: `sdy.mesh @mesh = <["replica"=8]>`,
			},
			{
				name:          "2D mesh",
				sizes:         []int{2, 4},
				axisNames:     []string{"x", "y"},
				wantRank:      2,
				wantNum:       8,
				wantStableHLO: `sdy.mesh @mesh = <["x"=2, "y"=4]>`,
			},
			{
				name:          "3D mesh",
				sizes:         []int{2, 2, 2},
				axisNames:     []string{"x", "y", "z"},
				wantRank:      3,
				wantNum:       8,
				wantStableHLO: `sdy.mesh @mesh = <["x"=2, "y"=2, "z"=2]>`,
			},
			{
				name:          "single device",
				sizes:         []int{1},
				axisNames:     []string{"replica"},
				wantRank:      1,
				wantNum:       1,
				wantStableHLO: `sdy.mesh @mesh = <["replica"=1]>`,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := shardy.NewDeviceMesh("mesh", shardy.CPU, tt.sizes, tt.axisNames)
				require.NoError(t, err)
				assert.NotNil(t, mesh)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, tt.wantStableHLO, mesh.ToStableHLO())
				assert.Len(t, mesh.Ranks(), tt.wantNum)
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			ranks     []int
			wantErr   string
		}{
			{
				name:      "mismatched lengths",
				sizes:     []int{2, 4},
				axisNames: []string{"x"},
				wantErr:   "axesSizes and axesNames must have the same length",
			},
			{
				name:      "empty sizes",
				sizes:     []int{},
				axisNames: []string{},
				wantErr:   "DeviceMesh axesSizes cannot be empty",
			},
			{
				name:      "empty axis name",
				sizes:     []int{4},
				axisNames: []string{""},
				wantErr:   "axis name at index 0 cannot be empty",
			},
			{
				name:      "duplicate axis names",
				sizes:     []int{2, 4},
				axisNames: []string{"x", "x"},
				wantErr:   "axis name \"x\" is duplicated",
			},
			{
				name:      "invalid axis name",
				sizes:     []int{2},
				axisNames: []string{"x-y"},
				wantErr:   "suggestion \"x_y\"",
			},
			{
				name:      "zero axis size",
				sizes:     []int{0},
				axisNames: []string{"x"},
				wantErr:   "must have a positive size",
			},
			{
				name:      "wrong number of ranks",
				sizes:     []int{4},
				axisNames: []string{"x"},
				ranks:     []int{0, 1, 2},
				wantErr:   "has 4 devices, but 3 ranks were given",
			},
			{
				name:      "duplicate rank",
				sizes:     []int{4},
				axisNames: []string{"x"},
				ranks:     []int{0, 1, 1, 3},
				wantErr:   "rank #1 is duplicated",
			},
			{
				name:      "negative rank",
				sizes:     []int{4},
				axisNames: []string{"x"},
				ranks:     []int{0, 1, -1, 3},
				wantErr:   "ranks must be non-negative",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := shardy.NewDeviceMesh("mesh", shardy.CPU, tt.sizes, tt.axisNames, tt.ranks...)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.ErrorIs(t, err, boxerr.ErrConfiguration)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Interned", func(t *testing.T) {
		m0 := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}))
		m1 := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}, 0, 1, 2, 3, 4, 5, 6, 7))
		assert.True(t, m0 == m1)

		// Any difference yields a different mesh.
		others := []*shardy.DeviceMesh{
			must.M1(shardy.NewDeviceMesh("other", shardy.CPU, []int{2, 4}, []string{"x", "y"})),
			must.M1(shardy.NewDeviceMesh("mesh", shardy.GPU, []int{2, 4}, []string{"x", "y"})),
			must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{4, 2}, []string{"x", "y"})),
			must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"y", "x"})),
			must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}, 7, 6, 5, 4, 3, 2, 1, 0)),
		}
		for _, other := range others {
			assert.False(t, m0 == other, "%s should differ from %s", other, m0)
		}
	})

	t.Run("AxesNames", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}))
		axisNames := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, axisNames)

		// Verify it returns a copy
		axisNames[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())
	})

	t.Run("AxesSizes", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}))
		sizes := mesh.AxesSizes()
		assert.Equal(t, []int{2, 4}, sizes)

		// Verify it returns a copy
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())
	})

	t.Run("AxisSize", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}))
		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("String", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{8}, []string{"replica"}))
		assert.Equal(t, "DeviceMesh(@mesh, CPU, axesSizes={replica: 8})", mesh.String())
		mesh = must.M1(shardy.NewDeviceMesh("mesh", shardy.GPU, []int{2, 2}, []string{"x", "y"}, 4, 5, 6, 7))
		assert.Equal(t, "DeviceMesh(@mesh, GPU, axesSizes={x: 2, y: 2}, ranks=[4 5 6 7])", mesh.String())
		assert.Equal(t, `sdy.mesh @mesh = <["x"=2, "y"=2], device_ids=[4, 5, 6, 7]>`, mesh.ToStableHLO())
	})

	t.Run("DeviceToMesh_2D", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 4}, []string{"x", "y"}))
		tests := []struct {
			rank        int
			wantFlat    int
			wantIndices []int
		}{
			{rank: 0, wantFlat: 0, wantIndices: []int{0, 0}},
			{rank: 1, wantFlat: 1, wantIndices: []int{0, 1}},
			{rank: 3, wantFlat: 3, wantIndices: []int{0, 3}},
			{rank: 4, wantFlat: 4, wantIndices: []int{1, 0}},
			{rank: 7, wantFlat: 7, wantIndices: []int{1, 3}},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("rank=%d", tt.rank), func(t *testing.T) {
				flatIdx, coords, err := mesh.DeviceToMesh(tt.rank)
				require.NoError(t, err)
				assert.Equal(t, tt.wantFlat, flatIdx)
				assert.Equal(t, tt.wantIndices, coords)
				rank, err := mesh.MeshToDevice(coords)
				require.NoError(t, err)
				assert.Equal(t, tt.rank, rank)
			})
		}
	})

	t.Run("DeviceToMesh_WithCustomRanks", func(t *testing.T) {
		mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{4}, []string{"replica"}, 7, 5, 3, 1))
		for i, rank := range []int{7, 5, 3, 1} {
			assert.True(t, mesh.HasRank(rank))
			flatIdx, coords, err := mesh.DeviceToMesh(rank)
			require.NoError(t, err)
			assert.Equal(t, i, flatIdx)
			assert.Equal(t, []int{i}, coords)
		}

		// Ranks not in the mesh should error
		assert.False(t, mesh.HasRank(0))
		_, _, err := mesh.DeviceToMesh(0)
		require.Error(t, err)
		assert.ErrorIs(t, err, boxerr.ErrNotMember)
		assert.Contains(t, err.Error(), "rank 0 is not part of the mesh")

		_, err = mesh.MeshToDevice([]int{4})
		require.ErrorIs(t, err, boxerr.ErrConfiguration)
	})

	t.Run("ReplaceDeviceKind", func(t *testing.T) {
		cpuMesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2}, []string{"x"}, 3, 4))
		gpuMesh := must.M1(cpuMesh.ReplaceDeviceKind(shardy.GPU))
		assert.Equal(t, shardy.GPU, gpuMesh.Kind())
		assert.Equal(t, []int{3, 4}, gpuMesh.Ranks())
		assert.True(t, gpuMesh == must.M1(shardy.NewDeviceMesh("mesh", shardy.GPU, []int{2}, []string{"x"}, 3, 4)))
		assert.True(t, cpuMesh == must.M1(gpuMesh.ReplaceDeviceKind(shardy.CPU)))
	})

	t.Run("ParseDeviceKind", func(t *testing.T) {
		for tag, want := range map[string]shardy.DeviceKind{"cpu": shardy.CPU, "CPU": shardy.CPU, "gpu": shardy.GPU, "cuda": shardy.GPU} {
			got, err := shardy.ParseDeviceKind(tag)
			require.NoError(t, err)
			assert.Equal(t, want, got, "tag %q", tag)
		}
		_, err := shardy.ParseDeviceKind("tpu")
		require.ErrorIs(t, err, boxerr.ErrConfiguration)
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh2D := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 2}, []string{"batch", "data"}))
		mesh3D := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 2, 2}, []string{"x", "y", "z"}))
		tests := []struct {
			name string
			mesh *shardy.DeviceMesh
			axes []string
			want [][]int
		}{
			{"2D mesh batch groups", mesh2D, []string{"batch"}, [][]int{{0, 2}, {1, 3}}},
			{"2D mesh data groups", mesh2D, []string{"data"}, [][]int{{0, 1}, {2, 3}}},
			{"2D mesh global groups", mesh2D, []string{"batch", "data"}, [][]int{{0, 1, 2, 3}}},
			{"2D mesh empty axes", mesh2D, []string{}, [][]int{{0}, {1}, {2}, {3}}},
			{"3D mesh single axis", mesh3D, []string{"x"}, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}},
			{"3D mesh two axes", mesh3D, []string{"x", "y"}, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				groups, err := tt.mesh.ComputeReplicaGroups(tt.axes)
				require.NoError(t, err)
				assert.Equal(t, tt.want, groups)
			})
		}

		t.Run("custom ranks", func(t *testing.T) {
			mesh := must.M1(shardy.NewDeviceMesh("mesh", shardy.CPU, []int{2, 2}, []string{"batch", "data"}, 10, 11, 12, 13))
			groups, err := mesh.ComputeReplicaGroupsByIndex([]int{0})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{10, 12}, {11, 13}}, groups)
		})

		t.Run("errors", func(t *testing.T) {
			_, err := mesh2D.ComputeReplicaGroups([]string{"nonexistent"})
			require.Error(t, err)
			_, err = mesh2D.ComputeReplicaGroups([]string{"data", "data"})
			require.Error(t, err)
		})
	})
}
