package boxing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/boxing/process"
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/substrate/inproc"
	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCluster(t *testing.T, numRanks int) *inproc.Cluster {
	cluster := inproc.New(numRanks).WithName(t.Name()).WithCollectiveTimeout(10 * time.Second)
	t.Cleanup(cluster.Close)
	return cluster
}

// runOnRanks runs fn with the Context of every rank of the cluster, concurrently.
// A nil registry means the default one.
func runOnRanks(cluster *inproc.Cluster, registry *Registry, fn func(c *Context) error) error {
	return cluster.Run(context.Background(), func(_ context.Context, sub substrate.Substrate) error {
		group, err := process.NewGroup(sub.Rank(), cluster.Size())
		if err != nil {
			return err
		}
		c, err := NewContext(group, sub, registry)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

// newSingleContext returns the Context of the only rank of a cluster of 1.
func newSingleContext(t *testing.T, registry *Registry) *Context {
	cluster := newCluster(t, 1)
	return must.M1(NewContext(must.M1(process.NewGroup(0, 1)), cluster.Substrate(0), registry))
}

func makeMesh(name string, kind shardy.DeviceKind, axesSizes []int, ranks ...int) *shardy.DeviceMesh {
	axesNames := []string{"x", "y", "z"}[:len(axesSizes)]
	return must.M1(shardy.NewDeviceMesh(name, kind, axesSizes, axesNames, ranks...))
}

func place(mesh *shardy.DeviceMesh, axes ...shardy.AxisDistribution) *shardy.PlacedDistribution {
	return must.M1(shardy.NewPlacement(must.M1(shardy.NewMeshDistribution(axes...)), mesh))
}

func describe(logical shapes.Shape, placed *shardy.PlacedDistribution) *tensors.Descriptor {
	return must.M1(tensors.NewDescriptor(logical, placed))
}

func iotaBuffer(dims ...int) *tensors.Buffer {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(i)
	}
	return tensors.FromFlatAndDimensions(data, dims...)
}

// expectedShard returns the shard of value the Context's rank should hold for desc.
func expectedShard(c *Context, value *tensors.Buffer, desc *tensors.Descriptor) (*tensors.Buffer, error) {
	region, err := c.ShardRegion(desc)
	if err != nil {
		return nil, err
	}
	if !isPartialRoot(desc.Distribution(), c.position(desc.Mesh()).coords) {
		return tensors.Zeros(shapes.Make(value.DType(), region.Dimensions()...)), nil
	}
	return value.Slice(region)
}

// checkShard verifies the Context's rank holds the expected shard of value in tensor.
func checkShard(c *Context, value *tensors.Buffer, tensor *tensors.Consistent) error {
	desc := tensor.Descriptor()
	local, ok := tensor.Local()
	if !ok {
		if c.IsMember(desc.Mesh()) {
			return errors.Errorf("rank %d is a member of %s, but holds no shard", c.Rank(), desc.Mesh())
		}
		return nil
	}
	got, err := local.Wait()
	if err != nil {
		return err
	}
	want, err := expectedShard(c, value, desc)
	if err != nil {
		return err
	}
	if !want.Equal(got) {
		return errors.Errorf("rank %d: shard of %s is %s, wanted %s", c.Rank(), desc, got, want)
	}
	return nil
}

func TestRedistributeSplitToSplit(t *testing.T) {
	// 4 source ranks, 5 destination ranks and one rank outside both meshes.
	cluster := newCluster(t, 6)
	srcMesh := makeMesh("src", shardy.CPU, []int{4}, 0, 1, 2, 3)
	dstMesh := makeMesh("dst", shardy.CPU, []int{5}, 0, 1, 2, 3, 4)
	value := iotaBuffer(100, 3)
	srcPlaced := place(srcMesh, shardy.Split(0))
	dstPlaced := place(dstMesh, shardy.Split(0))
	dst := describe(value.Shape(), dstPlaced)

	srcShapes := make([]shapes.Shape, cluster.Size())
	dstShapes := make([]shapes.Shape, cluster.Size())
	rules := make([]string, cluster.Size())
	require.NoError(t, runOnRanks(cluster, nil, func(c *Context) error {
		x, err := c.Distribute(value, srcPlaced)
		if err != nil {
			return err
		}
		rule, err := c.RuleFor(x.Descriptor(), dst)
		if err != nil {
			return err
		}
		rules[c.Rank()] = rule.Name
		y, err := c.RedistributeTo(x, dstPlaced)
		if err != nil {
			return err
		}
		if local, ok := x.Local(); ok {
			srcShapes[c.Rank()] = local.Shape()
		}
		if local, ok := y.Local(); ok {
			dstShapes[c.Rank()] = local.Shape()
		}
		if err := checkShard(c, value, y); err != nil {
			return err
		}
		// Input untouched.
		return checkShard(c, value, x)
	}))

	for rank := range cluster.Size() {
		assert.Equal(t, RuleNaiveSToS, rules[rank])
		if rank < 4 {
			assert.Equal(t, []int{25, 3}, srcShapes[rank].Dimensions, "rank %d", rank)
		} else {
			assert.False(t, srcShapes[rank].Ok(), "rank %d", rank)
		}
		if rank < 5 {
			assert.Equal(t, []int{20, 3}, dstShapes[rank].Dimensions, "rank %d", rank)
		} else {
			assert.False(t, dstShapes[rank].Ok(), "rank %d", rank)
		}
	}
	assert.Equal(t, int64(1), cluster.Stats().Collectives)
}

func TestRedistribute(t *testing.T) {
	mesh1D := makeMesh("line", shardy.CPU, []int{4})
	mesh2D := makeMesh("grid", shardy.CPU, []int{2, 2})
	other1D := makeMesh("line_reversed", shardy.CPU, []int{4}, 3, 2, 1, 0)
	testCases := []struct {
		name     string
		src, dst *shardy.PlacedDistribution
		rule     string
		inverse  string
	}{
		{"S(0)->S(1)", place(mesh1D, shardy.Split(0)), place(mesh1D, shardy.Split(1)), RuleNaiveSToS, RuleNaiveSToS},
		{"S(0)->S(0) other mesh", place(mesh1D, shardy.Split(0)), place(other1D, shardy.Split(0)), RuleNaiveSToS, RuleNaiveSToS},
		{"S(1)->B", place(mesh1D, shardy.Split(1)), place(mesh1D, shardy.Broadcast()), RuleNaiveSToB, RuleNaiveBToS},
		{"P->B", place(mesh1D, shardy.PartialSum()), place(mesh1D, shardy.Broadcast()), RuleNaivePToB, RuleNaiveBToP},
		{"P->S(0)", place(mesh1D, shardy.PartialSum()), place(mesh1D, shardy.Split(0)), RuleNaivePToS, ""},
		{"2D [S(0), B]->[S(1), S(0)]", place(mesh2D, shardy.Split(0), shardy.Broadcast()),
			place(mesh2D, shardy.Split(1), shardy.Split(0)), RuleNDExchange, RuleNDExchange},
		{"2D [S(0), S(0)]->1D B", place(mesh2D, shardy.Split(0), shardy.Split(0)),
			place(mesh1D, shardy.Broadcast()), RuleNDExchange, RuleNDExchange},
	}
	value := iotaBuffer(6, 5)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cluster := newCluster(t, 4)
			src, dst := describe(value.Shape(), tc.src), describe(value.Shape(), tc.dst)
			require.NoError(t, runOnRanks(cluster, nil, func(c *Context) error {
				x, err := c.Distribute(value, tc.src)
				if err != nil {
					return err
				}
				if rule := must.M1(c.RuleFor(src, dst)); rule.Name != tc.rule {
					return errors.Errorf("%s -> %s used rule %q, wanted %q", tc.src, tc.dst, rule.Name, tc.rule)
				}
				y, err := c.Redistribute(x, src, dst)
				if err != nil {
					return err
				}
				if err := checkShard(c, value, y); err != nil {
					return err
				}
				if tc.inverse == "" {
					return nil
				}
				if rule := must.M1(c.RuleFor(dst, src)); rule.Name != tc.inverse {
					return errors.Errorf("%s -> %s used rule %q, wanted %q", tc.dst, tc.src, rule.Name, tc.inverse)
				}
				back, err := c.Redistribute(y, dst, src)
				if err != nil {
					return err
				}
				if err := checkShard(c, value, back); err != nil {
					return errors.WithMessage(err, "round trip")
				}
				return checkShard(c, value, x)
			}))
		})
	}
}

func TestRedistributeIdentity(t *testing.T) {
	mesh := makeMesh("grid", shardy.CPU, []int{2, 2})
	value := iotaBuffer(4, 3)
	for _, placed := range []*shardy.PlacedDistribution{
		place(mesh, shardy.Split(0), shardy.Split(1)),
		place(mesh, shardy.Broadcast(), shardy.Split(0)),
		place(mesh, shardy.PartialSum(), shardy.Broadcast()),
	} {
		t.Run(placed.String(), func(t *testing.T) {
			cluster := newCluster(t, 4)
			require.NoError(t, runOnRanks(cluster, nil, func(c *Context) error {
				x, err := c.Distribute(value, placed)
				if err != nil {
					return err
				}
				rule, err := c.RuleFor(x.Descriptor(), x.Descriptor())
				if err != nil {
					return err
				}
				if rule.Name != RuleIdentity {
					return errors.Errorf("rule %q used for a no-op transition", rule.Name)
				}
				y, err := c.Redistribute(x, x.Descriptor(), x.Descriptor())
				if err != nil {
					return err
				}
				if y == x {
					return errors.New("identity returned its input instead of a new tensor")
				}
				return checkShard(c, value, y)
			}))
		})
	}
}

func TestRedistributeUnsupported(t *testing.T) {
	c := newSingleContext(t, nil)
	logical := shapes.Make(dtypes.Float32, 4, 4)
	cpu := makeMesh("cpus", shardy.CPU, []int{1})
	gpu := must.M1(cpu.ReplaceDeviceKind(shardy.GPU))

	src := describe(logical, place(cpu, shardy.Split(0)))
	dst := describe(logical, place(gpu, shardy.Split(0)))
	_, err := c.RuleFor(src, dst)
	require.ErrorIs(t, err, boxerr.ErrUnsupportedTransition)
	msg := err.Error()
	assert.Contains(t, msg, src.Placement().String())
	assert.Contains(t, msg, dst.Placement().String())
	for _, name := range c.Registry().Names() {
		assert.Contains(t, msg, name+": ")
	}
	assert.Contains(t, msg, "device kinds differ")

	// The transition also fails through Redistribute, and the decision is cached.
	x := must.M1(c.ToConsistent(tensors.NewLocal(shardy.DeviceRef{Kind: shardy.CPU}, iotaBuffer(4, 4)),
		src.Placement(), logical))
	_, err = c.Redistribute(x, src, dst)
	require.ErrorIs(t, err, boxerr.ErrUnsupportedTransition)
	hits, misses := c.rules.Stats()
	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, hits)

	grid := makeMesh("grid1", shardy.CPU, []int{1, 1})
	_, err = c.RuleFor(describe(logical, place(grid, shardy.PartialSum(), shardy.Split(0))),
		describe(logical, place(grid, shardy.Split(1), shardy.Split(0))))
	require.ErrorIs(t, err, boxerr.ErrUnsupportedTransition)
	assert.Contains(t, err.Error(), "PartialSum not supported")
}

func TestRedistributeErrors(t *testing.T) {
	c := newSingleContext(t, nil)
	mesh := makeMesh("solo", shardy.CPU, []int{1})
	logical := shapes.Make(dtypes.Float32, 2, 3)
	split := describe(logical, place(mesh, shardy.Split(0)))
	broadcast := describe(logical, place(mesh, shardy.Broadcast()))
	x := must.M1(c.Distribute(iotaBuffer(2, 3), split.Placement()))

	_, err := c.Redistribute(nil, split, broadcast)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)

	_, err = c.Redistribute(x, broadcast, split)
	require.ErrorIs(t, err, boxerr.ErrConfiguration)

	other := describe(shapes.Make(dtypes.Float32, 3, 2), place(mesh, shardy.Broadcast()))
	_, err = c.Redistribute(x, split, other)
	require.ErrorIs(t, err, boxerr.ErrShapeMismatch)

	y, err := c.Redistribute(x, split, broadcast)
	require.NoError(t, err)
	shard := must.M1(must.M1(c.ToLocal(y)).Wait())
	assert.True(t, iotaBuffer(2, 3).Equal(shard), "got %s", shard)
}

func TestPhysicalShapeDeterminism(t *testing.T) {
	cluster := newCluster(t, 6)
	mesh := makeMesh("grid", shardy.CPU, []int{2, 3})
	logical := shapes.Make(dtypes.Int32, 7, 11)
	desc := describe(logical, place(mesh, shardy.Split(1), shardy.Split(1)))

	got := make([]shapes.Shape, cluster.Size())
	require.NoError(t, runOnRanks(cluster, nil, func(c *Context) error {
		first, err := c.PhysicalShape(desc)
		if err != nil {
			return err
		}
		second, err := c.PhysicalShape(describe(logical.Clone(), desc.Placement()))
		if err != nil {
			return err
		}
		if !first.Equal(second) {
			return errors.Errorf("rank %d: physical shape changed from %s to %s", c.Rank(), first, second)
		}
		_, coords, err := mesh.DeviceToMesh(c.Rank())
		if err != nil {
			return err
		}
		want, err := shardy.PhysicalShape(logical, desc.Placement(), coords)
		if err != nil {
			return err
		}
		if !want.Equal(first) {
			return errors.Errorf("rank %d: physical shape %s, wanted %s", c.Rank(), first, want)
		}
		got[c.Rank()] = first
		return nil
	}))

	// Axis 1 (11 columns) split hierarchically in 2 then 3: 6 -> (2, 2, 2), 5 -> (2, 2, 1).
	var columns []int
	total := 0
	for _, shape := range got {
		assert.Equal(t, 7, shape.Dim(0))
		columns = append(columns, shape.Dim(1))
		total += shape.Dim(1)
	}
	assert.Equal(t, []int{2, 2, 2, 2, 2, 1}, columns)
	assert.Equal(t, 11, total)
}

func ExampleContext_Redistribute() {
	cluster := inproc.New(2)
	defer cluster.Close()
	mesh := must.M1(shardy.NewDeviceMesh("pair", shardy.CPU, []int{2}, []string{"x"}))
	split := must.M1(shardy.NewPlacement(must.M1(shardy.NewMeshDistribution(shardy.Split(0))), mesh))
	replicated := must.M1(shardy.NewPlacement(must.M1(shardy.NewMeshDistribution(shardy.Broadcast())), mesh))
	value := tensors.FromFlatAndDimensions([]int32{1, 2, 3, 4}, 4)

	shards := make([]*tensors.Buffer, 2)
	err := cluster.Run(context.Background(), func(_ context.Context, sub substrate.Substrate) error {
		c := must.M1(NewContext(must.M1(process.NewGroup(sub.Rank(), 2)), sub, nil))
		x := must.M1(c.Distribute(value, split))
		y, err := c.RedistributeTo(x, replicated)
		if err != nil {
			return err
		}
		shards[sub.Rank()], err = must.M1(c.ToLocal(y)).Wait()
		return err
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(shards[0])
	fmt.Println(shards[1])
	// Output:
	// (Int32)[4]: [1 2 3 4]
	// (Int32)[4]: [1 2 3 4]
}
