// boxsim redistributes a tensor between two placements on an in-process cluster, and reports the shards each
// rank holds before and after, and the traffic between ranks.
//
// Example: 100 rows split across 4 ranks, resplit across 5:
//
//	boxsim -shape=100,4 -from_mesh=4 -from='S(0)' -to_mesh=5 -to='S(0)'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/boxing"
	"github.com/gomlx/boxing/process"
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/substrate/inproc"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagShape     = flag.String("shape", "100,4", "Comma-separated dimensions of the logical tensor.")
	flagDType     = flag.String("dtype", "Float32", "DType of the tensor: Float32, Float64, Int32 or Int64.")
	flagKind      = flag.String("device", "cpu", "Device kind of both meshes: cpu or gpu (cuda).")
	flagFromMesh  = flag.String("from_mesh", "4", "Comma-separated axes sizes of the source mesh.")
	flagFromRanks = flag.String("from_ranks", "", "Comma-separated ranks of the source mesh. Defaults to 0, 1, ...")
	flagFrom      = flag.String("from", "S(0)", "Source distribution, one of S(<axis>), B or P per mesh axis.")
	flagToMesh    = flag.String("to_mesh", "5", "Comma-separated axes sizes of the destination mesh.")
	flagToRanks   = flag.String("to_ranks", "", "Comma-separated ranks of the destination mesh. Defaults to 0, 1, ...")
	flagTo        = flag.String("to", "S(0)", "Destination distribution, one of S(<axis>), B or P per mesh axis.")
	flagRanks     = flag.Int("ranks", 0, "Number of ranks in the cluster. Defaults to the smallest that holds both meshes.")
	flagTimeout   = flag.Duration("timeout", 30*time.Second, "How long a rank waits for the others at a collective.")
	flagCheck     = flag.Bool("check", true, "Enable consistency checking when binding the source shards.")
	flagShow      = flag.Bool("show", false, "Print the values of the shards.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagCheck {
		must.M(boxing.SetConsistencyCheck(false))
	}
	if err := run(); err != nil {
		klog.Errorf("boxsim failed: %v", err)
		klog.V(1).Infof("stack trace: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	dtype, err := dtypes.DTypeString(*flagDType)
	if err != nil {
		return errors.Wrapf(err, "invalid -dtype=%q", *flagDType)
	}
	kind, err := shardy.ParseDeviceKind(*flagKind)
	if err != nil {
		return err
	}
	dims, err := parseInts(*flagShape)
	if err != nil {
		return errors.WithMessage(err, "-shape")
	}
	value, err := sequence(dtype, dims)
	if err != nil {
		return err
	}
	src, err := parsePlacement("src", kind, *flagFromMesh, *flagFromRanks, *flagFrom)
	if err != nil {
		return err
	}
	dst, err := parsePlacement("dst", kind, *flagToMesh, *flagToRanks, *flagTo)
	if err != nil {
		return err
	}
	numRanks := *flagRanks
	if numRanks == 0 {
		numRanks = max(slices.Max(src.Mesh().Ranks()), slices.Max(dst.Mesh().Ranks())) + 1
	}
	dstDesc, err := tensors.NewDescriptor(value.Shape(), dst)
	if err != nil {
		return err
	}

	cluster := inproc.New(numRanks).WithName("boxsim").WithCollectiveTimeout(*flagTimeout)
	defer cluster.Close()
	fmt.Printf("Cluster %s with %d ranks\n", cluster, numRanks)
	fmt.Printf("  from: %s\n", shardy.DescribePlacement(src))
	fmt.Printf("  to:   %s\n", shardy.DescribePlacement(dst))

	reports := make([]string, numRanks)
	var ruleName string
	start := time.Now()
	err = cluster.Run(context.Background(), func(_ context.Context, sub substrate.Substrate) error {
		group, err := process.NewGroup(sub.Rank(), numRanks)
		if err != nil {
			return err
		}
		c, err := boxing.NewContext(group, sub, nil)
		if err != nil {
			return err
		}
		x, err := c.Distribute(value, src)
		if err != nil {
			return err
		}
		rule, err := c.RuleFor(x.Descriptor(), dstDesc)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			ruleName = rule.Name
		}
		y, err := c.Redistribute(x, x.Descriptor(), dstDesc)
		if err != nil {
			return err
		}
		reports[c.Rank()], err = report(c, value, x, y)
		return err
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for rank, line := range reports {
		fmt.Printf("rank %d: %s\n", rank, line)
	}
	stats := cluster.Stats()
	fmt.Printf("Rule %q: %d collectives, %d local ops, %s moved between ranks in %s\n",
		ruleName, stats.Collectives, stats.LocalOps, humanize.Bytes(uint64(stats.BytesMoved)), elapsed)
	return nil
}

// report describes the shards of one rank, and verifies the destination shard.
func report(c *boxing.Context, value *tensors.Buffer, x, y *tensors.Consistent) (string, error) {
	var parts []string
	for _, tensor := range []*tensors.Consistent{x, y} {
		local, ok := tensor.Local()
		if !ok {
			parts = append(parts, "-")
			continue
		}
		shard, err := local.Wait()
		if err != nil {
			return "", err
		}
		region := must.M1(c.ShardRegion(tensor.Descriptor()))
		part := fmt.Sprintf("%s%v", region, shard.Shape().Dimensions)
		if *flagShow {
			part = fmt.Sprintf("%s=%v", part, shard.Value())
		}
		parts = append(parts, part)
		if tensor == y && !tensor.Descriptor().Distribution().HasPartialSum() {
			want, err := value.Slice(region)
			if err != nil {
				return "", err
			}
			if !want.Equal(shard) {
				return "", errors.Errorf("rank %d holds %s, expected %s", c.Rank(), shard, want)
			}
		}
	}
	return strings.Join(parts, " -> "), nil
}

func parseInts(list string) ([]int, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var values []int
	for _, part := range strings.Split(list, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer in %q", list)
		}
		values = append(values, v)
	}
	return values, nil
}

func parsePlacement(name string, kind shardy.DeviceKind, sizes, ranks, notation string) (*shardy.PlacedDistribution, error) {
	axesSizes, err := parseInts(sizes)
	if err != nil {
		return nil, errors.WithMessagef(err, "mesh %s", name)
	}
	meshRanks, err := parseInts(ranks)
	if err != nil {
		return nil, errors.WithMessagef(err, "mesh %s", name)
	}
	axesNames := make([]string, len(axesSizes))
	for i := range axesNames {
		axesNames[i] = fmt.Sprintf("%s%d", name, i)
	}
	mesh, err := shardy.NewDeviceMesh(name, kind, axesSizes, axesNames, meshRanks...)
	if err != nil {
		return nil, err
	}
	dist, err := shardy.ParseMeshDistribution(notation)
	if err != nil {
		return nil, err
	}
	return shardy.NewPlacement(dist, mesh)
}

// sequence returns a tensor with values 0, 1, 2, ... in row-major order.
func sequence(dtype dtypes.DType, dims []int) (*tensors.Buffer, error) {
	shape := shapes.Make(dtype, dims...)
	switch dtype {
	case dtypes.Float32:
		return fill[float32](shape), nil
	case dtypes.Float64:
		return fill[float64](shape), nil
	case dtypes.Int32:
		return fill[int32](shape), nil
	case dtypes.Int64:
		return fill[int64](shape), nil
	}
	return nil, errors.Errorf("dtype %s not supported by boxsim", dtype)
}

func fill[T float32 | float64 | int32 | int64](shape shapes.Shape) *tensors.Buffer {
	data := make([]T, shape.Size())
	for i := range data {
		data[i] = T(i)
	}
	return tensors.FromFlatAndDimensions(data, shape.Dimensions...)
}
