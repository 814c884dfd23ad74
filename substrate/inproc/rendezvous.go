package inproc

import (
	"slices"
	"time"

	"github.com/gomlx/boxing/internal/optypes"
	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type meetingKey struct {
	group string
	seq   int
}

// participant is one rank's arrival at a collective.
type participant struct {
	rank   int
	op     *substrate.CollectiveOp
	input  *tensors.Buffer
	err    error
	output *tensors.Pending
}

// meeting gathers the participants of one collective.
type meeting struct {
	key          meetingKey
	group        []int
	participants map[int]*participant
	done         chan struct{}
}

// join registers p at the meeting of key. The last participant to arrive runs the collective and resolves
// every participant's output. The others wait for it, so the rank's stream blocks until the collective
// completes.
func (c *Cluster) join(key meetingKey, p *participant) {
	c.muRendezvous.Lock()
	m, found := c.rendezvous[key]
	if !found {
		m = &meeting{
			key:          key,
			group:        slices.Sorted(slices.Values(p.op.Group)),
			participants: make(map[int]*participant, len(p.op.Group)),
			done:         make(chan struct{}),
		}
		c.rendezvous[key] = m
	}
	m.participants[p.rank] = p
	complete := len(m.participants) == len(m.group)
	if complete {
		delete(c.rendezvous, key)
	}
	c.muRendezvous.Unlock()

	if complete {
		c.complete(m)
		close(m.done)
		return
	}

	var timeout <-chan time.Time
	if c.collectiveTimeout > 0 {
		timer := time.NewTimer(c.collectiveTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-m.done:
	case <-c.closing:
		c.abandon(m, ErrClosed)
	case <-timeout:
		c.abandon(m, errors.Errorf("%s: rank %d timed out after %s waiting for the other participants of %s "+
			"(seq #%d) in group [%s]", c, p.rank, c.collectiveTimeout, p.op.Type, key.seq, key.group))
	}
}

// abandon fails a meeting that will never complete. The participants that already arrived get err; later
// arrivals start a new meeting that fails the same way, on timeout or close.
func (c *Cluster) abandon(m *meeting, err error) {
	c.muRendezvous.Lock()
	if c.rendezvous[m.key] != m {
		// Completed meanwhile.
		c.muRendezvous.Unlock()
		<-m.done
		return
	}
	delete(c.rendezvous, m.key)
	c.muRendezvous.Unlock()
	for _, p := range m.participants {
		p.output.Resolve(nil, err)
	}
	close(m.done)
}

// complete runs the collective of a meeting with all participants present.
func (c *Cluster) complete(m *meeting) {
	first := m.participants[m.group[0]]
	fail := func(err error) {
		klog.V(2).Infof("%s: collective %s (seq #%d) in group [%s] failed: %v", c, first.op.Type, m.key.seq,
			m.key.group, err)
		for _, p := range m.participants {
			p.output.Resolve(nil, err)
		}
	}

	// All participants must agree on the operation, and have their inputs.
	for _, rank := range m.group {
		p := m.participants[rank]
		if p.op.Type != first.op.Type {
			fail(errors.Errorf("%s: mismatched collectives in group [%s] (seq #%d): rank %d enqueued %s, "+
				"but rank %d enqueued %s", c, m.key.group, m.key.seq, first.rank, first.op.Type, rank, p.op.Type))
			return
		}
		if p.err != nil {
			fail(errors.WithMessagef(p.err, "%s: input of rank %d to %s failed", c, rank, p.op.Type))
			return
		}
	}

	var (
		outputs map[int]*tensors.Buffer
		moved   int64
		err     error
	)
	switch first.op.Type {
	case optypes.CollectiveBroadcast:
		outputs, moved, err = runBroadcast(m)
	case optypes.AllReduce:
		outputs, moved, err = runAllReduce(m)
	case optypes.Exchange:
		outputs, moved, err = runExchange(m)
	default:
		err = errors.Errorf("unknown collective %s", first.op.Type)
	}
	if err != nil {
		fail(errors.WithMessagef(err, "%s: %s in group [%s] (seq #%d)", c, first.op.Type, m.key.group, m.key.seq))
		return
	}
	c.stats.collectives.Add(1)
	c.stats.bytesMoved.Add(moved)
	klog.V(2).Infof("%s: completed %s in group [%s] (seq #%d), %d bytes moved", c, first.op.Type, m.key.group,
		m.key.seq, moved)
	for _, rank := range m.group {
		m.participants[rank].output.Resolve(outputs[rank], nil)
	}
}

func runBroadcast(m *meeting) (outputs map[int]*tensors.Buffer, moved int64, err error) {
	root := m.participants[m.group[0]].op.Root
	rootP, found := m.participants[root]
	if !found {
		return nil, 0, errors.Errorf("root rank %d is not a participant", root)
	}
	for _, rank := range m.group {
		p := m.participants[rank]
		if p.op.Root != root {
			return nil, 0, errors.Errorf("rank %d uses root %d, rank %d uses root %d",
				rootP.rank, root, rank, p.op.Root)
		}
		if !p.op.Shape.Equal(rootP.input.Shape()) {
			return nil, 0, errors.Errorf("rank %d expects shape %s, but root %d broadcasts %s",
				rank, p.op.Shape, root, rootP.input.Shape())
		}
	}
	outputs = make(map[int]*tensors.Buffer, len(m.group))
	for _, rank := range m.group {
		outputs[rank] = rootP.input
		if rank != root {
			moved += int64(rootP.input.Memory())
		}
	}
	return outputs, moved, nil
}

func runAllReduce(m *meeting) (outputs map[int]*tensors.Buffer, moved int64, err error) {
	inputs := make([]*tensors.Buffer, len(m.group))
	for i, rank := range m.group {
		inputs[i] = m.participants[rank].input
	}
	sum, err := tensors.Sum(inputs...)
	if err != nil {
		return nil, 0, err
	}
	outputs = make(map[int]*tensors.Buffer, len(m.group))
	for _, rank := range m.group {
		outputs[rank] = sum
	}
	// Each participant sends its input to, and receives the result from, the others.
	n := int64(len(m.group))
	moved = 2 * (n - 1) * int64(sum.Memory())
	return outputs, moved, nil
}

func runExchange(m *meeting) (outputs map[int]*tensors.Buffer, moved int64, err error) {
	logical := m.participants[m.group[0]].op.Logical
	for _, rank := range m.group {
		if !m.participants[rank].op.Logical.Equal(logical) {
			return nil, 0, errors.Errorf("rank %d exchanges logical shape %s, rank %d uses %s",
				m.group[0], logical, rank, m.participants[rank].op.Logical)
		}
	}
	outputs = make(map[int]*tensors.Buffer, len(m.group))
	for _, dstRank := range m.group {
		dst := m.participants[dstRank].op.Destination
		if dst == nil {
			continue
		}
		var pieces []tensors.Piece
		for _, srcRank := range m.group {
			src := m.participants[srcRank]
			if src.op.Source == nil {
				continue
			}
			inter, ok := src.op.Source.Intersect(*dst)
			if !ok {
				continue
			}
			piece, err := src.input.Slice(inter.Relative(*src.op.Source))
			if err != nil {
				return nil, 0, errors.WithMessagef(err, "slicing %s from rank %d", inter, srcRank)
			}
			pieces = append(pieces, tensors.Piece{Region: inter.Relative(*dst), Buffer: piece})
			if srcRank != dstRank {
				moved += int64(piece.Memory())
			}
		}
		if !covered(*dst, pieces) {
			return nil, 0, errors.Errorf("region %s of rank %d is not fully covered by the sources", dst, dstRank)
		}
		out, err := tensors.Assemble(shapes.Make(logical.DType, dst.Dimensions()...), pieces...)
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "assembling region %s for rank %d", dst, dstRank)
		}
		outputs[dstRank] = out
	}
	return outputs, moved, nil
}

// covered returns whether the pieces (in dst coordinates) cover every element of dst.
func covered(dst shardy.Region, pieces []tensors.Piece) bool {
	size := dst.Size()
	if size == 0 {
		return true
	}
	mask := make([]bool, size)
	dstDims := dst.Dimensions()
	strides := make([]int, len(dstDims))
	stride := 1
	for axis := len(dstDims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dstDims[axis]
	}
	for _, piece := range pieces {
		dims := piece.Region.Dimensions()
		idx := make([]int, len(dims))
		for range piece.Region.Size() {
			offset := 0
			for axis := range idx {
				offset += (piece.Region.Starts[axis] + idx[axis]) * strides[axis]
			}
			mask[offset] = true
			for axis := len(idx) - 1; axis >= 0; axis-- {
				idx[axis]++
				if idx[axis] < dims[axis] {
					break
				}
				idx[axis] = 0
			}
		}
	}
	for _, ok := range mask {
		if !ok {
			return false
		}
	}
	return true
}
