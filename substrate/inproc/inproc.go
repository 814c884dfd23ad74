// Package inproc implements the execution substrate with one goroutine per rank, all in the same process.
//
// Each rank has a stream: a FIFO queue of operations executed in order by the rank's goroutine. Collectives
// meet at a rendezvous keyed by the participants and a per-group sequence number: the last participant to
// arrive computes the outputs for everyone.
//
// Example:
//
//	cluster := inproc.New(4).WithName("sim")
//	defer cluster.Close()
//	err := cluster.Run(ctx, func(ctx context.Context, sub substrate.Substrate) error {
//		...
//	})
package inproc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/boxing/substrate"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by operations enqueued on (or interrupted by) a closed cluster.
var ErrClosed = errors.New("inproc cluster closed")

// Cluster of ranks running in the same process. Create it with New, configure it with the With* methods, and
// close it with Close.
type Cluster struct {
	id   uuid.UUID
	name string
	size int

	collectiveTimeout time.Duration

	startOnce sync.Once
	streams   []*stream

	muRendezvous sync.Mutex
	rendezvous   map[meetingKey]*meeting

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup

	stats struct {
		collectives, localOps, bytesMoved atomic.Int64
	}
}

// New creates a cluster of size ranks. The rank goroutines are started on first use.
func New(size int) *Cluster {
	if size <= 0 {
		panic(errors.Errorf("inproc.New(%d): the number of ranks must be positive", size))
	}
	return &Cluster{
		id:         uuid.New(),
		name:       "inproc",
		size:       size,
		rendezvous: make(map[meetingKey]*meeting),
		closing:    make(chan struct{}),
	}
}

// WithName sets the name of the cluster, used in logs.
func (c *Cluster) WithName(name string) *Cluster {
	c.name = name
	return c
}

// WithCollectiveTimeout sets how long a participant waits at a collective for the others, before failing the
// collective. The default of 0 means no timeout.
//
// It is useful to turn a mismatch in the order of collectives, which would otherwise deadlock, into an error.
func (c *Cluster) WithCollectiveTimeout(timeout time.Duration) *Cluster {
	c.collectiveTimeout = timeout
	return c
}

// ID returns the unique id of the cluster.
func (c *Cluster) ID() uuid.UUID { return c.id }

// Size returns the number of ranks.
func (c *Cluster) Size() int { return c.size }

// String implements fmt.Stringer.
func (c *Cluster) String() string {
	return fmt.Sprintf("%s[%s]", c.name, c.id.String()[:8])
}

func (c *Cluster) start() {
	c.startOnce.Do(func() {
		klog.V(1).Infof("%s: starting %d ranks", c, c.size)
		c.streams = make([]*stream, c.size)
		for rank := range c.size {
			c.streams[rank] = newStream(c, rank)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.streams[rank].loop()
			}()
		}
	})
}

// Substrate returns the handle of the given rank.
func (c *Cluster) Substrate(rank int) substrate.Substrate {
	if rank < 0 || rank >= c.size {
		panic(errors.Errorf("%s: rank %d out of range for %d ranks", c, rank, c.size))
	}
	c.start()
	return c.streams[rank]
}

// Run calls fn concurrently for every rank, each in its own goroutine with its own substrate handle, and waits
// for all of them. It returns the first error. The context passed to fn is cancelled when any fn fails.
func (c *Cluster) Run(ctx context.Context, fn func(ctx context.Context, sub substrate.Substrate) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := range c.size {
		sub := c.Substrate(rank)
		g.Go(func() error {
			if err := fn(ctx, sub); err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops the streams after the operations already enqueued finish, and fails the collectives still
// waiting for participants. It is safe to call more than once.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		klog.V(1).Infof("%s: closing", c)
		close(c.closing)
		for _, s := range c.streams {
			s.close()
		}
		c.wg.Wait()
		c.muRendezvous.Lock()
		pending := len(c.rendezvous)
		c.muRendezvous.Unlock()
		if pending > 0 {
			klog.Warningf("%s: closed with %d incomplete collectives", c, pending)
		}
	})
}

// Stats reports the work done by the cluster so far.
type Stats struct {
	// Collectives is the number of completed collective operations.
	Collectives int64

	// LocalOps is the number of local operations executed.
	LocalOps int64

	// BytesMoved is the number of bytes transferred between different ranks by collectives.
	BytesMoved int64
}

// Stats returns the current statistics of the cluster.
func (c *Cluster) Stats() Stats {
	return Stats{
		Collectives: c.stats.collectives.Load(),
		LocalOps:    c.stats.localOps.Load(),
		BytesMoved:  c.stats.bytesMoved.Load(),
	}
}

// stream is the FIFO of operations of one rank, and its substrate handle.
type stream struct {
	cluster *Cluster
	rank    int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	// seqs counts the collectives enqueued per group.
	seqs map[string]int
}

var _ substrate.Substrate = (*stream)(nil)

func newStream(c *Cluster, rank int) *stream {
	s := &stream{cluster: c, rank: rank, seqs: make(map[string]int)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Rank implements substrate.Substrate.
func (s *stream) Rank() int { return s.rank }

// push appends a task to the queue. It returns false if the stream is closed.
func (s *stream) push(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return true
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// loop executes the tasks in order, until the stream is closed and drained.
func (s *stream) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		task()
	}
}

// EnqueueLocal implements substrate.Substrate.
func (s *stream) EnqueueLocal(op *substrate.LocalOp) *substrate.Pending {
	if _, err := op.Validate(); err != nil {
		return tensors.Failed(errors.WithMessagef(err, "rank %d", s.rank))
	}
	output := tensors.NewPending()
	klog.V(2).Infof("%s: rank %d enqueued %s", s.cluster, s.rank, op)
	ok := s.push(func() {
		var input *tensors.Buffer
		if op.Input != nil {
			var err error
			input, err = op.Input.Wait()
			if err != nil {
				output.Resolve(nil, err)
				return
			}
		}
		result, err := op.Run(input)
		s.cluster.stats.localOps.Add(1)
		output.Resolve(result, err)
	})
	if !ok {
		return tensors.Failed(ErrClosed)
	}
	return output
}

// EnqueueCollective implements substrate.Substrate.
func (s *stream) EnqueueCollective(op *substrate.CollectiveOp) *substrate.Pending {
	if _, err := op.Validate(s.rank); err != nil {
		return tensors.Failed(errors.WithMessagef(err, "rank %d", s.rank))
	}
	groupKey := substrate.GroupKey(op.Group)
	output := tensors.NewPending()

	s.mu.Lock()
	seq := s.seqs[groupKey]
	s.seqs[groupKey]++
	s.mu.Unlock()

	key := meetingKey{group: groupKey, seq: seq}
	klog.V(2).Infof("%s: rank %d enqueued %s (seq #%d)", s.cluster, s.rank, op, seq)
	ok := s.push(func() {
		var input *tensors.Buffer
		var inputErr error
		if op.Input != nil {
			input, inputErr = op.Input.Wait()
		}
		s.cluster.join(key, &participant{rank: s.rank, op: op, input: input, err: inputErr, output: output})
	})
	if !ok {
		return tensors.Failed(ErrClosed)
	}
	return output
}
