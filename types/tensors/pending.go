package tensors

import (
	"github.com/gomlx/boxing/internal/xsync"
)

type pendingResult struct {
	buffer *Buffer
	err    error
}

// Pending is the dependency token of an asynchronous operation: it is resolved once, with the produced Buffer
// or with the error that prevented it.
type Pending struct {
	latch *xsync.LatchWithValue[pendingResult]
}

// NewPending returns an unresolved Pending.
func NewPending() *Pending {
	return &Pending{latch: xsync.NewLatchWithValue[pendingResult]()}
}

// Ready returns a Pending already resolved with buffer.
func Ready(buffer *Buffer) *Pending {
	p := NewPending()
	p.Resolve(buffer, nil)
	return p
}

// Failed returns a Pending already resolved with err.
func Failed(err error) *Pending {
	p := NewPending()
	p.Resolve(nil, err)
	return p
}

// Resolve sets the outcome of the operation and wakes up every waiter. Only the first call has an effect.
func (p *Pending) Resolve(buffer *Buffer, err error) {
	p.latch.Trigger(pendingResult{buffer: buffer, err: err})
}

// Wait blocks until the operation completes, and returns its output or its error.
func (p *Pending) Wait() (*Buffer, error) {
	r := p.latch.Wait()
	return r.buffer, r.err
}

// Done returns whether the operation already completed.
func (p *Pending) Done() bool {
	return p.latch.Test()
}

// DoneChan returns a channel closed when the operation completes.
func (p *Pending) DoneChan() <-chan struct{} {
	return p.latch.WaitChan()
}
