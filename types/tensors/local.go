package tensors

import (
	"fmt"

	"github.com/gomlx/boxing/types/shapes"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/pkg/errors"
)

// Local is the physical shard of a tensor held by one rank on one device.
//
// Its data may still be in the making: it is the output of an enqueued operation, and Wait blocks until
// it is available.
type Local struct {
	shape  shapes.Shape
	device shardy.DeviceRef
	data   *Pending
}

// NewLocal returns a Local with data already available.
func NewLocal(device shardy.DeviceRef, buffer *Buffer) *Local {
	return &Local{shape: buffer.Shape(), device: device, data: Ready(buffer)}
}

// NewPendingLocal returns a Local whose data will be produced by an enqueued operation. The shape is the one
// the operation is expected to produce.
func NewPendingLocal(shape shapes.Shape, device shardy.DeviceRef, data *Pending) *Local {
	return &Local{shape: shape, device: device, data: data}
}

// Shape returns the physical shape of the shard.
func (l *Local) Shape() shapes.Shape { return l.shape }

// Device returns the device holding the shard.
func (l *Local) Device() shardy.DeviceRef { return l.device }

// Pending returns the dependency token of the shard's data, to be passed to operations using it.
func (l *Local) Pending() *Pending { return l.data }

// Wait blocks until the data is available, and returns it. It returns the error of the operation producing it,
// if it failed.
func (l *Local) Wait() (*Buffer, error) {
	buffer, err := l.data.Wait()
	if err != nil {
		return nil, err
	}
	if !buffer.Shape().Equal(l.shape) {
		return nil, errors.Errorf("local tensor on %s expected shape %s, but got %s", l.device, l.shape, buffer.Shape())
	}
	return buffer, nil
}

// String implements fmt.Stringer.
func (l *Local) String() string {
	return fmt.Sprintf("Local(%s on %s)", l.shape, l.device)
}
