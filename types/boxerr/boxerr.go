// Package boxerr defines the kinds of errors returned by the boxing engine.
//
// Errors returned by the engine wrap one of the sentinel values below, so callers can classify
// them with errors.Is, while the message still names the distributions and meshes involved:
//
//	_, err := ctx.Redistribute(x, src, dst)
//	if errors.Is(err, boxerr.ErrUnsupportedTransition) { ... }
package boxerr

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for malformed descriptors (e.g. distribution length not matching the
	// mesh rank) and for invalid rule registrations (e.g. duplicate names). Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedTransition is returned when no registered rule accepts a (source, destination) pair.
	ErrUnsupportedTransition = errors.New("unsupported transition")

	// ErrShapeMismatch is returned when a local physical shape, dtype or element count disagrees with
	// the value predicted by the descriptor.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDeviceMismatch is returned when device kinds differ where they are required to be identical.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrNotMember is returned when an operation requires the current rank to be a member of a mesh,
	// and it is not.
	ErrNotMember = errors.New("rank not a member of mesh")
)

// Errorf creates a new error of the given kind, with the formatted message.
// The returned error matches kind with errors.Is.
func Errorf(kind error, format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(kind, format, args...))
}

// Is reports whether err is of the given kind. It is a shortcut to errors.Is.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
