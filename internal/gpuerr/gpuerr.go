// Package gpuerr defines the error kinds reported by the rhi packages.
// The root package re-exports each value.
package gpuerr

import "errors"

var (
	// ErrInvalidParameter reports a malformed description or argument.
	ErrInvalidParameter = errors.New("rhi: invalid parameter")

	// ErrOutOfMemory reports a failed native allocation.
	ErrOutOfMemory = errors.New("rhi: out of memory")

	// ErrUnsupported reports a format, sample count or feature the device lacks.
	ErrUnsupported = errors.New("rhi: unsupported")

	// ErrDevice reports a native device failure or a fence timeout.
	ErrDevice = errors.New("rhi: device error")

	// ErrCapacity reports that a fixed-size table is full.
	ErrCapacity = errors.New("rhi: capacity exceeded")

	// ErrOutOfDate reports that a presentation target must be recreated.
	ErrOutOfDate = errors.New("rhi: target out of date")

	// ErrNesting reports unbalanced Acquire/Release or Begin/End calls.
	ErrNesting = errors.New("rhi: unbalanced recording scope")

	// ErrNotInPass reports a draw or pass operation outside a render pass.
	ErrNotInPass = errors.New("rhi: no active render pass")

	// ErrClosed reports use of a destroyed object.
	ErrClosed = errors.New("rhi: use of destroyed object")
)
