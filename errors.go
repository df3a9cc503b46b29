package rhi

import "github.com/gogpu/rhi/internal/gpuerr"

// Errors returned by rhi. Operations wrap one of these together with the
// native error, so both match with errors.Is.
var (
	ErrInvalidParameter = gpuerr.ErrInvalidParameter
	ErrOutOfMemory      = gpuerr.ErrOutOfMemory
	ErrUnsupported      = gpuerr.ErrUnsupported
	ErrDevice           = gpuerr.ErrDevice
	ErrCapacity         = gpuerr.ErrCapacity
	ErrOutOfDate        = gpuerr.ErrOutOfDate
	ErrNesting          = gpuerr.ErrNesting
	ErrNotInPass        = gpuerr.ErrNotInPass
	ErrClosed           = gpuerr.ErrClosed
)
