package recycler

import "errors"

// Errors of the recycler package.
var (
	// ErrDoubleRecycle is returned when a handle is recycled more than once
	// without an intervening Acquire.
	ErrDoubleRecycle = errors.New("recycler: handle recycled more than once")

	// ErrForeignHandle describes a value that does not belong to the handle
	// it was obtained from. Handle.Recycle takes no value argument and never
	// returns it.
	ErrForeignHandle = errors.New("recycler: value does not belong to this handle")
)
