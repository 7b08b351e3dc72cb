package future

import "errors"

// ErrAlreadyComplete is returned by SetSuccess/SetFailure when the promise
// has already settled (Cancel reports the same case by returning false).
var ErrAlreadyComplete = errors.New("future: promise already complete")

// ErrBlockingOnExecutor is returned by Sync/Await when called from the
// goroutine that would be responsible for completing the promise: parking
// that goroutine would deadlock the executor against itself.
var ErrBlockingOnExecutor = errors.New("future: attempted to block the executor that must complete this promise")
