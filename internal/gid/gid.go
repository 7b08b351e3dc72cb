// Package gid extracts the runtime-assigned goroutine id of the calling
// goroutine, for use as a cheap substitute for Java's Thread identity in
// ported thread-local designs (the recycler's per-owner stack, the event
// loop's single-thread affinity check).
package gid

import "runtime"

// Current returns the id of the calling goroutine.
//
// This parses the "goroutine NNN [...]" header runtime.Stack produces,
// same trick the teacher's event loop uses for its own affinity check
// (isLoopThread). It is not a stable public Go API, but it is cheap
// (no allocation beyond the stack buffer) and sufficient for fast-path
// equality checks; it must never be used for anything load-bearing
// beyond "is this the same goroutine that called last time".
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
