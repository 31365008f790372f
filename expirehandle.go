package transposer

import "sync/atomic"

// ExpireHandle identifies a single self-scheduled event for the purpose
// of expiring it before it fires. Handles are minted from a
// process-wide counter, so a handle obtained from one Transposer
// instance can never collide with one obtained from another.
type ExpireHandle uint64

var expireHandleCounter atomic.Uint64

// nextExpireHandle mints a new, process-unique ExpireHandle. The zero
// value of ExpireHandle is never minted, so it is safe to use as an
// "unset" sentinel.
func nextExpireHandle() ExpireHandle {
	return ExpireHandle(expireHandleCounter.Add(1))
}
