// Package reservation implements the flash-sale reservation workflow.
//
// A request walks a small state machine:
//
//	START -> LOCK_WAIT -> LOCKED -> RESERVED -> UNLOCKED -> DONE
//	                        |
//	                        +-> DEPLETED -> UNLOCKED -> DONE
//
// and LOCK_WAIT -> DONE when the lock cannot be taken. The section between
// LOCKED and UNLOCKED runs under a Guard: no exclusion, one process-wide
// mutex, or a per-product lease lock from package lock. Whatever the exit
// path, the guard is released before the reply is composed.
package reservation
