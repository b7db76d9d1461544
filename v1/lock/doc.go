// Package lock implements a lease lock on top of a shared key-value store.
//
// The value stored under a lock key is the lease token: the absolute expiry
// of the lease in Unix milliseconds, as a decimal string. There is no owner
// identity beyond the token, so whoever holds the matching token may release
// the lock. A key that holds an expired token is unlocked but not yet
// reclaimed; the next acquirer takes it over with a compare-and-swap against
// the token it observed, which admits exactly one winner.
//
// Leases are never renewed. A critical section that outlives its lease can
// be overlapped by a takeover, so the lease must be chosen with margin over
// the worst-case hold time.
package lock
