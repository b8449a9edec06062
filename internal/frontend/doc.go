// Package frontend implements the two node-role state machines described in
// spec §4.2 and §4.3: Authority, which owns the canonical store for a
// topic, and Replica, which keeps a best-effort cache in sync with one
// authority.
//
// Neither type does any I/O itself. Authority publishes through any
// attached Publisher; Replica forwards mutations and requests through a
// single paired Backend. Both interfaces are implemented by
// internal/backend, which this package does not import — backend depends
// on frontend, not the reverse.
//
// All exported mutating methods on both types are safe for concurrent use.
// The source protocol this was ported from assumes a single-threaded event
// loop drives every mutation, so no internal locking was required there;
// here, a frontend's mutators can be invoked directly by application code
// on a goroutine distinct from the one draining the paired backend's
// I/O, so each type guards its store/sequence/backlog with a mutex.
package frontend
