// Package backend drives the network I/O for the reply, publish/subscribe
// and push/pull channels described in spec §4.4 (AuthorityBackend) and
// §4.5 (ReplicaBackend).
//
// Each channel is one dedicated net.Conn, one per connection goroutine.
// Those goroutines only decode/encode frames and call into
// internal/frontend; they never hold frontend state themselves, so
// Authority and Replica guard their own state with a mutex (see
// SPEC_FULL.md §2).
package backend
