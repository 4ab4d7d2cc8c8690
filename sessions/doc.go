// Package sessions implements the stream session registry: the distributed,
// TTL-bounded record that proves a stream id may be attached to.
//
// Roles
//
//	Submitter -> Register(id)   after the pending transcript exists
//	Attach    -> Exists(id)     before any connection state is created
//	Worker    -> Release(id)    once the stream reaches a terminal state
//
// The registry is stateless in-process; all state lives in a storage.Store
// shared by every serving process, so a stream submitted through one process
// can be attached through another.
//
// # Lifecycle
//
// Presence of the record is the only authorization proof. Release decrements
// the record instead of deleting it and the record may go negative; TTL expiry
// is the real cleanup mechanism. If a queued request is lost before a worker
// picks it up, the record simply expires. No synchronous cleanup is attempted.
//
// # Failure semantics
//
// Any store failure surfaces as ErrStoreUnavailable. Callers fail closed.
package sessions
