// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import "fmt"

// NetworkID identifies an Endpoint within a peer session. It has no meaning
// outside the connection it was assigned for. A listener assigns a fresh
// NetworkID to each accepted Endpoint; the dialing side learns its NetworkID
// (or the sentinel value 0, if the peer does not assign one) during the
// handshake.
type NetworkID uint16

// ObjectID addresses an entry in the owner's held-object table. A reference
// on the wire is always interpreted relative to the peer that sent it first:
// there is no global namespace of ObjectIDs, only "the ObjectID the sender of
// this message is using to mean one of its own held objects."
type ObjectID uint16

// RootObjectID is the ObjectID reserved for the bootstrap root installed by
// each side at handshake time. It is never recycled or reassigned for the
// lifetime of a connection.
const RootObjectID ObjectID = 0

// OperationID identifies one in-flight request/reply exchange. It is unique
// among the operations concurrently pending on a single Endpoint; once the
// matching reply (or a disconnection) retires it, the value may be reused by
// a later operation.
type OperationID uint32

func (id ObjectID) String() string   { return fmt.Sprintf("obj:%d", uint16(id)) }
func (id OperationID) String() string { return fmt.Sprintf("op:%d", uint32(id)) }

// idAllocator hands out small integer identifiers, recycling values that have
// been released back to it so that a long-lived connection does not need an
// ever-growing identifier space. The zero value is not ready for use; use
// newIDAllocator.
type idAllocator[T ~uint16 | ~uint32] struct {
	next T
	free []T
	skip T // the counter steps over this value when it advances onto it
}

func newIDAllocator[T ~uint16 | ~uint32](skipZero bool) *idAllocator[T] {
	a := &idAllocator[T]{next: 1}
	if !skipZero {
		a.next = 0
	} else {
		a.skip = 0
	}
	return a
}

// alloc returns a recycled identifier if one has been released, else the
// counter's current value. With skipZero the counter starts at 1 and steps
// over 0 when it wraps, so 0 (the root's id) is never handed out; otherwise
// the counter starts at 0 and 0 is handed out first.
func (a *idAllocator[T]) alloc() T {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	if a.next == a.skip {
		a.next++
	}
	return id
}

// release returns id to the free list for later reuse.
func (a *idAllocator[T]) release(id T) {
	a.free = append(a.free, id)
}
