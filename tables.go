// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"runtime"
	"weak"
)

// heldEntry is one row of the owner-side held-object table (§3, §4.2).
type heldEntry struct {
	value     any
	typeName  string
	sendCount int64
}

// heldTable is the owner-side table of objects the peer may reference by
// ObjectID. All access is serialized by the Endpoint's master lock; heldTable
// itself does no locking of its own.
type heldTable struct {
	ids     *idAllocator[ObjectID]
	byID    map[ObjectID]*heldEntry
	byValue map[any]ObjectID
	max     int
}

func newHeldTable(max int) *heldTable {
	return &heldTable{
		ids:     newIDAllocator[ObjectID](true), // 0 reserved for the root
		byID:    make(map[ObjectID]*heldEntry),
		byValue: make(map[any]ObjectID),
		max:     max,
	}
}

// installRoot installs v as the entry at RootObjectID. Called once, before
// the connection starts exchanging accessor traffic.
func (t *heldTable) installRoot(v any, typeName string) {
	t.byID[RootObjectID] = &heldEntry{value: v, typeName: typeName, sendCount: 1}
	t.byValue[v] = RootObjectID
}

// register returns the ObjectID for v, allocating a fresh one and inserting
// an entry if v has not been sent before, and incrementing its send-count in
// either case. It fails with *overflowError if the table is full and v is
// new.
func (t *heldTable) register(v any, typeName string) (ObjectID, error) {
	if id, ok := t.byValue[v]; ok {
		t.byID[id].sendCount++
		return id, nil
	}
	if t.max > 0 && len(t.byID) >= t.max {
		return 0, &overflowError{table: "held objects"}
	}
	id := t.ids.alloc()
	t.byID[id] = &heldEntry{value: v, typeName: typeName, sendCount: 1}
	t.byValue[v] = id
	return id, nil
}

// lookup returns the value held at id, or ok=false if unknown.
func (t *heldTable) lookup(id ObjectID) (any, bool) {
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// credit applies a Release(count) for id, removing the entry if the
// send-count would not remain positive. Reports false if id was already
// absent (the no-op case spec.md's open question resolves this way) and true
// if count would have driven the entry below zero (a protocol fault).
func (t *heldTable) credit(id ObjectID, count uint32) (fault bool) {
	e, ok := t.byID[id]
	if !ok {
		return false // already removed; no-op per spec
	}
	e.sendCount -= int64(count)
	if e.sendCount < 0 {
		return true
	}
	if e.sendCount == 0 {
		delete(t.byID, id)
		delete(t.byValue, e.value)
		t.ids.release(id)
	}
	return false
}

func (t *heldTable) len() int { return len(t.byID) }

// proxyEntry is one row of the receiver-side remote-proxy table (§3, §4.2).
// The proxy itself is held only weakly: once the garbage collector reclaims
// it, cleanup fires and the Endpoint emits a Release crediting inbound.
type proxyEntry struct {
	handle  weak.Pointer[any]
	inbound int64
}

// proxyTable is the receiver-side table of weak handles to locally-live
// proxies for peer-owned objects. Lookups may race with a rebuild of a
// recently-collected entry; that race is resolved under the Endpoint's
// master lock (the table itself holds no lock).
type proxyTable struct {
	byID map[ObjectID]*proxyEntry
	max  int
}

func newProxyTable(max int) *proxyTable {
	return &proxyTable{byID: make(map[ObjectID]*proxyEntry), max: max}
}

// live returns the proxy currently installed at id, if its weak handle has
// not expired.
func (t *proxyTable) live(id ObjectID) (any, bool) {
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	p := e.handle.Value()
	if p == nil {
		return nil, false
	}
	e.inbound++
	return *p, true
}

// install records a freshly built proxy at id with inbound count 1,
// replacing any expired entry. Fails with *overflowError if the table would
// grow past its cap.
//
// onDead is invoked after the proxy becomes unreachable, with only its id:
// the proxyEntry (unlike the proxy itself) is reachable from the table for as
// long as the entry exists, so onDead looks up the live inbound count there
// under the master lock rather than closing over a stale snapshot of it.
func (t *proxyTable) install(id ObjectID, proxy any, onDead func(id ObjectID)) error {
	if _, exists := t.byID[id]; !exists && t.max > 0 && len(t.byID) >= t.max {
		return &overflowError{table: "remote objects"}
	}
	box := new(any)
	*box = proxy
	e := &proxyEntry{handle: weak.Make(box), inbound: 1}
	t.byID[id] = e
	runtime.AddCleanup(box, func(args cleanupArgs) { args.onDead(args.id) }, cleanupArgs{id: id, onDead: onDead})
	return nil
}

// cleanupArgs carries the data a proxy's AddCleanup callback needs without
// closing over the table (the callback must not retain a reference to the
// proxy itself, directly or indirectly, or it would never become unreachable).
type cleanupArgs struct {
	id     ObjectID
	onDead func(id ObjectID)
}

func (t *proxyTable) len() int { return len(t.byID) }

// remove deletes the entry for id, reporting its last-known inbound count.
// Used when the Endpoint itself decides to sever a proxy (e.g. disconnect).
func (t *proxyTable) remove(id ObjectID) (inbound int64, ok bool) {
	e, ok := t.byID[id]
	if !ok {
		return 0, false
	}
	delete(t.byID, id)
	return e.inbound, true
}

// pendingOp is one outstanding outbound request (§3, C5).
type pendingOp struct{ ch chan *reply }

func (p *pendingOp) deliver(r *reply) {
	if p == nil {
		return
	}
	p.ch <- r
	close(p.ch)
}

// pendingTable tracks outstanding operations keyed by OperationID.
type pendingTable struct {
	ids *idAllocator[OperationID]
	ops map[OperationID]*pendingOp
}

func newPendingTable() *pendingTable {
	return &pendingTable{ids: newIDAllocator[OperationID](false), ops: make(map[OperationID]*pendingOp)}
}

func (t *pendingTable) alloc() (OperationID, *pendingOp) {
	id := t.ids.alloc()
	op := &pendingOp{ch: make(chan *reply, 1)}
	t.ops[id] = op
	return id, op
}

func (t *pendingTable) take(id OperationID) (*pendingOp, bool) {
	op, ok := t.ops[id]
	if ok {
		delete(t.ops, id)
		t.ids.release(id)
	}
	return op, ok
}

// pin reports the pending operation at id without removing it, so id stays
// allocated and cannot be handed to a new operation.
func (t *pendingTable) pin(id OperationID) (*pendingOp, bool) {
	op, ok := t.ops[id]
	return op, ok
}

func (t *pendingTable) drainAll() []*pendingOp {
	all := make([]*pendingOp, 0, len(t.ops))
	for _, op := range t.ops {
		all = append(all, op)
	}
	clear(t.ops)
	return all
}

func (t *pendingTable) len() int { return len(t.ops) }
