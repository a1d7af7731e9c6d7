// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"context"
	"fmt"
)

// accessorKind distinguishes the five request shapes §4.1 defines, all of
// which share the call/reply wire encoding.
type accessorKind byte

const (
	accessorMethod accessorKind = iota
	accessorGetProperty
	accessorSetProperty
	accessorGetIndexer
	accessorSetIndexer
)

func accessorSource(kind accessorKind, memberID uint32) string {
	switch kind {
	case accessorMethod:
		return fmt.Sprintf("method:%d", memberID)
	case accessorGetProperty:
		return fmt.Sprintf("property-get:%d", memberID)
	case accessorSetProperty:
		return fmt.Sprintf("property-set:%d", memberID)
	case accessorGetIndexer:
		return fmt.Sprintf("indexer-get:%d", memberID)
	case accessorSetIndexer:
		return fmt.Sprintf("indexer-set:%d", memberID)
	default:
		return "unknown"
	}
}

// dispatchPacket routes one inbound reliable-channel packet to its handler
// (§4.4). A returned error is protocol fatal.
func (ep *Endpoint) dispatchPacket(pkt *Packet) error {
	ep.mu.Lock()
	plog := ep.plog
	ep.mu.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}

	switch pkt.Kind {
	case kindCallMethod:
		c, err := decodeCall(pkt.Payload, true, false)
		if err != nil {
			return fmt.Errorf("call method: %w", err)
		}
		ep.dispatchRequest(kindReturnMethod, c, accessorMethod)
		return nil

	case kindGetProperty:
		c, err := decodeCall(pkt.Payload, false, false)
		if err != nil {
			return fmt.Errorf("get property: %w", err)
		}
		ep.dispatchRequest(kindReturnProperty, c, accessorGetProperty)
		return nil

	case kindSetProperty:
		c, err := decodeCall(pkt.Payload, false, false)
		if err != nil {
			return fmt.Errorf("set property: %w", err)
		}
		ep.dispatchRequest(kindReturnProperty, c, accessorSetProperty)
		return nil

	case kindGetIndexer:
		c, err := decodeCall(pkt.Payload, false, true)
		if err != nil {
			return fmt.Errorf("get indexer: %w", err)
		}
		ep.dispatchRequest(kindReturnIndexer, c, accessorGetIndexer)
		return nil

	case kindSetIndexer:
		c, err := decodeCall(pkt.Payload, false, true)
		if err != nil {
			return fmt.Errorf("set indexer: %w", err)
		}
		ep.dispatchRequest(kindReturnIndexer, c, accessorSetIndexer)
		return nil

	case kindReturnMethod, kindReturnProperty, kindReturnIndexer:
		r, err := decodeReply(pkt.Payload)
		if err != nil {
			return fmt.Errorf("reply: %w", err)
		}
		ep.completeReply(r)
		return nil

	case kindRelease:
		msg, err := decodeRelease(pkt.Payload)
		if err != nil {
			return fmt.Errorf("release: %w", err)
		}
		return ep.handleRelease(msg)

	case kindHandshake:
		return fmt.Errorf("unexpected handshake message after connection start")

	default:
		return fmt.Errorf("unknown message kind %v", pkt.Kind)
	}
}

// dispatchRequest implements the common shape of §4.4's request handlers: a
// locked lookup in the held-object table followed by unlocked execution on
// the scheduler.
func (ep *Endpoint) dispatchRequest(replyKind MessageKind, c *call, kind accessorKind) {
	ep.metrics.callIn.Add(1)

	ep.mu.Lock()
	target, ok := ep.held.lookup(c.Target)
	ep.mu.Unlock()
	if !ok {
		ep.metrics.callInErr.Add(1)
		ep.replyError(replyKind, c.OpID, &accessDeniedError{id: c.Target}, accessorSource(kind, c.MemberID))
		return
	}

	desc, err := ep.binder.Descriptor(target)
	if err != nil {
		ep.metrics.callInErr.Add(1)
		ep.replyError(replyKind, c.OpID, err, accessorSource(kind, c.MemberID))
		return
	}

	ep.metrics.callActive.Add(1)
	ep.scheduler.Run(func() {
		value, err := ep.invoke(ep.base(), target, desc, c, kind)
		ep.metrics.callActive.Add(-1) // before the reply, so the caller never sees it still active
		if err != nil {
			ep.metrics.callInErr.Add(1)
			ep.replyError(replyKind, c.OpID, err, accessorSource(kind, c.MemberID))
			return
		}
		ep.replyValue(replyKind, c.OpID, value)
	})
}

// invoke executes the descriptor entry selected by kind and c.MemberID
// against target, recovering a panic into an error rather than letting it
// bring down the dispatch goroutine.
func (ep *Endpoint) invoke(ctx context.Context, target any, desc *Descriptor, c *call, kind accessorKind) (out []byte, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("invocation panicked (recovered): %v", x)
		}
	}()
	ctx = context.WithValue(ctx, endpointContextKey{}, ep)
	switch kind {
	case accessorMethod:
		fn, ok := desc.Methods[c.MemberID]
		if !ok {
			return nil, fmt.Errorf("no method with id %d", c.MemberID)
		}
		return fn(ctx, target, c.Value, c.Generics)

	case accessorGetProperty:
		p, ok := desc.Properties[c.MemberID]
		if !ok || p.Get == nil {
			return nil, fmt.Errorf("no readable property with id %d", c.MemberID)
		}
		return p.Get(ctx, target)

	case accessorSetProperty:
		p, ok := desc.Properties[c.MemberID]
		if !ok || p.Set == nil {
			return nil, fmt.Errorf("no writable property with id %d", c.MemberID)
		}
		return nil, p.Set(ctx, target, c.Value)

	case accessorGetIndexer:
		ix, ok := desc.Indexers[c.MemberID]
		if !ok || ix.Get == nil {
			return nil, fmt.Errorf("no readable indexer with id %d", c.MemberID)
		}
		return ix.Get(ctx, target, c.Index)

	case accessorSetIndexer:
		ix, ok := desc.Indexers[c.MemberID]
		if !ok || ix.Set == nil {
			return nil, fmt.Errorf("no writable indexer with id %d", c.MemberID)
		}
		return nil, ix.Set(ctx, target, c.Value, c.Index)

	default:
		return nil, fmt.Errorf("unknown accessor kind %d", kind)
	}
}

// dispatchUnreliable handles one datagram carrying a CallMethodUnreliable
// message. Any error, including an unknown target or member, is swallowed:
// the caller opted out of feedback by using the unreliable primitive.
func (ep *Endpoint) dispatchUnreliable(payload []byte) {
	pkt, err := DecodePacket(payload)
	if err != nil || pkt.Kind != kindCallMethodUnreliable {
		ep.metrics.unreliableDrop.Add(1)
		return
	}
	c, err := decodeCall(pkt.Payload, true, false)
	if err != nil {
		ep.metrics.unreliableDrop.Add(1)
		return
	}

	ep.mu.Lock()
	target, ok := ep.held.lookup(c.Target)
	ep.mu.Unlock()
	if !ok {
		ep.metrics.unreliableDrop.Add(1)
		return
	}
	desc, err := ep.binder.Descriptor(target)
	if err != nil {
		ep.metrics.unreliableDrop.Add(1)
		return
	}

	ep.scheduler.Run(func() {
		_, _ = ep.invoke(ep.base(), target, desc, c, accessorMethod)
	})
}

// completeReply resolves the pending operation r.OpID names, if any. A reply
// for an operation this side no longer recognizes (already completed by
// disconnect, or a duplicate) is silently discarded.
func (ep *Endpoint) completeReply(r *reply) {
	ep.mu.Lock()
	if ep.pending == nil {
		ep.mu.Unlock()
		return
	}
	op, ok := ep.pending.take(r.OpID)
	ep.mu.Unlock()
	if !ok {
		return
	}
	ep.metrics.callPending.Add(-1)
	op.deliver(r)
}

func (ep *Endpoint) replyValue(kind MessageKind, opID OperationID, value []byte) {
	ep.sendReply(kind, &reply{OpID: opID, Code: CodeSuccess, Value: value})
}

// replyError sends a CodeServiceError reply carrying err translated into a
// RemoteException. The local-only codes CodeUnknownObject/CodeOverflow never
// travel on the wire; what the peer sees is always a RemoteException whose
// TypeName names the condition, recoverable by inspecting CallError.
func (ep *Endpoint) replyError(kind MessageKind, opID OperationID, err error, source string) {
	ep.sendReply(kind, &reply{OpID: opID, Code: CodeServiceError, Exc: remoteExceptionFor(err, source)})
}

func (ep *Endpoint) sendReply(kind MessageKind, r *reply) {
	if err := ep.sendOut(&Packet{Kind: kind, Payload: r.encode()}); err != nil {
		ep.reportNetworkError(err)
	}
}

func remoteExceptionFor(err error, source string) *RemoteException {
	exc := &RemoteException{Message: err.Error(), Source: source}
	switch err.(type) {
	case *accessDeniedError:
		exc.TypeName = "AccessDenied"
	case *overflowError:
		exc.TypeName = "Overflow"
	default:
		exc.TypeName = fmt.Sprintf("%T", err)
	}
	return exc
}
