// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import "context"

// Future represents the eventual reply to an outbound accessor operation,
// returned by each *Async primitive. The blocking primitives are a thin
// Wait(ctx) wrapper around the corresponding Async call.
type Future struct {
	op  *pendingOp
	err error // set if the request failed to send at all
}

// Wait blocks until the operation's reply arrives, ctx ends, or the Endpoint
// disconnects, and returns the decoded result bytes or an error of concrete
// type *CallError.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	select {
	case r, ok := <-f.op.ch:
		if !ok {
			return nil, localCallError(ErrDisconnected)
		}
		return replyResult(r)
	case <-ctx.Done():
		return nil, localCallError(ctx.Err())
	}
}

func replyResult(r *reply) ([]byte, error) {
	switch r.Code {
	case CodeSuccess:
		return r.Value, nil
	case CodeCanceled:
		return nil, &CallError{Err: ErrDisconnected, Response: r}
	default:
		return nil, &CallError{RemoteException: r.Exc, Response: r}
	}
}

// sendRequestAsync allocates a pending operation, sends c as kind, and
// returns a Future for the reply (§4.3). If the Endpoint is not connected,
// or the send itself fails, the returned Future is already failed.
func (ep *Endpoint) sendRequestAsync(kind MessageKind, c *call, withGenerics, withIndex bool) *Future {
	ep.mu.Lock()
	if !ep.connected {
		ep.mu.Unlock()
		return &Future{err: localCallError(ErrDisconnected)}
	}
	opID, op := ep.pending.alloc()
	ep.mu.Unlock()
	c.OpID = opID

	ep.metrics.callOut.Add(1)
	ep.metrics.callPending.Add(1)

	if err := ep.sendOut(&Packet{Kind: kind, Payload: c.encode(withGenerics, withIndex)}); err != nil {
		ep.mu.Lock()
		ep.pending.take(opID)
		ep.mu.Unlock()
		ep.metrics.callOutErr.Add(1)
		ep.metrics.callPending.Add(-1)
		return &Future{err: localCallError(err)}
	}
	return &Future{op: op}
}

// CallMethodAsync invokes the method identified by methodID on the object
// the peer holds at target, passing the encoded args and the declared
// shareable type names of any generic arguments.
func (ep *Endpoint) CallMethodAsync(target ObjectID, methodID uint32, args []byte, generics []string) *Future {
	return ep.sendRequestAsync(kindCallMethod, &call{Target: target, MemberID: methodID, Value: args, Generics: generics}, true, false)
}

// CallMethod is the blocking form of CallMethodAsync.
func (ep *Endpoint) CallMethod(ctx context.Context, target ObjectID, methodID uint32, args []byte, generics []string) ([]byte, error) {
	return ep.CallMethodAsync(target, methodID, args, generics).Wait(ctx)
}

// CallMethodUnreliable fire-and-forgets a method call over the unreliable
// channel (§4.1, §4.3). No reply is expected; encoding or send failures are
// swallowed. It is a no-op if this Endpoint has no unreliable transport.
func (ep *Endpoint) CallMethodUnreliable(target ObjectID, methodID uint32, args []byte, generics []string) {
	ep.mu.Lock()
	dc := ep.unreliable
	ep.mu.Unlock()
	if dc == nil {
		return
	}
	c := &call{Target: target, MemberID: methodID, Value: args, Generics: generics}
	pkt := &Packet{Kind: kindCallMethodUnreliable, Payload: c.encode(true, false)}
	if err := dc.SendDatagram(pkt.EncodeDatagram()); err != nil {
		ep.metrics.unreliableDrop.Add(1)
		return
	}
	ep.metrics.unreliableSent.Add(1)
}

// GetPropertyAsync reads the property identified by propertyID on the
// object the peer holds at target.
func (ep *Endpoint) GetPropertyAsync(target ObjectID, propertyID uint32) *Future {
	return ep.sendRequestAsync(kindGetProperty, &call{Target: target, MemberID: propertyID}, false, false)
}

// GetProperty is the blocking form of GetPropertyAsync.
func (ep *Endpoint) GetProperty(ctx context.Context, target ObjectID, propertyID uint32) ([]byte, error) {
	return ep.GetPropertyAsync(target, propertyID).Wait(ctx)
}

// SetPropertyAsync writes value to the property identified by propertyID.
func (ep *Endpoint) SetPropertyAsync(target ObjectID, propertyID uint32, value []byte) *Future {
	return ep.sendRequestAsync(kindSetProperty, &call{Target: target, MemberID: propertyID, Value: value}, false, false)
}

// SetProperty is the blocking form of SetPropertyAsync.
func (ep *Endpoint) SetProperty(ctx context.Context, target ObjectID, propertyID uint32, value []byte) ([]byte, error) {
	return ep.SetPropertyAsync(target, propertyID, value).Wait(ctx)
}

// GetIndexerAsync reads the indexer identified by indexerID at index on the
// object the peer holds at target.
func (ep *Endpoint) GetIndexerAsync(target ObjectID, indexerID uint32, index []byte) *Future {
	return ep.sendRequestAsync(kindGetIndexer, &call{Target: target, MemberID: indexerID, Index: index}, false, true)
}

// GetIndexer is the blocking form of GetIndexerAsync.
func (ep *Endpoint) GetIndexer(ctx context.Context, target ObjectID, indexerID uint32, index []byte) ([]byte, error) {
	return ep.GetIndexerAsync(target, indexerID, index).Wait(ctx)
}

// SetIndexerAsync writes value to the indexer identified by indexerID at
// index.
func (ep *Endpoint) SetIndexerAsync(target ObjectID, indexerID uint32, value, index []byte) *Future {
	return ep.sendRequestAsync(kindSetIndexer, &call{Target: target, MemberID: indexerID, Value: value, Index: index}, false, true)
}

// SetIndexer is the blocking form of SetIndexerAsync.
func (ep *Endpoint) SetIndexer(ctx context.Context, target ObjectID, indexerID uint32, value, index []byte) ([]byte, error) {
	return ep.SetIndexerAsync(target, indexerID, value, index).Wait(ctx)
}
