// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package stream builds streaming RPCs on top of the core accessor set: a
// call that would otherwise have pushed a sequence of replies instead
// returns a shareable Enumerator object, which the caller pulls from one
// item at a time with ordinary method calls.
package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/handler"
)

// Numeric member ids for the Enumerator type's two methods. A ProxyBinder
// only ever needs one Descriptor for this type, so these are fixed
// constants rather than catalog-assigned.
const (
	MethodNext  uint32 = 0
	MethodClose uint32 = 1
)

// TypeName is the wire-stable shareable type name to register
// *ServerEnumerator (owner side) and its client proxy under.
const TypeName = "shareproto.Enumerator"

// NextResult is the wire shape of a Next call's result.
type NextResult struct {
	Value []byte
	Done  bool
}

// ServerEnumerator adapts a Go iter.Seq2 into the shareable object a
// streaming method hands back to its caller: each Next call pulls one item
// from the sequence, and Close abandons it early.
type ServerEnumerator struct {
	mu     sync.Mutex
	next   func() ([]byte, error, bool)
	stop   func()
	closed bool
}

// NewServerEnumerator wraps seq for exposure over the wire.
func NewServerEnumerator(seq iter.Seq2[[]byte, error]) *ServerEnumerator {
	next, stop := iter.Pull2(seq)
	return &ServerEnumerator{next: next, stop: stop}
}

// Next returns the next item, or ok=false once the sequence is exhausted
// or the Enumerator has been closed.
func (e *ServerEnumerator) Next(ctx context.Context) (data []byte, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, nil
	}
	v, err, ok := e.next()
	if !ok {
		e.closed = true
		e.stop()
		return nil, false, nil
	}
	if err != nil {
		e.closed = true
		e.stop()
		return nil, false, err
	}
	return v, true, nil
}

// Close abandons the sequence early, releasing whatever resources its
// iter.Seq2 was holding. It is safe to call more than once.
func (e *ServerEnumerator) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.stop()
	}
	return nil
}

// Descriptor builds the shareproto.Descriptor for *ServerEnumerator, using
// codec to encode and decode Next's and Close's payloads. Register it with
// the Endpoint's ProxyBinder (e.g. reflectbind.Register) alongside TypeName
// before a streaming method ever returns a *ServerEnumerator.
func Descriptor(codec shareproto.Serializer) *shareproto.Descriptor {
	return &shareproto.Descriptor{
		Methods: map[uint32]shareproto.MethodInvoker{
			MethodNext: handler.MethodResult(codec, func(ctx context.Context, e *ServerEnumerator) (NextResult, error) {
				v, ok, err := e.Next(ctx)
				return NextResult{Value: v, Done: !ok}, err
			}),
			MethodClose: handler.MethodResult(codec, func(ctx context.Context, e *ServerEnumerator) (struct{}, error) {
				return struct{}{}, e.Close(ctx)
			}),
		},
	}
}

// Pull returns a Go iterator over the sequence exposed by the peer's
// Enumerator object obj, calling Next once per item and Close when
// iteration ends for any reason: the sequence is exhausted, the consumer
// stops ranging early, ctx is canceled, or a Next call fails.
func Pull(ctx context.Context, ep *shareproto.Endpoint, codec shareproto.Serializer, obj shareproto.ObjectID) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		closed := false
		closeRemote := func() {
			if closed {
				return
			}
			closed = true
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ep.CallMethod(cctx, obj, MethodClose, nil, nil)
		}
		defer closeRemote()
		for {
			data, err := ep.CallMethod(ctx, obj, MethodNext, nil, nil)
			if err != nil {
				yield(nil, err)
				return
			}
			var r NextResult
			if err := codec.Unmarshal(ep, data, &r); err != nil {
				yield(nil, err)
				return
			}
			if r.Done {
				return
			}
			if !yield(r.Value, nil) {
				return
			}
		}
	}
}
