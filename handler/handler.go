// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package handler provides generic adapters from typed Go functions to the
// shareproto.MethodInvoker, shareproto.PropertyAccessor, and
// shareproto.IndexerAccessor shapes a Descriptor is built from, encoding and
// decoding arguments and results through a shareproto.Serializer rather than
// requiring every member body to handle []byte itself.
package handler

import (
	"context"
	"fmt"

	"github.com/kellnerd/shareproto"
)

// reqContextKey is a context key for the raw encoded argument bytes passed
// to a handler.
type reqContextKey struct{}

// ContextArgs returns the raw encoded argument bytes for the call ctx was
// derived from, if any.
func ContextArgs(ctx context.Context) ([]byte, bool) {
	v, ok := ctx.Value(reqContextKey{}).([]byte)
	return v, ok
}

func withArgs(ctx context.Context, data []byte) context.Context {
	return context.WithValue(ctx, reqContextKey{}, data)
}

// Method adapts f, which accepts a typed parameter P on receiver T and
// returns a typed result R and an error, to a shareproto.MethodInvoker.
// codec is used to decode the incoming argument bytes into P and encode the
// returned R; it is typically the same Serializer the Endpoint is
// constructed with.
func Method[T, P, R any](codec shareproto.Serializer, f func(ctx context.Context, target T, args P) (R, error)) shareproto.MethodInvoker {
	return func(ctx context.Context, target any, data []byte, generics []string) ([]byte, error) {
		t, ok := target.(T)
		if !ok {
			return nil, fmt.Errorf("handler: target is %T, want %T", target, t)
		}
		ep, _ := shareproto.EndpointFromContext(ctx)
		var p P
		if len(data) > 0 {
			if err := codec.Unmarshal(ep, data, &p); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
		}
		r, err := f(withArgs(ctx, data), t, p)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(ep, r)
	}
}

// MethodError adapts f, which accepts a typed parameter P and returns only
// an error, to a shareproto.MethodInvoker with no result payload.
func MethodError[T, P any](codec shareproto.Serializer, f func(ctx context.Context, target T, args P) error) shareproto.MethodInvoker {
	return Method(codec, func(ctx context.Context, target T, args P) (struct{}, error) {
		return struct{}{}, f(ctx, target, args)
	})
}

// MethodResult adapts f, which accepts no parameters and returns a typed
// result R and an error, to a shareproto.MethodInvoker.
func MethodResult[T, R any](codec shareproto.Serializer, f func(ctx context.Context, target T) (R, error)) shareproto.MethodInvoker {
	return Method(codec, func(ctx context.Context, target T, _ struct{}) (R, error) {
		return f(ctx, target)
	})
}

// Property adapts typed get and set functions on receiver T to a
// shareproto.PropertyAccessor. set may be nil to build a read-only property;
// a SetProperty request against the result then fails rather than panicking
// (see shareproto.PropertyAccessor).
func Property[T, V any](codec shareproto.Serializer, get func(ctx context.Context, target T) (V, error), set func(ctx context.Context, target T, value V) error) shareproto.PropertyAccessor {
	acc := shareproto.PropertyAccessor{
		Get: func(ctx context.Context, target any) ([]byte, error) {
			t, ok := target.(T)
			if !ok {
				return nil, fmt.Errorf("handler: target is %T, want %T", target, t)
			}
			ep, _ := shareproto.EndpointFromContext(ctx)
			v, err := get(ctx, t)
			if err != nil {
				return nil, err
			}
			return codec.Marshal(ep, v)
		},
	}
	if set != nil {
		acc.Set = func(ctx context.Context, target any, data []byte) error {
			t, ok := target.(T)
			if !ok {
				return fmt.Errorf("handler: target is %T, want %T", target, t)
			}
			ep, _ := shareproto.EndpointFromContext(ctx)
			var v V
			if len(data) > 0 {
				if err := codec.Unmarshal(ep, data, &v); err != nil {
					return fmt.Errorf("decoding value: %w", err)
				}
			}
			return set(ctx, t, v)
		}
	}
	return acc
}

// Indexer adapts typed get and set functions on receiver T, with index type
// K and element type V, to a shareproto.IndexerAccessor. set may be nil to
// build a read-only indexer.
func Indexer[T, K, V any](codec shareproto.Serializer, get func(ctx context.Context, target T, index K) (V, error), set func(ctx context.Context, target T, index K, value V) error) shareproto.IndexerAccessor {
	decodeIndex := func(ep *shareproto.Endpoint, data []byte) (K, error) {
		var k K
		if len(data) > 0 {
			if err := codec.Unmarshal(ep, data, &k); err != nil {
				return k, fmt.Errorf("decoding index: %w", err)
			}
		}
		return k, nil
	}
	acc := shareproto.IndexerAccessor{
		Get: func(ctx context.Context, target any, index []byte) ([]byte, error) {
			t, ok := target.(T)
			if !ok {
				return nil, fmt.Errorf("handler: target is %T, want %T", target, t)
			}
			ep, _ := shareproto.EndpointFromContext(ctx)
			k, err := decodeIndex(ep, index)
			if err != nil {
				return nil, err
			}
			v, err := get(ctx, t, k)
			if err != nil {
				return nil, err
			}
			return codec.Marshal(ep, v)
		},
	}
	if set != nil {
		acc.Set = func(ctx context.Context, target any, value, index []byte) error {
			t, ok := target.(T)
			if !ok {
				return fmt.Errorf("handler: target is %T, want %T", target, t)
			}
			ep, _ := shareproto.EndpointFromContext(ctx)
			k, err := decodeIndex(ep, index)
			if err != nil {
				return err
			}
			var v V
			if len(value) > 0 {
				if err := codec.Unmarshal(ep, value, &v); err != nil {
					return fmt.Errorf("decoding value: %w", err)
				}
			}
			return set(ctx, t, k, v)
		}
	}
	return acc
}
