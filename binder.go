// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import "context"

// endpointContextKey is the context key under which the dispatching
// Endpoint is reachable from inside a MethodInvoker, PropertyAccessor, or
// IndexerAccessor body, via [EndpointFromContext]. A ProxyBinder's generated
// accessors need this to reach the codec-facing methods (registerLocalForSend,
// resolveOrBuildProxy) when a call's arguments or result embed a shareable
// value.
type endpointContextKey struct{}

// EndpointFromContext returns the Endpoint dispatching the inbound
// invocation ctx belongs to, if ctx descends from one passed to a
// MethodInvoker, PropertyAccessor, or IndexerAccessor body.
func EndpointFromContext(ctx context.Context) (*Endpoint, bool) {
	ep, ok := ctx.Value(endpointContextKey{}).(*Endpoint)
	return ep, ok
}

// Descriptor is what a ProxyBinder returns for a concrete held-object type:
// the method, property, and indexer implementations it exposes to the peer,
// keyed by the numeric ids the wire protocol carries. A Descriptor never
// needs to change once built, so a ProxyBinder implementation is free to
// cache the result of Descriptor keyed by reflect.Type or similar.
type Descriptor struct {
	Methods    map[uint32]MethodInvoker
	Properties map[uint32]PropertyAccessor
	Indexers   map[uint32]IndexerAccessor
}

// MethodInvoker executes one method call against target. args and generics
// are the decoded CallMethod payload fields (§4.1); the returned bytes and
// error become the ReturnMethod reply's value or RemoteException. The core
// never interprets the contents of args or the result — only the Serializer
// does.
type MethodInvoker func(ctx context.Context, target any, args []byte, generics []string) ([]byte, error)

// PropertyAccessor implements GetProperty and SetProperty for one property
// id. Set is nil for a read-only property; a SetProperty request against a
// nil Set fails with a RemoteException rather than a panic.
type PropertyAccessor struct {
	Get func(ctx context.Context, target any) ([]byte, error)
	Set func(ctx context.Context, target any, value []byte) error
}

// IndexerAccessor implements GetIndexer and SetIndexer for one indexer id.
// Set is nil for a read-only indexer.
type IndexerAccessor struct {
	Get func(ctx context.Context, target any, index []byte) ([]byte, error)
	Set func(ctx context.Context, target any, value, index []byte) error
}

// ProxyBinder is the external collaborator of §6: it bridges between
// declared-shareable Go interface types and the concrete machinery the core
// needs, in both directions.
//
// A ProxyBinder knows nothing about the wire or the transport; it only turns
// a shareable type name into a proxy value (for the receiving side) or a
// held value into a Descriptor (for the owning side). This package ships a
// reference implementation, reflectbind, built on the standard library's
// reflect package plus an explicit registration call per shareable type
// (Go methods carry no tags for reflect to read, unlike struct fields);
// callers may supply any other implementation, such as one driven by
// generated code.
type ProxyBinder interface {
	// NewProxy builds a local proxy standing in for the object the peer
	// holds at id, whose declared shareable type is named typeName. The
	// returned value's concrete type must satisfy typeName's shareable
	// interface and must route every member access through ep.
	NewProxy(ep *Endpoint, id ObjectID, typeName string) (any, error)

	// Descriptor returns the invocation table for v's concrete type. The
	// Endpoint calls it for the target of every inbound request and does not
	// cache the result.
	Descriptor(v any) (*Descriptor, error)

	// TypeNameOf reports the wire-stable shareable type name for v's
	// concrete type, or ok=false if v's type is not declared shareable.
	TypeNameOf(v any) (name string, ok bool)
}

// Serializer is the external collaborator of §6: it encodes and decodes the
// byte payloads carried by accessor requests and replies.
//
// A Serializer must call back into the owning Endpoint for any value whose
// runtime type is declared shareable, via [Endpoint.RegisterLocal],
// [Endpoint.ResolveProxy], and [Endpoint.RetrieveLocal] -- the ep argument
// passed to Marshal and Unmarshal is how it reaches those. This package
// ships a reference implementation, wire, built on
// github.com/fxamacker/cbor/v2 that encodes a shared reference as a plain
// wire.Ref struct (an ObjectID and a type name).
type Serializer interface {
	// Marshal encodes v, translating any nested shareable value into a wire
	// reference via ep.RegisterLocal.
	Marshal(ep *Endpoint, v any) ([]byte, error)

	// Unmarshal decodes data into the value pointed to by outPtr, translating
	// any nested wire reference into a proxy via ep.ResolveProxy.
	Unmarshal(ep *Endpoint, data []byte, outPtr any) error
}

// RegisterLocal returns the ObjectID the peer should use to refer to v,
// registering it in the held-object table the first time v is sent. It is
// exported for Serializer implementations outside this package (see wire).
func (ep *Endpoint) RegisterLocal(v any, typeName string) (ObjectID, error) {
	return ep.registerLocalForSend(v, typeName)
}

// ResolveProxy returns the existing live proxy for id if one is still
// reachable, or asks the ProxyBinder to build a fresh one. It is exported
// for Serializer implementations outside this package (see wire).
func (ep *Endpoint) ResolveProxy(id ObjectID, typeName string) (any, error) {
	return ep.resolveOrBuildProxy(id, typeName)
}

// RetrieveLocal returns the value this side holds at id, if any. It is
// exported for Serializer implementations outside this package (see wire).
func (ep *Endpoint) RetrieveLocal(id ObjectID) (any, bool) {
	return ep.retrieveLocal(id)
}

// TypeNameOf reports the wire-stable shareable type name for v's concrete
// type via this Endpoint's ProxyBinder, or ok=false if v is not declared
// shareable. It is exported for Serializer implementations outside this
// package (see wire).
func (ep *Endpoint) TypeNameOf(v any) (name string, ok bool) {
	return ep.binder.TypeNameOf(v)
}
