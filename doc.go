// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package shareproto implements a bidirectional, object-oriented RPC runtime.
//
// Two peers each run one [Endpoint] over a duplex transport. When one side
// sends a value whose declared type is marked shareable, the other side gets
// a local proxy: a value that forwards its method calls, property accesses,
// and indexer accesses back to the owner as RPC requests. Values returned
// from a remote call that are themselves shareable become new proxies, so
// object graphs extend transparently across the connection. Objects are
// reference-counted so that the owner can reclaim them once no live proxy
// refers to them anymore.
//
// # Endpoints
//
// The core type defined by this package is the [Endpoint]. An Endpoint is
// constructed bound to a root object (the value reachable at ObjectID 0, the
// "bootstrap root") and a pair of collaborators it does not implement itself:
// a [ProxyBinder], which turns a shareable interface type into a concrete
// local proxy, and a [Serializer], which turns call arguments and results
// into bytes.
//
//	ep := shareproto.NewEndpoint(root, binder, codec)
//
// To start the client side of a connection:
//
//	if err := ep.Connect(ctx, "host:port"); err != nil { ... }
//
// To start the accepting side of a connection, construct an Endpoint with
// [NewEndpoint] and call [Endpoint.AcceptConn], supplying the connection the
// listener accepted and the NetworkID the listener assigned it.
//
// Call [Endpoint.Wait] to block until the Endpoint's connection ends, and
// [Endpoint.Disconnect] to tear it down explicitly. Both are idempotent.
//
// # Accessors
//
// Once connected, [Endpoint.Server] is a proxy for the peer's bootstrap root.
// The five accessor kinds — method call, property get/set, and indexer
// get/set — are available as blocking and asynchronous primitive pairs on
// Endpoint ([Endpoint.CallMethod]/[Endpoint.CallMethodAsync], and so on).
// Generated proxies use these primitives; application code normally calls
// proxy methods directly rather than these primitives, but they are exported
// for use by custom [ProxyBinder] implementations.
//
// A method may also be declared unreliable, meaning it is delivered
// fire-and-forget over a datagram channel with no reply and no delivery
// guarantee: see [Endpoint.CallMethodUnreliable].
//
// # Lifetime
//
// Every shareable value the local side sends becomes an entry in its
// held-object table, with a send-count tracking how many times the peer has
// seen a reference to it. Every shareable value decoded from the peer
// becomes a proxy backed by a [weak.Pointer], tracked in the remote-proxy
// table along with an inbound count. When the Go garbage collector finalizes
// a proxy, the Endpoint sends the owner a Release message crediting the
// inbound count, and the owner decrements its send-count by that amount,
// removing the held entry once it reaches zero.
//
// # Collaborators
//
// The [ProxyBinder] and [Serializer] interfaces are deliberately left for
// callers to implement, mirroring how this package's own [Channel] interface
// is implemented by the concrete types in the channel subpackage. Reference
// implementations are provided in the reflectbind and wire subpackages, and
// are sufficient to run the end-to-end scenarios this package's tests cover.
package shareproto
