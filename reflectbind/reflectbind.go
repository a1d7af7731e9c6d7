// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package reflectbind provides a reference shareproto.ProxyBinder built on
// the standard library's reflect package. Application code registers each
// shareable type once, at startup, with Register: a wire-stable type name,
// a Descriptor (commonly built with [DescriptorBuilder] and the handler
// package's adapters) describing what a locally held value of that type
// exposes, and a constructor for the local proxy value that stands in for
// one the peer holds. Binder then looks registrations up by reflect.Type or
// by name, whichever direction an Endpoint needs.
package reflectbind

import (
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/catalog"
)

// Binder is a shareproto.ProxyBinder populated by Register. The zero value
// is not ready for use; construct one with NewBinder.
type Binder struct {
	mu     sync.Mutex
	byType map[reflect.Type]entry
	byName map[string]entry
}

type entry struct {
	typeName string
	desc     *shareproto.Descriptor
	newProxy func(ep *shareproto.Endpoint, id shareproto.ObjectID) any
}

// NewBinder constructs an empty Binder.
func NewBinder() *Binder {
	return &Binder{byType: make(map[reflect.Type]entry), byName: make(map[string]entry)}
}

// Register declares typeName as the wire-stable shareable name for type T,
// with desc describing the members a locally held T exposes to the peer and
// newProxy constructing the local stand-in for an id the peer holds of this
// type. Register records the entry under the Binder's lock, so it may run
// alongside NewProxy, Descriptor, and TypeNameOf; a lookup for a type not yet
// registered fails, so register every shareable type before starting any
// Endpoint that uses this Binder.
func Register[T any](b *Binder, typeName string, desc *shareproto.Descriptor, newProxy func(ep *shareproto.Endpoint, id shareproto.ObjectID) T) {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	e := entry{
		typeName: typeName,
		desc:     desc,
		newProxy: func(ep *shareproto.Endpoint, id shareproto.ObjectID) any { return newProxy(ep, id) },
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = e
	b.byName[typeName] = e
}

// RegisterDescriptor declares desc as what a locally held value of type T
// exposes under typeName, without associating a proxy constructor. Use this
// for a type this Endpoint only ever holds locally and never needs to
// proxy for the peer (for example, a root object's own concrete type on the
// side that owns it); pair it with Register for the same typeName on
// whichever side needs to build a proxy for it instead.
func RegisterDescriptor[T any](b *Binder, typeName string, desc *shareproto.Descriptor) {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = entry{typeName: typeName, desc: desc}
}

// NewProxy implements shareproto.ProxyBinder.
func (b *Binder) NewProxy(ep *shareproto.Endpoint, id shareproto.ObjectID, typeName string) (any, error) {
	b.mu.Lock()
	e, ok := b.byName[typeName]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reflectbind: %q is not a registered shareable type", typeName)
	}
	return e.newProxy(ep, id), nil
}

// Descriptor implements shareproto.ProxyBinder.
func (b *Binder) Descriptor(v any) (*shareproto.Descriptor, error) {
	b.mu.Lock()
	e, ok := b.byType[reflect.TypeOf(v)]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reflectbind: %T is not a registered shareable type", v)
	}
	return e.desc, nil
}

// TypeNameOf implements shareproto.ProxyBinder.
func (b *Binder) TypeNameOf(v any) (string, bool) {
	b.mu.Lock()
	e, ok := b.byType[reflect.TypeOf(v)]
	b.mu.Unlock()
	if !ok {
		return "", false
	}
	return e.typeName, true
}

var _ shareproto.ProxyBinder = (*Binder)(nil)

// DescriptorBuilder accumulates a Descriptor's method, property, and
// indexer entries by name, assigning each a stable numeric id from an
// internal catalog.Catalog so that application code naming members never
// has to track ids by hand; a proxy constructor built alongside the same
// DescriptorBuilder can recover the matching id with MethodID, PropertyID,
// or IndexerID.
type DescriptorBuilder struct {
	cat  *catalog.Catalog
	desc shareproto.Descriptor
}

// NewDescriptorBuilder constructs an empty DescriptorBuilder.
func NewDescriptorBuilder() *DescriptorBuilder {
	return &DescriptorBuilder{
		cat: catalog.New(),
		desc: shareproto.Descriptor{
			Methods:    make(map[uint32]shareproto.MethodInvoker),
			Properties: make(map[uint32]shareproto.PropertyAccessor),
			Indexers:   make(map[uint32]shareproto.IndexerAccessor),
		},
	}
}

// Method adds a method named name, typically built with handler.Method or
// one of its variants.
func (b *DescriptorBuilder) Method(name string, fn shareproto.MethodInvoker) *DescriptorBuilder {
	b.desc.Methods[b.cat.Add(catalog.Method, name)] = fn
	return b
}

// Property adds a property named name, typically built with handler.Property.
func (b *DescriptorBuilder) Property(name string, acc shareproto.PropertyAccessor) *DescriptorBuilder {
	b.desc.Properties[b.cat.Add(catalog.Property, name)] = acc
	return b
}

// Indexer adds an indexer named name, typically built with handler.Indexer.
func (b *DescriptorBuilder) Indexer(name string, acc shareproto.IndexerAccessor) *DescriptorBuilder {
	b.desc.Indexers[b.cat.Add(catalog.Indexer, name)] = acc
	return b
}

// MethodID reports the id Method assigned to name.
func (b *DescriptorBuilder) MethodID(name string) (uint32, bool) { return b.cat.ID(catalog.Method, name) }

// PropertyID reports the id Property assigned to name.
func (b *DescriptorBuilder) PropertyID(name string) (uint32, bool) {
	return b.cat.ID(catalog.Property, name)
}

// IndexerID reports the id Indexer assigned to name.
func (b *DescriptorBuilder) IndexerID(name string) (uint32, bool) { return b.cat.ID(catalog.Indexer, name) }

// Build returns the accumulated Descriptor. Subsequent calls to Method,
// Property, or Indexer do not affect a Descriptor already returned by
// Build.
func (b *DescriptorBuilder) Build() *shareproto.Descriptor {
	d := b.desc
	d.Methods = maps.Clone(d.Methods)
	d.Properties = maps.Clone(d.Properties)
	d.Indexers = maps.Clone(d.Indexers)
	return &d
}
