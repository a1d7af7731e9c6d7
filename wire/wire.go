// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire provides a reference shareproto.Serializer built on
// github.com/fxamacker/cbor/v2.
//
// A value whose concrete type the Endpoint's ProxyBinder declares shareable
// is encoded as a [Ref] rather than attempting to serialize its fields;
// Codec recognizes this case automatically whenever the destination of an
// Unmarshal is a pointer to an interface type. A composite argument or
// result type that needs to embed a shareable value nested inside one of
// its own fields should declare that field's type as Ref, populate it with
// [NewRef] before marshaling the enclosing value, and call [Ref.Resolve]
// after unmarshaling it.
package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/kellnerd/shareproto"
)

// Codec is a shareproto.Serializer backed by cbor.
type Codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// New constructs a Codec using cbor's canonical encoding options, so two
// Codecs given equal input always produce byte-identical output.
func New() (*Codec, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: building encode mode: %w", err)
	}
	decMode, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("wire: building decode mode: %w", err)
	}
	return &Codec{encMode: encMode, decMode: decMode}, nil
}

// Ref stands in for a shareable value on the wire: the ObjectID the peer
// should use to address it, and the declared shareable type name needed to
// build a proxy if the receiving side does not already hold one.
type Ref struct {
	ObjectID shareproto.ObjectID
	TypeName string
}

// NewRef registers v, which must have a concrete type ep's ProxyBinder
// declares shareable, and returns a Ref naming it for embedding in a
// composite value about to be marshaled.
func NewRef(ep *shareproto.Endpoint, v any) (Ref, error) {
	if ep == nil {
		return Ref{}, fmt.Errorf("wire: NewRef requires a non-nil Endpoint")
	}
	typeName, ok := ep.TypeNameOf(v)
	if !ok {
		return Ref{}, fmt.Errorf("wire: %T is not declared shareable", v)
	}
	id, err := ep.RegisterLocal(v, typeName)
	if err != nil {
		return Ref{}, err
	}
	return Ref{ObjectID: id, TypeName: typeName}, nil
}

// Resolve turns r into the live value it names: the local value if this
// side is the owner, or a (possibly freshly built) proxy otherwise.
func (r Ref) Resolve(ep *shareproto.Endpoint) (any, error) {
	if v, ok := ep.RetrieveLocal(r.ObjectID); ok {
		return v, nil
	}
	return ep.ResolveProxy(r.ObjectID, r.TypeName)
}

// Marshal implements shareproto.Serializer. If v's concrete type is itself
// declared shareable, it is encoded as a Ref instead of attempting to
// serialize its fields; otherwise v is encoded directly.
func (c *Codec) Marshal(ep *shareproto.Endpoint, v any) ([]byte, error) {
	if ep != nil {
		if typeName, ok := ep.TypeNameOf(v); ok {
			id, err := ep.RegisterLocal(v, typeName)
			if err != nil {
				return nil, err
			}
			return c.encMode.Marshal(Ref{ObjectID: id, TypeName: typeName})
		}
	}
	return c.encMode.Marshal(v)
}

// Unmarshal implements shareproto.Serializer. If outPtr points to an
// interface value, the payload is assumed to be a Ref and is resolved into
// a live local or proxy value before being stored through outPtr;
// otherwise data is decoded directly into outPtr. A map key that names no
// field of a destination struct is a decoding error, so a Ref payload does
// not silently decode into an unrelated struct.
func (c *Codec) Unmarshal(ep *shareproto.Endpoint, data []byte, outPtr any) error {
	if len(data) == 0 {
		return nil
	}
	rv := reflect.ValueOf(outPtr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("wire: Unmarshal requires a non-nil pointer, got %T", outPtr)
	}
	if rv.Elem().Kind() == reflect.Interface {
		var ref Ref
		if err := c.decMode.Unmarshal(data, &ref); err != nil {
			return fmt.Errorf("wire: decoding reference: %w", err)
		}
		resolved, err := ref.Resolve(ep)
		if err != nil {
			return fmt.Errorf("wire: resolving reference: %w", err)
		}
		rv.Elem().Set(reflect.ValueOf(resolved))
		return nil
	}
	if err := c.decMode.Unmarshal(data, outPtr); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	return nil
}

var _ shareproto.Serializer = (*Codec)(nil)
