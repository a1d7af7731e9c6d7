// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package reflectbind_test

import (
	"context"
	"testing"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/reflectbind"
)

type widget struct{ n int }

func TestRegisterRoundTrip(t *testing.T) {
	b := reflectbind.NewBinder()
	desc := &shareproto.Descriptor{}
	reflectbind.Register[*widget](b, "test.widget", desc, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *widget {
		return &widget{n: int(id)}
	})

	if got, ok := b.TypeNameOf(&widget{}); !ok || got != "test.widget" {
		t.Errorf("TypeNameOf: got (%q, %v), want (%q, true)", got, ok, "test.widget")
	}
	if got, err := b.Descriptor(&widget{}); err != nil || got != desc {
		t.Errorf("Descriptor: got (%v, %v), want (%v, nil)", got, err, desc)
	}

	proxy, err := b.NewProxy(nil, 7, "test.widget")
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	w, ok := proxy.(*widget)
	if !ok || w.n != 7 {
		t.Errorf("NewProxy: got %#v, want *widget{n: 7}", proxy)
	}
}

func TestRegisterDescriptorHasNoProxy(t *testing.T) {
	b := reflectbind.NewBinder()
	reflectbind.RegisterDescriptor[*widget](b, "test.widget", &shareproto.Descriptor{})

	if _, ok := b.TypeNameOf(&widget{}); !ok {
		t.Error("TypeNameOf: a type registered with RegisterDescriptor should still resolve")
	}
	// Building a proxy for this type name must fail: no constructor was given.
	if _, err := b.NewProxy(nil, 1, "test.widget"); err == nil {
		t.Error("NewProxy: expected an error for a type with no registered proxy constructor")
	}
}

func TestUnregisteredLookupsFail(t *testing.T) {
	b := reflectbind.NewBinder()
	if _, err := b.Descriptor(&widget{}); err == nil {
		t.Error("Descriptor: expected an error for an unregistered type")
	}
	if _, ok := b.TypeNameOf(&widget{}); ok {
		t.Error("TypeNameOf: expected ok=false for an unregistered type")
	}
	if _, err := b.NewProxy(nil, 1, "nonesuch"); err == nil {
		t.Error("NewProxy: expected an error for an unregistered type name")
	}
}

func TestDescriptorBuilderStableIDs(t *testing.T) {
	b := reflectbind.NewDescriptorBuilder()
	noop := func(ctx context.Context, target any, args []byte, generics []string) ([]byte, error) { return nil, nil }
	b.Method("Increment", noop).Method("Value", noop)

	incID, ok := b.MethodID("Increment")
	if !ok {
		t.Fatal("MethodID(Increment): not found")
	}
	valID, ok := b.MethodID("Value")
	if !ok {
		t.Fatal("MethodID(Value): not found")
	}
	if incID == valID {
		t.Errorf("MethodID: Increment and Value share id %d", incID)
	}

	desc := b.Build()
	if _, ok := desc.Methods[incID]; !ok {
		t.Errorf("Build: Descriptor.Methods missing id %d", incID)
	}
	if _, ok := desc.Methods[valID]; !ok {
		t.Errorf("Build: Descriptor.Methods missing id %d", valID)
	}

	// A member added after Build must not retroactively appear in the
	// already-returned Descriptor.
	b.Method("Reset", noop)
	if len(desc.Methods) != 2 {
		t.Errorf("Build: got %d methods after later registration, want 2 (snapshot semantics)", len(desc.Methods))
	}
}
