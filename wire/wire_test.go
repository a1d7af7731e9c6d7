// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"testing"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/channel"
	"github.com/kellnerd/shareproto/reflectbind"
	"github.com/kellnerd/shareproto/wire"
)

func TestPlainValueRoundTrip(t *testing.T) {
	codec, err := wire.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type point struct{ X, Y int }
	want := point{X: 3, Y: 4}

	data, err := codec.Marshal(nil, want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got point
	if err := codec.Unmarshal(nil, data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestEmptyPayloadIsNoOp(t *testing.T) {
	codec, err := wire.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got string = "untouched"
	if err := codec.Unmarshal(nil, nil, &got); err != nil {
		t.Fatalf("Unmarshal(empty): %v", err)
	}
	if got != "untouched" {
		t.Errorf("Unmarshal(empty) modified its target: got %q", got)
	}
}

type gadget struct{ serial string }

const gadgetType = "test.gadget"

func TestShareableValueMarshalsAsRef(t *testing.T) {
	codec, err := wire.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	binder := reflectbind.NewBinder()
	reflectbind.Register[*gadget](binder, gadgetType, &shareproto.Descriptor{}, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *gadget {
		return &gadget{serial: "proxy"}
	})

	ep := shareproto.NewEndpoint(&gadget{serial: "root"}, binder, codec)
	a, b := channel.Direct()
	if err := ep.Bootstrap(a, nil, gadgetType); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer func() {
		b.Close() // unblocks ep's receive loop, which is reading the other end
		ep.Disconnect()
	}()

	g := &gadget{serial: "g1"}
	data, err := codec.Marshal(ep, g)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// Decoding into a concrete (non-interface) destination must fail: the
	// payload is a Ref, not a gadget.
	var wrong gadget
	if err := codec.Unmarshal(ep, data, &wrong); err == nil {
		t.Error("Unmarshal into a concrete type unexpectedly succeeded for a Ref payload")
	}

	// Decoding into an interface destination resolves the Ref; since this
	// Endpoint is the one that registered g, resolution finds it locally
	// without needing a proxy.
	var resolved any
	if err := codec.Unmarshal(ep, data, &resolved); err != nil {
		t.Fatalf("Unmarshal into interface: %v", err)
	}
	got, ok := resolved.(*gadget)
	if !ok || got != g {
		t.Errorf("resolved value: got %#v, want the same *gadget pointer", resolved)
	}
}
