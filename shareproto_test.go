// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/channel"
	"github.com/kellnerd/shareproto/handler"
	"github.com/kellnerd/shareproto/peers"
	"github.com/kellnerd/shareproto/reflectbind"
	"github.com/kellnerd/shareproto/wire"
)

const (
	factoryType = "test.factory"
	widgetType  = "test.widget"
	nullType    = "test.null"
)

// widget is the concrete type held by the side that creates it; it is never
// constructed by the peer directly, only reached through a proxy.
type widget struct{ label string }

func (w *widget) Label(ctx context.Context) (string, error) { return w.label, nil }

// widgetProxy is what a peer resolves a widget reference into.
type widgetProxy struct {
	ep      *shareproto.Endpoint
	id      shareproto.ObjectID
	codec   shareproto.Serializer
	labelID uint32
}

func (p *widgetProxy) Label(ctx context.Context) (string, error) {
	data, err := p.ep.CallMethod(ctx, p.id, p.labelID, nil, nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := p.codec.Unmarshal(p.ep, data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// factory hands out widgets on demand, by index into items.
type factory struct {
	items []*widget
	next  int
}

func (f *factory) Make(ctx context.Context) (*widget, error) {
	w := f.items[f.next%len(f.items)]
	f.next++
	return w, nil
}

// nullRoot is a trivial root for the side of a connection under test that
// exposes nothing of its own.
type nullRoot struct{}

// passiveProxy stands in for whichever root a test's own side never actually
// calls through; Bootstrap always builds a proxy for the peer's declared
// root type, even when the test has no use for it.
type passiveProxy struct{}

func registerPassive(b *reflectbind.Binder, typeName string) {
	reflectbind.Register[*passiveProxy](b, typeName, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *passiveProxy {
		return &passiveProxy{}
	})
}

func widgetBinder(t *testing.T, codec shareproto.Serializer) (binder *reflectbind.Binder, makeID, labelID uint32) {
	t.Helper()

	wb := reflectbind.NewDescriptorBuilder()
	wb.Method("Label", handler.MethodResult(codec, func(ctx context.Context, target *widget) (string, error) {
		return target.Label(ctx)
	}))
	labelID, _ = wb.MethodID("Label")

	fb := reflectbind.NewDescriptorBuilder()
	fb.Method("Make", handler.MethodResult(codec, func(ctx context.Context, target *factory) (*widget, error) {
		return target.Make(ctx)
	}))
	makeID, _ = fb.MethodID("Make")

	binder = reflectbind.NewBinder()
	reflectbind.RegisterDescriptor[*factory](binder, factoryType, fb.Build())
	registerPassive(binder, factoryType)
	reflectbind.RegisterDescriptor[*widget](binder, widgetType, wb.Build())
	reflectbind.Register[*widgetProxy](binder, widgetType, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *widgetProxy {
		return &widgetProxy{ep: ep, id: id, codec: codec, labelID: labelID}
	})
	reflectbind.RegisterDescriptor[*nullRoot](binder, nullType, &shareproto.Descriptor{})
	registerPassive(binder, nullType)
	return binder, makeID, labelID
}

// TestReferenceRoundTripAndProxyIdentity exercises a method result that
// embeds a shareable value: the caller must end up with a working proxy for
// the returned widget, and two results naming the same underlying object
// must resolve to the very same proxy value rather than building a fresh one
// each time.
func TestReferenceRoundTripAndProxyIdentity(t *testing.T) {
	defer leaktest.Check(t)()

	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	binder, makeID, _ := widgetBinder(t, codec)

	fac := &factory{items: []*widget{{label: "one"}, {label: "two"}}}
	loc, err := peers.NewLocal(fac, &nullRoot{}, binder, codec)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	ctx := context.Background()

	callMake := func() *widgetProxy {
		t.Helper()
		data, err := loc.B.CallMethod(ctx, shareproto.RootObjectID, makeID, nil, nil)
		if err != nil {
			t.Fatalf("CallMethod(Make): %v", err)
		}
		var v any
		if err := codec.Unmarshal(loc.B, data, &v); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		wp, ok := v.(*widgetProxy)
		if !ok {
			t.Fatalf("Make result: got %T, want *widgetProxy", v)
		}
		return wp
	}

	first := callMake()
	if got, err := first.Label(ctx); err != nil || got != "one" {
		t.Errorf("first.Label: got (%q, %v), want (\"one\", nil)", got, err)
	}

	// The factory alternates between two distinct widgets, so the second
	// call must reference a different object and yield a different proxy...
	second := callMake()
	if second == first {
		t.Error("second Make returned the same proxy as the first for a distinct object")
	}
	if got, err := second.Label(ctx); err != nil || got != "two" {
		t.Errorf("second.Label: got (%q, %v), want (\"two\", nil)", got, err)
	}

	// ...but a third call, which cycles back to the first widget, must
	// resolve to the very same proxy as the first call did.
	third := callMake()
	if third != first {
		t.Error("third Make (same underlying object as the first) built a distinct proxy")
	}
}

// TestDisconnectCancelsPending verifies that an in-flight call unblocks with
// a canceled-flavored *CallError, not a hang, when the connection is torn
// down while the call is outstanding.
func TestDisconnectCancelsPending(t *testing.T) {
	defer leaktest.Check(t)()

	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}

	release := make(chan struct{})
	blockingRoot := &blocker{release: release}

	bb := reflectbind.NewDescriptorBuilder()
	bb.Method("Block", handler.MethodResult(codec, func(ctx context.Context, target *blocker) (string, error) {
		return target.Block(ctx)
	}))
	blockID, _ := bb.MethodID("Block")

	binder := reflectbind.NewBinder()
	const blockerType = "test.blocker"
	reflectbind.RegisterDescriptor[*blocker](binder, blockerType, bb.Build())
	registerPassive(binder, blockerType)
	reflectbind.RegisterDescriptor[*nullRoot](binder, nullType, &shareproto.Descriptor{})
	registerPassive(binder, nullType)

	loc, err := peers.NewLocal(blockingRoot, &nullRoot{}, binder, codec)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	future := loc.B.CallMethodAsync(shareproto.RootObjectID, blockID, nil, nil)

	// A's invocation body is stuck on <-release, so A.Disconnect itself
	// cannot return yet (it waits for every task A has scheduled, including
	// that one); run it in the background and unblock it once the
	// cancellation this triggers has been observed.
	done := make(chan error, 1)
	go func() { done <- loc.A.Disconnect() }()

	ctx := context.Background()
	_, err = future.Wait(ctx)
	if err == nil {
		t.Fatal("Wait: got nil error for a call abandoned by disconnect")
	}
	var cerr *shareproto.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("Wait: got %v, want a *CallError", err)
	}
	if !errors.Is(cerr, shareproto.ErrDisconnected) {
		t.Errorf("Wait: got %v, want it to wrap ErrDisconnected", cerr)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("A.Disconnect: %v", err)
	}
	loc.B.Disconnect()
}

type blocker struct{ release chan struct{} }

func (b *blocker) Block(ctx context.Context) (string, error) {
	<-b.release
	return "done", nil
}

// TestRemoteObjectCapEnforced checks that SetMaxRemoteObjects bounds the
// number of distinct proxies an Endpoint will build for the peer's objects:
// resolving a reference to a new object once the cap is already full must
// fail rather than silently evicting an existing proxy.
func TestRemoteObjectCapEnforced(t *testing.T) {
	defer leaktest.Check(t)()

	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	binder, makeID, _ := widgetBinder(t, codec)

	fac := &factory{items: []*widget{{label: "one"}, {label: "two"}}}
	epA := shareproto.NewEndpoint(fac, binder, codec)
	epB := shareproto.NewEndpoint(&nullRoot{}, binder, codec).SetMaxRemoteObjects(1)

	a2b, b2a := channel.Direct()
	if err := epA.Bootstrap(a2b, nil, nullType); err != nil {
		t.Fatalf("A.Bootstrap: %v", err)
	}
	if err := epB.Bootstrap(b2a, nil, factoryType); err != nil {
		t.Fatalf("B.Bootstrap: %v", err)
	}
	defer func() {
		epA.Disconnect()
		epB.Disconnect()
	}()

	ctx := context.Background()
	callMake := func() ([]byte, error) { return epB.CallMethod(ctx, shareproto.RootObjectID, makeID, nil, nil) }

	data1, err := callMake()
	if err != nil {
		t.Fatalf("CallMethod(Make) #1: %v", err)
	}
	var first any
	if err := codec.Unmarshal(epB, data1, &first); err != nil {
		t.Fatalf("Unmarshal #1: %v", err)
	}

	data2, err := callMake()
	if err != nil {
		t.Fatalf("CallMethod(Make) #2: %v", err)
	}
	var second any
	err = codec.Unmarshal(epB, data2, &second)
	if err == nil {
		t.Error("Unmarshal #2: got nil error, want overflow for a new object past the remote-object cap")
	} else if !errors.Is(err, shareproto.ErrOverflow) {
		t.Errorf("Unmarshal #2: got %v, want it to wrap ErrOverflow", err)
	}

	// Overflow is fatal to the connection, not just the one call that tripped
	// it: B has no way to tell A which reference to drop before retrying.
	if epB.Connected() {
		t.Error("epB.Connected(): got true after a remote-object overflow, want false")
	}
}
