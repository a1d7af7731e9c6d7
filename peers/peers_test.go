// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"net"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/handler"
	"github.com/kellnerd/shareproto/peers"
	"github.com/kellnerd/shareproto/reflectbind"
	"github.com/kellnerd/shareproto/wire"
)

const (
	echoServerType = "test.peers.server"
	nullClientType = "test.peers.client"
)

// echoRoot is the root served by the accepting side of a real listener.
type echoRoot struct{}

func (r *echoRoot) Echo(ctx context.Context, s string) (string, error) { return s + "-echo", nil }

// nullRoot is the root the dialing side presents; the test never calls
// through it.
type nullRoot struct{}

// passiveProxy stands in for whichever root a test's own side never calls
// through; Endpoint.start always builds a proxy for the peer's declared
// root type.
type passiveProxy struct{}

func registerPassive(b *reflectbind.Binder, typeName string) {
	reflectbind.Register[*passiveProxy](b, typeName, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *passiveProxy {
		return &passiveProxy{}
	})
}

func echoBinder(t *testing.T, codec shareproto.Serializer) (binder *reflectbind.Binder, echoID uint32) {
	t.Helper()
	eb := reflectbind.NewDescriptorBuilder()
	eb.Method("Echo", handler.Method(codec, func(ctx context.Context, target *echoRoot, s string) (string, error) {
		return target.Echo(ctx, s)
	}))
	echoID, _ = eb.MethodID("Echo")

	binder = reflectbind.NewBinder()
	reflectbind.RegisterDescriptor[*echoRoot](binder, echoServerType, eb.Build())
	registerPassive(binder, echoServerType)
	reflectbind.RegisterDescriptor[*nullRoot](binder, nullClientType, &shareproto.Descriptor{})
	registerPassive(binder, nullClientType)
	return binder, echoID
}

// TestLoopServesRealConnections drives Loop over an actual TCP listener: a
// client dials in with Endpoint.Connect, completes the wire handshake, and
// calls a method on the accepted Endpoint's root. Canceling the context that
// Loop was started with must then stop it, including any Endpoints it is
// still running.
func TestLoopServesRealConnections(t *testing.T) {
	defer leaktest.Check(t)()

	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	binder, echoID := echoBinder(t, codec)

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- peers.Loop(ctx, peers.NetAccepter(lst), nil, func() (any, shareproto.ProxyBinder, shareproto.Serializer) {
			return &echoRoot{}, binder, codec
		})
	}()

	client := shareproto.NewEndpoint(&nullRoot{}, binder, codec)
	if err := client.Connect(context.Background(), lst.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	data, err := client.CallMethod(context.Background(), shareproto.RootObjectID, echoID, marshalArg(t, codec, "hi"), nil)
	if err != nil {
		t.Fatalf("CallMethod(Echo): %v", err)
	}
	var got string
	if err := codec.Unmarshal(client, data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != "hi-echo" {
		t.Errorf("Echo: got %q, want %q", got, "hi-echo")
	}

	cancel()
	if err := <-loopErr; err != nil {
		t.Errorf("Loop: %v", err)
	}
	client.Disconnect()
}

// TestLoopStopsOnListenerClose checks that Loop returns cleanly, with no
// error, once the listener it is accepting from is closed directly (rather
// than via context cancellation).
func TestLoopStopsOnListenerClose(t *testing.T) {
	defer leaktest.Check(t)()

	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	binder, _ := echoBinder(t, codec)

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- peers.Loop(context.Background(), peers.NetAccepter(lst), nil, func() (any, shareproto.ProxyBinder, shareproto.Serializer) {
			return &echoRoot{}, binder, codec
		})
	}()

	if err := lst.Close(); err != nil {
		t.Fatalf("Listener Close: %v", err)
	}
	if err := <-loopErr; err != nil {
		t.Errorf("Loop: got %v, want nil after listener Close", err)
	}
}

func marshalArg(t *testing.T, codec shareproto.Serializer, v any) []byte {
	t.Helper()
	data, err := codec.Marshal(nil, v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

// TestNewLocalRejectsUnshareableRoot checks that NewLocal refuses to pair
// two Endpoints when either root's concrete type was never declared
// shareable on the binder, rather than failing later and more confusingly
// inside the handshake.
func TestNewLocalRejectsUnshareableRoot(t *testing.T) {
	codec, err := wire.New()
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	binder, _ := echoBinder(t, codec)

	// echoServerType is registered, but a second, distinct root type never
	// is, so pairing it as rootB must fail before any connection is made.
	type unregistered struct{}
	_, err = peers.NewLocal(&echoRoot{}, &unregistered{}, binder, codec)
	if err == nil {
		t.Fatal("NewLocal: got nil error, want failure for an unregistered root type")
	}
}

// TestNetAccepterHonorsContext verifies that NetAccepter's Accept unblocks
// and returns an error once its context is canceled, even with no
// connection ever arriving, and that the underlying listener ends up
// closed as a result.
func TestNetAccepterHonorsContext(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	acc := peers.NetAccepter(lst)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := acc.Accept(ctx)
		done <- err
	}()

	cancel()
	if err := <-done; err == nil {
		t.Error("Accept after cancel: got nil error, want failure")
	}

	// The listener itself should now be closed as a side effect.
	if _, err := net.Listen("tcp", lst.Addr().String()); err != nil {
		t.Errorf("re-listening on %s after cancel: %v (want the original listener to have released it)", lst.Addr(), err)
	}
}
