// Package peers provides support code for managing and testing Endpoints.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/channel"
)

// Local is a pair of in-memory connected Endpoints, suitable for testing.
type Local struct {
	A *shareproto.Endpoint
	B *shareproto.Endpoint
}

// Stop shuts down both Endpoints and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Disconnect()
	berr := p.B.Disconnect()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal pairs two freshly constructed Endpoints over an in-memory direct
// channel that passes packets without encoding, bypassing the wire
// handshake and the unreliable transport. rootA and rootB must both have
// types binder and codec recognize as shareable.
func NewLocal(rootA, rootB any, binder shareproto.ProxyBinder, codec shareproto.Serializer) (*Local, error) {
	typeA, ok := binder.TypeNameOf(rootA)
	if !ok {
		return nil, fmt.Errorf("peers: root A's type is not declared shareable")
	}
	typeB, ok := binder.TypeNameOf(rootB)
	if !ok {
		return nil, fmt.Errorf("peers: root B's type is not declared shareable")
	}

	a2b, b2a := channel.Direct()
	epA := shareproto.NewEndpoint(rootA, binder, codec)
	epB := shareproto.NewEndpoint(rootB, binder, codec)

	if err := epA.Bootstrap(a2b, nil, typeB); err != nil {
		return nil, err
	}
	if err := epB.Bootstrap(b2a, nil, typeA); err != nil {
		epA.Disconnect()
		return nil, err
	}
	return &Local{A: epA, B: epB}, nil
}

// Accepter produces one new transport connection at a time.
type Accepter interface {
	Accept(context.Context) (net.Conn, error)
}

// NewEndpointFunc constructs the root, proxy binder, and serializer for one
// freshly accepted connection.
type NewEndpointFunc func() (root any, binder shareproto.ProxyBinder, codec shareproto.Serializer)

// Loop accepts connections from acc and starts an Endpoint for each one,
// wiring in router for the unreliable side if router is non-nil. Loop
// continues until acc closes or ctx ends.
//
// When ctx terminates, all running Endpoints are disconnected. When acc
// closes, Loop waits for running Endpoints to exit before returning.
func Loop(ctx context.Context, acc Accepter, router *channel.UnreliableRouter, newEndpoint NewEndpointFunc) error {
	g := taskgroup.New(nil)
	var nextID uint32
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		nextID++
		id := shareproto.NetworkID(nextID)

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			root, binder, codec := newEndpoint()
			ep := shareproto.NewEndpoint(root, binder, codec)

			var dc shareproto.DatagramChannel
			var port uint16
			if router != nil {
				sd := router.Register(id)
				dc = sd
				port = router.Port()
			}

			if err := ep.AcceptConn(conn, id, port, dc); err != nil {
				if router != nil {
					router.Unregister(id)
				}
				return err
			}

			go func() { <-sctx.Done(); ep.Disconnect() }()
			return ep.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (net.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel lets the context watcher clean up
	// when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})
	return n.Listener.Accept()
}
