// Program shareproto is a command-line demonstration of the shareproto
// runtime: serve hosts a tiny shared Counter object, and dial connects to
// one and drives it through CallMethod.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/channel"
	"github.com/kellnerd/shareproto/handler"
	"github.com/kellnerd/shareproto/peers"
	"github.com/kellnerd/shareproto/reflectbind"
	"github.com/kellnerd/shareproto/wire"
)

// Counter is the demo shareable object: a server-held integer that a peer
// can Increment and read back through Value.
type Counter struct {
	n int64
}

func (c *Counter) Increment(ctx context.Context, by int64) (int64, error) {
	c.n += by
	return c.n, nil
}

func (c *Counter) Value(ctx context.Context) (int64, error) {
	return c.n, nil
}

const counterTypeName = "demo.Counter"

// counterProxy is the client-side stand-in for a peer-held Counter.
type counterProxy struct {
	ep           *shareproto.Endpoint
	id           shareproto.ObjectID
	incID, valID uint32
}

func (p *counterProxy) Increment(ctx context.Context, by int64) (int64, error) {
	args, err := marshal(p.ep, by)
	if err != nil {
		return 0, err
	}
	data, err := p.ep.CallMethod(ctx, p.id, p.incID, args, nil)
	if err != nil {
		return 0, err
	}
	var out int64
	return out, unmarshal(p.ep, data, &out)
}

func (p *counterProxy) Value(ctx context.Context) (int64, error) {
	data, err := p.ep.CallMethod(ctx, p.id, p.valID, nil, nil)
	if err != nil {
		return 0, err
	}
	var out int64
	return out, unmarshal(p.ep, data, &out)
}

func marshal(ep *shareproto.Endpoint, v any) ([]byte, error) {
	c, err := wire.New()
	if err != nil {
		return nil, err
	}
	return c.Marshal(ep, v)
}

func unmarshal(ep *shareproto.Endpoint, data []byte, out any) error {
	c, err := wire.New()
	if err != nil {
		return err
	}
	return c.Unmarshal(ep, data, out)
}

// nullRoot is the trivial shareable type the dial side presents as its own
// root; this demo's client never holds anything worth exposing to the
// server, but the handshake still needs a declared root type on both ends.
type nullRoot struct{}

const nullTypeName = "demo.None"

type nullProxy struct{}

// newBinder builds the Binder both serve and dial use. It is symmetric:
// each side registers a Descriptor for whichever type it might hold
// locally, and a proxy constructor for whichever type the peer might hand
// it a reference to.
func newBinder(codec shareproto.Serializer) (*reflectbind.Binder, counterIDs) {
	cb := reflectbind.NewDescriptorBuilder()
	cb.Method("Increment", handler.Method(codec, func(ctx context.Context, target *Counter, by int64) (int64, error) {
		return target.Increment(ctx, by)
	}))
	cb.Method("Value", handler.MethodResult(codec, func(ctx context.Context, target *Counter) (int64, error) {
		return target.Value(ctx)
	}))
	incID, _ := cb.MethodID("Increment")
	valID, _ := cb.MethodID("Value")

	b := reflectbind.NewBinder()
	reflectbind.RegisterDescriptor[*Counter](b, counterTypeName, cb.Build())
	reflectbind.Register[*counterProxy](b, counterTypeName, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *counterProxy {
		return &counterProxy{ep: ep, id: id, incID: incID, valID: valID}
	})

	reflectbind.RegisterDescriptor[*nullRoot](b, nullTypeName, &shareproto.Descriptor{})
	reflectbind.Register[*nullProxy](b, nullTypeName, nil, func(ep *shareproto.Endpoint, id shareproto.ObjectID) *nullProxy {
		return &nullProxy{}
	})
	return b, counterIDs{incID: incID, valID: valID}
}

type counterIDs struct{ incID, valID uint32 }

type rootFlags struct {
	Addr string `flag:"addr,default=:4590,Address to listen on or dial"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Demonstrate the shareproto RPC runtime with a shared Counter object.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Host a Counter object for clients to share.",
				SetFlags: command.Flags(flax.MustBind, &rootFlags{}),
				Run:      runServe,
			},
			{
				Name:     "dial",
				Help:     "Connect to a serve instance and drive its Counter.",
				SetFlags: command.Flags(flax.MustBind, &rootFlags{}),
				Run:      runDial,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	flags := env.Config.(*rootFlags)
	lst, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "listening on %s\n", lst.Addr())

	router, err := channel.NewUnreliableRouter(":0")
	if err != nil {
		return err
	}
	defer router.Close()

	return peers.Loop(env.Context(), peers.NetAccepter(lst), router, func() (any, shareproto.ProxyBinder, shareproto.Serializer) {
		codec, _ := wire.New()
		binder, _ := newBinder(codec)
		return &Counter{}, binder, codec
	})
}

func runDial(env *command.Env) error {
	flags := env.Config.(*rootFlags)
	codec, err := wire.New()
	if err != nil {
		return err
	}
	binder, _ := newBinder(codec)

	ep := shareproto.NewEndpoint(&nullRoot{}, binder, codec)
	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	if err := ep.Connect(ctx, flags.Addr); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ep.Disconnect()

	proxy, ok := ep.Server().(*counterProxy)
	if !ok {
		return errors.New("peer's root is not a Counter")
	}

	n, err := proxy.Increment(env.Context(), 1)
	if err != nil {
		return err
	}
	fmt.Printf("incremented: %d\n", n)

	v, err := proxy.Value(env.Context())
	if err != nil {
		return err
	}
	fmt.Printf("value: %d\n", v)
	return nil
}
