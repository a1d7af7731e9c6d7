// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Channel is a reliable ordered stream of packets shared by two Endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. See the channel subpackage for ready-made
// implementations.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error.
	Close() error
}

// A DatagramChannel is the unreliable, fire-and-forget transport that backs
// [Endpoint.CallMethodUnreliable] (§4.1). On an Endpoint with no
// DatagramChannel installed, CallMethodUnreliable sends nothing and reports
// nothing; it does not use the reliable channel as a fallback.
type DatagramChannel interface {
	// SendDatagram best-effort delivers payload to the peer.
	SendDatagram(payload []byte) error

	// RecvDatagram blocks for the next datagram addressed to this Endpoint.
	RecvDatagram() ([]byte, error)

	Close() error
}

// A PacketLogger observes every packet exchanged with the peer, regardless of
// kind, including ones that are ultimately discarded.
type PacketLogger func(PacketInfo)

// PacketInfo combines a packet and a flag indicating whether it was sent or
// received.
type PacketInfo struct {
	*Packet
	Sent bool
}

func (p PacketInfo) String() string {
	dir := "recv"
	if p.Sent {
		dir = "send"
	}
	return fmt.Sprintf("%s %v (%d bytes)", dir, p.Kind, len(p.Payload))
}

// Endpoint implements one side of a bidirectional, object-oriented RPC
// connection. See the package doc comment for the overall model.
//
// A zero Endpoint is not ready for use; construct one with [NewEndpoint]. An
// Endpoint may be reused for a new connection only
// by constructing a fresh one: once an Endpoint has run a connection to
// completion its tables are discarded.
type Endpoint struct {
	reliable   Channel
	unreliable DatagramChannel // nil if the peer offered none

	tasks     *taskgroup.Group
	scheduler RemoteTaskScheduler

	mu      sync.Mutex
	held    *heldTable
	proxies *proxyTable
	pending *pendingTable

	// sendMu must be held to send on reliable. Public-API calls, reply
	// sends (dispatch.go), and Release sends triggered by proxy GC
	// (lifetime.go) all funnel through sendOut and must not interleave
	// their writes to the shared framing writer.
	sendMu sync.Mutex

	binder ProxyBinder
	codec  Serializer

	root         any
	rootTypeName string

	networkID NetworkID
	connected bool
	err       error

	server any // proxy for the peer's root, valid once connected

	maxHeld   int
	maxRemote int

	plog   PacketLogger
	logger *zerolog.Logger

	onDisconnected func(error)
	onNetworkError func(error)

	base func() context.Context

	metrics *endpointMetrics
}

// NewEndpoint constructs an unconnected Endpoint bound to root, which must
// satisfy a shareable interface type that binder and codec both recognize.
// Use [Endpoint.Connect] to dial a peer, or [Endpoint.AcceptConn] for the
// accepting side of a listener.
func NewEndpoint(root any, binder ProxyBinder, codec Serializer) *Endpoint {
	ep := &Endpoint{
		root:    root,
		binder:  binder,
		codec:   codec,
		base:    context.Background,
		metrics: newEndpointMetrics(),
	}
	if name, ok := binder.TypeNameOf(root); ok {
		ep.rootTypeName = name
	}
	return ep
}

// SetMaxHeldObjects bounds the number of distinct local objects this Endpoint
// will register for the peer at once; zero (the default) means unbounded.
// Must be called before the Endpoint is started.
func (ep *Endpoint) SetMaxHeldObjects(n int) *Endpoint { ep.maxHeld = n; return ep }

// SetMaxRemoteObjects bounds the number of distinct proxies this Endpoint
// will build for the peer's objects at once; zero (the default) means
// unbounded. Must be called before the Endpoint is started.
func (ep *Endpoint) SetMaxRemoteObjects(n int) *Endpoint { ep.maxRemote = n; return ep }

// LogPackets registers a callback invoked for every packet exchanged with the
// peer. Passing nil disables logging. Safe to call before or after the
// Endpoint is started.
func (ep *Endpoint) LogPackets(log PacketLogger) *Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.plog = log
	return ep
}

// SetLogger installs a structured diagnostic logger, which receives a warning
// for each error also passed to the OnNetworkError callback. Passing nil
// disables it.
func (ep *Endpoint) SetLogger(logger *zerolog.Logger) *Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.logger = logger
	return ep
}

// OnDisconnected registers a callback invoked at most once, when the
// connection ends for any reason. The error is nil for a clean shutdown.
func (ep *Endpoint) OnDisconnected(f func(error)) *Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onDisconnected = f
	return ep
}

// OnNetworkError registers a callback invoked when a receive on the reliable
// channel fails other than by an ordinary close, and when sending a reply or
// a Release message fails. Failures on the unreliable channel are not
// reported through it. Unlike OnDisconnected, it may fire repeatedly before
// the connection is finally torn down.
func (ep *Endpoint) OnNetworkError(f func(error)) *Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onNetworkError = f
	return ep
}

// NewContext registers a function used to create the base context passed to
// inbound invocation bodies. If unset, context.Background is used.
func (ep *Endpoint) NewContext(base func() context.Context) *Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if base == nil {
		base = context.Background
	}
	ep.base = base
	return ep
}

// Metrics returns a live view of the Endpoint's activity counters.
func (ep *Endpoint) Metrics() *endpointMetrics { return ep.metrics }

// Server returns a proxy for the peer's bootstrap root, valid once Connected
// is true. It returns nil before the handshake completes.
func (ep *Endpoint) Server() any {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.server
}

// Connected reports whether the Endpoint currently has a live connection.
func (ep *Endpoint) Connected() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.connected
}

// NetworkID reports the identifier this Endpoint was assigned (server side)
// or learned (client side) during the handshake.
func (ep *Endpoint) NetworkID() NetworkID {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.networkID
}

// Connect dials addr, completes the client side of the handshake, and starts
// the Endpoint running. addr is split into a network and address the way
// [SplitAddress] describes; "localhost" is mapped to "127.0.0.1" in host
// positions. Connect reports [ErrInUse] if the Endpoint is already running.
func (ep *Endpoint) Connect(ctx context.Context, addr string) error {
	ep.mu.Lock()
	if ep.reliable != nil {
		ep.mu.Unlock()
		return ErrInUse
	}
	ep.mu.Unlock()

	network, target := SplitAddress(addr)
	target = strings.Replace(target, "localhost", "127.0.0.1", 1)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	udpConn, udpPort := listenUnreliable(conn.LocalAddr())

	serverID, peerRootType, peerPort, err := clientHandshake(conn, ep.rootTypeName, udpPort)
	if err != nil {
		conn.Close()
		if udpConn != nil {
			udpConn.Close()
		}
		return err
	}

	ep.mu.Lock()
	ep.networkID = serverID
	ep.mu.Unlock()

	var dc DatagramChannel
	if udpConn != nil {
		if raddr, err := unreliableAddr(conn.RemoteAddr(), peerPort); err == nil {
			dc = newClientDatagram(udpConn, raddr, serverID)
		} else {
			udpConn.Close()
		}
	}

	return ep.start(rawChannel(conn), dc, peerRootType)
}

// AcceptConn completes the accepting side of the handshake (§4.5) over conn,
// announcing networkID as the NetworkID the peer should use to address
// unreliable datagrams back to this connection, then starts the Endpoint
// running. dc, if non-nil, must already be registered under networkID with
// whatever shared demultiplexing the caller uses for its unreliable
// transport (see the channel subpackage's UnreliableRouter); AcceptConn
// resolves the peer's announced port into an address and arranges for dc to
// send there if dc also implements `SetPeerAddr(*net.UDPAddr)`.
func (ep *Endpoint) AcceptConn(conn net.Conn, networkID NetworkID, localUnreliablePort uint16, dc DatagramChannel) error {
	peerRootType, peerPort, err := serverHandshake(conn, networkID, ep.rootTypeName, localUnreliablePort)
	if err != nil {
		conn.Close()
		return err
	}

	ep.mu.Lock()
	ep.networkID = networkID
	ep.mu.Unlock()

	if dc != nil {
		if addressable, ok := dc.(interface{ SetPeerAddr(*net.UDPAddr) }); ok {
			if raddr, err := unreliableAddr(conn.RemoteAddr(), peerPort); err == nil {
				addressable.SetPeerAddr(raddr)
			}
		}
	}

	return ep.start(rawChannel(conn), dc, peerRootType)
}

// Bootstrap wires ch and (optionally) dc as this Endpoint's transports and
// starts it running immediately, without performing a wire handshake.
// peerRootType must name the type the peer's root will be proxied as. It
// exists for in-memory pairings (see the peers subpackage's NewLocal) where
// there is no handshake to run.
func (ep *Endpoint) Bootstrap(ch Channel, dc DatagramChannel, peerRootType string) error {
	return ep.start(ch, dc, peerRootType)
}

// start wires up ch and (optionally) dc as this Endpoint's transports,
// builds the peer root proxy from peerRootType, and launches the reader
// loop. Both client and server setup paths funnel through here once the
// handshake has completed.
func (ep *Endpoint) start(ch Channel, dc DatagramChannel, peerRootType string) error {
	proxy, err := ep.binder.NewProxy(ep, RootObjectID, peerRootType)
	if err != nil {
		ch.Close()
		return fmt.Errorf("building root proxy: %w", err)
	}

	ep.mu.Lock()
	ep.reliable = ch
	ep.unreliable = dc
	ep.held = newHeldTable(ep.maxHeld)
	ep.proxies = newProxyTable(ep.maxRemote)
	ep.pending = newPendingTable()
	ep.held.installRoot(ep.root, ep.rootTypeName)
	ep.server = proxy
	ep.connected = true
	ep.err = nil
	ep.tasks = taskgroup.New(nil)
	ep.scheduler = groupScheduler{g: ep.tasks}
	tasks := ep.tasks
	ep.mu.Unlock()

	tasks.Go(func() error {
		for {
			pkt, err := ch.Recv()
			if err != nil {
				if !treatErrorAsSuccess(err) {
					ep.reportNetworkError(err)
				}
				ep.fail(err)
				return nil
			}
			ep.metrics.packetRecv.Add(1)
			if err := ep.dispatchPacket(pkt); err != nil {
				ep.fail(err)
				return nil
			}
		}
	})
	if dc != nil {
		tasks.Go(func() error {
			for {
				payload, err := dc.RecvDatagram()
				if err != nil {
					return nil // unreliable channel failures are not protocol fatal
				}
				ep.metrics.unreliableRecv.Add(1)
				ep.dispatchUnreliable(payload)
			}
		})
	}
	return nil
}

// rawChannel wraps a net.Conn as a Channel using the channel subpackage's
// framing, without introducing an import cycle (channel imports this
// package, so this package cannot import channel back); it duplicates just
// enough of channel.IO's logic inline.
func rawChannel(conn net.Conn) Channel { return ioChannel{conn} }

type ioChannel struct{ c net.Conn }

func (c ioChannel) Send(pkt *Packet) error {
	_, err := pkt.WriteTo(c.c)
	return err
}
func (c ioChannel) Recv() (*Packet, error) {
	var pkt Packet
	if _, err := pkt.ReadFrom(c.c); err != nil {
		return nil, err
	}
	return &pkt, nil
}
func (c ioChannel) Close() error { return c.c.Close() }

// treatErrorAsSuccess reports whether err represents an ordinary shutdown
// rather than a failure worth surfacing from Wait.
func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until the Endpoint's connection ends and reports the error
// that caused it to stop, or nil for a clean shutdown. Wait is idempotent.
func (ep *Endpoint) Wait() error {
	ep.mu.Lock()
	tasks := ep.tasks
	ep.mu.Unlock()
	if tasks == nil {
		return nil
	}
	tasks.Wait()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if treatErrorAsSuccess(ep.err) {
		return nil
	}
	return ep.err
}

// Disconnect closes the Endpoint's transports and blocks until it has fully
// torn down. Disconnect is idempotent.
func (ep *Endpoint) Disconnect() error {
	ep.closeTransports()
	return ep.Wait()
}

func (ep *Endpoint) closeTransports() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.reliable != nil {
		ep.reliable.Close()
	}
	if ep.unreliable != nil {
		ep.unreliable.Close()
	}
}

// fail tears the Endpoint down in response to err, which may be nil for a
// clean shutdown. It is idempotent: only the first call has any effect.
func (ep *Endpoint) fail(err error) {
	ep.closeTransports()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.connected {
		return
	}
	ep.connected = false
	ep.err = err

	for _, op := range ep.pending.drainAll() {
		op.deliver(&reply{Code: CodeCanceled})
	}
	for id := range ep.proxies.byID {
		ep.proxies.remove(id)
	}
	ep.held = nil
	ep.server = nil

	if ep.onDisconnected != nil {
		reported := err
		if treatErrorAsSuccess(err) {
			reported = nil
		}
		ep.onDisconnected(reported)
	}
}

// registerLocalForSend is a Serializer callback (§4.2, §6): it returns the
// ObjectID the peer should use to refer to v, allocating a fresh one and
// installing v in the held-object table if this is the first time v has
// been sent.
func (ep *Endpoint) registerLocalForSend(v any, typeName string) (ObjectID, error) {
	ep.mu.Lock()
	if ep.held == nil {
		ep.mu.Unlock()
		return 0, ErrDisconnected
	}
	id, err := ep.held.register(v, typeName)
	if err != nil {
		ep.metrics.overflowFaults.Add(1)
		ep.mu.Unlock()
		// Exceeding the held-object cap is a fatal protocol condition for
		// this connection, not just a failure of the one call that tripped
		// it: the peer has no way to know which reference it must drop
		// before trying again.
		ep.fail(err)
		return 0, err
	}
	ep.metrics.objectsHeld.Set(int64(ep.held.len()))
	ep.mu.Unlock()
	return id, nil
}

// resolveOrBuildProxy is a Serializer callback (§4.2, §6): it returns the
// existing live proxy for id if one is still reachable, or asks the proxy
// binder to build a fresh one.
func (ep *Endpoint) resolveOrBuildProxy(id ObjectID, typeName string) (any, error) {
	ep.mu.Lock()
	if ep.proxies == nil {
		ep.mu.Unlock()
		return nil, ErrDisconnected
	}
	if p, ok := ep.proxies.live(id); ok {
		ep.mu.Unlock()
		return p, nil
	}
	ep.mu.Unlock()

	proxy, err := ep.binder.NewProxy(ep, id, typeName)
	if err != nil {
		return nil, err
	}

	ep.mu.Lock()
	if ep.proxies == nil {
		ep.mu.Unlock()
		return nil, ErrDisconnected
	}
	if err := ep.proxies.install(id, proxy, ep.releaseDead); err != nil {
		ep.metrics.overflowFaults.Add(1)
		ep.mu.Unlock()
		// Same reasoning as the held-object cap in registerLocalForSend: the
		// peer has no way to know which proxy to release before retrying, so
		// this is fatal for the connection rather than just this call.
		ep.fail(err)
		return nil, err
	}
	ep.metrics.proxiesLive.Set(int64(ep.proxies.len()))
	ep.mu.Unlock()
	return proxy, nil
}

// retrieveLocal is a Serializer callback (§4.2, §6): the owner-side lookup
// used when encoding a reply that embeds a value this side already holds.
func (ep *Endpoint) retrieveLocal(id ObjectID) (any, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.held == nil {
		return nil, false
	}
	return ep.held.lookup(id)
}

// sendOut sends pkt on the reliable channel. Any error is protocol fatal.
func (ep *Endpoint) sendOut(pkt *Packet) error {
	ep.mu.Lock()
	ch := ep.reliable
	plog := ep.plog
	ep.mu.Unlock()
	if ch == nil {
		return ErrDisconnected
	}
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: true})
	}
	ep.metrics.packetSent.Add(1)

	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	return ch.Send(pkt)
}

// SplitAddress parses an address string to guess a network type and target:
// anything that does not look like [host]:port is treated as a Unix-domain
// socket path.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
