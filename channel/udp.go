// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/kellnerd/shareproto"
)

// UnreliableRouter is the server-side half of the unreliable channel (§4,
// unreliable channel): a single shared UDP socket serves every connection a
// listener accepts. Inbound datagrams are demultiplexed by the 16-bit
// NetworkID prefix a client-side Endpoint attaches to each one; outbound
// datagrams are written directly to the address a [ServerDatagram] was told
// to use once the handshake has resolved it.
type UnreliableRouter struct {
	conn *net.UDPConn

	mu     sync.Mutex
	routes map[shareproto.NetworkID]chan []byte
}

// NewUnreliableRouter opens a UDP socket at laddr (use ":0" for an ephemeral
// port) and starts its demultiplexing read loop.
func NewUnreliableRouter(laddr string) (*UnreliableRouter, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	r := &UnreliableRouter{conn: conn, routes: make(map[shareproto.NetworkID]chan []byte)}
	go r.readLoop()
	return r, nil
}

// Port reports the UDP port this router listens on, to be announced to
// accepted connections during their handshake.
func (r *UnreliableRouter) Port() uint16 {
	return uint16(r.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Register allocates the inbound queue for id and returns a ServerDatagram
// that writes outbound datagrams through the shared socket. The caller must
// call SetPeerAddr once the peer's unreliable address is known (after the
// handshake resolves its announced port), and Close when the connection
// ends.
func (r *UnreliableRouter) Register(id shareproto.NetworkID) *ServerDatagram {
	inbound := make(chan []byte, 64)
	r.mu.Lock()
	r.routes[id] = inbound
	r.mu.Unlock()
	return &ServerDatagram{router: r, id: id, inbound: inbound}
}

// Unregister removes id's route, if any, and closes its inbound queue.
func (r *UnreliableRouter) Unregister(id shareproto.NetworkID) {
	r.mu.Lock()
	ch, ok := r.routes[id]
	delete(r.routes, id)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Close shuts down the shared socket, ending every registered connection's
// inbound queue.
func (r *UnreliableRouter) Close() error {
	err := r.conn.Close()
	r.mu.Lock()
	routes := r.routes
	r.routes = nil
	r.mu.Unlock()
	for _, ch := range routes {
		close(ch)
	}
	return err
}

func (r *UnreliableRouter) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 2 {
			continue // too short to carry a NetworkID prefix; drop
		}
		id := shareproto.NetworkID(binary.LittleEndian.Uint16(buf[:2]))
		payload := append([]byte(nil), buf[2:n]...)

		r.mu.Lock()
		ch, ok := r.routes[id]
		r.mu.Unlock()
		if !ok {
			continue // unknown connection; drop
		}
		select {
		case ch <- payload:
		default:
			// Slow consumer: the unreliable channel makes no delivery promise.
		}
	}
}

// ServerDatagram is the per-connection view of an [UnreliableRouter],
// implementing shareproto.DatagramChannel.
type ServerDatagram struct {
	router  *UnreliableRouter
	id      shareproto.NetworkID
	inbound chan []byte

	mu    sync.Mutex
	raddr *net.UDPAddr
}

// SetPeerAddr records the address datagrams for this connection should be
// sent to, once it is known.
func (d *ServerDatagram) SetPeerAddr(addr *net.UDPAddr) {
	d.mu.Lock()
	d.raddr = addr
	d.mu.Unlock()
}

// SendDatagram implements shareproto.DatagramChannel.
func (d *ServerDatagram) SendDatagram(payload []byte) error {
	d.mu.Lock()
	raddr := d.raddr
	d.mu.Unlock()
	if raddr == nil {
		return errors.New("unreliable: peer address not yet known")
	}
	_, err := d.router.conn.WriteToUDP(payload, raddr)
	return err
}

// RecvDatagram implements shareproto.DatagramChannel.
func (d *ServerDatagram) RecvDatagram() ([]byte, error) {
	p, ok := <-d.inbound
	if !ok {
		return nil, net.ErrClosed
	}
	return p, nil
}

// Close implements shareproto.DatagramChannel by unregistering this
// connection's route from the shared router.
func (d *ServerDatagram) Close() error {
	d.router.Unregister(d.id)
	return nil
}
