// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"encoding/binary"
	"net"
)

// listenUnreliable opens an ephemeral UDP socket on the same address family
// as localAddr (the reliable connection's local endpoint), for use as the
// dialing Endpoint's unreliable transport. It returns nil, 0 if no UDP
// socket could be opened, e.g. because the reliable transport is a
// Unix-domain socket; on an Endpoint with no unreliable transport,
// CallMethodUnreliable sends nothing and does not fall back to the reliable
// channel.
func listenUnreliable(localAddr net.Addr) (*net.UDPConn, uint16) {
	host, _, err := net.SplitHostPort(localAddr.String())
	if err != nil {
		return nil, 0
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, 0
	}
	return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// clientDatagram is the unreliable transport used by a dialing Endpoint. It
// prefixes every outgoing datagram with selfID, the NetworkID the server
// assigned this connection during the handshake, so the server's single
// shared socket (see the channel subpackage's UnreliableRouter) can
// demultiplex it to the right connection. Incoming datagrams carry no such
// prefix, since the server addresses this Endpoint's private port directly.
type clientDatagram struct {
	conn   *net.UDPConn
	raddr  *net.UDPAddr
	selfID NetworkID
}

func newClientDatagram(conn *net.UDPConn, raddr *net.UDPAddr, selfID NetworkID) *clientDatagram {
	return &clientDatagram{conn: conn, raddr: raddr, selfID: selfID}
}

func (c *clientDatagram) SendDatagram(payload []byte) error {
	buf := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(buf[:2], uint16(c.selfID))
	copy(buf[2:], payload)
	_, err := c.conn.WriteToUDP(buf, c.raddr)
	return err
}

func (c *clientDatagram) RecvDatagram() ([]byte, error) {
	buf := make([]byte, 65535)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (c *clientDatagram) Close() error { return c.conn.Close() }
