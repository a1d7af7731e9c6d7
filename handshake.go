// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import (
	"fmt"
	"io"
	"net"
)

// Handshake messages reuse the ordinary Packet framing (§4.1) so that the
// same length-prefixed encoding serves both the pre-connection preamble and
// the steady-state traffic that follows it; only after the handshake
// completes does the raw conn get wrapped in a [Channel] for regular use.
//
// Neither side needs to wait for the other's write to land before sending
// its own: the server's NetworkID carries no dependency on anything the
// client sends, and each side's own root-type/port announcement does not
// depend on having already read the peer's, so the two goroutine-free
// read/write sequences below never deadlock against each other.

// clientHandshake performs the dialing side of the handshake over conn
// (§4.5): it reads the server's hello first, then sends its own.
func clientHandshake(conn io.ReadWriter, rootType string, unreliablePort uint16) (serverID NetworkID, peerRootType string, peerPort uint16, err error) {
	var hello Packet
	if _, err := hello.ReadFrom(conn); err != nil {
		return 0, "", 0, fmt.Errorf("handshake: read server hello: %w", err)
	}
	if hello.Kind != kindHandshake {
		return 0, "", 0, fmt.Errorf("handshake: unexpected message kind %v", hello.Kind)
	}
	h, err := decodeHandshake(hello.Payload)
	if err != nil {
		return 0, "", 0, fmt.Errorf("handshake: decode server hello: %w", err)
	}

	mine := &handshakeMsg{RootType: rootType, UnreliablePort: unreliablePort}
	out := &Packet{Kind: kindHandshake, Payload: mine.encode()}
	if _, err := out.WriteTo(conn); err != nil {
		return 0, "", 0, fmt.Errorf("handshake: write client hello: %w", err)
	}
	return h.NetworkID, h.RootType, h.UnreliablePort, nil
}

// serverHandshake performs the accepting side of the handshake over conn,
// announcing id as the NetworkID the peer should use to address unreliable
// datagrams back to this connection (§4.5).
func serverHandshake(conn io.ReadWriter, id NetworkID, rootType string, unreliablePort uint16) (peerRootType string, peerPort uint16, err error) {
	mine := &handshakeMsg{NetworkID: id, RootType: rootType, UnreliablePort: unreliablePort}
	out := &Packet{Kind: kindHandshake, Payload: mine.encode()}
	if _, err := out.WriteTo(conn); err != nil {
		return "", 0, fmt.Errorf("handshake: write server hello: %w", err)
	}

	var hello Packet
	if _, err := hello.ReadFrom(conn); err != nil {
		return "", 0, fmt.Errorf("handshake: read client hello: %w", err)
	}
	if hello.Kind != kindHandshake {
		return "", 0, fmt.Errorf("handshake: unexpected message kind %v", hello.Kind)
	}
	h, err := decodeHandshake(hello.Payload)
	if err != nil {
		return "", 0, fmt.Errorf("handshake: decode client hello: %w", err)
	}
	return h.RootType, h.UnreliablePort, nil
}

// unreliableAddr forms the peer's unreliable UDP address from the reliable
// connection's peer address and the port it announced during handshake.
// The host is normalized with [net.IP.To16] so that an IPv4 peer address
// reported in IPv4-in-IPv6 form on a dual-stack listener compares and dials
// consistently with one reported in plain IPv4 form.
func unreliableAddr(reliablePeer net.Addr, port uint16) (*net.UDPAddr, error) {
	host, _, err := net.SplitHostPort(reliablePeer.String())
	if err != nil {
		return nil, fmt.Errorf("unreliable address: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("unreliable address: invalid host %q", host)
	}
	return &net.UDPAddr{IP: ip.To16(), Port: int(port)}, nil
}
