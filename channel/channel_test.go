// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"net"
	"testing"

	"github.com/kellnerd/shareproto"
	"github.com/kellnerd/shareproto/channel"
)

func TestDirectRoundTrip(t *testing.T) {
	a, b := channel.Direct()

	want := &shareproto.Packet{Kind: 2, Payload: []byte("hello")}
	sent := make(chan error, 1)
	go func() { sent <- a.Send(want) }() // Direct is unbuffered: Send waits for Recv
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-sent; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Kind != want.Kind || string(got.Payload) != string(want.Payload) {
		t.Errorf("Recv: got %+v, want %+v", got, want)
	}
}

func TestDirectCloseUnblocksPeer(t *testing.T) {
	a, b := channel.Direct()

	done := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		done <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; !errors.Is(err, net.ErrClosed) {
		t.Errorf("peer Recv after Close: got %v, want net.ErrClosed", err)
	}
}

func TestDirectCloseIsIdempotent(t *testing.T) {
	a, _ := channel.Direct()
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("second Close: got %v, want net.ErrClosed (recovered double-close)", err)
	}
}

func TestIORoundTrip(t *testing.T) {
	rc1, wc1 := net.Pipe()
	rc2, wc2 := net.Pipe()
	defer rc1.Close()
	defer wc1.Close()
	defer rc2.Close()
	defer wc2.Close()

	// Side A writes to wc1 (read by side B's rc1) and reads from rc2 (fed by
	// side B's wc2); side B is the mirror image.
	a := channel.IO(rc2, wc1)
	b := channel.IO(rc1, wc2)

	want := &shareproto.Packet{Kind: 7, Payload: []byte("payload")}
	done := make(chan error, 1)
	go func() { done <- a.Send(want) }()

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Kind != want.Kind || string(got.Payload) != string(want.Payload) {
		t.Errorf("Recv: got %+v, want %+v", got, want)
	}
}

func TestIOEmptyPayload(t *testing.T) {
	rc, wc := net.Pipe()
	defer rc.Close()
	defer wc.Close()

	a := channel.IO(rc, wc)
	want := &shareproto.Packet{Kind: 1}
	done := make(chan error, 1)
	go func() { done <- a.Send(want) }()

	got, err := a.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Kind != want.Kind || len(got.Payload) != 0 {
		t.Errorf("Recv: got %+v, want empty-payload Kind %v", got, want.Kind)
	}
}
