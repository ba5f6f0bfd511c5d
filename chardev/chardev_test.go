package chardev

import (
	"bytes"
	"testing"
	"time"
)

func TestLoopbackConnectsBothEnds(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()
	defer b.Close()

	msg := []byte("vhci")
	done := make(chan error, 1)
	go func() {
		_, err := a.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := b.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestLoopbackSupportsReadDeadline(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()
	defer b.Close()

	if err := b.SetReadDeadline(time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := b.Read(buf); err == nil {
		t.Fatal("expected a timeout error reading past a deadline with no data")
	}
}
