package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/ardnew/vusb/internal/verrs"
)

// loopback is an io.ReadWriter backed by a single buffer: what a Codec
// writes is what it reads back next, without pulling in net.Pipe's
// goroutine synchronization, which WriteFrame/ReadFrame don't need in a
// single sequential test.
type loopback struct {
	bytes.Buffer
}

func TestCodecWriteThenReadFrame(t *testing.T) {
	lb := &loopback{}
	c := NewCodec(lb)

	payload := []byte{1, 2, 3, 4, 5}
	if err := c.WriteFrame(uint32(HEventURB), payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	h, got, err := c.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if h.Type != uint32(HEventURB) || h.Length != uint32(len(payload)) {
		t.Fatalf("header mismatch: %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %v, want %v", got, payload)
	}
}

func TestCodecZeroLengthPayload(t *testing.T) {
	lb := &loopback{}
	c := NewCodec(lb)
	if err := c.WriteFrame(uint32(HEventSignal), nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	h, got, err := c.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if h.Length != 0 || len(got) != 0 {
		t.Fatalf("expected empty payload, got %+v %v", h, got)
	}
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	lb := &loopback{}
	hdr := Header{Type: uint32(HEventURB), Length: MaxFrameLength + 1}
	buf := make([]byte, HeaderSize)
	hdr.MarshalTo(buf)
	lb.Write(buf)

	c := NewCodec(lb)
	if _, _, err := c.ReadFrame(context.Background()); err != verrs.ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestCodecReadFrameEmptyBufferWithoutDeadlineFails(t *testing.T) {
	lb := &loopback{}
	c := NewCodec(lb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// lb has no deadlineSetter, so ReadFrame never consults ctx; with an
	// empty buffer io.ReadFull returns io.EOF immediately, matching the
	// documented behavior for non-deadline-capable connections.
	if _, _, err := c.ReadFrame(ctx); err == nil {
		t.Fatal("expected an error reading from an empty buffer")
	}
}

func TestCodecMultipleFramesSequentially(t *testing.T) {
	lb := &loopback{}
	c := NewCodec(lb)

	frames := [][]byte{{0xAA}, {0xBB, 0xCC}, {}}
	for i, f := range frames {
		if err := c.WriteFrame(uint32(i), f); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	for i, want := range frames {
		h, got, err := c.ReadFrame(context.Background())
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if h.Type != uint32(i) {
			t.Fatalf("frame %d: type = %d, want %d", i, h.Type, i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: payload = %v, want %v", i, got, want)
		}
	}
}
