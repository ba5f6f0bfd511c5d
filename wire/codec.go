package wire

import (
	"context"
	"io"
	"time"

	"github.com/ardnew/vusb/internal/verrs"
)

// MaxFrameLength caps a single frame's payload to guard against a
// corrupt length field driving an unbounded allocation.
const MaxFrameLength = 64 * 1024

// deadlineSetter is implemented by connections that support per-call read
// deadlines (os.File, net.Conn). Codec uses it to make ReadFrame
// cancellable via ctx the way _examples/ardnew-softusb's fifo HAL polls a
// file with a short deadline instead of spawning a reader goroutine.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// pollInterval is the deadline granularity used to check ctx cancellation
// between read attempts on a connection that supports deadlines.
const pollInterval = 100 * time.Millisecond

// Codec reads and writes whole frames (header plus payload) over a byte
// stream, the user-space counterpart of the kernel character device's
// read()/write() framing. It holds no buffering state between frames; one
// Codec must not be used from multiple goroutines concurrently, matching
// the single-reader/single-writer use of a port's character device.
type Codec struct {
	rw  io.ReadWriter
	buf []byte
}

// NewCodec wraps rw for frame-oriented I/O.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw, buf: make([]byte, HeaderSize)}
}

// ReadFrame reads one frame's header and payload, returning the decoded
// header and a payload slice valid until the next ReadFrame call. If rw
// supports SetReadDeadline, the read is cancellable via ctx; otherwise it
// blocks until data arrives or rw returns an error.
func (c *Codec) ReadFrame(ctx context.Context) (Header, []byte, error) {
	if _, err := c.readFull(ctx, c.buf[:HeaderSize]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(c.buf[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	if h.Length > MaxFrameLength {
		return Header{}, nil, verrs.ErrProtocol
	}
	if cap(c.buf) < int(h.Length) {
		c.buf = make([]byte, h.Length)
	}
	payload := c.buf[:h.Length]
	if h.Length > 0 {
		if _, err := c.readFull(ctx, payload); err != nil {
			return Header{}, nil, err
		}
	}
	return h, payload, nil
}

// WriteFrame writes a frame with the given type tag and payload.
func (c *Codec) WriteFrame(typeTag uint32, payload []byte) error {
	hdr := make([]byte, HeaderSize)
	(Header{Type: typeTag, Length: uint32(len(payload))}).MarshalTo(hdr)
	if _, err := c.rw.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.rw.Write(payload)
	return err
}

// readFull reads exactly len(buf) bytes, honoring ctx cancellation when
// the underlying connection supports read deadlines.
func (c *Codec) readFull(ctx context.Context, buf []byte) (int, error) {
	ds, cancellable := c.rw.(deadlineSetter)
	if !cancellable {
		return io.ReadFull(c.rw, buf)
	}

	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		ds.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.rw.Read(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			continue
		}
		return total, err
	}
	return total, nil
}
