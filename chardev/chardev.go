// Package chardev exposes a port's character-device surface: the
// byte-stream endpoint over which the emulator exchanges wire frames
// with the vhci controller.
//
// It is grounded on _examples/ardnew-softusb/host/hal/linux (a real
// /dev/bus/usb node opened and driven with ioctl) and
// _examples/ardnew-softusb/host/hal/fifo (an in-process substitute
// backend for tests and non-Linux development), split the same way: a
// small cross-platform Conn abstraction here, a real Linux backend
// behind a build tag in linux.go.
package chardev

import (
	"io"
	"net"
	"time"
)

// Conn is a full-duplex, deadline-capable byte stream: what wire.Codec
// needs from either a real character device file or an in-memory
// stand-in. *os.File and net.Conn both already satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
}

// Info identifies which controller/port a character device endpoint
// belongs to, the Go equivalent of vdphci_info from
// _examples/original_source/include/vdphci-common.h.
type Info struct {
	BusNum  int
	PortNum int
}

// pipeConn adapts net.Conn (as returned by net.Pipe) to Conn; net.Conn
// already implements SetReadDeadline, so this exists only to document the
// intended use at the call site.
type pipeConn struct {
	net.Conn
}

// NewLoopback returns a pair of connected in-memory endpoints, standing
// in for a character device's two sides (controller and emulator) in
// tests, the way _examples/ardnew-softusb/host/hal/fifo's named pipes
// stand in for a real transport without a kernel driver.
func NewLoopback() (a, b Conn) {
	x, y := net.Pipe()
	return pipeConn{x}, pipeConn{y}
}
