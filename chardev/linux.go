//go:build linux

package chardev

import (
	"os"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/ardnew/vusb/internal/vlog"
)

// vdphciInfo mirrors struct vdphci_info from
// _examples/original_source/include/vdphci-common.h.
type vdphciInfo struct {
	BusNum  int32
	PortNum int32
}

// getInfoRequest is the encoded VDPHCI_IOC_GET_INFO request number:
// _IOR('V', 0, struct vdphci_info), built the same way
// _examples/Daedaluz-gousb/usbfs/ioctl.go builds its USBDEVFS_* request
// numbers.
var getInfoRequest = ioctl.IOR('V', 0, unsafe.Sizeof(vdphciInfo{}))

// Device is a real Linux vhci character device node, opened read/write
// and queried for its bus/port assignment via ioctl.
type Device struct {
	f    *os.File
	info Info
}

// Open opens the character device at path and queries its Info via
// VDPHCI_IOC_GET_INFO.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var raw vdphciInfo
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), getInfoRequest, uintptr(unsafe.Pointer(&raw))); errno != 0 {
		f.Close()
		return nil, errno
	}

	d := &Device{
		f:    f,
		info: Info{BusNum: int(raw.BusNum), PortNum: int(raw.PortNum)},
	}
	vlog.Info(vlog.ComponentChardev, "opened vhci character device",
		"path", path, "bus", d.info.BusNum, "port", d.info.PortNum)
	return d, nil
}

// Conn returns the underlying byte stream for framing with wire.Codec.
func (d *Device) Conn() Conn { return d.f }

// Info returns the bus/port this device node was assigned by the driver.
func (d *Device) Info() Info { return d.info }

// Close closes the underlying file.
func (d *Device) Close() error { return d.f.Close() }
