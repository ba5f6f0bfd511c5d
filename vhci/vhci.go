// Package vhci is the top-level virtual host-controller: it owns the
// root hub's ports (package hub/port) and, for each attached port, pumps
// events between the port's queue and a character-device connection to
// a device emulator (package emulator), mirroring the split between the
// vdphci kernel module and its userspace emulator process that the rest
// of this module's design is grounded on.
//
// It is grounded on _examples/ardnew-softusb/device/device.go's
// DeviceBuilder for the fluent attach-and-configure style and on
// _examples/ardnew-softusb/device/stack.go's Stack for the
// one-goroutine-per-direction pump shape, generalized from a single
// in-process HAL call to a framed wire protocol that may cross a real
// character device.
package vhci

import (
	"context"
	"sync"

	"github.com/ardnew/vusb/chardev"
	"github.com/ardnew/vusb/emulator"
	"github.com/ardnew/vusb/gadget"
	"github.com/ardnew/vusb/hub"
	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
	"github.com/ardnew/vusb/marshal"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/wire"
)

// Controller is the host-facing virtual host-controller: a hub.Controller
// plus, per attached port, the pump goroutines that move events between
// the port's queue and its character-device connection.
type Controller struct {
	hub *hub.Controller

	mu    sync.Mutex
	slots []*portSlot

	onCompletion func(portNum int, c Completion)
}

// Completion pairs a transfer's terminal disposition with the
// IN-direction payload the device returned, if any. port.Record itself
// never carries payload bytes (see DESIGN.md's marshal entry), so the
// bytes a completed IN transfer produced have to travel alongside the
// Giveback rather than inside it.
// Data aliases the inbound pump's read buffer and is only valid for the
// duration of the SetOnCompletion callback; copy it to retain it.
type Completion struct {
	Giveback port.Giveback
	Data     []byte
}

type portSlot struct {
	port  *port.Port
	conn  chardev.Conn
	codec *wire.Codec

	mu       sync.Mutex
	outData  map[uint32][]byte
	inFlight map[uint32]*port.Record

	cancel context.CancelFunc
}

// New creates a Controller presenting numPorts ports on its root hub.
func New(numPorts int) *Controller {
	return &Controller{
		hub:   hub.New(numPorts),
		slots: make([]*portSlot, numPorts),
	}
}

// Hub returns the underlying hub controller, for servicing hub-class
// control requests (GetPortStatus, SetPortFeature, and so on).
func (c *Controller) Hub() *hub.Controller { return c.hub }

// SetOnCompletion installs the callback invoked whenever a transfer is
// removed from a port's queue with its terminal disposition. The
// callback runs on the port's inbound pump goroutine (or, for a
// same-call unlink race, on the calling goroutine of Cancel) and must
// not block.
func (c *Controller) SetOnCompletion(cb func(portNum int, comp Completion)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompletion = cb
}

func (c *Controller) deliver(portNum int, gb port.Giveback, data []byte) {
	c.mu.Lock()
	cb := c.onCompletion
	c.mu.Unlock()
	if cb != nil && gb.Record != nil {
		cb(portNum, Completion{Giveback: gb, Data: data})
	}
}

func (c *Controller) deliverAll(portNum int, gbs []port.Giveback) {
	for _, gb := range gbs {
		c.deliver(portNum, gb, nil)
	}
}

// Attach wires portNum to conn: it marks the port connected at speed and
// starts the outbound (port.WaitEvent -> wire frame) and inbound (wire
// frame -> port.Complete) pump goroutines. conn is typically one end of
// a chardev.NewLoopback pair or a real chardev.Device; the other end is
// the caller's responsibility to drive (see AttachEmulated for the
// common in-process case).
func (c *Controller) Attach(ctx context.Context, portNum int, speed port.Speed, conn chardev.Conn) error {
	p := c.hub.Port(portNum)
	if p == nil {
		return verrs.ErrNotFound
	}

	slot := &portSlot{
		port:     p,
		conn:     conn,
		codec:    wire.NewCodec(conn),
		outData:  make(map[uint32][]byte),
		inFlight: make(map[uint32]*port.Record),
	}

	c.mu.Lock()
	if c.slots[portNum-1] != nil {
		c.mu.Unlock()
		return verrs.ErrBusy
	}
	c.slots[portNum-1] = slot
	c.mu.Unlock()

	if err := p.Attach(speed); err != nil {
		c.mu.Lock()
		c.slots[portNum-1] = nil
		c.mu.Unlock()
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	slot.cancel = cancel

	go c.pumpOutbound(pctx, portNum, slot)
	go c.pumpInbound(pctx, portNum, slot)
	return nil
}

// AttachEmulated is the common case: it creates an in-memory loopback
// connection, runs dev's emulator.Emulator on one end in its own
// goroutine, and Attaches this controller's port side to the other end.
// It returns the Emulator so the caller can RegisterEndpoint handlers
// before traffic begins.
func (c *Controller) AttachEmulated(ctx context.Context, portNum int, dev *gadget.Device, speed port.Speed) (*emulator.Emulator, error) {
	hostConn, deviceConn := chardev.NewLoopback()

	if err := c.Attach(ctx, portNum, speed, hostConn); err != nil {
		deviceConn.Close()
		hostConn.Close()
		return nil, err
	}

	emu := emulator.New(dev, deviceConn)
	go func() {
		if err := emu.Run(ctx); err != nil {
			vlog.Info(vlog.ComponentVHCI, "port emulator stopped", "port", portNum, "error", err)
		}
	}()
	return emu, nil
}

// Detach tears down portNum's pump goroutines and connection, and
// returns the port to its detached state, flushing any in-flight
// transfers. The returned givebacks are also delivered to the
// SetOnCompletion callback before Detach returns.
func (c *Controller) Detach(portNum int) []port.Giveback {
	c.mu.Lock()
	slot := c.slotLocked(portNum)
	if slot != nil {
		c.slots[portNum-1] = nil
	}
	c.mu.Unlock()
	if slot == nil {
		return nil
	}

	if slot.cancel != nil {
		slot.cancel()
	}
	slot.conn.Close()

	gb := slot.port.Detach()
	c.deliverAll(portNum, gb)
	return gb
}

func (c *Controller) slotLocked(portNum int) *portSlot {
	if portNum < 1 || portNum > len(c.slots) {
		return nil
	}
	return c.slots[portNum-1]
}

func (c *Controller) slot(portNum int) *portSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotLocked(portNum)
}

// Submit queues a host-to-device transfer on portNum. data is the
// OUT-direction payload (nil for IN transfers) and is retained until the
// outbound pump delivers the transfer to the emulator.
func (c *Controller) Submit(portNum int, r *port.Record, data []byte) (uint32, error) {
	p := c.hub.Port(portNum)
	if p == nil {
		return 0, verrs.ErrNotFound
	}
	slot := c.slot(portNum)
	if slot == nil {
		return 0, verrs.ErrInvalidState
	}

	seq, err := p.Submit(r)
	if err != nil {
		return 0, err
	}
	r.SeqNum = seq

	if len(data) > 0 {
		slot.mu.Lock()
		slot.outData[seq] = data
		slot.mu.Unlock()
	}
	return seq, nil
}

// Cancel requests unlinking the transfer with the given sequence number
// on portNum, mirroring Port.Cancel's immediate-or-deferred semantics.
// If the cancellation resolves immediately, the giveback is delivered to
// the SetOnCompletion callback before Cancel returns.
func (c *Controller) Cancel(portNum int, seq uint32) {
	p := c.hub.Port(portNum)
	if p == nil {
		return
	}
	gb, delivered := p.Cancel(seq)
	if delivered {
		c.deliver(portNum, gb, nil)
	}
}

func (c *Controller) pumpOutbound(ctx context.Context, portNum int, slot *portSlot) {
	for {
		ev, err := slot.port.WaitEvent(ctx)
		if err != nil {
			return
		}

		var data []byte
		if ev.Transfer != nil {
			slot.mu.Lock()
			data = slot.outData[ev.Transfer.SeqNum]
			delete(slot.outData, ev.Transfer.SeqNum)
			slot.inFlight[ev.Transfer.SeqNum] = ev.Transfer
			slot.mu.Unlock()
		}

		typeTag, payload, err := marshal.EncodeHostEvent(ev, data)
		if err != nil {
			vlog.Warn(vlog.ComponentVHCI, "failed to encode host event", "port", portNum, "error", err)
			continue
		}
		if err := slot.codec.WriteFrame(typeTag, payload); err != nil {
			vlog.Warn(vlog.ComponentVHCI, "failed to write host event", "port", portNum, "error", err)
			return
		}
	}
}

func (c *Controller) pumpInbound(ctx context.Context, portNum int, slot *portSlot) {
	for {
		h, payload, err := slot.codec.ReadFrame(ctx)
		if err != nil {
			return
		}

		switch wire.DEventType(h.Type) {
		case wire.DEventSignal:
			if _, err := marshal.DecodeDeviceEvent(h, payload, nil); err != nil {
				vlog.Warn(vlog.ComponentVHCI, "dropping malformed device signal", "port", portNum, "error", err)
			}

		case wire.DEventURB:
			hdr, err := wire.ParseDevURBHeader(payload)
			if err != nil {
				vlog.Warn(vlog.ComponentVHCI, "dropping malformed device completion", "port", portNum, "error", err)
				continue
			}
			slot.mu.Lock()
			orig := slot.inFlight[hdr.SeqNum]
			delete(slot.inFlight, hdr.SeqNum)
			slot.mu.Unlock()
			if orig == nil {
				continue
			}
			ev, err := marshal.DecodeDeviceEvent(h, payload, orig)
			if err != nil {
				vlog.Warn(vlog.ComponentVHCI, "failed to decode device completion", "port", portNum, "error", err)
				continue
			}
			gb, ok := slot.port.Complete(hdr.SeqNum, ev.ActualLength, ev.Status)
			if ok {
				c.deliver(portNum, gb, ev.Data)
			}

		default:
			vlog.Warn(vlog.ComponentVHCI, "dropping unknown device event", "port", portNum, "type", h.Type)
		}
	}
}
