package gadget

import (
	"fmt"
	"sync"

	"github.com/ardnew/vusb/internal/vlog"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Isochronous synchronization types (bits 2-3 of Attributes).
const (
	IsoSyncNone     = 0x00
	IsoSyncAsync    = 0x04
	IsoSyncAdaptive = 0x08
	IsoSyncSync     = 0x0C
)

// Isochronous usage types (bits 4-5 of Attributes).
const (
	IsoUsageData     = 0x00
	IsoUsageFeedback = 0x10
	IsoUsageImplicit = 0x20
)

// Endpoint represents one endpoint of the emulated gadget, tracking the
// runtime state (stall, data toggle, frame number) the static descriptor
// does not carry.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	mutex       sync.Mutex
	stalled     bool
	dataToggle  bool
	frameNumber uint16
}

// NewEndpoint creates an Endpoint from its descriptor fields.
func NewEndpoint(desc *EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 { return e.Address & 0x0F }

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (e *Endpoint) Direction() uint8 { return e.Address & 0x80 }

// IsIn reports whether this is an IN (device-to-host) endpoint.
func (e *Endpoint) IsIn() bool { return e.Direction() == EndpointDirectionIn }

// IsOut reports whether this is an OUT (host-to-device) endpoint.
func (e *Endpoint) IsOut() bool { return e.Direction() == EndpointDirectionOut }

// TransferType returns the endpoint's transfer type.
func (e *Endpoint) TransferType() uint8 { return e.Attributes & 0x03 }

// IsControl reports whether this is a control endpoint.
func (e *Endpoint) IsControl() bool { return e.TransferType() == EndpointTypeControl }

// IsBulk reports whether this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool { return e.TransferType() == EndpointTypeBulk }

// IsInterrupt reports whether this is an interrupt endpoint.
func (e *Endpoint) IsInterrupt() bool { return e.TransferType() == EndpointTypeInterrupt }

// IsIsochronous reports whether this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool { return e.TransferType() == EndpointTypeIsochronous }

// SetStall sets or clears the halt condition (USB 2.0 §9.4.5).
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stalled = stalled
	vlog.Debug(vlog.ComponentGadget, "endpoint stall changed",
		"address", fmt.Sprintf("0x%02X", e.Address), "stalled", stalled)
}

// IsStalled reports whether the endpoint is halted.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// DataToggle returns the current DATA0/DATA1 toggle state.
func (e *Endpoint) DataToggle() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dataToggle
}

// ToggleData flips the data toggle state.
func (e *Endpoint) ToggleData() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.dataToggle = !e.dataToggle
}

// ResetDataToggle resets the toggle to DATA0, as required on
// CLEAR_FEATURE(ENDPOINT_HALT) and on SET_INTERFACE/SET_CONFIGURATION.
func (e *Endpoint) ResetDataToggle() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.dataToggle = false
}

// FrameNumber returns the current (micro)frame number for isochronous
// and interrupt scheduling.
func (e *Endpoint) FrameNumber() uint16 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.frameNumber
}

// SetFrameNumber sets the frame number, as used by SYNCH_FRAME (USB 2.0
// §9.4.9).
func (e *Endpoint) SetFrameNumber(frame uint16) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.frameNumber = frame
}

// Descriptor reconstructs this endpoint's EndpointDescriptor.
func (e *Endpoint) Descriptor() *EndpointDescriptor {
	return &EndpointDescriptor{
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}
