// Package hub implements the virtual root hub that aggregates a
// controller's ports: the hub descriptor, the hub-class control surface
// (GetHubDescriptor, GetHubStatus, GetPortStatus, Set/ClearPortFeature),
// and the per-port status-change bitmap the host stack polls.
//
// It is grounded on vdphci_hub_control/vdphci_hub_status_data
// (_examples/original_source/modules/vdphci/vdphci_hcd.c): deadlines for
// reset and resume are resolved lazily whenever the hub is polled or
// controlled, never by a background timer, matching that source's
// time_after(jiffies, re_timeout) checks.
package hub

import (
	"sync"
	"time"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
)

// Port feature selectors (USB 2.0 Table 11-17).
const (
	FeatPortConnection   = 0
	FeatPortEnable       = 1
	FeatPortSuspend      = 2
	FeatPortOverCurrent  = 3
	FeatPortReset        = 4
	FeatPortPower        = 8
	FeatPortLowSpeed     = 9
	FeatCPortConnection  = 16
	FeatCPortEnable      = 17
	FeatCPortSuspend     = 18
	FeatCPortOverCurrent = 19
	FeatCPortReset       = 20
)

// Request identifies a hub-class control request, named after the Linux
// hub_control dispatch this package is grounded on. The caller (the
// device-side hub class driver) is responsible for mapping bRequest and
// the bmRequestType recipient bit onto one of these.
type Request uint8

// Hub-class control requests.
const (
	RequestClearHubFeature Request = iota
	RequestClearPortFeature
	RequestGetHubDescriptor
	RequestGetHubStatus
	RequestGetPortStatus
	RequestSetHubFeature
	RequestSetPortFeature
)

// Controller aggregates a fixed set of ports behind one virtual hub.
type Controller struct {
	mu    sync.Mutex
	ports []*port.Port
}

// New creates a Controller owning numPorts freshly constructed ports,
// numbered 1..numPorts.
func New(numPorts int) *Controller {
	c := &Controller{ports: make([]*port.Port, numPorts)}
	for i := range c.ports {
		c.ports[i] = port.New(i+1, 0)
	}
	return c
}

// NumPorts returns the number of ports this hub presents.
func (c *Controller) NumPorts() int { return len(c.ports) }

// Port returns the port numbered n (1-based), or nil if out of range.
func (c *Controller) Port(n int) *port.Port {
	if n < 1 || n > len(c.ports) {
		return nil
	}
	return c.ports[n-1]
}

// bitmapBytes returns the number of bytes needed to hold one bit per port
// plus the hub's own bit 0, per USB 2.0 §11.23.2.1's DeviceRemovable
// layout.
func bitmapBytes(numPorts int) int {
	return (numPorts + 1 + 7) / 8
}

// HubDescriptorSize returns the byte size of this hub's descriptor.
func (c *Controller) HubDescriptorSize() int {
	return 7 + 2*bitmapBytes(len(c.ports))
}

// Hub characteristics bits (USB 2.0 Table 11-13). Both power-switching
// and over-current reporting are per-port ("individual"), never ganged
// (spec.md §6).
const (
	hubCharIndividualPowerSwitching = 0x0001
	hubCharIndividualOverCurrent    = 0x0008
)

const hubDescriptorType = 0x29 // USB_DT_HUB

// MarshalDescriptorTo writes this hub's class descriptor
// (bLength/bDescriptorType/bNbrPorts/wHubCharacteristics/
// bPwrOn2PwrGood/bHubContrCurrent/DeviceRemovable/PortPwrCtrlMask) to buf,
// returning the number of bytes written or 0 if buf is too small.
func (c *Controller) MarshalDescriptorTo(buf []byte) int {
	n := c.HubDescriptorSize()
	if len(buf) < n {
		return 0
	}
	nb := bitmapBytes(len(c.ports))
	buf[0] = uint8(n)
	buf[1] = hubDescriptorType
	buf[2] = uint8(len(c.ports))
	buf[3] = uint8(hubCharIndividualPowerSwitching | hubCharIndividualOverCurrent)
	buf[4] = uint8((hubCharIndividualPowerSwitching | hubCharIndividualOverCurrent) >> 8)
	buf[5] = 50 // bPwrOn2PwrGood, arbitrary 100ms in 2ms units
	buf[6] = 0  // bHubContrCurrent, no current draw to report
	for i := 0; i < nb; i++ {
		buf[7+i] = 0xFF
	}
	for i := 0; i < nb; i++ {
		buf[7+nb+i] = 0x00 // PortPwrCtrlMask: unused under individual switching
	}
	return n
}

// pollAll resolves every port's lazily-evaluated reset/resume deadlines,
// mirroring vdphci_hub_status_data's per-poll deadline check.
func (c *Controller) pollAll(now time.Time) {
	for _, p := range c.ports {
		p.Poll(now)
	}
}

// changeMask is the OR of every port status-change bit, used to decide
// whether a port contributed to the status-change bitmap.
const changeMask = port.StatCConnection | port.StatCEnable | port.StatCSuspend |
	port.StatCOverCurrent | port.StatCReset

// StatusChangeBitmap polls every port's deadlines, then returns the
// hub-status-data style event bitmap: bit (n+1) set when port n (1-based)
// has a pending status change, mirroring vdphci_hub_status_data. The
// return value is nil if no port changed.
func (c *Controller) StatusChangeBitmap() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pollAll(now)

	var bits uint32
	for i, p := range c.ports {
		if p.Status()&changeMask != 0 {
			bits |= 1 << uint(i+1)
		}
	}
	if bits == 0 {
		return nil
	}
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

// Control services one hub-class control request, writing any response
// payload to buf and returning the number of bytes written. A
// ClearPortFeature(PORT_ENABLE) or SetPortFeature(PORT_POWER-off, if ever
// added) may orphan in-flight transfers; the caller must deliver any
// returned Giveback records to the host stack, mirroring how Port's own
// mutators hand back gives outside their lock.
func (c *Controller) Control(req Request, value, index uint16, buf []byte) (int, []port.Giveback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req {
	case RequestClearHubFeature:
		return 0, nil, nil

	case RequestGetHubDescriptor:
		return c.MarshalDescriptorTo(buf), nil, nil

	case RequestGetHubStatus:
		if len(buf) < 4 {
			return 0, nil, verrs.ErrShortBuffer
		}
		buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 0
		return 4, nil, nil

	case RequestSetHubFeature:
		return 0, nil, verrs.ErrNotSupported

	case RequestClearPortFeature:
		p := c.Port(int(index))
		if p == nil {
			return 0, nil, verrs.ErrNotFound
		}
		gb, err := c.clearPortFeature(p, value)
		return 0, gb, err

	case RequestSetPortFeature:
		p := c.Port(int(index))
		if p == nil {
			return 0, nil, verrs.ErrNotFound
		}
		return 0, nil, c.setPortFeature(p, value)

	case RequestGetPortStatus:
		p := c.Port(int(index))
		if p == nil {
			return 0, nil, verrs.ErrNotFound
		}
		if len(buf) < 4 {
			return 0, nil, verrs.ErrShortBuffer
		}
		p.Poll(time.Now())
		st := p.Status()
		buf[0], buf[1] = byte(st), byte(st>>8)
		buf[2], buf[3] = byte(st>>16), byte(st>>24)
		return 4, nil, nil

	default:
		return 0, nil, verrs.ErrInvalidRequest
	}
}

func (c *Controller) clearPortFeature(p *port.Port, feature uint16) ([]port.Giveback, error) {
	switch feature {
	case FeatPortEnable:
		return p.Disable(), nil
	case FeatPortSuspend:
		if p.Status()&port.StatSuspend != 0 {
			p.ResumeStart()
		}
	case FeatCPortConnection:
		p.ClearChange(port.StatCConnection)
	case FeatCPortEnable:
		p.ClearChange(port.StatCEnable)
	case FeatCPortSuspend:
		p.ClearChange(port.StatCSuspend)
	case FeatCPortOverCurrent:
		p.ClearChange(port.StatCOverCurrent)
	case FeatCPortReset:
		p.ClearChange(port.StatCReset)
	default:
		return nil, verrs.ErrInvalidRequest
	}
	return nil, nil
}

func (c *Controller) setPortFeature(p *port.Port, feature uint16) error {
	switch feature {
	case FeatPortSuspend:
		if p.Enabled() {
			p.Suspend()
		}
	case FeatPortPower:
		p.PowerOn()
	case FeatPortReset:
		return p.Reset()
	default:
		return verrs.ErrInvalidRequest
	}
	return nil
}
