package gadget

import (
	"encoding/binary"

	"github.com/ardnew/vusb/internal/verrs"
)

// MaxDescriptorResponseSize bounds the pre-allocated response buffer,
// sized for the largest configuration descriptor this stack emits.
const MaxDescriptorResponseSize = 512

// StandardRequestHandler services Chapter 9 standard requests
// (USB 2.0 §9.4) against a Device.
type StandardRequestHandler struct {
	device *Device

	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler bound to dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// HandleSetup processes a standard SETUP request, returning the response
// payload (possibly nil) or an error.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, verrs.ErrInvalidRequest
	}
	switch setup.Recipient() {
	case RequestRecipientDevice:
		return h.handleDeviceRequest(setup)
	case RequestRecipientInterface:
		return h.handleInterfaceRequest(setup)
	case RequestRecipientEndpoint:
		return h.handleEndpointRequest(setup)
	default:
		return nil, verrs.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getDeviceStatus(setup)
	case RequestClearFeature:
		return h.clearDeviceFeature(setup)
	case RequestSetFeature:
		return h.setDeviceFeature(setup)
	case RequestSetAddress:
		return nil, h.device.SetAddress(uint8(setup.Value & 0x7F))
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestSetDescriptor:
		return nil, verrs.ErrNotSupported
	case RequestGetConfiguration:
		return h.getConfiguration()
	case RequestSetConfiguration:
		return nil, h.device.SetConfiguration(uint8(setup.Value & 0xFF))
	default:
		return nil, verrs.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getInterfaceStatus(setup)
	case RequestClearFeature, RequestSetFeature:
		return nil, nil // no standard interface features defined
	case RequestGetInterface:
		return h.getInterface(setup)
	case RequestSetInterface:
		return nil, h.setInterface(setup)
	default:
		return nil, verrs.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getEndpointStatus(setup)
	case RequestClearFeature:
		return nil, h.clearEndpointFeature(setup)
	case RequestSetFeature:
		return nil, h.setEndpointFeature(setup)
	case RequestSynchFrame:
		return h.synchFrame(setup)
	default:
		return nil, verrs.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDeviceStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, verrs.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], uint16(h.device.GetStatus()))
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) clearDeviceFeature(setup *SetupPacket) ([]byte, error) {
	if setup.Value != FeatureDeviceRemoteWakeup {
		return nil, verrs.ErrInvalidRequest
	}
	h.device.EnableRemoteWakeup(false)
	return nil, nil
}

func (h *StandardRequestHandler) setDeviceFeature(setup *SetupPacket) ([]byte, error) {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(true)
		return nil, nil
	case FeatureTestMode:
		return nil, verrs.ErrNotSupported
	default:
		return nil, verrs.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	descType := setup.DescriptorType()
	descIndex := setup.DescriptorIndex()
	maxLen := int(setup.Length)

	var n int
	switch descType {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		config := h.device.GetConfiguration(descIndex + 1)
		if config == nil {
			return nil, verrs.ErrInvalidRequest
		}
		n = config.MarshalTo(h.responseBuf[:])

	case DescriptorTypeString:
		data := h.device.GetString(descIndex)
		if data == nil {
			return nil, verrs.ErrInvalidRequest
		}
		n = copy(h.responseBuf[:], data)

	case DescriptorTypeDeviceQualifier:
		if h.device.Speed() != SpeedHigh {
			return nil, verrs.ErrNotSupported
		}
		n = MarshalQualifierTo(h.device.Descriptor, h.responseBuf[:])

	case DescriptorTypeOtherSpeedConfig:
		return nil, verrs.ErrNotSupported

	default:
		return nil, verrs.ErrInvalidRequest
	}

	if n == 0 {
		return nil, verrs.ErrShortBuffer
	}
	if n > maxLen {
		n = maxLen
	}
	return h.responseBuf[:n], nil
}

func (h *StandardRequestHandler) getConfiguration() ([]byte, error) {
	config := h.device.ActiveConfiguration()
	if config == nil {
		return []byte{0}, nil
	}
	return []byte{config.Value}, nil
}

func (h *StandardRequestHandler) getInterfaceStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, verrs.ErrInvalidRequest
	}
	if h.device.GetInterface(setup.InterfaceNumber()) == nil {
		return nil, verrs.ErrInvalidRequest
	}
	return []byte{0, 0}, nil
}

func (h *StandardRequestHandler) getInterface(setup *SetupPacket) ([]byte, error) {
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, verrs.ErrInvalidRequest
	}
	return []byte{iface.AlternateSetting}, nil
}

func (h *StandardRequestHandler) setInterface(setup *SetupPacket) error {
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return verrs.ErrInvalidRequest
	}
	return iface.SetAlternate(uint8(setup.Value & 0xFF))
}

func (h *StandardRequestHandler) getEndpointStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, verrs.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, verrs.ErrInvalidEndpoint
	}
	var status uint16
	if ep.IsStalled() {
		status = 1
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], status)
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) clearEndpointFeature(setup *SetupPacket) error {
	if setup.Value != FeatureEndpointHalt {
		return verrs.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return verrs.ErrInvalidEndpoint
	}
	ep.SetStall(false)
	ep.ResetDataToggle()
	return nil
}

func (h *StandardRequestHandler) setEndpointFeature(setup *SetupPacket) error {
	if setup.Value != FeatureEndpointHalt {
		return verrs.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return verrs.ErrInvalidEndpoint
	}
	ep.SetStall(true)
	return nil
}

func (h *StandardRequestHandler) synchFrame(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, verrs.ErrInvalidRequest
	}
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, verrs.ErrInvalidEndpoint
	}
	if !ep.IsIsochronous() {
		return nil, verrs.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], ep.FrameNumber())
	return h.responseBuf[:2], nil
}
