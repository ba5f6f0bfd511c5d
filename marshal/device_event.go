package marshal

import (
	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/wire"
)

// DeviceEventKind discriminates the payload carried by a decoded
// DeviceEvent.
type DeviceEventKind uint8

// Device event kinds, mirroring wire.DEventType.
const (
	DeviceEventSignal DeviceEventKind = iota
	DeviceEventCompletion
)

// DeviceEvent is the decoded form of one frame sent from the device
// emulator back to the port/kernel side.
type DeviceEvent struct {
	Kind DeviceEventKind

	// Signal fields, valid when Kind == DeviceEventSignal.
	Attached bool

	// Completion fields, valid when Kind == DeviceEventCompletion.
	SeqNum       uint32
	Status       verrs.CompletionStatus
	ActualLength uint32
	IsoPackets   []port.IsoPacketDesc

	// Data is the IN-direction payload produced by the completion: the
	// device's response for a control/bulk/interrupt IN transfer, or the
	// concatenated per-packet data for an isochronous IN transfer. Nil
	// for OUT transfers. It aliases the frame buffer that produced it.
	Data []byte
}

// EncodeDeviceSignal renders a device attach/detach signal.
func EncodeDeviceSignal(attached bool) (typeTag uint32, payload []byte) {
	buf := make([]byte, wire.DSignalPayloadSize)
	wire.DSignalPayload{Attached: attached}.MarshalTo(buf)
	return uint32(wire.DEventSignal), buf
}

// EncodeDeviceCompletion renders a transfer completion. orig is the
// originating transfer record (as decoded by DecodeHostEvent), used to
// determine whether the trailer carries an isochronous per-packet array
// and/or IN data. data is the IN-direction payload; it must be nil for
// OUT transfers.
func EncodeDeviceCompletion(orig *port.Record, status verrs.CompletionStatus, actualLength uint32, isoResults []port.IsoPacketDesc, data []byte) (typeTag uint32, payload []byte, err error) {
	hdr := wire.DevURBHeader{
		SeqNum:       orig.SeqNum,
		Status:       status,
		ActualLength: actualLength,
	}

	trailer := 0
	if orig.Type == port.TransferIsochronous {
		if len(isoResults) != len(orig.IsoPackets) {
			return 0, nil, verrs.ErrInvalidRequest
		}
		trailer += len(isoResults) * wire.IsoPacketReplySize
	}
	if orig.IsIn() {
		trailer += len(data)
	}

	buf := make([]byte, wire.DevURBHeaderSize+trailer)
	off := hdr.MarshalTo(buf)

	if orig.Type == port.TransferIsochronous {
		for _, pkt := range isoResults {
			off += wire.MarshalIsoPacketReply(pkt.Status, pkt.ActualLength, buf[off:])
		}
	}
	if orig.IsIn() {
		off += copy(buf[off:], data)
	}

	return uint32(wire.DEventURB), buf[:off], nil
}

// DecodeDeviceEvent parses a frame received from the device emulator. For
// a completion, orig must be the *port.Record this completion answers,
// so the isochronous/non-isochronous and IN/OUT trailer shape can be
// determined; pass nil when decoding a signal frame.
func DecodeDeviceEvent(h wire.Header, payload []byte, orig *port.Record) (DeviceEvent, error) {
	switch wire.DEventType(h.Type) {
	case wire.DEventSignal:
		s, err := wire.ParseDSignalPayload(payload)
		if err != nil {
			return DeviceEvent{}, err
		}
		return DeviceEvent{Kind: DeviceEventSignal, Attached: s.Attached}, nil

	case wire.DEventURB:
		return decodeDeviceCompletion(payload, orig)

	default:
		return DeviceEvent{}, verrs.ErrProtocol
	}
}

func decodeDeviceCompletion(payload []byte, orig *port.Record) (DeviceEvent, error) {
	if orig == nil {
		return DeviceEvent{}, verrs.ErrInvalidRequest
	}
	hdr, err := wire.ParseDevURBHeader(payload)
	if err != nil {
		return DeviceEvent{}, err
	}
	rest := payload[wire.DevURBHeaderSize:]

	ev := DeviceEvent{
		Kind:         DeviceEventCompletion,
		SeqNum:       hdr.SeqNum,
		Status:       hdr.Status,
		ActualLength: hdr.ActualLength,
	}

	if orig.Type == port.TransferIsochronous {
		ev.IsoPackets = make([]port.IsoPacketDesc, len(orig.IsoPackets))
		off := 0
		for i := range ev.IsoPackets {
			status, actual, err := wire.ParseIsoPacketReply(rest[off:])
			if err != nil {
				return DeviceEvent{}, err
			}
			ev.IsoPackets[i] = port.IsoPacketDesc{ActualLength: actual, Status: status}
			off += wire.IsoPacketReplySize
		}
		if orig.IsIn() {
			ev.Data = rest[off:]
		}
		return ev, nil
	}

	if orig.IsIn() {
		ev.Data = rest
	}
	return ev, nil
}
