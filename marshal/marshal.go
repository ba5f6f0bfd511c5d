// Package marshal ties the wire frame codecs (package wire) to the
// kernel-side port queue (package port), converting between a delivered
// port.Event / transfer completion and the bytes that cross the
// character device.
//
// It is grounded on _examples/original_source/include/vdphci-common.h's
// event unions (vdphci_hevent_urb/vdphci_devent_urb, each a fixed header
// followed by a transfer-type-specific trailer) and, for the decision to
// keep transfer payload bytes out of port.Record entirely, on
// _examples/ardnew-softusb/device/transfer.go's separation of Transfer
// metadata from its Buffer field: here the metadata (port.Record) and
// payload bytes travel as separate function arguments instead of being
// fused into one struct, since port.Record is shared-by-reference
// queue state while the payload is frame-local and never outlives one
// encode/decode call.
package marshal

import (
	"encoding/binary"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/wire"
)

// HostEventKind discriminates the payload carried by a decoded HostEvent.
type HostEventKind uint8

// Host event kinds, mirroring wire.HEventType.
const (
	HostEventSignal HostEventKind = iota
	HostEventUnlink
	HostEventTransfer
)

// HostEvent is the decoded form of one frame sent from the port/kernel
// side to the device emulator.
type HostEvent struct {
	Kind      HostEventKind
	Signal    port.Signal
	UnlinkSeq uint32
	Transfer  *port.Record

	// Data is the OUT-direction payload trailing a Transfer event: the
	// setup-stage data for a control OUT transfer, or the full transfer
	// body for bulk/interrupt/isochronous OUT. It is nil for IN
	// transfers, whose data the emulator supplies only on completion.
	// It aliases the frame buffer from the Codec that produced it and
	// must be copied by the caller before the next ReadFrame.
	Data []byte
}

// EncodeHostEvent renders a port.Event (as returned by Port.WaitEvent)
// into a wire frame. data is the OUT-direction payload for a Transfer
// event and must be nil for IN transfers and non-transfer events.
func EncodeHostEvent(ev *port.Event, data []byte) (typeTag uint32, payload []byte, err error) {
	switch {
	case ev.Cancel != nil:
		buf := make([]byte, wire.UnlinkPayloadSize)
		wire.UnlinkPayload{SeqNum: ev.Cancel.TargetSeq}.MarshalTo(buf)
		return uint32(wire.HEventUnlink), buf, nil

	case ev.Transfer != nil:
		return encodeHostTransfer(ev.Transfer, data)

	default:
		buf := make([]byte, wire.SignalPayloadSize)
		wire.SignalPayload{Signal: ev.Sig}.MarshalTo(buf)
		return uint32(wire.HEventSignal), buf, nil
	}
}

func encodeHostTransfer(r *port.Record, data []byte) (uint32, []byte, error) {
	hdr := wire.URBHeader{
		SeqNum:          r.SeqNum,
		Type:            r.Type,
		Flags:           r.Flags,
		EndpointAddress: r.EndpointAddress,
		TransferLength:  r.TransferLength,
		NumPackets:      r.NumPackets,
		IntervalMicros:  r.IntervalMicros,
	}

	trailer, err := hostTrailerSize(r, data)
	if err != nil {
		return 0, nil, err
	}

	buf := make([]byte, wire.URBHeaderSize+trailer)
	off := hdr.MarshalTo(buf)

	switch r.Type {
	case port.TransferControl:
		off += copy(buf[off:], r.Setup[:])
		if !r.IsIn() {
			off += copy(buf[off:], data)
		}

	case port.TransferIsochronous:
		for _, pkt := range r.IsoPackets {
			off += wire.MarshalIsoPacketReq(pkt.Length, buf[off:])
		}
		if !r.IsIn() {
			off += copy(buf[off:], data)
		}

	default: // bulk, interrupt
		if !r.IsIn() {
			off += copy(buf[off:], data)
		}
	}

	return uint32(wire.HEventURB), buf[:off], nil
}

func hostTrailerSize(r *port.Record, data []byte) (int, error) {
	switch r.Type {
	case port.TransferControl:
		n := 8
		if !r.IsIn() {
			n += len(data)
		}
		return n, nil
	case port.TransferIsochronous:
		n := len(r.IsoPackets) * wire.IsoPacketReqSize
		if !r.IsIn() {
			n += len(data)
		}
		return n, nil
	default:
		if !r.IsIn() {
			return len(data), nil
		}
		return 0, nil
	}
}

// DecodeError reports that a host-to-device transfer event (wire.HEventURB)
// failed to become a typed transfer, either because a trailer field failed
// to parse or because it violated one of spec.md §4.1's validation rules
// (control wLength matching the transfer length, isochronous packet
// lengths summing to the transfer length). SeqNum is only meaningful when
// HasSeqNum is true: the fixed URB header parsed far enough to learn the
// sequence number before the failure, letting the caller (package
// emulator) synthesize an "unprocessed" completion for that sequence
// number so the host's blocked URB is not stranded (spec.md §4.1, §7's
// protocol-error row). HasSeqNum is false only when the header itself
// could not be parsed, e.g. a truncated frame — there is no sequence
// number to report against.
type DecodeError struct {
	Err       error
	SeqNum    uint32
	HasSeqNum bool
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeHostEvent parses a frame received from the port/kernel side. For
// a Transfer event, the returned Record's SeqNum is populated from the
// wire header but it is not registered with any port's queue; the caller
// (the device emulator) owns tracking it until a completion is produced.
func DecodeHostEvent(h wire.Header, payload []byte) (HostEvent, error) {
	switch wire.HEventType(h.Type) {
	case wire.HEventSignal:
		sig, err := wire.ParseSignalPayload(payload)
		if err != nil {
			return HostEvent{}, err
		}
		return HostEvent{Kind: HostEventSignal, Signal: sig.Signal}, nil

	case wire.HEventUnlink:
		u, err := wire.ParseUnlinkPayload(payload)
		if err != nil {
			return HostEvent{}, err
		}
		return HostEvent{Kind: HostEventUnlink, UnlinkSeq: u.SeqNum}, nil

	case wire.HEventURB:
		return decodeHostTransfer(payload)

	default:
		return HostEvent{}, verrs.ErrProtocol
	}
}

func decodeHostTransfer(payload []byte) (HostEvent, error) {
	hdr, err := wire.ParseURBHeader(payload)
	if err != nil {
		return HostEvent{}, err
	}
	rest := payload[wire.URBHeaderSize:]

	r := &port.Record{
		SeqNum:          hdr.SeqNum,
		Type:            hdr.Type,
		Flags:           hdr.Flags,
		EndpointAddress: hdr.EndpointAddress,
		TransferLength:  hdr.TransferLength,
		NumPackets:      hdr.NumPackets,
		IntervalMicros:  hdr.IntervalMicros,
		// vdphci_hevent_urb sets the IN bit in endpoint_address for
		// control transfers too, so this single check covers every
		// transfer type.
		Direction: hdr.EndpointAddress&0x80 != 0,
	}

	fail := func(err error) (HostEvent, error) {
		return HostEvent{}, &DecodeError{Err: err, SeqNum: hdr.SeqNum, HasSeqNum: true}
	}

	var data []byte
	switch hdr.Type {
	case port.TransferControl:
		if len(rest) < 8 {
			return fail(verrs.ErrShortBuffer)
		}
		copy(r.Setup[:], rest[:8])
		// spec.md §4.1: "control setup's wLength equals transfer_length".
		if wLength := binary.LittleEndian.Uint16(r.Setup[6:8]); uint32(wLength) != hdr.TransferLength {
			return fail(verrs.ErrProtocol)
		}
		if !r.IsIn() {
			data = rest[8:]
		}

	case port.TransferIsochronous:
		r.IsoPackets = make([]port.IsoPacketDesc, hdr.NumPackets)
		off := 0
		var sum uint32
		for i := range r.IsoPackets {
			length, err := wire.ParseIsoPacketReq(rest[off:])
			if err != nil {
				return fail(err)
			}
			r.IsoPackets[i].Length = length
			sum += length
			off += wire.IsoPacketReqSize
		}
		// spec.md §4.1: "iso packet lengths must sum to transfer length".
		if sum != hdr.TransferLength {
			return fail(verrs.ErrProtocol)
		}
		if !r.IsIn() {
			data = rest[off:]
		}

	default:
		if !r.IsIn() {
			data = rest
		}
	}

	return HostEvent{Kind: HostEventTransfer, Transfer: r, Data: data}, nil
}
