// Package wire implements the framed byte-stream protocol carried over a
// port's character device, connecting the kernel-side port/event-queue
// state (package port) to the user-space emulator (package emulator).
//
// It is grounded on the wire layout of the vdphci kernel module (see
// _examples/original_source/include/vdphci-common.h: vdphci_hevent_header,
// vdphci_hevent_urb, vdphci_devent_urb, and friends), re-encoded the way
// _examples/ardnew-softusb encodes descriptors: fixed little-endian field
// layout, parse-into-output-param functions, and a MarshalTo(buf) method
// rather than an allocating Bytes().
package wire

import (
	"encoding/binary"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
)

// HeaderSize is the size in bytes of a frame header: a 4-byte type tag
// followed by a 4-byte little-endian payload length.
const HeaderSize = 8

// HEventType identifies a host-to-device (kernel-to-emulator) event kind.
type HEventType uint32

// Host-to-device event types.
const (
	HEventSignal HEventType = 0
	HEventURB    HEventType = 1
	HEventUnlink HEventType = 2
)

// DEventType identifies a device-to-host (emulator-to-kernel) event kind.
type DEventType uint32

// Device-to-host event types.
const (
	DEventSignal DEventType = 0
	DEventURB    DEventType = 1
)

// Header is the common 8-byte frame header preceding every event payload.
type Header struct {
	Type   uint32
	Length uint32
}

// MarshalTo encodes the header into buf, which must be at least
// HeaderSize bytes, and returns the number of bytes written.
func (h Header) MarshalTo(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return HeaderSize
}

// ParseHeader decodes a Header from the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, verrs.ErrShortBuffer
	}
	return Header{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// SignalPayload is the host-to-device signal event body (4 bytes).
type SignalPayload struct {
	Signal port.Signal
}

const signalPayloadSize = 4

// MarshalTo encodes the signal payload into buf.
func (p SignalPayload) MarshalTo(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Signal))
	return signalPayloadSize
}

// ParseSignalPayload decodes a SignalPayload from buf.
func ParseSignalPayload(buf []byte) (SignalPayload, error) {
	if len(buf) < signalPayloadSize {
		return SignalPayload{}, verrs.ErrShortBuffer
	}
	return SignalPayload{Signal: port.Signal(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// UnlinkPayload is the host-to-device unlink-request event body (4 bytes).
type UnlinkPayload struct {
	SeqNum uint32
}

const unlinkPayloadSize = 4

// MarshalTo encodes the unlink payload into buf.
func (p UnlinkPayload) MarshalTo(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], p.SeqNum)
	return unlinkPayloadSize
}

// ParseUnlinkPayload decodes an UnlinkPayload from buf.
func ParseUnlinkPayload(buf []byte) (UnlinkPayload, error) {
	if len(buf) < unlinkPayloadSize {
		return UnlinkPayload{}, verrs.ErrShortBuffer
	}
	return UnlinkPayload{SeqNum: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// urbFixedSize is the size of the fixed portion of a host-to-device URB
// event, preceding the per-type trailer (setup bytes / iso packet
// descriptors / OUT data).
const urbFixedSize = 4 + 4 + 4 + 1 + 4 + 4 + 4 // seq,type,flags,ep,xferlen,npkts,interval

// URBHeader is the fixed portion of a host-to-device transfer event.
type URBHeader struct {
	SeqNum          uint32
	Type            port.TransferType
	Flags           uint32
	EndpointAddress uint8
	TransferLength  uint32
	NumPackets      uint32
	IntervalMicros  uint32
}

// MarshalTo encodes the URB header into buf.
func (u URBHeader) MarshalTo(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], u.SeqNum)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(u.Type))
	binary.LittleEndian.PutUint32(buf[8:12], u.Flags)
	buf[12] = u.EndpointAddress
	binary.LittleEndian.PutUint32(buf[13:17], u.TransferLength)
	binary.LittleEndian.PutUint32(buf[17:21], u.NumPackets)
	binary.LittleEndian.PutUint32(buf[21:25], u.IntervalMicros)
	return urbFixedSize
}

// ParseURBHeader decodes a URBHeader from buf.
func ParseURBHeader(buf []byte) (URBHeader, error) {
	if len(buf) < urbFixedSize {
		return URBHeader{}, verrs.ErrShortBuffer
	}
	return URBHeader{
		SeqNum:          binary.LittleEndian.Uint32(buf[0:4]),
		Type:            port.TransferType(binary.LittleEndian.Uint32(buf[4:8])),
		Flags:           binary.LittleEndian.Uint32(buf[8:12]),
		EndpointAddress: buf[12],
		TransferLength:  binary.LittleEndian.Uint32(buf[13:17]),
		NumPackets:      binary.LittleEndian.Uint32(buf[17:21]),
		IntervalMicros:  binary.LittleEndian.Uint32(buf[21:25]),
	}, nil
}

const isoPacketReqSize = 4

// MarshalIsoPacketReq encodes one request-side iso packet length field.
func MarshalIsoPacketReq(length uint32, buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], length)
	return isoPacketReqSize
}

// ParseIsoPacketReq decodes one request-side iso packet length field.
func ParseIsoPacketReq(buf []byte) (uint32, error) {
	if len(buf) < isoPacketReqSize {
		return 0, verrs.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

const isoPacketReplySize = 4 + 4 // status, actual_length

// MarshalIsoPacketReply encodes one completion-side iso packet descriptor.
func MarshalIsoPacketReply(status verrs.CompletionStatus, actualLength uint32, buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(status))
	binary.LittleEndian.PutUint32(buf[4:8], actualLength)
	return isoPacketReplySize
}

// ParseIsoPacketReply decodes one completion-side iso packet descriptor.
func ParseIsoPacketReply(buf []byte) (verrs.CompletionStatus, uint32, error) {
	if len(buf) < isoPacketReplySize {
		return 0, 0, verrs.ErrShortBuffer
	}
	status := verrs.CompletionStatus(binary.LittleEndian.Uint32(buf[0:4]))
	actual := binary.LittleEndian.Uint32(buf[4:8])
	return status, actual, nil
}

// DSignalPayload is the device-to-host signal event body (4 bytes).
type DSignalPayload struct {
	Attached bool
}

const dsignalPayloadSize = 4

// MarshalTo encodes the device signal payload into buf.
func (p DSignalPayload) MarshalTo(buf []byte) int {
	v := uint32(1) // detached
	if p.Attached {
		v = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], v)
	return dsignalPayloadSize
}

// ParseDSignalPayload decodes a DSignalPayload from buf.
func ParseDSignalPayload(buf []byte) (DSignalPayload, error) {
	if len(buf) < dsignalPayloadSize {
		return DSignalPayload{}, verrs.ErrShortBuffer
	}
	return DSignalPayload{Attached: binary.LittleEndian.Uint32(buf[0:4]) == 0}, nil
}

const devURBFixedSize = 4 + 4 + 4 // seq_num, status, actual_length

// DevURBHeader is the fixed portion of a device-to-host completion event.
type DevURBHeader struct {
	SeqNum       uint32
	Status       verrs.CompletionStatus
	ActualLength uint32
}

// MarshalTo encodes the completion header into buf.
func (d DevURBHeader) MarshalTo(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], d.SeqNum)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Status))
	binary.LittleEndian.PutUint32(buf[8:12], d.ActualLength)
	return devURBFixedSize
}

// ParseDevURBHeader decodes a DevURBHeader from buf.
func ParseDevURBHeader(buf []byte) (DevURBHeader, error) {
	if len(buf) < devURBFixedSize {
		return DevURBHeader{}, verrs.ErrShortBuffer
	}
	return DevURBHeader{
		SeqNum:       binary.LittleEndian.Uint32(buf[0:4]),
		Status:       verrs.CompletionStatus(binary.LittleEndian.Uint32(buf[4:8])),
		ActualLength: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Exported field-block sizes, for callers (package marshal) that need to
// slice off a trailer following one of these fixed structures within a
// single frame payload.
const (
	URBHeaderSize      = urbFixedSize
	DevURBHeaderSize   = devURBFixedSize
	IsoPacketReqSize   = isoPacketReqSize
	IsoPacketReplySize = isoPacketReplySize
	SignalPayloadSize  = signalPayloadSize
	UnlinkPayloadSize  = unlinkPayloadSize
	DSignalPayloadSize = dsignalPayloadSize
)
