package port

import "github.com/ardnew/vusb/internal/verrs"

// TransferType identifies one of the four USB transfer types.
type TransferType uint8

// Transfer types, wire-compatible with spec.md §4.1's transfer trailer kind.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// String returns a human-readable transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Transfer flag bits.
const (
	FlagZeroPacket uint32 = 1 << 0
)

// IsoPacketDesc describes one packet of an isochronous transfer, mirroring
// vdphci_h_iso_packet (request) and vdphci_d_iso_packet (completion) fused
// into one record updated in place on completion.
type IsoPacketDesc struct {
	Length       uint32 // expected length (request side)
	ActualLength uint32 // bytes actually transferred (completion side)
	Status       verrs.CompletionStatus
}

// Record is the kernel-side object representing one in-flight
// host-to-device USB transfer (spec.md §3, "Transfer record").
//
// A Record is owned by exactly one of: the port's transfer queue (while
// undelivered or awaiting completion) or the caller's giveback batch (once
// removed). It never has two owners at once.
type Record struct {
	// SeqNum is assigned from the port's monotonic counter and is unique
	// within the port's lifetime (invariant I1).
	SeqNum uint32

	Type            TransferType
	Direction       bool // true = IN (device to host)
	Flags           uint32
	EndpointAddress uint8
	TransferLength  uint32
	NumPackets      uint32
	IntervalMicros  uint32

	// Setup carries the 8-byte control setup packet; only valid when
	// Type == TransferControl.
	Setup [8]byte

	// IsoPackets carries one entry per packet for isochronous transfers;
	// nil otherwise. Length == int(NumPackets).
	IsoPackets []IsoPacketDesc

	// Completion fields, set by the emulator (or by the queue itself on
	// an unlink/device-lost giveback).
	ActualLength uint32
	Status       verrs.CompletionStatus

	// hasCancel is set once a cancellation entry referencing this record
	// has been queued (invariant I4); cancelSeq holds that entry's
	// sequence number. Neither is cleared afterwards.
	cancelSeq   uint32
	hasCancel   bool
}

// IsIn reports whether this record's transfer direction is device-to-host:
// Direction is set or EndpointAddress carries the IN bit (0x80).
func (r *Record) IsIn() bool { return r.Direction || r.EndpointAddress&0x80 != 0 }

// Giveback pairs a removed transfer record with its terminal disposition,
// to be reported to the host stack once the port lock is released.
type Giveback struct {
	Record *Record
	Status GivebackStatus
}
