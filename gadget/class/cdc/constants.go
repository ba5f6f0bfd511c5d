// Package cdc implements a CDC-ACM (Abstract Control Model) class driver
// for package gadget, the emulated-USB-serial-port profile used by most
// virtual modems and microcontroller consoles.
package cdc

// CDC class-specific descriptor types (CDC120 table 12).
const (
	DescriptorTypeCSInterface = 0x24
	DescriptorTypeCSEndpoint  = 0x25
)

// CDC functional descriptor subtypes (CDC120 table 13).
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// CDC class, subclass, and protocol codes (CDC120 table 4/5/6).
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A

	SubclassACM = 0x02

	ProtocolNone = 0x00
	ProtocolAT   = 0x01
)

// CDC request codes (CDC120 table 19).
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// NotificationSerialState is the interrupt-IN notification code sent for
// SERIAL_STATE (CDC120 table 68).
const NotificationSerialState = 0x20

// LineCoding is the 7-byte serial line configuration exchanged by
// SET_LINE_CODING/GET_LINE_CODING (CDC120 table 17).
type LineCoding struct {
	DTERate    uint32
	CharFormat uint8
	ParityType uint8
	DataBits   uint8
}

// LineCodingSize is the wire size of LineCoding.
const LineCodingSize = 7

// Stop bit values for LineCoding.CharFormat.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity values for LineCoding.ParityType.
const (
	ParityNone = 0
	ParityOdd  = 1
	ParityEven = 2
)

// Control line state bits for SET_CONTROL_LINE_STATE's wValue.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// Serial state bits for the SERIAL_STATE notification payload.
const (
	SerialStateRxCarrier = 1 << 0
	SerialStateTxCarrier = 1 << 1
	SerialStateBreak     = 1 << 2
	SerialStateOverrun   = 1 << 6
)

// DefaultLineCoding is 115200 8N1, the conventional power-on default.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes lc to buf, returning the number of bytes written, or 0
// if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	buf[0] = byte(lc.DTERate)
	buf[1] = byte(lc.DTERate >> 8)
	buf[2] = byte(lc.DTERate >> 16)
	buf[3] = byte(lc.DTERate >> 24)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses LineCoding from data, reporting false if data is
// too short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// HeaderDescriptor is the CDC Header Functional Descriptor (CDC120 §5.2.3.1).
type HeaderDescriptor struct {
	CDCVersion uint16
}

// HeaderDescriptorSize is the wire size of HeaderDescriptor.
const HeaderDescriptorSize = 5

// MarshalTo writes d to buf.
func (d *HeaderDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HeaderDescriptorSize {
		return 0
	}
	buf[0] = HeaderDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeHeader
	buf[3] = byte(d.CDCVersion)
	buf[4] = byte(d.CDCVersion >> 8)
	return HeaderDescriptorSize
}

// CallManagementDescriptor is the Call Management Functional Descriptor
// (CDC120 §5.2.3.2).
type CallManagementDescriptor struct {
	Capabilities  uint8
	DataInterface uint8
}

// CallManagementDescriptorSize is the wire size of CallManagementDescriptor.
const CallManagementDescriptorSize = 5

// MarshalTo writes d to buf.
func (d *CallManagementDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < CallManagementDescriptorSize {
		return 0
	}
	buf[0] = CallManagementDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeCallManagement
	buf[3] = d.Capabilities
	buf[4] = d.DataInterface
	return CallManagementDescriptorSize
}

// ACMDescriptor is the Abstract Control Management Functional Descriptor
// (CDC120 §5.2.3.3). ACMCapLineCoding is the only capability this driver
// advertises.
type ACMDescriptor struct {
	Capabilities uint8
}

// ACMDescriptorSize is the wire size of ACMDescriptor.
const ACMDescriptorSize = 4

// ACM capability bits.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1
	ACMCapSendBreak   = 1 << 2
	ACMCapNetworkConn = 1 << 3
)

// MarshalTo writes d to buf.
func (d *ACMDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ACMDescriptorSize {
		return 0
	}
	buf[0] = ACMDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeACM
	buf[3] = d.Capabilities
	return ACMDescriptorSize
}

// UnionDescriptor is the Union Functional Descriptor (CDC120 §5.2.3.8)
// binding the control interface to a single data interface.
type UnionDescriptor struct {
	MasterInterface uint8
	SlaveInterface0 uint8
}

// UnionDescriptorSize is the wire size of UnionDescriptor.
const UnionDescriptorSize = 5

// MarshalTo writes d to buf.
func (d *UnionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < UnionDescriptorSize {
		return 0
	}
	buf[0] = UnionDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeUnion
	buf[3] = d.MasterInterface
	buf[4] = d.SlaveInterface0
	return UnionDescriptorSize
}

// FunctionalDescriptors returns the four CS_INTERFACE descriptors a
// conforming ACM function advertises between its control interface
// descriptor and its notification endpoint descriptor, concatenated in
// the order CDC120 shows them. controlIface and dataIface are the
// interface numbers assigned when the interfaces were added to the
// gadget.
func FunctionalDescriptors(controlIface, dataIface uint8) []byte {
	hdr := HeaderDescriptor{CDCVersion: 0x0110}
	call := CallManagementDescriptor{Capabilities: CallMgmtCallMgmtOverDataClass, DataInterface: dataIface}
	acm := ACMDescriptor{Capabilities: ACMCapLineCoding}
	union := UnionDescriptor{MasterInterface: controlIface, SlaveInterface0: dataIface}

	buf := make([]byte, HeaderDescriptorSize+CallManagementDescriptorSize+ACMDescriptorSize+UnionDescriptorSize)
	off := 0
	off += hdr.MarshalTo(buf[off:])
	off += call.MarshalTo(buf[off:])
	off += acm.MarshalTo(buf[off:])
	off += union.MarshalTo(buf[off:])
	return buf[:off]
}

// Call management capability bits.
const (
	CallMgmtHandlesCallManagement = 1 << 0
	CallMgmtCallMgmtOverDataClass = 1 << 1
)
