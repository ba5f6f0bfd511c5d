package gadget

import "testing"

func TestDeviceDescriptorRoundTrip(t *testing.T) {
	d := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		VendorID:          0x1209,
		ProductID:         0x0001,
		NumConfigurations: 1,
	}
	buf := make([]byte, DeviceDescriptorSize)
	if n := d.MarshalTo(buf); n != DeviceDescriptorSize {
		t.Fatalf("expected %d bytes, got %d", DeviceDescriptorSize, n)
	}
	var got DeviceDescriptor
	if err := ParseDeviceDescriptor(buf, &got); err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if got != d {
		t.Errorf("got %+v, want %+v", got, d)
	}
}

func TestStringDescriptorRoundTripASCII(t *testing.T) {
	buf := make([]byte, 255)
	n, err := StringDescriptorTo(buf, "vusb")
	if err != nil {
		t.Fatalf("StringDescriptorTo: %v", err)
	}
	got, err := ParseStringDescriptor(buf[:n])
	if err != nil {
		t.Fatalf("ParseStringDescriptor: %v", err)
	}
	if got != "vusb" {
		t.Errorf("got %q, want %q", got, "vusb")
	}
}

// TestStringDescriptorSurrogatePair exercises a codepoint outside the
// Basic Multilingual Plane (U+1F600, requiring a UTF-16 surrogate pair).
// The teacher's original StringDescriptorTo truncated such runes to a
// single uint16, corrupting the encoding; this must round-trip exactly.
func TestStringDescriptorSurrogatePair(t *testing.T) {
	const s = "\U0001F600" // 😀
	buf := make([]byte, 255)
	n, err := StringDescriptorTo(buf, s)
	if err != nil {
		t.Fatalf("StringDescriptorTo: %v", err)
	}
	if n != 2+4 { // header + one surrogate pair (2 uint16 units)
		t.Fatalf("expected 6 bytes for one surrogate pair, got %d", n)
	}
	got, err := ParseStringDescriptor(buf[:n])
	if err != nil {
		t.Fatalf("ParseStringDescriptor: %v", err)
	}
	if got != s {
		t.Errorf("got %q, want %q", got, s)
	}
}

func TestEndpointDescriptorRoundTrip(t *testing.T) {
	e := EndpointDescriptor{
		EndpointAddress: 0x81,
		Attributes:      0x03, // interrupt
		MaxPacketSize:   64,
		Interval:        10,
	}
	buf := make([]byte, EndpointDescriptorSize)
	e.MarshalTo(buf)
	var got EndpointDescriptor
	if err := ParseEndpointDescriptor(buf, &got); err != nil {
		t.Fatalf("ParseEndpointDescriptor: %v", err)
	}
	if got != e {
		t.Errorf("got %+v, want %+v", got, e)
	}
}

func TestMarshalQualifierWritesDeviceQualifier(t *testing.T) {
	d := DeviceDescriptor{USBVersion: 0x0200, MaxPacketSize0: 64, NumConfigurations: 1}
	buf := make([]byte, DeviceQualifierSize)
	n := MarshalQualifierTo(&d, buf)
	if n != DeviceQualifierSize {
		t.Fatalf("expected %d bytes, got %d", DeviceQualifierSize, n)
	}
	if buf[1] != DescriptorTypeDeviceQualifier {
		t.Errorf("expected descriptor type 0x06, got 0x%02X", buf[1])
	}
}
