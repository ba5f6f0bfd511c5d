package gadget

import "testing"

func TestEndpointDirectionAndType(t *testing.T) {
	ep := NewEndpoint(&EndpointDescriptor{
		EndpointAddress: 0x81,
		Attributes:      EndpointTypeBulk,
		MaxPacketSize:   512,
	})
	if !ep.IsIn() || ep.IsOut() {
		t.Fatalf("expected IN endpoint")
	}
	if ep.Number() != 1 {
		t.Errorf("got endpoint number %d, want 1", ep.Number())
	}
	if !ep.IsBulk() {
		t.Errorf("expected bulk transfer type")
	}
}

func TestEndpointStallAndToggle(t *testing.T) {
	ep := NewEndpoint(&EndpointDescriptor{EndpointAddress: 0x02, Attributes: EndpointTypeBulk})
	if ep.IsStalled() {
		t.Fatalf("new endpoint should not be stalled")
	}
	ep.SetStall(true)
	if !ep.IsStalled() {
		t.Fatalf("expected stalled after SetStall(true)")
	}
	ep.ToggleData()
	if !ep.DataToggle() {
		t.Fatalf("expected toggle set after ToggleData")
	}
	ep.ResetDataToggle()
	if ep.DataToggle() {
		t.Fatalf("expected toggle cleared after ResetDataToggle")
	}
}

func TestEndpointFrameNumber(t *testing.T) {
	ep := NewEndpoint(&EndpointDescriptor{EndpointAddress: 0x83, Attributes: EndpointTypeIsochronous})
	ep.SetFrameNumber(1234)
	if got := ep.FrameNumber(); got != 1234 {
		t.Errorf("got frame number %d, want 1234", got)
	}
}
