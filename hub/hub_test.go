package hub

import (
	"testing"
	"time"

	"github.com/ardnew/vusb/port"
)

func TestHubDescriptorLayout(t *testing.T) {
	c := New(2)
	buf := make([]byte, c.HubDescriptorSize())
	n := c.MarshalDescriptorTo(buf)
	if n != len(buf) {
		t.Fatalf("MarshalDescriptorTo wrote %d bytes, want %d", n, len(buf))
	}
	if buf[0] != byte(len(buf)) {
		t.Errorf("bDescLength = %d, want %d", buf[0], len(buf))
	}
	if buf[1] != hubDescriptorType {
		t.Errorf("bDescriptorType = %#x, want %#x", buf[1], hubDescriptorType)
	}
	if buf[2] != 2 {
		t.Errorf("bNbrPorts = %d, want 2", buf[2])
	}
	chars := uint16(buf[3]) | uint16(buf[4])<<8
	if chars&hubCharIndividualPowerSwitching == 0 || chars&hubCharIndividualOverCurrent == 0 {
		t.Errorf("wHubCharacteristics = %#x, want both individual bits set", chars)
	}
}

func TestHubDescriptorTooSmallBuffer(t *testing.T) {
	c := New(4)
	buf := make([]byte, c.HubDescriptorSize()-1)
	if n := c.MarshalDescriptorTo(buf); n != 0 {
		t.Fatalf("expected 0 on short buffer, got %d", n)
	}
}

func TestGetPortStatusUnknownPort(t *testing.T) {
	c := New(2)
	buf := make([]byte, 4)
	if _, _, err := c.Control(RequestGetPortStatus, 0, 99, buf); err == nil {
		t.Fatal("expected error for out-of-range port index")
	}
}

func TestSetAndGetPortStatusPower(t *testing.T) {
	c := New(1)
	if _, _, err := c.Control(RequestSetPortFeature, FeatPortPower, 1, nil); err != nil {
		t.Fatalf("SetPortFeature(POWER): %v", err)
	}
	buf := make([]byte, 4)
	n, _, err := c.Control(RequestGetPortStatus, 0, 1, buf)
	if err != nil {
		t.Fatalf("GetPortStatus: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 status bytes, got %d", n)
	}
	st := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if st&port.StatPower == 0 {
		t.Error("expected StatPower set after SetPortFeature(POWER)")
	}
}

func TestResetThenClearPortFeatureEnableFlushesTransfers(t *testing.T) {
	c := New(1)
	p := c.Port(1)
	if err := p.Attach(port.SpeedFull); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	p.FinishReset()
	if _, err := p.Submit(&port.Record{Type: port.TransferBulk}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, gb, err := c.Control(RequestClearPortFeature, FeatPortEnable, 1, nil)
	if err != nil {
		t.Fatalf("ClearPortFeature(ENABLE): %v", err)
	}
	if len(gb) != 1 || gb[0].Status != port.GivebackDeviceLost {
		t.Fatalf("expected one GivebackDeviceLost, got %+v", gb)
	}
	if p.Enabled() {
		t.Error("port should be disabled after ClearPortFeature(ENABLE)")
	}
}

func TestResetFeatureArmsDeadlineResolvedByStatusChangeBitmap(t *testing.T) {
	c := New(1)
	p := c.Port(1)
	if err := p.Attach(port.SpeedFull); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	p.FinishReset()

	if _, _, err := c.Control(RequestSetPortFeature, FeatPortReset, 1, nil); err != nil {
		t.Fatalf("SetPortFeature(RESET): %v", err)
	}
	if bm := c.StatusChangeBitmap(); bm == nil {
		t.Fatal("expected a pending status change immediately after reset is armed")
	}

	// Force the reset-complete deadline to resolve without sleeping, by
	// advancing through Poll with a timestamp past the deadline.
	p.Poll(time.Now().Add(2 * port.ResetTimeout))
	if p.Status()&port.StatReset != 0 {
		t.Error("expected StatReset cleared after deadline elapses")
	}
}

func TestClearPortFeatureConnectionChangeClearsBit(t *testing.T) {
	c := New(1)
	p := c.Port(1)
	if err := p.Attach(port.SpeedFull); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if p.Status()&port.StatCConnection == 0 {
		t.Fatal("expected StatCConnection set after Attach")
	}
	if _, _, err := c.Control(RequestClearPortFeature, FeatCPortConnection, 1, nil); err != nil {
		t.Fatalf("ClearPortFeature(C_CONNECTION): %v", err)
	}
	if p.Status()&port.StatCConnection != 0 {
		t.Error("expected StatCConnection cleared")
	}
}

func TestStatusChangeBitmapBitPosition(t *testing.T) {
	c := New(3)
	if err := c.Port(2).Attach(port.SpeedFull); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	bm := c.StatusChangeBitmap()
	if bm == nil {
		t.Fatal("expected non-nil bitmap after port 2 attaches")
	}
	bits := uint32(bm[0]) | uint32(bm[1])<<8 | uint32(bm[2])<<16 | uint32(bm[3])<<24
	if bits != 1<<2 {
		t.Errorf("bitmap = %#x, want bit for port 2 (1<<2)", bits)
	}
}

func TestGetHubDescriptorRequestWritesThroughControl(t *testing.T) {
	c := New(1)
	buf := make([]byte, c.HubDescriptorSize())
	n, _, err := c.Control(RequestGetHubDescriptor, 0, 0, buf)
	if err != nil {
		t.Fatalf("Control(GetHubDescriptor): %v", err)
	}
	if n != len(buf) {
		t.Fatalf("wrote %d bytes, want %d", n, len(buf))
	}
}
