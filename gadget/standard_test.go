package gadget

import "testing"

func newConfiguredTestDevice(t *testing.T) (*Device, *StandardRequestHandler) {
	t.Helper()
	dev, err := NewBuilder().
		WithVendorProduct(0x1209, 0x0003).
		WithStrings("vusb", "Test Gadget", "").
		AddConfiguration(1).
		AddInterface(0xFF, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64).
		Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dev.Reset()
	if err := dev.SetAddress(1); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}
	return dev, NewStandardRequestHandler(dev)
}

func TestStandardGetDeviceDescriptor(t *testing.T) {
	_, h := newConfiguredTestDevice(t)
	setup := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      DeviceDescriptorSize,
	}
	resp, err := h.HandleSetup(setup, nil)
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if len(resp) != DeviceDescriptorSize {
		t.Fatalf("got %d bytes, want %d", len(resp), DeviceDescriptorSize)
	}
	if resp[1] != DescriptorTypeDevice {
		t.Errorf("expected device descriptor type byte")
	}
}

func TestStandardGetConfigurationDescriptor(t *testing.T) {
	_, h := newConfiguredTestDevice(t)
	setup := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeConfiguration) << 8,
		Length:      255,
	}
	resp, err := h.HandleSetup(setup, nil)
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if len(resp) == 0 || resp[1] != DescriptorTypeConfiguration {
		t.Fatalf("expected configuration descriptor, got %v", resp)
	}
}

func TestStandardSetAddress(t *testing.T) {
	dev, h := newConfiguredTestDevice(t)
	dev.Reset()
	setup := &SetupPacket{
		RequestType: RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetAddress,
		Value:       9,
	}
	if _, err := h.HandleSetup(setup, nil); err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if dev.Address() != 9 {
		t.Fatalf("got address %d, want 9", dev.Address())
	}
}

func TestStandardSetAndGetConfiguration(t *testing.T) {
	dev, h := newConfiguredTestDevice(t)
	getSetup := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetConfiguration,
		Length:      1,
	}
	resp, err := h.HandleSetup(getSetup, nil)
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if len(resp) != 1 || resp[0] != 1 {
		t.Fatalf("expected active configuration value 1, got %v", resp)
	}

	setSetup := &SetupPacket{
		RequestType: RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetConfiguration,
		Value:       0,
	}
	if _, err := h.HandleSetup(setSetup, nil); err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if dev.IsConfigured() {
		t.Fatalf("expected device unconfigured after SET_CONFIGURATION(0)")
	}
}

func TestStandardGetSetInterface(t *testing.T) {
	_, h := newConfiguredTestDevice(t)
	getSetup := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientInterface,
		Request:     RequestGetInterface,
		Index:       0,
		Length:      1,
	}
	resp, err := h.HandleSetup(getSetup, nil)
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if len(resp) != 1 || resp[0] != 0 {
		t.Fatalf("expected alternate setting 0, got %v", resp)
	}
}

func TestStandardEndpointHaltFeature(t *testing.T) {
	dev, h := newConfiguredTestDevice(t)
	setFeature := &SetupPacket{
		RequestType: RequestTypeStandard | RequestRecipientEndpoint,
		Request:     RequestSetFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, err := h.HandleSetup(setFeature, nil); err != nil {
		t.Fatalf("HandleSetup(SetFeature): %v", err)
	}
	if !dev.GetEndpoint(0x81).IsStalled() {
		t.Fatalf("expected endpoint 0x81 stalled")
	}

	clearFeature := &SetupPacket{
		RequestType: RequestTypeStandard | RequestRecipientEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, err := h.HandleSetup(clearFeature, nil); err != nil {
		t.Fatalf("HandleSetup(ClearFeature): %v", err)
	}
	if dev.GetEndpoint(0x81).IsStalled() {
		t.Fatalf("expected endpoint 0x81 unstalled")
	}
}

func TestStandardGetStatusDevice(t *testing.T) {
	dev, h := newConfiguredTestDevice(t)
	dev.EnableRemoteWakeup(true)
	setup := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	resp, err := h.HandleSetup(setup, nil)
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if len(resp) != 2 || resp[0]&byte(DeviceStatusRemoteWakeup) == 0 {
		t.Fatalf("expected remote wakeup bit set in status, got %v", resp)
	}
}

func TestStandardRejectsNonStandardRequest(t *testing.T) {
	_, h := newConfiguredTestDevice(t)
	setup := &SetupPacket{RequestType: RequestTypeVendor | RequestRecipientDevice, Request: 0x01}
	if _, err := h.HandleSetup(setup, nil); err == nil {
		t.Fatalf("expected error for vendor request")
	}
}
