package gadget

import (
	"context"
	"sync"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
)

// Device represents the emulated USB gadget: its descriptor, the fixed
// table of configurations it can be switched into, its string table, and
// the Chapter 9 state machine (USB 2.0 §9.1.1).
type Device struct {
	Descriptor *DeviceDescriptor

	configurations     [MaxConfigurations]*Configuration
	configurationCount int
	activeConfig       *Configuration

	strings [MaxStrings][]byte

	state         State
	previousState State
	address       uint8
	speed         Speed

	ep0 *Endpoint

	remoteWakeupEnabled bool

	mutex sync.RWMutex

	onStateChange      func(old, new State)
	onSuspend          func()
	onResume           func()
	onReset            func()
	onSetAddress       func(address uint8)
	onSetConfiguration func(config uint8)
}

// NewDevice creates a Device attached at full speed with its control
// endpoint sized from desc.MaxPacketSize0.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
		ep0: &Endpoint{
			Address:       0x00,
			Attributes:    EndpointTypeControl,
			MaxPacketSize: uint16(desc.MaxPacketSize0),
		},
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.configurationCount >= MaxConfigurations {
		return verrs.ErrNoMemory
	}
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == config.Value {
			return verrs.ErrBusy
		}
	}
	d.configurations[d.configurationCount] = config
	d.configurationCount++
	return nil
}

// GetConfiguration returns the configuration with the given value, or nil.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == value {
			return d.configurations[idx]
		}
	}
	return nil
}

// ActiveConfiguration returns the currently active configuration, or nil.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// SetString sets a pre-encoded string descriptor. data is stored by
// reference.
func (d *Device) SetString(index uint8, data []byte) {
	if index >= MaxStrings {
		return
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.strings[index] = data
}

// SetStringFrom encodes s as a USB string descriptor into buf and stores
// the result at index. Returns the number of bytes written.
func (d *Device) SetStringFrom(index uint8, buf []byte, s string) (int, error) {
	if index >= MaxStrings {
		return 0, verrs.ErrMisuse
	}
	n, err := StringDescriptorTo(buf, s)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.mutex.Lock()
		d.strings[index] = buf[:n]
		d.mutex.Unlock()
	}
	return n, nil
}

// SetLanguagesFrom encodes langIDs as the index-0 language descriptor
// into buf and stores the result.
func (d *Device) SetLanguagesFrom(buf []byte, langIDs ...uint16) int {
	n := LanguageDescriptorTo(buf, langIDs...)
	if n > 0 {
		d.mutex.Lock()
		d.strings[0] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// GetString returns a string descriptor by index, or nil.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(newState State) {
	d.mutex.Lock()
	old := d.state
	d.state = newState
	cb := d.onStateChange
	d.mutex.Unlock()
	if old != newState {
		vlog.Debug(vlog.ComponentGadget, "device state changed", "from", old, "to", newState)
		if cb != nil {
			cb(old, newState)
		}
	}
}

// Address returns the device's assigned bus address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the device's connection speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed sets the device's connection speed, as reported by the hub
// port this device is attached to.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// ControlEndpoint returns the device's EP0.
func (d *Device) ControlEndpoint() *Endpoint {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.ep0
}

// IsConfigured reports whether the device has an active configuration.
func (d *Device) IsConfigured() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateConfigured
}

// Reset handles a bus reset signal (USB 2.0 §9.1.1.5), returning the
// device to the Default state with address 0 and no active configuration.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	cb := d.onReset
	d.mutex.Unlock()

	d.setState(StateDefault)
	if cb != nil {
		cb()
	}
}

// PowerOn transitions the device from Attached to Powered (USB 2.0
// §9.1.1.2), in response to the port's PORT_POWER signal.
func (d *Device) PowerOn() {
	d.mutex.RLock()
	cur := d.state
	d.mutex.RUnlock()
	if cur == StateAttached {
		d.setState(StatePowered)
	}
}

// PowerOff returns the device to the Attached state, discarding any bus
// address and active configuration (USB 2.0 §9.1.1.2).
func (d *Device) PowerOff() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	d.mutex.Unlock()
	d.setState(StateAttached)
}

// SetAddress handles SET_ADDRESS (USB 2.0 §9.4.6).
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		d.mutex.Unlock()
		return verrs.ErrInvalidState
	}
	d.address = address
	cb := d.onSetAddress
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}
	if cb != nil {
		cb(address)
	}
	return nil
}

// SetConfiguration handles SET_CONFIGURATION (USB 2.0 §9.4.7). A value of
// zero unconfigures the device and returns it to the Address state.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		d.mutex.Unlock()
		return verrs.ErrInvalidState
	}

	if value == 0 {
		d.activeConfig = nil
		d.mutex.Unlock()
		d.setState(StateAddress)
		return nil
	}

	var config *Configuration
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == value {
			config = d.configurations[idx]
			break
		}
	}
	if config == nil {
		d.mutex.Unlock()
		return verrs.ErrInvalidRequest
	}

	d.activeConfig = config
	cb := d.onSetConfiguration
	d.mutex.Unlock()

	d.setState(StateConfigured)
	if cb != nil {
		cb(value)
	}
	return nil
}

// Suspend handles a bus-suspend signal, remembering the pre-suspend
// state so Resume can restore it.
func (d *Device) Suspend() {
	d.mutex.Lock()
	d.previousState = d.state
	cb := d.onSuspend
	d.mutex.Unlock()

	d.setState(StateSuspended)
	if cb != nil {
		cb()
	}
}

// Resume handles a bus-resume signal.
func (d *Device) Resume() {
	d.mutex.Lock()
	prev := d.previousState
	cb := d.onResume
	d.mutex.Unlock()

	if prev != StateAttached && prev != StatePowered {
		d.setState(prev)
	} else {
		d.setState(StateDefault)
	}
	if cb != nil {
		cb()
	}
}

// EnableRemoteWakeup sets the device's remote-wakeup capability flag.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// IsRemoteWakeupEnabled reports the remote-wakeup capability flag.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeupEnabled
}

// GetInterface returns an interface from the active configuration, or nil.
func (d *Device) GetInterface(number uint8) *Interface {
	d.mutex.RLock()
	config := d.activeConfig
	d.mutex.RUnlock()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns an endpoint by address, checking EP0 first.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	if address == 0 || address == 0x80 {
		return d.ControlEndpoint()
	}
	d.mutex.RLock()
	config := d.activeConfig
	d.mutex.RUnlock()
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

// SetOnStateChange installs the device state-transition callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnSetConfiguration installs the SET_CONFIGURATION callback, used by
// the emulator to (re)activate endpoint routing.
func (d *Device) SetOnSetConfiguration(cb func(config uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetConfiguration = cb
}

// SetOnSetAddress installs the SET_ADDRESS callback.
func (d *Device) SetOnSetAddress(cb func(address uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetAddress = cb
}

// DeviceStatus represents the GET_STATUS(device) response bits
// (USB 2.0 §9.4.5).
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device's GET_STATUS response.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	var status DeviceStatus
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}

// Builder provides a fluent API for assembling a Device's descriptor
// hierarchy, mirroring the teacher's DeviceBuilder.
type Builder struct {
	device *Device
	config *Configuration
	iface  *Interface
	errs   []error

	stringBufs [MaxStrings][256]byte
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// WithDescriptor sets the device descriptor.
func (b *Builder) WithDescriptor(desc *DeviceDescriptor) *Builder {
	b.device = NewDevice(desc)
	return b
}

// WithVendorProduct sets the vendor and product IDs, creating a default
// USB 2.0 full-speed descriptor if none was set yet.
func (b *Builder) WithVendorProduct(vendorID, productID uint16) *Builder {
	if b.device == nil {
		b.device = NewDevice(&DeviceDescriptor{USBVersion: 0x0200, MaxPacketSize0: 64})
	}
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithStrings sets the manufacturer, product, and serial number strings.
func (b *Builder) WithStrings(manufacturer, product, serial string) *Builder {
	if b.device == nil {
		b.errs = append(b.errs, verrs.ErrInvalidState)
		return b
	}
	b.device.SetLanguagesFrom(b.stringBufs[0][:], LangIDUSEnglish)
	if manufacturer != "" {
		b.device.Descriptor.ManufacturerIndex = 1
		if _, err := b.device.SetStringFrom(1, b.stringBufs[1][:], manufacturer); err != nil {
			b.errs = append(b.errs, err)
		}
	}
	if product != "" {
		b.device.Descriptor.ProductIndex = 2
		if _, err := b.device.SetStringFrom(2, b.stringBufs[2][:], product); err != nil {
			b.errs = append(b.errs, err)
		}
	}
	if serial != "" {
		b.device.Descriptor.SerialNumberIndex = 3
		if _, err := b.device.SetStringFrom(3, b.stringBufs[3][:], serial); err != nil {
			b.errs = append(b.errs, err)
		}
	}
	return b
}

// AddConfiguration starts a new configuration with the given
// SET_CONFIGURATION value.
func (b *Builder) AddConfiguration(value uint8) *Builder {
	if b.device == nil {
		b.errs = append(b.errs, verrs.ErrInvalidState)
		return b
	}
	b.config = NewConfiguration(value)
	if err := b.device.AddConfiguration(b.config); err != nil {
		b.errs = append(b.errs, err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// AddInterface adds an interface to the most recently added configuration.
func (b *Builder) AddInterface(class, subClass, protocol uint8) *Builder {
	if b.config == nil {
		b.errs = append(b.errs, verrs.ErrInvalidState)
		return b
	}
	num := uint8(len(b.config.Interfaces()))
	b.iface = NewInterface(&InterfaceDescriptor{
		InterfaceNumber:   num,
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// WithAssociation adds an Interface Association Descriptor grouping
// firstInterface and the following count-1 interfaces into one composite
// function, to the most recently added configuration.
func (b *Builder) WithAssociation(firstInterface, count, class, subClass, protocol uint8) *Builder {
	if b.config == nil {
		b.errs = append(b.errs, verrs.ErrInvalidState)
		return b
	}
	err := b.config.AddAssociation(&InterfaceAssociation{
		FirstInterface:   firstInterface,
		InterfaceCount:   count,
		FunctionClass:    class,
		FunctionSubClass: subClass,
		FunctionProtocol: protocol,
	})
	if err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// AddEndpoint adds an endpoint to the most recently added interface.
func (b *Builder) AddEndpoint(address, transferType uint8, maxPacketSize uint16) *Builder {
	if b.iface == nil {
		b.errs = append(b.errs, verrs.ErrInvalidState)
		return b
	}
	ep := &Endpoint{Address: address, Attributes: transferType, MaxPacketSize: maxPacketSize}
	if err := b.iface.AddEndpoint(ep); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Build returns the constructed device, or the first error encountered
// while assembling it.
func (b *Builder) Build(ctx context.Context) (*Device, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.device == nil {
		return nil, verrs.ErrInvalidState
	}
	return b.device, nil
}
