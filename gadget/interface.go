package gadget

import (
	"sync"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
)

// Interface represents a USB interface within a configuration, owning a
// fixed-size endpoint table and an optional class driver.
type Interface struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	StringIndex      uint8

	endpoints     [MaxEndpointsPerInterface]*Endpoint
	endpointCount int
	mutex         sync.RWMutex

	classDriver ClassDriver
}

// ClassDriver defines class-specific handling plugged into an Interface.
// HandleSetup reports handled=false to let the caller stall the request;
// when handled is true, resp carries the IN-direction response data for a
// device-to-host class request (nil for a host-to-device request or one
// with no data stage).
type ClassDriver interface {
	Init(iface *Interface) error
	HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (resp []byte, handled bool, err error)
	SetAlternate(iface *Interface, alt uint8) error
	Close() error
}

// NewInterface creates an Interface from its descriptor fields.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:           desc.InterfaceNumber,
		AlternateSetting: desc.AlternateSetting,
		Class:            desc.InterfaceClass,
		SubClass:         desc.InterfaceSubClass,
		Protocol:         desc.InterfaceProtocol,
		StringIndex:      desc.InterfaceIndex,
	}
}

// AddEndpoint adds an endpoint to the interface.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.endpointCount >= MaxEndpointsPerInterface {
		return verrs.ErrNoMemory
	}
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == ep.Address {
			return verrs.ErrBusy
		}
	}
	i.endpoints[i.endpointCount] = ep
	i.endpointCount++
	vlog.Debug(vlog.ComponentGadget, "endpoint added to interface",
		"interface", i.Number, "endpoint", ep.Address)
	return nil
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == address {
			return i.endpoints[idx]
		}
	}
	return nil
}

// Endpoints returns all endpoints in the interface. The returned slice
// references internal storage; callers must not retain or modify it.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints[:i.endpointCount]
}

// NumEndpoints returns the number of endpoints in the interface.
func (i *Interface) NumEndpoints() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpointCount
}

// SetClassDriver installs driver as the interface's class driver,
// closing any previous driver and initializing the new one outside the
// lock to avoid re-entrant locking from driver callbacks.
func (i *Interface) SetClassDriver(driver ClassDriver) error {
	i.mutex.Lock()
	old := i.classDriver
	i.classDriver = driver
	i.mutex.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			vlog.Warn(vlog.ComponentGadget, "error closing previous class driver", "error", err)
		}
	}
	if driver != nil {
		return driver.Init(i)
	}
	return nil
}

// HandleSetup dispatches a class-specific SETUP request to the
// interface's class driver, if any.
func (i *Interface) HandleSetup(setup *SetupPacket, data []byte) ([]byte, bool, error) {
	i.mutex.RLock()
	driver := i.classDriver
	i.mutex.RUnlock()
	if driver == nil {
		return nil, false, nil
	}
	return driver.HandleSetup(i, setup, data)
}

// SetAlternate changes the interface's alternate setting, notifying the
// class driver if one is installed.
func (i *Interface) SetAlternate(alt uint8) error {
	i.mutex.Lock()
	i.AlternateSetting = alt
	driver := i.classDriver
	i.mutex.Unlock()
	if driver != nil {
		return driver.SetAlternate(i, alt)
	}
	return nil
}

// Descriptor returns the interface descriptor reflecting current state.
func (i *Interface) Descriptor() *InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return &InterfaceDescriptor{
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(i.endpointCount),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// Close releases the interface's class driver, if any.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.classDriver
	i.classDriver = nil
	i.mutex.Unlock()
	if driver != nil {
		return driver.Close()
	}
	return nil
}

// MaxAssociationsPerConfiguration is the maximum number of interface
// associations per configuration.
const MaxAssociationsPerConfiguration = 4

// Configuration represents one USB device configuration.
type Configuration struct {
	Value       uint8
	Attributes  uint8
	MaxPower    uint8
	StringIndex uint8

	interfaces     [MaxInterfacesPerConfiguration]*Interface
	interfaceCount int
	mutex          sync.RWMutex

	associations     [MaxAssociationsPerConfiguration]InterfaceAssociation
	associationCount int
}

// InterfaceAssociation groups contiguous interfaces into one function,
// for composite devices (e.g. CDC-ACM's control + data pair).
type InterfaceAssociation struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	StringIndex      uint8
}

// NewConfiguration creates a Configuration with the given SET_CONFIGURATION
// value, defaulting to bus-powered at 100mA.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{Value: value, Attributes: ConfigAttrBusPowered, MaxPower: 50}
}

// AddInterface adds an interface to the configuration.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return verrs.ErrNoMemory
	}
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Number == iface.Number {
			return verrs.ErrBusy
		}
	}
	c.interfaces[c.interfaceCount] = iface
	c.interfaceCount++
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Number == number {
			return c.interfaces[idx]
		}
	}
	return nil
}

// Interfaces returns all interfaces in the configuration. The returned
// slice references internal storage; callers must not retain or modify it.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces[:c.interfaceCount]
}

// AddAssociation adds an interface association descriptor.
func (c *Configuration) AddAssociation(assoc *InterfaceAssociation) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.associationCount >= MaxAssociationsPerConfiguration {
		return verrs.ErrNoMemory
	}
	c.associations[c.associationCount] = *assoc
	c.associationCount++
	return nil
}

// Descriptor returns the configuration descriptor, with TotalLength
// computed over the current interface/endpoint/IAD set.
func (c *Configuration) Descriptor() *ConfigurationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return &ConfigurationDescriptor{
		TotalLength:        c.totalLength(),
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

func (c *Configuration) totalLength() uint16 {
	length := uint16(ConfigurationDescriptorSize)
	length += uint16(c.associationCount) * IADSize
	for idx := 0; idx < c.interfaceCount; idx++ {
		iface := c.interfaces[idx]
		length += InterfaceDescriptorSize
		length += uint16(iface.NumEndpoints()) * EndpointDescriptorSize
	}
	return length
}

// MarshalTo writes the full configuration descriptor, including every
// IAD, interface, and endpoint sub-descriptor, to buf in the order the
// host expects them while walking a GET_DESCRIPTOR(CONFIGURATION) reply.
func (c *Configuration) MarshalTo(buf []byte) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	offset := 0
	n := c.Descriptor().MarshalTo(buf[offset:])
	if n == 0 {
		return 0
	}
	offset += n

	for idx := 0; idx < c.associationCount; idx++ {
		a := &c.associations[idx]
		iad := InterfaceAssociationDescriptor{
			FirstInterface:   a.FirstInterface,
			InterfaceCount:   a.InterfaceCount,
			FunctionClass:    a.FunctionClass,
			FunctionSubClass: a.FunctionSubClass,
			FunctionProtocol: a.FunctionProtocol,
			FunctionIndex:    a.StringIndex,
		}
		n = iad.MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}

	for idx := 0; idx < c.interfaceCount; idx++ {
		iface := c.interfaces[idx]
		n = iface.Descriptor().MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
		for _, ep := range iface.Endpoints() {
			n = ep.Descriptor().MarshalTo(buf[offset:])
			if n == 0 {
				return 0
			}
			offset += n
		}
	}
	return offset
}
