// Package emulator implements the device-side run loop: the counterpart
// to a port's kernel-side queue, reading host events off a character
// device connection and servicing them against a gadget.Device.
//
// It is grounded on _examples/ardnew-softusb/device/stack.go's Stack,
// generalized from a direct hal.DeviceHAL call per transfer to
// decoding/encoding wire frames through package marshal, and from one
// synchronous control-only loop to one goroutine per in-flight
// non-control transfer (control transfers still complete synchronously
// on the loop) so a host unlink can cancel a transfer still waiting on its
// EndpointHandler, the way Stack.CancelTransfers cancels a pending
// Transfer's context.
package emulator

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/vusb/chardev"
	"github.com/ardnew/vusb/gadget"
	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
	"github.com/ardnew/vusb/marshal"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/wire"
)

// EndpointHandler services transfers submitted to one non-control
// endpoint. data is the OUT-direction payload (nil for an IN transfer);
// the returned out is the IN-direction payload to send back (nil for an
// OUT transfer). For isochronous transfers, isoResults must have one
// entry per r.IsoPackets entry.
type EndpointHandler interface {
	Handle(ctx context.Context, r *port.Record, data []byte) (out []byte, isoResults []port.IsoPacketDesc, status verrs.CompletionStatus, err error)
}

// EndpointHandlerFunc adapts a function to an EndpointHandler.
type EndpointHandlerFunc func(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error)

// Handle calls f.
func (f EndpointHandlerFunc) Handle(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error) {
	return f(ctx, r, data)
}

// Emulator runs one device's event loop against one character device
// connection.
type Emulator struct {
	device  *gadget.Device
	handler *gadget.StandardRequestHandler
	codec   *wire.Codec

	mu        sync.Mutex
	endpoints map[uint8]EndpointHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]context.CancelFunc

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an Emulator servicing dev over conn.
func New(dev *gadget.Device, conn chardev.Conn) *Emulator {
	return &Emulator{
		device:    dev,
		handler:   gadget.NewStandardRequestHandler(dev),
		codec:     wire.NewCodec(conn),
		endpoints: make(map[uint8]EndpointHandler),
		pending:   make(map[uint32]context.CancelFunc),
	}
}

// RegisterEndpoint installs the handler servicing transfers addressed to
// address (bit 0x80 set for IN). Passing a nil handler removes one.
func (e *Emulator) RegisterEndpoint(address uint8, h EndpointHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.endpoints, address)
		return
	}
	e.endpoints[address] = h
}

func (e *Emulator) endpointHandler(address uint8) EndpointHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoints[address]
}

// Run drives the event loop until ctx is cancelled or a frame read fails.
// It blocks; callers typically invoke it in its own goroutine.
func (e *Emulator) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return verrs.ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.runMu.Unlock()

	defer func() {
		e.runMu.Lock()
		e.running = false
		e.cancel = nil
		e.runMu.Unlock()
	}()

	vlog.Info(vlog.ComponentEmulator, "emulator started")
	for {
		h, payload, err := e.codec.ReadFrame(ctx)
		if err != nil {
			vlog.Info(vlog.ComponentEmulator, "emulator stopped", "error", err)
			return err
		}
		ev, err := marshal.DecodeHostEvent(h, payload)
		if err != nil {
			vlog.Warn(vlog.ComponentEmulator, "dropping malformed host event", "error", err)
			e.completeUnprocessed(err)
			continue
		}
		e.dispatch(ctx, ev)
	}
}

// Stop cancels a running Run loop.
func (e *Emulator) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Emulator) dispatch(ctx context.Context, ev marshal.HostEvent) {
	switch ev.Kind {
	case marshal.HostEventSignal:
		e.handleSignal(ev.Signal)

	case marshal.HostEventUnlink:
		e.pendingMu.Lock()
		cancel := e.pending[ev.UnlinkSeq]
		e.pendingMu.Unlock()
		if cancel != nil {
			cancel()
		}

	case marshal.HostEventTransfer:
		if isControlEndpoint(ev.Transfer.EndpointAddress) {
			// EP0 has no concurrent transfers on a real bus, and
			// StandardRequestHandler keeps a single shared response
			// buffer, so control transfers are completed synchronously
			// on this loop rather than handed to a goroutine.
			e.completeControl(ev.Transfer, ev.Data)
			return
		}
		// ev.Data aliases the codec's read buffer, which the next
		// ReadFrame call will overwrite; clone it before handing the
		// transfer to its own goroutine.
		data := append([]byte(nil), ev.Data...)
		tctx, cancel := context.WithCancel(ctx)
		e.pendingMu.Lock()
		e.pending[ev.Transfer.SeqNum] = cancel
		e.pendingMu.Unlock()
		go e.processTransfer(tctx, cancel, ev.Transfer, data)
	}
}

// completeUnprocessed reports an "unprocessed" completion for a host
// transfer event that failed to decode into a typed transfer, so the
// host's blocked URB is not stranded (spec.md §4.1: "on malformed input
// the codec yields an unprocessed completion for the offending sequence
// number so the host stack unblocks"). err must carry a *marshal.
// DecodeError with a known sequence number; errors from a malformed
// signal or unlink frame, or a URB header too short to read a sequence
// number from, have no sequence number to respond against and are left
// to the "next event is still attempted" recovery in spec.md §7.
func (e *Emulator) completeUnprocessed(err error) {
	var de *marshal.DecodeError
	if !errors.As(err, &de) || !de.HasSeqNum {
		return
	}
	r := &port.Record{SeqNum: de.SeqNum}
	typeTag, payload, encErr := marshal.EncodeDeviceCompletion(r, verrs.StatusUnprocessed, 0, nil, nil)
	if encErr != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to encode unprocessed completion", "seq", de.SeqNum, "error", encErr)
		return
	}
	e.writeMu.Lock()
	writeErr := e.codec.WriteFrame(typeTag, payload)
	e.writeMu.Unlock()
	if writeErr != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to write unprocessed completion", "seq", de.SeqNum, "error", writeErr)
	}
}

func (e *Emulator) completeControl(r *port.Record, data []byte) {
	out, status := e.handleControl(r, data)
	actualLength := r.TransferLength
	if r.IsIn() {
		actualLength = uint32(len(out))
	} else if status != verrs.StatusCompleted {
		actualLength = 0
	}

	typeTag, payload, err := marshal.EncodeDeviceCompletion(r, status, actualLength, nil, out)
	if err != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to encode control completion", "seq", r.SeqNum, "error", err)
		return
	}
	e.writeMu.Lock()
	err = e.codec.WriteFrame(typeTag, payload)
	e.writeMu.Unlock()
	if err != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to write control completion", "seq", r.SeqNum, "error", err)
	}
}

func (e *Emulator) handleSignal(sig port.Signal) {
	switch sig {
	case port.SignalResetStart:
		e.device.Reset()
	case port.SignalResetEnd:
		// Reset already applied at SignalResetStart; nothing further to
		// service at the gadget layer.
	case port.SignalPowerOn:
		e.device.PowerOn()
	case port.SignalPowerOff:
		e.device.PowerOff()
	}
}

func (e *Emulator) processTransfer(ctx context.Context, done context.CancelFunc, r *port.Record, data []byte) {
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, r.SeqNum)
		e.pendingMu.Unlock()
		done()
	}()

	out, isoResults, status := e.handleData(ctx, r, data)

	actualLength := r.TransferLength
	if r.IsIn() {
		actualLength = uint32(len(out))
	} else if status != verrs.StatusCompleted {
		actualLength = 0
	}

	typeTag, payload, err := marshal.EncodeDeviceCompletion(r, status, actualLength, isoResults, out)
	if err != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to encode completion", "seq", r.SeqNum, "error", err)
		return
	}

	e.writeMu.Lock()
	err = e.codec.WriteFrame(typeTag, payload)
	e.writeMu.Unlock()
	if err != nil {
		vlog.Warn(vlog.ComponentEmulator, "failed to write completion", "seq", r.SeqNum, "error", err)
	}
}

func isControlEndpoint(address uint8) bool { return address&0x0F == 0 }

func (e *Emulator) handleControl(r *port.Record, data []byte) ([]byte, verrs.CompletionStatus) {
	var setup gadget.SetupPacket
	if err := gadget.ParseSetupPacket(r.Setup[:], &setup); err != nil {
		return nil, verrs.StatusError
	}

	resp, err := e.dispatchSetup(&setup, data)
	if err != nil {
		vlog.Warn(vlog.ComponentEmulator, "stalling EP0", "request", setup.String(), "error", err)
		return nil, verrs.StatusStall
	}
	return resp, verrs.StatusCompleted
}

func (e *Emulator) dispatchSetup(setup *gadget.SetupPacket, data []byte) ([]byte, error) {
	if setup.IsStandard() {
		return e.handler.HandleSetup(setup, data)
	}
	if setup.IsClass() && setup.Recipient() == gadget.RequestRecipientInterface {
		iface := e.device.GetInterface(setup.InterfaceNumber())
		if iface != nil {
			resp, handled, err := iface.HandleSetup(setup, data)
			if handled {
				return resp, err
			}
		}
	}
	return nil, verrs.ErrInvalidRequest
}

func (e *Emulator) handleData(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus) {
	ep := e.device.GetEndpoint(r.EndpointAddress)
	if ep == nil {
		return nil, nil, verrs.StatusStall
	}
	if ep.IsStalled() {
		return nil, nil, verrs.StatusStall
	}

	handler := e.endpointHandler(r.EndpointAddress)
	if handler == nil {
		return nil, nil, verrs.StatusStall
	}

	out, isoResults, status, err := handler.Handle(ctx, r, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, verrs.StatusUnlinked
		}
		return nil, nil, errToStatus(err)
	}
	if status == verrs.StatusCompleted {
		ep.ToggleData()
	}
	return out, isoResults, status
}

func errToStatus(err error) verrs.CompletionStatus {
	switch err {
	case verrs.ErrCancelled:
		return verrs.StatusUnlinked
	case verrs.ErrShortBuffer:
		return verrs.StatusOverflow
	case verrs.ErrInvalidState, verrs.ErrInvalidRequest, verrs.ErrInvalidEndpoint:
		return verrs.StatusStall
	default:
		return verrs.StatusError
	}
}
