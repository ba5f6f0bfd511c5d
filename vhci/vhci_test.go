package vhci

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/vusb/chardev"
	"github.com/ardnew/vusb/emulator"
	"github.com/ardnew/vusb/gadget"
	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
)

func newTestDevice(t *testing.T) *gadget.Device {
	t.Helper()
	b := gadget.NewBuilder().
		WithVendorProduct(0x1209, 0x0002).
		WithStrings("vusb", "vhci test gadget", "0002")
	b.AddConfiguration(1).
		AddInterface(0xFF, 0, 0).
		AddEndpoint(0x81, gadget.EndpointTypeBulk, 64).
		AddEndpoint(0x02, gadget.EndpointTypeBulk, 64)
	dev, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return dev
}

// enablePort carries a freshly attached port through RESET so Submit's
// Enabled-and-not-Suspended precondition is satisfied, mirroring what a
// real host stack's enumeration sequence does before issuing any transfer.
func enablePort(t *testing.T, c *Controller, portNum int) {
	t.Helper()
	p := c.Hub().Port(portNum)
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	p.FinishReset()
}

type completionRecorder struct {
	mu   sync.Mutex
	cond *sync.Cond
	byID map[uint32]Completion
}

func newCompletionRecorder() *completionRecorder {
	r := &completionRecorder{byID: make(map[uint32]Completion)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *completionRecorder) record(_ int, c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := append([]byte(nil), c.Data...)
	c.Data = data
	r.byID[c.Giveback.Record.SeqNum] = c
	r.cond.Broadcast()
}

func (r *completionRecorder) await(t *testing.T, seq uint32, timeout time.Duration) Completion {
	t.Helper()
	deadline := time.Now().Add(timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if c, ok := r.byID[seq]; ok {
			return c
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for completion of seq %d", seq)
		}
		timer := time.AfterFunc(remaining, r.cond.Broadcast)
		r.cond.Wait()
		timer.Stop()
	}
}

func TestControllerAttachEmulatedControlCompletion(t *testing.T) {
	dev := newTestDevice(t)
	ctrl := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := ctrl.AttachEmulated(ctx, 1, dev, port.SpeedHigh); err != nil {
		t.Fatalf("AttachEmulated: %v", err)
	}
	enablePort(t, ctrl, 1)

	rec := newCompletionRecorder()
	ctrl.SetOnCompletion(rec.record)

	r := &port.Record{
		Type:            port.TransferControl,
		Direction:       true,
		EndpointAddress: 0x80,
		TransferLength:  18,
	}
	copy(r.Setup[:], []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0})

	seq, err := ctrl.Submit(1, r, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	comp := rec.await(t, seq, 2*time.Second)
	if comp.Giveback.Status != port.GivebackCompleted {
		t.Fatalf("giveback status = %v, want GivebackCompleted", comp.Giveback.Status)
	}
	if comp.Giveback.Record.Status != verrs.StatusCompleted {
		t.Fatalf("record status = %v, want StatusCompleted", comp.Giveback.Record.Status)
	}
	if len(comp.Data) != 18 || comp.Data[0] != 18 || comp.Data[1] != 1 {
		t.Fatalf("unexpected device descriptor bytes: %v", comp.Data)
	}
}

func TestControllerBulkEchoThroughEmulator(t *testing.T) {
	dev := newTestDevice(t)
	ctrl := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emu, err := ctrl.AttachEmulated(ctx, 1, dev, port.SpeedHigh)
	if err != nil {
		t.Fatalf("AttachEmulated: %v", err)
	}
	emu.RegisterEndpoint(0x81, emulator.EndpointHandlerFunc(
		func(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error) {
			return []byte{0xAA, 0xBB, 0xCC, 0xDD}, nil, verrs.StatusCompleted, nil
		}))
	enablePort(t, ctrl, 1)

	rec := newCompletionRecorder()
	ctrl.SetOnCompletion(rec.record)

	r := &port.Record{
		Type:            port.TransferBulk,
		Direction:       true,
		EndpointAddress: 0x81,
		TransferLength:  4,
	}
	seq, err := ctrl.Submit(1, r, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	comp := rec.await(t, seq, 2*time.Second)
	if comp.Giveback.Status != port.GivebackCompleted {
		t.Fatalf("giveback status = %v, want GivebackCompleted", comp.Giveback.Status)
	}
	if string(comp.Data) != "\xAA\xBB\xCC\xDD" {
		t.Fatalf("data = %v", comp.Data)
	}
}

func TestControllerCancelDeferredToEmulator(t *testing.T) {
	dev := newTestDevice(t)
	ctrl := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emu, err := ctrl.AttachEmulated(ctx, 1, dev, port.SpeedHigh)
	if err != nil {
		t.Fatalf("AttachEmulated: %v", err)
	}
	emu.RegisterEndpoint(0x02, emulator.EndpointHandlerFunc(
		func(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error) {
			<-ctx.Done()
			return nil, nil, verrs.StatusUnlinked, ctx.Err()
		}))
	enablePort(t, ctrl, 1)

	rec := newCompletionRecorder()
	ctrl.SetOnCompletion(rec.record)

	r := &port.Record{
		Type:            port.TransferBulk,
		Direction:       false,
		EndpointAddress: 0x02,
		TransferLength:  4,
	}
	seq, err := ctrl.Submit(1, r, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Give the outbound pump time to deliver the transfer to the blocking
	// handler before requesting its cancellation, so Cancel takes the
	// deferred-to-emulator path (an unlink frame) rather than the
	// immediate in-queue removal path.
	time.Sleep(20 * time.Millisecond)
	ctrl.Cancel(1, seq)

	comp := rec.await(t, seq, 2*time.Second)
	if comp.Giveback.Status != port.GivebackUnlinked {
		t.Fatalf("giveback status = %v, want GivebackUnlinked", comp.Giveback.Status)
	}
}

func TestControllerCancelImmediate(t *testing.T) {
	// Pin to one OS thread's worth of scheduling so the freshly started
	// pump goroutines cannot run ahead of the Submit/Cancel pair below:
	// neither call blocks or yields, so under GOMAXPROCS(1) the transfer
	// is guaranteed to still be at or past the queue cursor when Cancel
	// runs, taking Port.Cancel's immediate-resolution path.
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	ctrl := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// deviceConn is deliberately never read: the transfer must still be
	// sitting at the queue cursor, undelivered, when Cancel runs below.
	hostConn, deviceConn := chardev.NewLoopback()
	defer hostConn.Close()
	defer deviceConn.Close()

	if err := ctrl.Attach(ctx, 1, port.SpeedHigh, hostConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	enablePort(t, ctrl, 1)

	rec := newCompletionRecorder()
	ctrl.SetOnCompletion(rec.record)

	r := &port.Record{
		Type:            port.TransferBulk,
		Direction:       false,
		EndpointAddress: 0x02,
		TransferLength:  4,
	}
	seq, err := ctrl.Submit(1, r, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Cancel(1, seq)

	comp := rec.await(t, seq, 2*time.Second)
	if comp.Giveback.Status != port.GivebackUnlinked {
		t.Fatalf("giveback status = %v, want GivebackUnlinked", comp.Giveback.Status)
	}
}
