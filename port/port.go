package port

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
)

// Reset and resume signaling deadlines (USB 2.0 §11.24.2.13/.7.1.7.7).
const (
	ResetTimeout  = 50 * time.Millisecond
	ResumeTimeout = 20 * time.Millisecond
)

// Event is one delivered port event, handed to the emulator side by
// WaitEvent. Exactly one of Cancel, Sig, or Transfer is set, per the
// priority order cancellations > signals > transfer cursor.
type Event struct {
	Cancel   *CancelEvent
	Sig      Signal
	Transfer *Record
}

// CancelEvent reports an unlink request for an in-flight transfer.
type CancelEvent struct {
	TargetSeq uint32
}

// Port is the kernel-side state machine for one virtual hub port: status
// bits, attached speed, and the event queue of signals/transfers/
// cancellations awaiting delivery to the emulator side of the character
// device.
//
// Each Port owns its own mutex rather than sharing a controller-wide lock,
// since per-port wait queues are independent (spec.md §5). Methods that
// mutate queue state return a Giveback slice for the caller to deliver to
// the host stack after releasing the lock; Port never calls back into the
// host stack while held.
type Port struct {
	mu sync.Mutex

	num    int
	status uint32
	speed  Speed

	q *queue

	attached bool
	resuming bool

	resetDeadline  time.Time
	resumeDeadline time.Time

	notify chan struct{}
}

// New creates a Port numbered num (1-based, matching hub port numbering).
// startSeq seeds the sequence counter; tests may pass a value near the
// 32-bit wrap boundary to exercise seqAfter.
func New(num int, startSeq uint32) *Port {
	return &Port{
		num:    num,
		q:      newQueue(startSeq),
		notify: make(chan struct{}, 1),
	}
}

// Number returns the port's 1-based hub port number.
func (p *Port) Number() int { return p.num }

// wake signals any blocked WaitEvent caller without blocking itself.
func (p *Port) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Status returns the current 32-bit port status word (status bits in the
// lower 16, change bits in the upper 16).
func (p *Port) Status() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Attach marks the port connected at the given speed, setting
// StatConnection and its change bit. Returns ErrBusy if already attached.
func (p *Port) Attach(speed Speed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return verrs.ErrBusy
	}
	p.attached = true
	p.speed = speed
	p.status |= StatConnection | StatCConnection
	switch speed {
	case SpeedLow:
		p.status |= StatLowSpeed
	case SpeedHigh:
		p.status |= StatHighSpeed
	}
	vlog.Info(vlog.ComponentPort, "port attached", "port", p.num, "speed", speed)
	p.wake()
	return nil
}

// Detach marks the port disconnected, flushing any queued transfers as
// GivebackDeviceLost giveback records for the caller to deliver.
func (p *Port) Detach() []Giveback {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return nil
	}
	p.attached = false
	p.status &^= StatConnection | StatEnable | StatLowSpeed | StatHighSpeed
	p.status |= StatCConnection
	leftover := p.q.flush()
	vlog.Info(vlog.ComponentPort, "port detached", "port", p.num, "orphaned", len(leftover))
	p.wake()
	if len(leftover) == 0 {
		return nil
	}
	gb := make([]Giveback, len(leftover))
	for i, r := range leftover {
		gb[i] = Giveback{Record: r, Status: GivebackDeviceLost}
	}
	return gb
}

// Reset applies a port reset: clears Enable and Suspend, sets the Reset
// status and change bits, and arms a 50ms reset-complete deadline
// resolved by a later Poll or FinishReset call. Clearing the device
// address is the caller's responsibility at the gadget layer.
func (p *Port) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return verrs.ErrInvalidState
	}
	p.status &^= StatEnable | StatLowSpeed | StatHighSpeed
	p.status |= StatReset
	p.resetDeadline = time.Now().Add(ResetTimeout)
	p.q.pushSignal(SignalResetStart)
	p.wake()
	return nil
}

// FinishReset completes a pending reset immediately, clearing StatReset
// and setting StatEnable with its change bit, matching
// vdphci_port_update's handling of the reset-complete transition.
func (p *Port) FinishReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishResetLocked()
}

func (p *Port) finishResetLocked() {
	p.resetDeadline = time.Time{}
	p.status &^= StatReset
	p.status |= StatCReset
	if p.attached {
		p.status |= StatEnable | StatCEnable
	}
	p.q.pushSignal(SignalResetEnd)
	p.wake()
}

// Suspend applies the PORT_SUSPEND feature, valid only while the port is
// enabled (spec.md §4.2). The caller (hub) is responsible for rejecting
// the request first if Enabled() is false.
func (p *Port) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status |= StatSuspend
	p.wake()
}

// ResumeStart begins clearing PORT_SUSPEND: it marks the port resuming
// and arms a 20ms deadline resolved by a later Poll or ResumeFinish call.
func (p *Port) ResumeStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resuming = true
	p.resumeDeadline = time.Now().Add(ResumeTimeout)
}

// ResumeFinish completes a resume begun by ResumeStart immediately:
// clears SUSPEND, sets its change bit, and clears the resuming flag.
func (p *Port) ResumeFinish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishResumeLocked()
}

func (p *Port) finishResumeLocked() {
	p.resuming = false
	p.resumeDeadline = time.Time{}
	p.status &^= StatSuspend
	p.status |= StatCSuspend
	p.wake()
}

// IsResuming reports whether a resume sequence is in progress.
func (p *Port) IsResuming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resuming
}

// Poll lazily resolves any reset or resume deadline that has elapsed as
// of now, mirroring vdphci_hub_control/vdphci_hub_status_data's
// check-on-poll pattern: deadlines are data, not timers, and only
// advance when something reads port state.
func (p *Port) Poll(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resuming && !p.resumeDeadline.IsZero() && now.After(p.resumeDeadline) {
		p.finishResumeLocked()
	}
	if p.status&StatReset != 0 && !p.resetDeadline.IsZero() && now.After(p.resetDeadline) {
		p.finishResetLocked()
	}
}

// PowerOn applies the PORT_POWER feature (USB 2.0 hub class §11.24.2.13).
// If a device is already attached, connection and speed are reasserted
// since a powered-down port reports no connection regardless of physical
// attachment, and a power-on signal is queued for the emulator.
func (p *Port) PowerOn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status |= StatPower
	if p.attached {
		p.status |= StatConnection | StatCConnection
		switch p.speed {
		case SpeedLow:
			p.status |= StatLowSpeed
		case SpeedHigh:
			p.status |= StatHighSpeed
		}
	}
	p.q.pushSignal(SignalPowerOn)
	p.wake()
}

// PowerOff clears PORT_POWER, tearing down connection/enable/suspend/speed
// state and flushing all in-flight transfers as GivebackDeviceLost,
// matching vdphci_port_update's power-off transition.
func (p *Port) PowerOff() []Giveback {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasConnected := p.status&StatConnection != 0
	p.status &^= StatPower | StatConnection | StatEnable | StatLowSpeed | StatHighSpeed | StatSuspend
	if wasConnected {
		p.status |= StatCConnection
	}
	leftover := p.q.flush()
	p.q.pushSignal(SignalPowerOff)
	p.wake()
	if len(leftover) == 0 {
		return nil
	}
	gb := make([]Giveback, len(leftover))
	for i, r := range leftover {
		gb[i] = Giveback{Record: r, Status: GivebackDeviceLost}
	}
	return gb
}

// Enabled reports the derived ENABLE-and-not-SUSPENDED condition under
// which transfers may be submitted (spec.md §4.2).
func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status&StatEnable != 0 && p.status&StatSuspend == 0
}

// Disable applies CLEAR_FEATURE(PORT_ENABLE): clears ENABLE and SUSPEND
// and sets the ENABLE change bit, flushing any in-flight transfers as
// GivebackDeviceLost since a disabled port can no longer carry them.
func (p *Port) Disable() []Giveback {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasEnabled := p.status&StatEnable != 0
	p.status &^= StatEnable | StatSuspend
	if wasEnabled {
		p.status |= StatCEnable
	}
	leftover := p.q.flush()
	p.wake()
	if len(leftover) == 0 {
		return nil
	}
	gb := make([]Giveback, len(leftover))
	for i, r := range leftover {
		gb[i] = Giveback{Record: r, Status: GivebackDeviceLost}
	}
	return gb
}

// ClearChange clears a single change bit (one of the StatC* constants), as
// invoked by the hub's CLEAR_FEATURE(PORT_C_*) handler.
func (p *Port) ClearChange(bit uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status &^= bit
}

// Submit enqueues a new transfer and returns its assigned sequence
// number. Returns ErrDetached if no device is attached, or
// ErrInvalidState if the port is not enabled (spec.md §4.2: "Only while
// enabled may transfers be submitted").
func (p *Port) Submit(r *Record) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return 0, verrs.ErrDetached
	}
	if p.status&StatEnable == 0 || p.status&StatSuspend != 0 {
		return 0, verrs.ErrInvalidState
	}
	seq := p.q.submit(r)
	p.wake()
	return seq, nil
}

// Cancel requests unlinking the transfer with the given sequence number.
//
// If the emulator has not yet observed the transfer (its index is at or
// past the queue cursor), it is removed immediately and the returned
// Giveback carries GivebackUnlinked. Otherwise a cancellation event is
// queued for delivery to the emulator and (Giveback{}, false) is
// returned; the eventual Unlink call produces the real giveback. It is
// idempotent: cancelling an already-cancelled, already-completed, or
// unknown sequence number is not an error (spec.md §4.3, invariant I4)
// and is a true no-op — in particular a cancellation racing a detach,
// which has already flushed the queue empty, must not synthesize an
// event for the now-gone transfer (spec.md §4.2: "detach wins and the
// cancellation becomes a no-op against an empty queue"), mirroring
// vdphci_port_urb_dequeue's early return when the URB's hcpriv is
// already gone.
func (p *Port) Cancel(seq uint32) (Giveback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, r := p.q.indexOf(seq)
	if r == nil {
		// Unknown to this port, already completed, or already flushed by
		// a detach: nothing to cancel.
		return Giveback{}, false
	}
	if r.hasCancel {
		return Giveback{}, false
	}
	if idx >= p.q.cursor {
		p.q.removeTransfer(seq)
		r.Status = verrs.StatusUnlinked
		p.wake()
		return Giveback{Record: r, Status: GivebackUnlinked}, true
	}
	p.q.pushCancel(seq)
	p.wake()
	return Giveback{}, false
}

// WaitEvent blocks until a port event is available or ctx is done,
// returning the highest-priority pending event per the cancellations >
// signals > transfer cursor order. Delivering a transfer advances the
// cursor but does not remove the record; the caller must call Complete
// (or the cancellation path) to remove it.
func (p *Port) WaitEvent(ctx context.Context) (*Event, error) {
	for {
		p.mu.Lock()
		c, s, x, ok := p.q.next()
		if ok {
			var ev Event
			switch {
			case c != nil:
				entry := p.q.popCancel()
				ev.Cancel = &CancelEvent{TargetSeq: entry.target}
			case s != nil:
				p.q.popSignal()
				ev.Sig = *s
			default:
				p.q.advanceCursor()
				ev.Transfer = x
			}
			p.mu.Unlock()
			return &ev, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.notify:
		}
	}
}

// Complete records a transfer's completion and removes it from the
// queue, returning the giveback record for delivery to the host stack
// outside the lock.
func (p *Port) Complete(seq uint32, actualLength uint32, status verrs.CompletionStatus) (Giveback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.q.removeTransfer(seq)
	if r == nil {
		return Giveback{}, false
	}
	r.ActualLength = actualLength
	r.Status = status
	gbStatus := GivebackCompleted
	if status == verrs.StatusUnlinked {
		gbStatus = GivebackUnlinked
	}
	return Giveback{Record: r, Status: gbStatus}, true
}

// Unlink removes a transfer without a completion status, used when a
// cancellation wins the race against delivery to the emulator.
func (p *Port) Unlink(seq uint32) (Giveback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.q.removeTransfer(seq)
	if r == nil {
		return Giveback{}, false
	}
	r.Status = verrs.StatusUnlinked
	return Giveback{Record: r, Status: GivebackUnlinked}, true
}
