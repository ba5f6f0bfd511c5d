// Command vhciemu attaches an emulated USB bulk-loopback gadget to a
// vhci.Controller and runs until interrupted, logging transfer
// completions. It exists to exercise the full stack end to
// end the way ardnew-softusb's examples/linux-hal/hid-monitor exercises
// its own host stack against real hardware; a graphical or curses-style
// status dashboard is out of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardnew/vusb/emulator"
	"github.com/ardnew/vusb/gadget"
	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/internal/vlog"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/vhci"
)

var (
	verbose  = flag.Bool("v", false, "enable debug logging")
	jsonLogs = flag.Bool("json", false, "emit logs as JSON")
	numPorts = flag.Int("ports", 2, "number of root hub ports to present")
)

func main() {
	flag.Parse()

	if *jsonLogs {
		vlog.SetFormat(vlog.FormatJSON)
	}
	if *verbose {
		vlog.SetLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := vhci.New(*numPorts)
	ctrl.SetOnCompletion(func(portNum int, c vhci.Completion) {
		vlog.Info(vlog.ComponentVHCI, "transfer completed",
			"port", portNum,
			"seq", c.Giveback.Record.SeqNum,
			"status", c.Giveback.Record.Status,
			"bytes", len(c.Data))
	})

	dev, err := newLoopbackGadget()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build gadget:", err)
		os.Exit(1)
	}

	emu, err := ctrl.AttachEmulated(ctx, 1, dev, port.SpeedHigh)
	if err != nil {
		fmt.Fprintln(os.Stderr, "attach emulated device:", err)
		os.Exit(1)
	}
	registerEcho(emu)

	p := ctrl.Hub().Port(1)
	if err := p.Reset(); err != nil {
		fmt.Fprintln(os.Stderr, "reset port 1:", err)
		os.Exit(1)
	}
	p.FinishReset()

	vlog.Info(vlog.ComponentVHCI, "vhciemu running", "ports", *numPorts)
	<-ctx.Done()
	vlog.Info(vlog.ComponentVHCI, "shutting down")
	ctrl.Detach(1)
}

// newLoopbackGadget builds a single-configuration vendor-class gadget with
// one IN and one OUT bulk endpoint, for exercising the pump/emulator
// plumbing without any class-driver logic.
func newLoopbackGadget() (*gadget.Device, error) {
	b := gadget.NewBuilder().
		WithVendorProduct(0x1209, 0x000A).
		WithStrings("vusb", "vhci loopback gadget", "0000000A")
	b.AddConfiguration(1).
		AddInterface(0xFF, 0, 0).
		AddEndpoint(0x81, gadget.EndpointTypeBulk, 64).
		AddEndpoint(0x01, gadget.EndpointTypeBulk, 64)
	return b.Build(context.Background())
}

// registerEcho wires the OUT endpoint's most recent payload back out
// through the IN endpoint on its next poll, the simplest handler that
// still exercises both transfer directions.
func registerEcho(emu *emulator.Emulator) {
	last := make(chan []byte, 1)

	emu.RegisterEndpoint(0x01, emulator.EndpointHandlerFunc(
		func(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error) {
			buf := append([]byte(nil), data...)
			select {
			case last <- buf:
			default:
				<-last
				last <- buf
			}
			return nil, nil, verrs.StatusCompleted, nil
		}))

	emu.RegisterEndpoint(0x81, emulator.EndpointHandlerFunc(
		func(ctx context.Context, r *port.Record, data []byte) ([]byte, []port.IsoPacketDesc, verrs.CompletionStatus, error) {
			select {
			case buf := <-last:
				return buf, nil, verrs.StatusCompleted, nil
			case <-ctx.Done():
				return nil, nil, verrs.StatusUnlinked, ctx.Err()
			}
		}))
}
