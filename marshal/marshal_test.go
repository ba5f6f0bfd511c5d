package marshal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/vusb/internal/verrs"
	"github.com/ardnew/vusb/port"
	"github.com/ardnew/vusb/wire"
)

func TestEncodeDecodeHostEventSignal(t *testing.T) {
	ev := &port.Event{Sig: port.SignalPowerOn}
	typeTag, payload, err := EncodeHostEvent(ev, nil)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}
	if typeTag != uint32(wire.HEventSignal) {
		t.Fatalf("type = %d, want HEventSignal", typeTag)
	}
	dec, err := DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err != nil {
		t.Fatalf("DecodeHostEvent: %v", err)
	}
	if dec.Kind != HostEventSignal || dec.Signal != port.SignalPowerOn {
		t.Fatalf("got %+v", dec)
	}
}

func TestEncodeDecodeHostEventUnlink(t *testing.T) {
	ev := &port.Event{Cancel: &port.CancelEvent{TargetSeq: 42}}
	typeTag, payload, err := EncodeHostEvent(ev, nil)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}
	dec, err := DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err != nil {
		t.Fatalf("DecodeHostEvent: %v", err)
	}
	if dec.Kind != HostEventUnlink || dec.UnlinkSeq != 42 {
		t.Fatalf("got %+v", dec)
	}
}

func TestEncodeDecodeHostEventControlOut(t *testing.T) {
	r := &port.Record{
		SeqNum:          9,
		Type:            port.TransferControl,
		EndpointAddress: 0x00, // OUT
		TransferLength:  3,
	}
	copy(r.Setup[:], []byte{0x21, 0x09, 0, 0, 0, 0, 3, 0})
	data := []byte{0xAA, 0xBB, 0xCC}

	typeTag, payload, err := EncodeHostEvent(&port.Event{Transfer: r}, data)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}
	dec, err := DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err != nil {
		t.Fatalf("DecodeHostEvent: %v", err)
	}
	if dec.Kind != HostEventTransfer {
		t.Fatalf("kind = %v, want HostEventTransfer", dec.Kind)
	}
	if dec.Transfer.SeqNum != 9 || dec.Transfer.Type != port.TransferControl {
		t.Fatalf("transfer mismatch: %+v", dec.Transfer)
	}
	if dec.Transfer.Setup != r.Setup {
		t.Fatalf("setup mismatch: got %v, want %v", dec.Transfer.Setup, r.Setup)
	}
	if !bytes.Equal(dec.Data, data) {
		t.Fatalf("data mismatch: got %v, want %v", dec.Data, data)
	}
}

func TestEncodeDecodeHostEventBulkIn(t *testing.T) {
	r := &port.Record{
		SeqNum:          3,
		Type:            port.TransferBulk,
		EndpointAddress: 0x81, // IN
		TransferLength:  512,
	}
	typeTag, payload, err := EncodeHostEvent(&port.Event{Transfer: r}, nil)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}
	dec, err := DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err != nil {
		t.Fatalf("DecodeHostEvent: %v", err)
	}
	if !dec.Transfer.IsIn() {
		t.Fatal("expected IN transfer")
	}
	if len(dec.Data) != 0 {
		t.Fatalf("expected no trailing data for IN transfer, got %d bytes", len(dec.Data))
	}
}

func TestEncodeDecodeHostEventIsochronousOut(t *testing.T) {
	r := &port.Record{
		SeqNum:          5,
		Type:            port.TransferIsochronous,
		EndpointAddress: 0x02,
		TransferLength:  10,
		NumPackets:      2,
		IsoPackets: []port.IsoPacketDesc{
			{Length: 4},
			{Length: 6},
		},
	}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	typeTag, payload, err := EncodeHostEvent(&port.Event{Transfer: r}, data)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}
	dec, err := DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err != nil {
		t.Fatalf("DecodeHostEvent: %v", err)
	}
	if len(dec.Transfer.IsoPackets) != 2 {
		t.Fatalf("expected 2 iso packets, got %d", len(dec.Transfer.IsoPackets))
	}
	if dec.Transfer.IsoPackets[0].Length != 4 || dec.Transfer.IsoPackets[1].Length != 6 {
		t.Fatalf("iso packet lengths mismatch: %+v", dec.Transfer.IsoPackets)
	}
	if !bytes.Equal(dec.Data, data) {
		t.Fatalf("data mismatch: got %v, want %v", dec.Data, data)
	}
}

func TestEncodeDecodeDeviceSignal(t *testing.T) {
	typeTag, payload := EncodeDeviceSignal(true)
	dec, err := DecodeDeviceEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload, nil)
	if err != nil {
		t.Fatalf("DecodeDeviceEvent: %v", err)
	}
	if dec.Kind != DeviceEventSignal || !dec.Attached {
		t.Fatalf("got %+v", dec)
	}
}

func TestEncodeDecodeDeviceCompletionBulkIn(t *testing.T) {
	orig := &port.Record{SeqNum: 3, Type: port.TransferBulk, EndpointAddress: 0x81}
	data := []byte{9, 9, 9, 9}

	typeTag, payload, err := EncodeDeviceCompletion(orig, verrs.StatusCompleted, uint32(len(data)), nil, data)
	if err != nil {
		t.Fatalf("EncodeDeviceCompletion: %v", err)
	}
	dec, err := DecodeDeviceEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload, orig)
	if err != nil {
		t.Fatalf("DecodeDeviceEvent: %v", err)
	}
	if dec.SeqNum != 3 || dec.Status != verrs.StatusCompleted || dec.ActualLength != 4 {
		t.Fatalf("got %+v", dec)
	}
	if !bytes.Equal(dec.Data, data) {
		t.Fatalf("data mismatch: got %v, want %v", dec.Data, data)
	}
}

func TestEncodeDecodeDeviceCompletionIsochronousIn(t *testing.T) {
	orig := &port.Record{
		SeqNum:          7,
		Type:            port.TransferIsochronous,
		EndpointAddress: 0x83,
		IsoPackets:      []port.IsoPacketDesc{{Length: 2}, {Length: 2}},
	}
	results := []port.IsoPacketDesc{
		{ActualLength: 2, Status: verrs.StatusCompleted},
		{ActualLength: 1, Status: verrs.StatusError},
	}
	data := []byte{0xAA, 0xBB, 0xCC}

	typeTag, payload, err := EncodeDeviceCompletion(orig, verrs.StatusCompleted, 3, results, data)
	if err != nil {
		t.Fatalf("EncodeDeviceCompletion: %v", err)
	}
	dec, err := DecodeDeviceEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload, orig)
	if err != nil {
		t.Fatalf("DecodeDeviceEvent: %v", err)
	}
	if len(dec.IsoPackets) != 2 {
		t.Fatalf("expected 2 iso results, got %d", len(dec.IsoPackets))
	}
	if dec.IsoPackets[0].ActualLength != 2 || dec.IsoPackets[1].Status != verrs.StatusError {
		t.Fatalf("iso results mismatch: %+v", dec.IsoPackets)
	}
	if !bytes.Equal(dec.Data, data) {
		t.Fatalf("data mismatch: got %v, want %v", dec.Data, data)
	}
}

func TestDecodeHostEventControlWLengthMismatch(t *testing.T) {
	r := &port.Record{
		SeqNum:          11,
		Type:            port.TransferControl,
		EndpointAddress: 0x00,
		TransferLength:  3,
	}
	copy(r.Setup[:], []byte{0x21, 0x09, 0, 0, 0, 0, 3, 0})
	data := []byte{0xAA, 0xBB, 0xCC}

	typeTag, payload, err := EncodeHostEvent(&port.Event{Transfer: r}, data)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}

	// Corrupt the setup packet's wLength field (bytes 6:8) in place so it
	// no longer agrees with the URB header's TransferLength, mimicking a
	// malformed frame the codec must reject rather than silently accept.
	payload[wire.URBHeaderSize+6] = 9
	payload[wire.URBHeaderSize+7] = 0

	_, err = DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err == nil {
		t.Fatal("expected error on wLength/TransferLength mismatch")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	if !de.HasSeqNum || de.SeqNum != 11 {
		t.Fatalf("DecodeError seq mismatch: %+v", de)
	}
}

func TestDecodeHostEventIsoLengthSumMismatch(t *testing.T) {
	r := &port.Record{
		SeqNum:          12,
		Type:            port.TransferIsochronous,
		EndpointAddress: 0x02,
		TransferLength:  10,
		NumPackets:      2,
		IsoPackets: []port.IsoPacketDesc{
			{Length: 4},
			{Length: 6},
		},
	}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	typeTag, payload, err := EncodeHostEvent(&port.Event{Transfer: r}, data)
	if err != nil {
		t.Fatalf("EncodeHostEvent: %v", err)
	}

	// Corrupt the TransferLength field in the URB header so it no longer
	// matches the sum of the iso packet table that follows it.
	binary.LittleEndian.PutUint32(payload[13:17], 99)

	_, err = DecodeHostEvent(wire.Header{Type: typeTag, Length: uint32(len(payload))}, payload)
	if err == nil {
		t.Fatal("expected error on iso packet length sum mismatch")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	if !de.HasSeqNum || de.SeqNum != 12 {
		t.Fatalf("DecodeError seq mismatch: %+v", de)
	}
}

func TestEncodeDeviceCompletionIsoResultCountMismatch(t *testing.T) {
	orig := &port.Record{
		Type:       port.TransferIsochronous,
		IsoPackets: []port.IsoPacketDesc{{Length: 2}, {Length: 2}},
	}
	if _, _, err := EncodeDeviceCompletion(orig, verrs.StatusCompleted, 0, []port.IsoPacketDesc{{}}, nil); err == nil {
		t.Fatal("expected error on isoResults/IsoPackets length mismatch")
	}
}
