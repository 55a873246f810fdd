package twr

import (
	"context"
	"encoding/binary"
	"testing"

	"dw1000/device"
	"dw1000/simbus"
	"dw1000/transport"
)

func newDevice(t *testing.T, addr uint16, txAnt, rxAnt uint16) *device.Device {
	t.Helper()
	bus := simbus.NewRegisterFile(device.DeviceID)
	d := device.New(transport.New(bus), nil, nil)
	cfg := device.Config{ShortAddress: addr, TXAntennaDelay: txAnt, RXAntennaDelay: rxAnt, ConfigRetries: 1}
	if err := d.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure device %d: %v", addr, err)
	}
	return d
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestNonRangingFrameForwarded(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	e := New(devA, nil, Config{}, 4, nil)
	consumed := e.handleRXComplete([]byte{0x00, 0x00, 1, 2, 3})
	if consumed {
		t.Fatal("expected a non-ranging fctrl to be forwarded (not consumed)")
	}
}

func TestForeignDestinationIsNotConsumedAsOwnExchange(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	radio, _ := simbus.Link(devA, newDevice(t, 99, 0, 0), 10)
	e := New(devA, radio, Config{}, 4, nil)
	raw := make([]byte, RequestSize)
	binary.LittleEndian.PutUint16(raw[0:], FCntlRange16)
	binary.LittleEndian.PutUint16(raw[5:], 2) // dst=2, not our address (1)
	consumed := e.handleRXComplete(raw)
	if !consumed {
		t.Fatal("a ranging frame addressed elsewhere should still be consumed (and dropped) by the chain")
	}
}

func TestSSTWRRoundTrip(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	devB := newDevice(t, 2, 0, 0)
	nodeA, nodeB := simbus.Link(devA, devB, 1000)

	const propagation = 1000.0
	eA := New(devA, nodeA, Config{TXHoldoffDelay: 16}, 4, nil)
	eB := New(devB, nodeB, Config{TXHoldoffDelay: 16}, 4, nil)

	var results []Result
	eB.SetCompleteCallback(func(r Result) { results = append(results, r) })

	if err := eA.Request(context.Background(), 2, SSTWR); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d completions on the responder, want 1", len(results))
	}
	r := results[0]
	if r.Code != SSTWRFinal {
		t.Fatalf("got code %v, want SSTWRFinal", r.Code)
	}
	if r.PeerAddress != 1 {
		t.Fatalf("got peer %d, want 1 (the initiator)", r.PeerAddress)
	}
	// Zero clock offset and zero bias: the recovered ToF should land near
	// the configured one-way propagation delay, within the quantization
	// error the 512-tick delayed-start boundary introduces.
	if abs(r.ToF-propagation) > 5000 {
		t.Fatalf("got ToF %v, want within 5000 ticks of %v", r.ToF, propagation)
	}
}

func TestDSTWRRoundTrip(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	devB := newDevice(t, 2, 0, 0)
	nodeA, nodeB := simbus.Link(devA, devB, 1000)

	const propagation = 1000.0
	eA := New(devA, nodeA, Config{TXHoldoffDelay: 16}, 4, nil)
	eB := New(devB, nodeB, Config{TXHoldoffDelay: 16}, 4, nil)

	var aResults, bResults []Result
	eA.SetCompleteCallback(func(r Result) { aResults = append(aResults, r) })
	eB.SetCompleteCallback(func(r Result) { bResults = append(bResults, r) })

	if err := eA.Request(context.Background(), 2, DSTWR); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(bResults) != 1 {
		t.Fatalf("got %d completions on the responder, want 1", len(bResults))
	}
	if bResults[0].Code != DSTWRFinal {
		t.Fatalf("got responder code %v, want DSTWRFinal", bResults[0].Code)
	}
	if len(aResults) != 1 {
		t.Fatalf("got %d completions on the initiator, want 1", len(aResults))
	}
	if aResults[0].Code != DSTWRFinal {
		t.Fatalf("got initiator code %v, want DSTWRFinal", aResults[0].Code)
	}
	for _, r := range []Result{aResults[0], bResults[0]} {
		if abs(r.ToF-propagation) > 20000 {
			t.Fatalf("got ToF %v, want within 20000 ticks of %v", r.ToF, propagation)
		}
	}

	if eA.NumFrames() != 4 || eB.NumFrames() != 4 {
		t.Fatalf("got NumFrames %d/%d, want 4/4", eA.NumFrames(), eB.NumFrames())
	}
	if aResults[0].SlotIndex < 0 || aResults[0].SlotIndex >= eA.NumFrames() {
		t.Fatalf("initiator SlotIndex %d out of range [0,%d)", aResults[0].SlotIndex, eA.NumFrames())
	}
	if bResults[0].SlotIndex < 0 || bResults[0].SlotIndex >= eB.NumFrames() {
		t.Fatalf("responder SlotIndex %d out of range [0,%d)", bResults[0].SlotIndex, eB.NumFrames())
	}
}

func TestDSTWRExtInvokesTXFinalCallback(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	devB := newDevice(t, 2, 0, 0)
	nodeA, nodeB := simbus.Link(devA, devB, 500)

	var finalCalled bool
	eA := New(devA, nodeA, Config{TXHoldoffDelay: 16}, 4, nil)
	eB := New(devB, nodeB, Config{
		TXHoldoffDelay: 16,
		TXFinalCallback: func(f *FrameSlot) {
			finalCalled = true
			f.UTime = 42
		},
	}, 4, nil)

	var bResults []Result
	eB.SetCompleteCallback(func(r Result) { bResults = append(bResults, r) })

	if err := eA.Request(context.Background(), 2, DSTWRExt); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !finalCalled {
		t.Fatal("expected TXFinalCallback to run before the responder's terminal transmission")
	}
	if len(bResults) != 1 || bResults[0].Frame.UTime != 42 {
		t.Fatalf("expected the populated payload to survive into the completion result, got %+v", bResults)
	}
}

func TestRequestSerializesConcurrentExchanges(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	devB := newDevice(t, 2, 0, 0)
	nodeA, nodeB := simbus.Link(devA, devB, 100)
	eA := New(devA, nodeA, Config{TXHoldoffDelay: 16}, 4, nil)
	_ = New(devB, nodeB, Config{TXHoldoffDelay: 16}, 4, nil)

	// The capacity-1 semaphore means a second Request from the same
	// engine cannot start until the first has released it; since our
	// simulated exchange completes synchronously within Request itself,
	// back-to-back calls from one goroutine exercise exactly that
	// acquire/release cycle rather than true concurrency.
	for i := 0; i < 3; i++ {
		if err := eA.Request(context.Background(), 2, SSTWR); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestRequestContextCancellationUnblocks(t *testing.T) {
	devA := newDevice(t, 1, 0, 0)
	devB := newDevice(t, 99, 0, 0)
	nodeA, _ := simbus.Link(devA, devB, 100)
	eA := New(devA, nodeA, Config{TXHoldoffDelay: 16}, 4, nil)

	// Hold the semaphore ourselves so Request's initial acquire can't
	// proceed, then cancel up front: this makes the ctx.Done() branch the
	// only ready case, rather than racing it against an immediately
	// available semaphore send.
	eA.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := eA.Request(ctx, 2, SSTWR); err == nil {
		t.Fatal("expected a cancelled context to unblock Request with an error")
	}
}
