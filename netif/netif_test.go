package netif

import (
	"context"
	"testing"
	"time"

	"dw1000/device"
	"dw1000/frame"
	"dw1000/simbus"
	"dw1000/transport"
)

// blockingRadio never raises a TX-complete callback, letting tests drive
// LLOutput's ctx-cancellation path without racing a real (instant, in
// simbus) exchange completion.
type blockingRadio struct{}

func (blockingRadio) WriteTX(buf []byte, offset int) error                   { return nil }
func (blockingRadio) WriteTXFctrl(length int, offset int, ranging bool) error { return nil }
func (blockingRadio) StartTX(delayed bool) (frame.Status, error)              { return frame.Status{}, nil }
func (blockingRadio) StartRX() (frame.Status, error)                         { return frame.Status{}, nil }
func (blockingRadio) ReadRX(out []byte, offset int) error                    { return nil }

func newDevice(t *testing.T, addr uint16) *device.Device {
	t.Helper()
	bus := simbus.NewRegisterFile(device.DeviceID)
	d := device.New(transport.New(bus), nil, nil)
	cfg := device.Config{ShortAddress: addr, ConfigRetries: 1}
	if err := d.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure device %d: %v", addr, err)
	}
	return d
}

func TestLLOutputSucceeds(t *testing.T) {
	devA := newDevice(t, 1)
	devB := newDevice(t, 2)
	nodeA, _ := simbus.Link(devA, devB, 1000)

	n := New(devA, nodeA, Config{}, 4, nil)
	defer n.Close()

	st, err := n.LLOutput(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("ll_output: %v", err)
	}
	if st != StatusOK {
		t.Fatalf("got status %v, want ok", st)
	}
}

func TestLLOutputMapsRequestTimeout(t *testing.T) {
	devA := newDevice(t, 1)
	devB := newDevice(t, 2)
	nodeA, _ := simbus.Link(devA, devB, 1000)

	n := New(devA, nodeA, Config{}, 4, nil)
	defer n.Close()

	devA.SetStatus(device.StatusRequestTimeout)
	st, err := n.LLOutput(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("ll_output: %v", err)
	}
	if st != StatusInProgress {
		t.Fatalf("got status %v, want in_progress", st)
	}
}

func TestLLOutputMapsRXTimeoutError(t *testing.T) {
	devA := newDevice(t, 1)
	devB := newDevice(t, 2)
	nodeA, _ := simbus.Link(devA, devB, 1000)

	n := New(devA, nodeA, Config{}, 4, nil)
	defer n.Close()

	devA.SetStatus(device.StatusRXTimeoutError)
	st, err := n.LLOutput(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("ll_output: %v", err)
	}
	if st != StatusTimeout {
		t.Fatalf("got status %v, want timeout", st)
	}
}

func TestLLOutputContextCancelDuringTX(t *testing.T) {
	devA := newDevice(t, 1)
	n := New(devA, blockingRadio{}, Config{}, 4, nil)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := n.LLOutput(ctx, []byte("hello"))
	if err == nil {
		t.Fatal("expected a context-deadline error, got nil")
	}
	if st != StatusInProgress {
		t.Fatalf("got status %v on cancellation, want in_progress", st)
	}
}

func TestHandleRXCompleteStagesAndForwards(t *testing.T) {
	devA := newDevice(t, 1)
	devB := newDevice(t, 2)
	nodeA, _ := simbus.Link(devA, devB, 1000)

	n := New(devA, nodeA, Config{BufLen: 16}, 2, nil)
	defer n.Close()

	received := make(chan []byte, 4)
	n.Input = func(pkt []byte) {
		cp := append([]byte(nil), pkt...)
		received <- cp
	}

	consumed := n.handleRXComplete([]byte("ping"))
	if !consumed {
		t.Fatal("handleRXComplete should always consume (return true)")
	}

	select {
	case pkt := <-received:
		if string(pkt) != "ping" {
			t.Fatalf("got %q, want %q", pkt, "ping")
		}
	default:
		t.Fatal("Input was never called")
	}
}

func TestHandleRXCompleteTruncatesOversizedPayload(t *testing.T) {
	devA := newDevice(t, 1)
	devB := newDevice(t, 2)
	nodeA, _ := simbus.Link(devA, devB, 1000)

	n := New(devA, nodeA, Config{BufLen: 4}, 2, nil)
	defer n.Close()

	var got []byte
	n.Input = func(pkt []byte) { got = append([]byte(nil), pkt...) }

	n.handleRXComplete([]byte("abcdefgh"))
	if string(got) != "abcd" {
		t.Fatalf("got %q, want truncated to 4 bytes (%q)", got, "abcd")
	}
}
