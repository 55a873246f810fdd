// Package netif bridges a 6LoWPAN-like upper layer to the register-level
// radio for non-ranging traffic: a blocking LLOutput downward path and an
// Input upward path staged through a backpressured ring of RX buffers.
package netif

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"dw1000/device"
	"dw1000/frame"
)

// Status mirrors dw1000_ll_output's result mapping.
type Status int

const (
	StatusOK Status = iota
	StatusInProgress
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusTimeout:
		return "timeout"
	default:
		return "ok"
	}
}

// Radio is the frame-level surface Interface drives, satisfied by
// *frame.IO; it omits the ranging-only delayed-start/wait4resp/timestamp
// methods twr.Radio needs.
type Radio interface {
	WriteTX(buf []byte, offset int) error
	WriteTXFctrl(length int, offset int, rangingBit bool) error
	StartTX(delayed bool) (frame.Status, error)
	StartRX() (frame.Status, error)
	ReadRX(out []byte, offset int) error
}

// Config configures an Interface, decorated with defaults via
// creasty/defaults like the rest of this driver's option structs.
type Config struct {
	BufLen int `default:"127"` // max payload size per RX ring buffer
}

// Interface implements the downward (LLOutput) and upward (Input) hooks
// described for the network glue. It expects to be registered on the
// device's callback chain after the TWR engine, so it only ever observes
// non-ranging traffic (the engine consumes and stops the chain for
// FCNTL_IEEE_RANGE_16 frames).
type Interface struct {
	dev   *device.Device
	radio Radio
	cfg   Config
	log   *logrus.Entry

	bufs   [][]byte
	bufIdx uint32

	txMu   sync.Mutex // serializes LLOutput callers, one TX in flight at a time
	mu     sync.Mutex
	doneCh chan struct{}

	rxSem chan struct{} // capacity nframes; backpressure on staged-but-unconsumed RX buffers

	// Input receives each staged RX payload. Left nil, received frames are
	// simply dropped after staging (still consuming/releasing their slot).
	Input func(pkt []byte)

	cbID uint16
}

// New creates an Interface with nframes RX ring buffers over radio,
// registered on dev's callback chain.
func New(dev *device.Device, radio Radio, cfg Config, nframes int, log *logrus.Logger) *Interface {
	if err := setConfigDefaults(&cfg); err != nil {
		panic(err)
	}
	if log == nil {
		log = logrus.New()
	}
	n := &Interface{
		dev:   dev,
		radio: radio,
		cfg:   cfg,
		log:   log.WithField("component", "netif"),
		bufs:  make([][]byte, nframes),
		rxSem: make(chan struct{}, nframes),
	}
	for i := range n.bufs {
		n.bufs[i] = make([]byte, cfg.BufLen)
	}
	for i := 0; i < nframes; i++ {
		n.rxSem <- struct{}{}
	}
	n.cbID = dev.AddCallbacks(device.Callbacks{
		RXComplete: n.handleRXComplete,
		TXComplete: n.handleTXComplete,
	})
	return n
}

// Close unregisters the interface from the device's callback chain.
func (n *Interface) Close() {
	n.dev.RemoveCallbacks(n.cbID)
}

// LLOutput serializes pkt into the TX buffer and blocks until the
// transmission completes, mapping the device's resulting status to a
// Status the way dw1000_ll_output/dw1000_lwip_write do.
func (n *Interface) LLOutput(ctx context.Context, pkt []byte) (Status, error) {
	n.txMu.Lock()
	defer n.txMu.Unlock()

	done := make(chan struct{})
	n.mu.Lock()
	n.doneCh = done
	n.mu.Unlock()

	if err := n.radio.WriteTX(pkt, 0); err != nil {
		return StatusOK, fmt.Errorf("netif: ll_output: %w", err)
	}
	if err := n.radio.WriteTXFctrl(len(pkt), 0, false); err != nil {
		return StatusOK, fmt.Errorf("netif: ll_output: %w", err)
	}
	st, err := n.radio.StartTX(false)
	if err != nil || st.StartTXError {
		n.dev.SetStatus(device.StatusStartTXError)
		if err == nil {
			err = fmt.Errorf("netif: ll_output: start tx rejected")
		}
		return StatusOK, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return StatusInProgress, ctx.Err()
	}

	status := n.dev.Status()
	switch {
	case status&device.StatusRequestTimeout != 0:
		return StatusInProgress, nil
	case status&device.StatusRXTimeoutError != 0:
		return StatusTimeout, nil
	default:
		return StatusOK, nil
	}
}

func (n *Interface) handleTXComplete() {
	n.mu.Lock()
	done := n.doneCh
	n.doneCh = nil
	n.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// handleRXComplete stages raw into the next ring buffer and hands it to
// Input, pending on the backpressure semaphore first and releasing it
// once the buffer has been consumed.
func (n *Interface) handleRXComplete(raw []byte) bool {
	<-n.rxSem

	idx := int(atomic.AddUint32(&n.bufIdx, 1)-1) % len(n.bufs)
	buf := n.bufs[idx]
	size := len(raw)
	if size > len(buf) {
		size = len(buf)
	}
	copy(buf, raw[:size])

	if n.Input != nil {
		n.Input(buf[:size])
	}
	n.rxSem <- struct{}{}
	return true
}
