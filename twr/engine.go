// Package twr implements the single-sided, double-sided, and extended
// double-sided two-way ranging state machines: the engine that turns a
// wire exchange of timestamped frames into a time-of-flight measurement.
package twr

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dw1000/device"
	"dw1000/frame"
	"dw1000/timing"
)

// Radio is the frame-level surface the engine drives; frame.IO satisfies
// it against real (or simulated) hardware.
type Radio interface {
	WriteTX(buf []byte, offset int) error
	WriteTXFctrl(length int, offset int, rangingBit bool) error
	StartTX(delayed bool) (frame.Status, error)
	SetDelayStart(t40 uint64) error
	SetWait4Resp(enable bool) error
	SetRXTimeout(us uint16) error
	StartRX() (frame.Status, error)
	RestartRX() (frame.Status, error)
	ReadRX(out []byte, offset int) error
	ReadRXTime() (uint64, error)
	ReadTXTime() (uint64, error)
	ReadRXTimeLo() (uint32, error)
	ReadTXTimeLo() (uint32, error)
}

// Config configures one engine instance, decorated with defaults via
// creasty/defaults like the rest of this driver's option structs.
type Config struct {
	RXTimeoutPeriod      uint16 `default:"65535"` // microseconds
	TXHoldoffDelay       uint16
	BiasCorrectionEnable bool
	// BiasCorrection is the opaque path-loss polynomial black box; never
	// reimplemented here. The engine stores it and BiasCorrectionEnable
	// but does not invoke it: Result.ToF is never bias-corrected.
	BiasCorrection func(pathLossDBm float64) float64
	// TXFinalCallback fills in application payload (cartesian/spherical
	// plus variances and a user timestamp) before an extended frame's
	// terminal transmission, mirroring rng_tx_final_cb.
	TXFinalCallback func(frame *FrameSlot)
}

// Result is delivered to the user's complete callback once an exchange
// finishes on the side that computes time-of-flight. Only completed
// exchanges produce a Result; the engine never sets Err.
type Result struct {
	PeerAddress uint16
	Code        Code
	Frame       FrameSlot
	SlotIndex   int // idx mod len(frames) at completion, for ring bookkeeping by a caller
	ToF         float64 // device ticks
	Err         error
}

// CompleteFunc receives one Result per finished exchange.
type CompleteFunc func(Result)

type control struct {
	delayStartEnabled bool
	delay             uint64
}

// Engine implements the SS/DS/DS-EXT ranging state machines over a ring
// of frame slots, serialized by a capacity-1 semaphore (invariant I2: at
// most one locally-initiated exchange in flight per device).
type Engine struct {
	dev   *device.Device
	radio Radio
	cfg   Config
	log   *logrus.Entry

	frames []FrameSlot
	idx    uint16 // wraps; slot is idx % len(frames)
	seqNum uint8

	sem  chan struct{} // capacity 1, held only across a local Request
	done chan struct{} // closed by the terminal callback of the active local exchange

	onComplete CompleteFunc
	cbID       uint16
}

// New creates an engine with nframes ring slots over radio, sharing
// dev's callback chain and antenna delay configuration.
func New(dev *device.Device, radio Radio, cfg Config, nframes int, log *logrus.Logger) *Engine {
	if err := setConfigDefaults(&cfg); err != nil {
		panic(err) // defaults decoration failure means a programming error, not a runtime one
	}
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		dev:    dev,
		radio:  radio,
		cfg:    cfg,
		log:    log.WithField("component", "twr"),
		frames: make([]FrameSlot, nframes),
		idx:    0xFFFF,
		sem:    make(chan struct{}, 1),
	}
	e.cbID = dev.AddCallbacks(device.Callbacks{
		RXComplete: e.handleRXComplete,
		TXComplete: e.handleTXComplete,
		RXTimeout:  e.handleRXTimeout,
		RXError:    e.handleRXError,
	})
	return e
}

// SetCompleteCallback installs the user's rng_complete_cb equivalent.
func (e *Engine) SetCompleteCallback(fn CompleteFunc) {
	e.onComplete = fn
}

// Close unregisters the engine from the device's callback chain.
func (e *Engine) Close() {
	e.dev.RemoveCallbacks(e.cbID)
}

func (e *Engine) slot(i uint16) *FrameSlot {
	return &e.frames[int(i)%len(e.frames)]
}

// Request performs a blocking ranging exchange against peer, using code
// as the initial message of its family (SSTWR, DSTWR, or DSTWRExt). It
// returns once the exchange reaches a terminal state: completion, a
// transmit error, or an RX timeout/error.
func (e *Engine) Request(ctx context.Context, peer uint16, code Code) error {
	return e.request(ctx, peer, code, control{})
}

// RequestDelayStart is Request with the first transmission pinned to
// fire when the device clock crosses startTime.
func (e *Engine) RequestDelayStart(ctx context.Context, peer uint16, code Code, startTime uint64) error {
	return e.request(ctx, peer, code, control{delayStartEnabled: true, delay: startTime})
}

func (e *Engine) request(ctx context.Context, peer uint16, code Code, ctl control) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.idx++
	e.seqNum++
	f := e.slot(e.idx)
	*f = FrameSlot{
		FCtrl:      FCntlRange16,
		SeqNum:     e.seqNum,
		SrcAddress: e.dev.ShortAddress(),
		DstAddress: peer,
		Code:       code,
	}

	e.done = make(chan struct{})

	size := RequestSize
	if err := e.radio.WriteTX(f.Encode(size), 0); err != nil {
		<-e.sem
		return fmt.Errorf("twr: request: %w", err)
	}
	if err := e.radio.WriteTXFctrl(size, 0, true); err != nil {
		<-e.sem
		return fmt.Errorf("twr: request: %w", err)
	}
	if err := e.radio.SetWait4Resp(true); err != nil {
		<-e.sem
		return fmt.Errorf("twr: request: %w", err)
	}
	if err := e.radio.SetRXTimeout(e.cfg.RXTimeoutPeriod); err != nil {
		<-e.sem
		return fmt.Errorf("twr: request: %w", err)
	}
	if ctl.delayStartEnabled {
		if err := e.radio.SetDelayStart(ctl.delay); err != nil {
			<-e.sem
			return fmt.Errorf("twr: request: %w", err)
		}
	}
	st, err := e.radio.StartTX(ctl.delayStartEnabled)
	if err != nil || st.StartTXError {
		e.dev.SetStatus(device.StatusStartTXError)
		e.dev.DispatchTXError()
		<-e.sem
		if err == nil {
			err = fmt.Errorf("twr: request: start tx rejected")
		}
		return err
	}

	select {
	case <-e.done:
	case <-ctx.Done():
	}
	<-e.sem
	return ctx.Err()
}

// handleRXComplete is the device callback-chain entry point. It claims
// every frame that carries the ranging fctrl; only those addressed to
// this device drive the state machines, while ranging frames addressed
// elsewhere (or too short for the header) are consumed and dropped. A
// frame with any other fctrl returns false so the chain forwards it to
// the next registrant (e.g. the network glue).
func (e *Engine) handleRXComplete(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	fctrl := uint16(raw[0]) | uint16(raw[1])<<8
	if fctrl != FCntlRange16 {
		return false
	}
	if len(raw) < headerSize {
		return true // claimed but malformed; drop, a timeout will clear any blocked state
	}
	dst := uint16(raw[5]) | uint16(raw[6])<<8
	if dst != e.dev.ShortAddress() {
		e.restartRX() // not for us: software MAC filtering, keep listening
		return true
	}
	code := Code(uint16(raw[9]) | uint16(raw[10])<<8)
	switch {
	case InSSRange(code):
		e.handleSS(code, raw)
	case InDSRange(code):
		e.handleDS(code, raw)
	case InDSExtRange(code):
		e.handleDSExt(code, raw)
	}
	return true
}

func (e *Engine) restartRX() {
	if st, err := e.radio.RestartRX(); err != nil || st.StartRXError {
		e.dev.SetStatus(device.StatusStartRXError)
		e.dev.DispatchRXError()
	}
}

// handleTXComplete releases a blocked local Request once the one
// transmission that is terminal for the initiator role (SS-TWR's own
// final frame) has gone out. DS and DS-EXT exchanges terminate instead
// on the RX side (see handleDS/handleDSExt), since their final frame is
// sent by the responder.
func (e *Engine) handleTXComplete() {
	if e.slot(e.idx).Code == SSTWRFinal {
		e.release()
	}
}

func (e *Engine) handleRXTimeout() {
	e.dev.SetStatus(device.StatusRXTimeoutError)
	e.release()
}

func (e *Engine) handleRXError() {
	e.dev.SetStatus(device.StatusRXError)
	e.release()
}

// release signals a blocked Request, if any, that its exchange has
// reached a terminal state. It is a safe no-op when called from a
// responder-only code path, since nothing is then waiting on done.
func (e *Engine) release() {
	if e.done == nil {
		return
	}
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *Engine) complete(result Result) {
	result.SlotIndex = int(e.idx) % len(e.frames)
	if e.onComplete != nil {
		e.onComplete(result)
	}
	e.release()
}

// NumFrames returns the ring's slot count, for callers (e.g. the scheduler)
// that need to interpret Result.SlotIndex.
func (e *Engine) NumFrames() int {
	return len(e.frames)
}

// txAntennaDelay is a small convenience over device.AntennaDelays for the
// responder-side delayed-response computation.
func (e *Engine) txAntennaDelay() uint16 {
	tx, _, err := e.dev.AntennaDelays()
	if err != nil {
		return 0
	}
	return tx
}

// transmitDelayed sends f (size bytes) as a wait4resp'd, delay-started
// turn, the shape every non-terminal ranging transmission takes.
func (e *Engine) transmitDelayed(f *FrameSlot, size int, delayStart uint64) {
	if err := e.radio.WriteTX(f.Encode(size), 0); err != nil {
		e.txError()
		return
	}
	if err := e.radio.WriteTXFctrl(size, 0, true); err != nil {
		e.txError()
		return
	}
	if err := e.radio.SetWait4Resp(true); err != nil {
		e.txError()
		return
	}
	if err := e.radio.SetDelayStart(delayStart); err != nil {
		e.txError()
		return
	}
	if err := e.radio.SetRXTimeout(e.cfg.RXTimeoutPeriod); err != nil {
		e.txError()
		return
	}
	if st, err := e.radio.StartTX(true); err != nil || st.StartTXError {
		e.txError()
		return
	}
}

// transmitImmediate sends f (size bytes) with no delayed start and no
// further RX expected: the shape of a DS/DS-EXT responder's final turn.
func (e *Engine) transmitImmediate(f *FrameSlot, size int) bool {
	if err := e.radio.WriteTX(f.Encode(size), 0); err != nil {
		e.txError()
		return false
	}
	if err := e.radio.WriteTXFctrl(size, 0, true); err != nil {
		e.txError()
		return false
	}
	st, err := e.radio.StartTX(false)
	if err != nil || st.StartTXError {
		e.txError()
		return false
	}
	return true
}

func (e *Engine) txError() {
	e.dev.SetStatus(device.StatusTXFrameError)
	e.dev.DispatchTXError()
	e.release()
}

// handleSS runs the single-sided ranging state machine. SSTWR is the
// initial request (responder role); SSTWRT1 is the response (initiator
// role); SSTWRFinal closes the exchange and yields the measurement
// (responder role).
func (e *Engine) handleSS(code Code, raw []byte) {
	switch code {
	case SSTWR:
		e.idx++
		f := e.slot(e.idx)
		*f = FrameSlot{}
		f.Decode(raw[:min(len(raw), RequestSize)])

		requestTS, err := e.radio.ReadRXTime()
		if err != nil {
			e.txError()
			return
		}
		delay, resp := frame.DelayedResponse(requestTS, e.cfg.TXHoldoffDelay, e.txAntennaDelay())
		f.ReceptionTS = requestTS
		f.TransmissionTS = resp

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = SSTWRT1
		e.transmitDelayed(f, ResponseSize, delay)

	case SSTWRT1:
		f := e.slot(e.idx)
		f.Decode(raw[:min(len(raw), ResponseSize)]) // inherits responder's Reception/TransmissionTS

		txLo, err := e.radio.ReadTXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		rxLo, err := e.radio.ReadRXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		f.RequestTS = uint64(txLo)
		f.ResponseTS = uint64(rxLo)

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = SSTWRFinal
		if err := e.radio.WriteTX(f.Encode(FinalSize), 0); err != nil {
			e.txError()
			return
		}
		if err := e.radio.WriteTXFctrl(FinalSize, 0, true); err != nil {
			e.txError()
			return
		}
		if st, err := e.radio.StartTX(false); err != nil || st.StartTXError {
			e.txError()
			return
		}

	case SSTWRFinal:
		f := e.slot(e.idx)
		f.Decode(raw[:min(len(raw), FinalSize)])
		tof := timing.SingleSided(f.RequestTS, f.ResponseTS, f.ReceptionTS, f.TransmissionTS)
		e.complete(Result{PeerAddress: f.SrcAddress, Code: f.Code, Frame: *f, ToF: tof})
	}
}

// handleDS runs the double-sided ranging state machine. A second round
// trip trades clock-drift sensitivity for one extra message: round one
// behaves like SS-TWR, then the initiator folds its own round-one
// timestamps into a round-two turn, and the responder closes the loop
// immediately on receiving it rather than waiting for a further reply.
func (e *Engine) handleDS(code Code, raw []byte) {
	switch code {
	case DSTWR:
		e.idx++
		f := e.slot(e.idx)
		*f = FrameSlot{}
		f.Decode(raw[:min(len(raw), RequestSize)])

		requestTS, err := e.radio.ReadRXTime()
		if err != nil {
			e.txError()
			return
		}
		delay, resp := frame.DelayedResponse(requestTS, e.cfg.TXHoldoffDelay, e.txAntennaDelay())
		f.ReceptionTS = requestTS
		f.TransmissionTS = resp

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = DSTWRT1
		e.transmitDelayed(f, ResponseSize, delay)

	case DSTWRT1:
		f := e.slot(e.idx)
		f.Decode(raw[:min(len(raw), ResponseSize)]) // round one: responder's Reception/TransmissionTS

		txLo, err := e.radio.ReadTXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		rxLo, err := e.radio.ReadRXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		f.RequestTS = uint64(txLo)
		f.ResponseTS = uint64(rxLo)
		peer := f.SrcAddress

		e.idx++
		e.seqNum = f.SeqNum + 1
		next := e.slot(e.idx)
		*next = FrameSlot{
			FCtrl:      FCntlRange16,
			SeqNum:     e.seqNum,
			SrcAddress: e.dev.ShortAddress(),
			DstAddress: peer,
			Code:       DSTWRT2,
			RequestTS:  f.RequestTS,
			ResponseTS: f.ResponseTS,
		}
		requestTS2, err := e.radio.ReadRXTime()
		if err != nil {
			e.txError()
			return
		}
		delay2, resp2 := frame.DelayedResponse(requestTS2, e.cfg.TXHoldoffDelay, e.txAntennaDelay())
		next.ReceptionTS = requestTS2
		next.TransmissionTS = resp2
		e.transmitDelayed(next, FinalSize, delay2)

	case DSTWRT2:
		prev := e.slot(e.idx)
		e.idx++
		f := e.slot(e.idx)
		*f = FrameSlot{}
		f.Decode(raw[:min(len(raw), FinalSize)]) // round one req/resp + round two reception/transmission

		prev.RequestTS = f.RequestTS
		prev.ResponseTS = f.ResponseTS

		txLo, err := e.radio.ReadTXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		rxLo, err := e.radio.ReadRXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		f.RequestTS = uint64(txLo)
		f.ResponseTS = uint64(rxLo)

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = DSTWRFinal
		if !e.transmitImmediate(f, FinalSize) {
			return
		}
		tof := doubleSidedToF(prev, f)
		e.complete(Result{PeerAddress: peer, Code: f.Code, Frame: *f, ToF: tof})

	case DSTWRFinal:
		f := e.slot(e.idx)
		prev := e.slot(e.idx - 1)
		f.Decode(raw[:min(len(raw), FinalSize)])
		tof := doubleSidedToF(prev, f)
		e.complete(Result{PeerAddress: f.SrcAddress, Code: f.Code, Frame: *f, ToF: tof})
	}
}

// handleDSExt is handleDS's counterpart for the extended frame shape,
// additionally invoking the configured TXFinalCallback to populate the
// application payload before the responder's terminal transmission.
func (e *Engine) handleDSExt(code Code, raw []byte) {
	switch code {
	case DSTWRExt:
		e.idx++
		f := e.slot(e.idx)
		*f = FrameSlot{}
		f.Decode(raw[:min(len(raw), RequestSize)])

		requestTS, err := e.radio.ReadRXTime()
		if err != nil {
			e.txError()
			return
		}
		delay, resp := frame.DelayedResponse(requestTS, e.cfg.TXHoldoffDelay, e.txAntennaDelay())
		f.ReceptionTS = requestTS
		f.TransmissionTS = resp

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = DSTWRExtT1
		e.transmitDelayed(f, ResponseSize, delay)

	case DSTWRExtT1:
		f := e.slot(e.idx)
		f.Decode(raw[:min(len(raw), ResponseSize)])

		txLo, err := e.radio.ReadTXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		rxLo, err := e.radio.ReadRXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		f.RequestTS = uint64(txLo)
		f.ResponseTS = uint64(rxLo)
		peer := f.SrcAddress

		e.idx++
		e.seqNum = f.SeqNum + 1
		next := e.slot(e.idx)
		*next = FrameSlot{
			FCtrl:      FCntlRange16,
			SeqNum:     e.seqNum,
			SrcAddress: e.dev.ShortAddress(),
			DstAddress: peer,
			Code:       DSTWRExtT2,
			RequestTS:  f.RequestTS,
			ResponseTS: f.ResponseTS,
		}
		requestTS2, err := e.radio.ReadRXTime()
		if err != nil {
			e.txError()
			return
		}
		delay2, resp2 := frame.DelayedResponse(requestTS2, e.cfg.TXHoldoffDelay, e.txAntennaDelay())
		next.ReceptionTS = requestTS2
		next.TransmissionTS = resp2
		e.transmitDelayed(next, ExtendedSize, delay2)

	case DSTWRExtT2:
		prev := e.slot(e.idx)
		e.idx++
		f := e.slot(e.idx)
		*f = FrameSlot{}
		f.Decode(raw[:min(len(raw), ExtendedSize)])

		prev.RequestTS = f.RequestTS
		prev.ResponseTS = f.ResponseTS

		txLo, err := e.radio.ReadTXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		rxLo, err := e.radio.ReadRXTimeLo()
		if err != nil {
			e.txError()
			return
		}
		f.RequestTS = uint64(txLo)
		f.ResponseTS = uint64(rxLo)

		peer := f.SrcAddress
		f.DstAddress = peer
		f.SrcAddress = e.dev.ShortAddress()
		f.Code = DSTWRExtFinal
		if e.cfg.TXFinalCallback != nil {
			e.cfg.TXFinalCallback(f)
		}
		if !e.transmitImmediate(f, ExtendedSize) {
			return
		}
		tof := doubleSidedToF(prev, f)
		e.complete(Result{PeerAddress: peer, Code: f.Code, Frame: *f, ToF: tof})

	case DSTWRExtFinal:
		f := e.slot(e.idx)
		prev := e.slot(e.idx - 1)
		f.Decode(raw[:min(len(raw), ExtendedSize)])
		tof := doubleSidedToF(prev, f)
		e.complete(Result{PeerAddress: f.SrcAddress, Code: f.Code, Frame: *f, ToF: tof})
	}
}

func doubleSidedToF(a, b *FrameSlot) float64 {
	return timing.DoubleSided(
		timing.Exchange{ReqTS: a.RequestTS, RespTS: a.ResponseTS, RxTS: a.ReceptionTS, TxTS: a.TransmissionTS},
		timing.Exchange{ReqTS: b.RequestTS, RespTS: b.ResponseTS, RxTS: b.ReceptionTS, TxTS: b.TransmissionTS},
	)
}
