// Package frame implements TX/RX buffer framing, transmit arming (plain,
// delayed-start, wait-for-response), and timestamp readback on top of the
// register transport.
package frame

import (
	"fmt"

	"dw1000/transport"
)

// Register ids and subfields used by frame I/O. Values are the
// conventional DW1000-family layout: a TX buffer, a TX frame-control
// register, a system-control register that arms transmit/receive, an RX
// buffer, and paired 40-bit timestamp registers.
const (
	regTXBuffer  = 0x09
	regTXFCtrl   = 0x08
	regSysCtrl   = 0x0D
	regRXBuffer  = 0x11
	regRXTime    = 0x15
	regTXTime    = 0x17
	regDelayedTX = 0x0A // DX_TIME: delayed-transmit time
	regRXFWTO    = 0x0C // RX frame wait timeout

	tsWidth = 5 // 40-bit timestamp, 5 bytes on wire
)

// sysCtrl bits.
const (
	sysCtrlTXStrt  = 1 << 1
	sysCtrlTXDlys  = 1 << 2
	sysCtrlWait4Rx = 1 << 9
	sysCtrlRXEnab  = 1 << 8
)

// Status bits surfaced to the device layer by StartTX/StartRX. These mirror
// the device status word kinds in the error-handling design.
type Status struct {
	StartTXError bool
	StartRXError bool
}

// IO provides the frame-level operations over a transport.
type IO struct {
	tr *transport.Transport
}

func New(tr *transport.Transport) *IO {
	return &IO{tr: tr}
}

// WriteTX writes buf into the TX buffer starting at offset.
func (io *IO) WriteTX(buf []byte, offset int) error {
	if err := io.tr.Write(regTXBuffer, uint16(offset), buf); err != nil {
		return fmt.Errorf("frame: write tx: %w", err)
	}
	return nil
}

// WriteTXFctrl sets the TX frame-control length field (and, for ranging
// frames, the ranging bit in the frame-control register).
func (io *IO) WriteTXFctrl(length int, offset int, rangingBit bool) error {
	v := uint32(length) | uint32(offset)<<10
	if rangingBit {
		v |= 1 << 15
	}
	if err := io.tr.WriteUint(regTXFCtrl, 0, 3, uint64(v)); err != nil {
		return fmt.Errorf("frame: write tx fctrl: %w", err)
	}
	return nil
}

// StartTX arms the previously-written TX buffer. delayed selects the
// delayed-start system-control bit set by SetDelayStart.
func (io *IO) StartTX(delayed bool) (Status, error) {
	v := uint64(sysCtrlTXStrt)
	if delayed {
		v |= sysCtrlTXDlys
	}
	if err := io.tr.WriteUint(regSysCtrl, 0, 4, v); err != nil {
		return Status{StartTXError: true}, fmt.Errorf("frame: start tx: %w", err)
	}
	return Status{}, nil
}

// SetDelayStart arms the device so the next transmit fires when the
// device clock crosses t40 (a 40-bit device timestamp).
func (io *IO) SetDelayStart(t40 uint64) error {
	if err := io.tr.WriteUint(regDelayedTX, 0, tsWidth, t40&((1<<40)-1)); err != nil {
		return fmt.Errorf("frame: set delay start: %w", err)
	}
	return nil
}

// SetWait4Resp auto-arms RX immediately after the next TX completes.
func (io *IO) SetWait4Resp(enable bool) error {
	v := uint64(0)
	if enable {
		v = sysCtrlWait4Rx
	}
	if err := io.tr.WriteUint(regSysCtrl, 2, 2, v); err != nil {
		return fmt.Errorf("frame: set wait4resp: %w", err)
	}
	return nil
}

// SetRXTimeout arms the RX frame-wait timeout, in microseconds.
func (io *IO) SetRXTimeout(us uint16) error {
	if err := io.tr.WriteUint(regRXFWTO, 0, 2, uint64(us)); err != nil {
		return fmt.Errorf("frame: set rx timeout: %w", err)
	}
	return nil
}

// StartRX arms the receiver.
func (io *IO) StartRX() (Status, error) {
	if err := io.tr.WriteUint(regSysCtrl, 0, 4, sysCtrlRXEnab); err != nil {
		return Status{StartRXError: true}, fmt.Errorf("frame: start rx: %w", err)
	}
	return Status{}, nil
}

// RestartRX re-arms the receiver after an error or timeout, identical to
// StartRX at this layer (the distinction on real hardware is in the error
// bits cleared beforehand by the device layer).
func (io *IO) RestartRX() (Status, error) {
	return io.StartRX()
}

// ReadRX reads len(out) bytes from the RX buffer starting at offset.
func (io *IO) ReadRX(out []byte, offset int) error {
	if err := io.tr.Read(regRXBuffer, uint16(offset), out); err != nil {
		return fmt.Errorf("frame: read rx: %w", err)
	}
	return nil
}

// ReadRXTime reads the full 40-bit RX timestamp.
func (io *IO) ReadRXTime() (uint64, error) {
	return io.tr.ReadUint(regRXTime, 0, tsWidth)
}

// ReadTXTime reads the full 40-bit TX timestamp.
func (io *IO) ReadTXTime() (uint64, error) {
	return io.tr.ReadUint(regTXTime, 0, tsWidth)
}

// ReadRXTimeLo reads the low 32 bits of the RX timestamp.
func (io *IO) ReadRXTimeLo() (uint32, error) {
	v, err := io.tr.ReadUint(regRXTime, 0, 4)
	return uint32(v), err
}

// ReadTXTimeLo reads the low 32 bits of the TX timestamp.
func (io *IO) ReadTXTimeLo() (uint32, error) {
	v, err := io.tr.ReadUint(regTXTime, 0, 4)
	return uint32(v), err
}

// DelayedResponse computes the scheduled-on-air instant and the
// antenna-delay-corrected timestamp stored on the wire for a response
// timed off requestTS, per the delayed-response idiom: the device can
// only start a transmission on a coarse (512-tick) boundary, so the
// scheduled instant is masked down to that boundary before the antenna
// delay correction is added back for the value placed in the outgoing
// frame.
func DelayedResponse(requestTS uint64, txHoldoffDelay uint16, txAntennaDelay uint16) (responseTXDelay, responseTS uint64) {
	responseTXDelay = (requestTS + uint64(txHoldoffDelay)<<16) & ((1 << 40) - 1)
	responseTS = (responseTXDelay &^ 0x1FF) + uint64(txAntennaDelay)
	return responseTXDelay, responseTS
}
