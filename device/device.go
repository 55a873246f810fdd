// Package device owns the transceiver handle: register-level reset,
// configuration, sleep/wake transitions, and the extension-callback
// dispatch that other subsystems (the TWR engine, the network glue)
// share over one RX interrupt path.
package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dw1000/transport"
)

// Register map. Like the chip this is modeled on, everything is
// addressed as a 6-bit record id plus a sub-index; the exact addresses
// are an implementation convention of this driver family, not a
// standardized layout.
const (
	regDevID      = 0x00
	regPANAddr    = 0x03 // PAN id (sub 0) + short address (sub 2)
	regSysTime    = 0x06
	regSysStatus  = 0x0F
	regPMSCCtrl0  = 0x36
	regPMSCCtrl1  = 0x37
	regAONCtrl    = 0x2C
	regAONConfig  = 0x2D
	regTXAntDelay = 0x18
	regRXAntDelay = 0x19
)

// DeviceID is the expected probe response, the chip family's fixed
// identity register value.
const DeviceID = 0xDECA0130

// sys_status bits relevant to sleep/wake recovery.
const (
	sysStatusSLP2Init = 1 << 0
	sysStatusAllRXErr = 1 << 1
)

// pmsc_ctrl1 bits.
const pmscCtrl1ATXSlp = 1 << 11

// Config is the device configuration, decorated with defaults via
// creasty/defaults the way the rest of this driver's option structs are.
type Config struct {
	ShortAddress uint16 `default:"1"`
	PANID        uint16 `default:"57005"` // 0xDEAD
	TXAntennaDelay uint16
	RXAntennaDelay uint16
	ConfigRetries  int `default:"3"`
	WakeupRetries  int `default:"5"`
	SoftResetDelay time.Duration `default:"10us"`
}

// Waker asserts a hardware wake signal. Real hardware does this by
// toggling a GPIO or holding chip-select low momentarily. It is an
// interface separate from transport.Bus so device stays
// transport-agnostic; transport.SPIBus does not implement it, and New
// accepts a nil Waker.
type Waker interface {
	Wake() error
}

// Device owns the transceiver handle.
type Device struct {
	mu  sync.Mutex
	tr  *transport.Transport
	wk  Waker
	log *logrus.Entry

	cfg Config

	status Status
	reg    registry

	sysTime uint64
}

// New creates a device handle over tr. wk may be nil if the backend has
// no separate wake signal (the probe retries alone will still recover a
// chip that wakes on SPI activity).
func New(tr *transport.Transport, wk Waker, log *logrus.Logger) *Device {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Device{
		tr:  tr,
		wk:  wk,
		log: log.WithField("component", "device"),
	}
}

// Configure probes the device and, once found, loads the initial system
// time. It retries up to cfg.ConfigRetries times, waking the chip between
// attempts, and fails with a timeout error if the device id is never
// observed. It does not change the SPI clock speed: the whole sequence
// runs at the speed the bus was opened with.
func (d *Device) Configure(ctx context.Context, cfg Config) error {
	if err := applyDefaults(&cfg); err != nil {
		return err
	}
	d.cfg = cfg

	var lastErr error
	for attempt := 0; attempt < cfg.ConfigRetries; attempt++ {
		id, err := d.tr.ReadUint(regDevID, 0, 4)
		if err == nil && uint32(id) == DeviceID {
			d.status |= StatusInitialized
			if d.cfg.TXAntennaDelay != 0 || d.cfg.RXAntennaDelay != 0 {
				if err := d.applyAntennaDelays(); err != nil {
					return err
				}
			}
			st, err := d.tr.ReadUint(regSysTime, 0, 5)
			if err != nil {
				return fmt.Errorf("device: read system time: %w", err)
			}
			d.sysTime = st
			d.log.WithField("attempt", attempt).Debug("device configured")
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("device: unexpected device id %#x", id)
		}
		d.log.WithError(lastErr).WithField("attempt", attempt).Warn("device probe failed, waking")
		if d.wk != nil {
			if err := d.wk.Wake(); err != nil {
				lastErr = err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return fmt.Errorf("device: configure: TIMEOUT after %d attempts: %w", cfg.ConfigRetries, lastErr)
}

func (d *Device) applyAntennaDelays() error {
	if err := d.tr.WriteUint(regTXAntDelay, 0, 2, uint64(d.cfg.TXAntennaDelay)); err != nil {
		return fmt.Errorf("device: set tx antenna delay: %w", err)
	}
	if err := d.tr.WriteUint(regRXAntDelay, 0, 2, uint64(d.cfg.RXAntennaDelay)); err != nil {
		return fmt.Errorf("device: set rx antenna delay: %w", err)
	}
	return nil
}

// AntennaDelays reads back the currently programmed TX/RX antenna delays.
func (d *Device) AntennaDelays() (tx, rx uint16, err error) {
	txv, err := d.tr.ReadUint(regTXAntDelay, 0, 2)
	if err != nil {
		return 0, 0, err
	}
	rxv, err := d.tr.ReadUint(regRXAntDelay, 0, 2)
	if err != nil {
		return 0, 0, err
	}
	return uint16(txv), uint16(rxv), nil
}

// SoftReset puts the system clock on XTAL, disables PMSC sequencing,
// zeroes the AON download bits, saves AON state, strobes a full reset,
// busy-waits the device's minimum reset pulse width, then clears it.
func (d *Device) SoftReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	const (
		pmscSysClkXTI  = 0x01
		pmscCtrl0SoftResetAll = 1 << 28
	)
	if err := d.tr.WriteUint(regPMSCCtrl0, 0, 1, pmscSysClkXTI); err != nil {
		return fmt.Errorf("device: softreset: select xtal: %w", err)
	}
	if err := d.tr.WriteUint(regPMSCCtrl1, 0, 2, 0); err != nil {
		return fmt.Errorf("device: softreset: disable pmsc sequencing: %w", err)
	}
	if err := d.tr.WriteUint(regAONConfig, 0, 1, 0); err != nil {
		return fmt.Errorf("device: softreset: clear aon download: %w", err)
	}
	const aonCtrlSave = 1 << 2
	if err := d.tr.WriteUint(regAONCtrl, 0, 1, aonCtrlSave); err != nil {
		return fmt.Errorf("device: softreset: aon save: %w", err)
	}
	if err := d.tr.WriteUint(regPMSCCtrl0, 0, 4, pmscCtrl0SoftResetAll); err != nil {
		return fmt.Errorf("device: softreset: strobe reset: %w", err)
	}
	time.Sleep(d.cfg.SoftResetDelay)
	if err := d.tr.WriteUint(regPMSCCtrl0, 0, 4, 0); err != nil {
		return fmt.Errorf("device: softreset: clear reset: %w", err)
	}
	d.log.Debug("softreset complete")
	return nil
}

// ConfigureSleep programs the AON sleep mode bits and wake source prior to
// a later EnterSleep.
func (d *Device) ConfigureSleep(mode uint8, wakeOnSPI bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := uint64(mode)
	if wakeOnSPI {
		v |= 1 << 7
	}
	if err := d.tr.WriteUint(regAONConfig, 1, 1, v); err != nil {
		return fmt.Errorf("device: configure sleep: %w", err)
	}
	return nil
}

// EnterSleep writes the AON registers that commit the chip to sleep and
// marks the device status accordingly. It takes the device mutex for the
// duration of the register sequence so a concurrent task cannot race a
// sleep transition; it never pends on a semaphore while holding the lock.
func (d *Device) EnterSleep() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	const aonCtrlSleepEnable = 1 << 3
	if err := d.tr.WriteUint(regAONCtrl, 0, 1, aonCtrlSleepEnable); err != nil {
		return fmt.Errorf("device: enter sleep: %w", err)
	}
	d.status |= StatusSleeping
	d.log.Debug("entering sleep")
	return nil
}

// EnterSleepAfterTX sets or clears the automatic-sleep-after-transmit bit.
func (d *Device) EnterSleepAfterTX(enable bool) error {
	v, err := d.tr.ReadUint(regPMSCCtrl1, 0, 4)
	if err != nil {
		return fmt.Errorf("device: enter sleep after tx: %w", err)
	}
	if enable {
		v |= pmscCtrl1ATXSlp
	} else {
		v &^= pmscCtrl1ATXSlp
	}
	if err := d.tr.WriteUint(regPMSCCtrl1, 0, 4, v); err != nil {
		return fmt.Errorf("device: enter sleep after tx: %w", err)
	}
	return nil
}

// Wakeup issues a hardware wake signal and polls the device id register up
// to cfg.WakeupRetries times. On success it clears the SLP2INIT and
// ALL_RX_ERR status bits and reapplies the antenna delays, which are lost
// across deep sleep.
func (d *Device) Wakeup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lastErr error
	for i := 0; i < d.cfg.WakeupRetries; i++ {
		if d.wk != nil {
			if err := d.wk.Wake(); err != nil {
				lastErr = err
				continue
			}
		}
		id, err := d.tr.ReadUint(regDevID, 0, 4)
		if err == nil && uint32(id) == DeviceID {
			if err := d.tr.WriteUint(regSysStatus, 0, 4, sysStatusSLP2Init|sysStatusAllRXErr); err != nil {
				return fmt.Errorf("device: wakeup: clear status: %w", err)
			}
			if err := d.applyAntennaDelays(); err != nil {
				return fmt.Errorf("device: wakeup: reapply antenna delays: %w", err)
			}
			d.status &^= StatusSleeping
			d.log.WithField("attempt", i).Debug("device woke")
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("device: wakeup: TIMEOUT after %d attempts: %w", d.cfg.WakeupRetries, lastErr)
}

// Status returns the current device status bitfield.
func (d *Device) Status() Status {
	return d.status
}

// SetStatus ORs additional bits into the status word; used by
// cooperating subsystems (frame I/O, TWR) to surface hardware error
// conditions observed outside the device package.
func (d *Device) SetStatus(bits Status) {
	d.status |= bits
}

// ClearStatus clears bits from the status word.
func (d *Device) ClearStatus(bits Status) {
	d.status &^= bits
}

// AddCallbacks registers cbs at the tail of the dispatch chain and
// returns its id.
func (d *Device) AddCallbacks(cbs Callbacks) uint16 {
	return d.reg.Add(cbs)
}

// RemoveCallbacks unregisters the entry with the given id.
func (d *Device) RemoveCallbacks(id uint16) {
	d.reg.Remove(id)
}

// DispatchRXComplete delivers a received frame to the callback chain in
// registration order, stopping at the first entry that consumes it.
func (d *Device) DispatchRXComplete(frame []byte) {
	d.reg.dispatchRXComplete(frame)
}

// DispatchTXComplete, DispatchRXTimeout, DispatchRXError, and
// DispatchTXError fan the corresponding event out to every registered
// entry (these events have no "ownership" concept, unlike RX-complete's
// fctrl-based routing).
func (d *Device) DispatchTXComplete() { d.reg.dispatchTXComplete() }
func (d *Device) DispatchRXTimeout()  { d.reg.dispatchRXTimeout() }
func (d *Device) DispatchRXError()    { d.reg.dispatchRXError() }
func (d *Device) DispatchTXError()    { d.reg.dispatchTXError() }

// ShortAddress returns the configured local short address.
func (d *Device) ShortAddress() uint16 {
	return d.cfg.ShortAddress
}

// Transport exposes the underlying register transport for subsystems
// (frame I/O) that need direct register access alongside device state.
func (d *Device) Transport() *transport.Transport {
	return d.tr
}

// Close disables the device. Real hardware would drop chip-select/power
// here; this layer has nothing further to release since the transport's
// Bus owns the SPI resource.
func (d *Device) Close() error {
	d.status = 0
	return nil
}

func applyDefaults(cfg *Config) error {
	return setDefaults(cfg)
}
