// Package transport implements the SPI register command framing for the
// transceiver's memory-mapped register file (6-bit record id, 15-bit
// sub-index).
package transport

import (
	"encoding/binary"
	"fmt"
)

// Bus is the minimum SPI transaction primitive the transport needs. A
// production Bus is backed by periph.io/x/conn/v3/spi.Conn; this
// package's own tests use a small in-memory fake, and higher layers that
// can't import this package's test-only fake without a cycle use
// package simbus's RegisterFile instead.
type Bus interface {
	// Tx clocks len(w) bytes out while simultaneously clocking len(r) bytes
	// in, exactly like spi.Conn.Tx. Either w or r may be nil.
	Tx(w, r []byte) error
}

// MaxReg is the largest legal register id (6 bits).
const MaxReg = 0x3F

// MaxSubAddr is the largest legal subaddress+length sum (15 bits), per
// invariant I1.
const MaxSubAddr = 0x7FFF

// Transport frames register reads and writes over a Bus.
type Transport struct {
	bus Bus
}

// New wraps a Bus with register command framing.
func New(bus Bus) *Transport {
	return &Transport{bus: bus}
}

// header builds the 1-3 byte command header for a register access.
// byte0 = op<<7 | subindex<<6 | reg
// byte1 = ext<<7 | sub[6:0]         (present if sub != 0)
// byte2 = sub[14:7]                 (present if sub > 128)
func header(write bool, reg uint8, sub uint16) ([]byte, error) {
	if reg > MaxReg {
		return nil, fmt.Errorf("transport: register %#x exceeds %#x", reg, MaxReg)
	}
	var op uint8
	if write {
		op = 1
	}
	if sub == 0 {
		return []byte{op<<7 | reg}, nil
	}
	hdr := []byte{op<<7 | 1<<6 | reg, uint8(sub & 0x7F)}
	if sub > 128 {
		hdr[1] |= 1 << 7
		hdr = append(hdr, uint8(sub>>7))
	}
	return hdr, nil
}

// Read clocks len(out) bytes from register reg at subaddress sub into out.
func (t *Transport) Read(reg uint8, sub uint16, out []byte) error {
	if err := checkSpan(sub, len(out)); err != nil {
		return err
	}
	hdr, err := header(false, reg, sub)
	if err != nil {
		return err
	}
	w := make([]byte, len(hdr)+len(out))
	copy(w, hdr)
	r := make([]byte, len(w))
	if err := t.bus.Tx(w, r); err != nil {
		return fmt.Errorf("transport: read reg %#x sub %#x: %w", reg, sub, err)
	}
	copy(out, r[len(hdr):])
	return nil
}

// Write clocks in from in-bytes starting at register reg, subaddress sub.
func (t *Transport) Write(reg uint8, sub uint16, in []byte) error {
	if err := checkSpan(sub, len(in)); err != nil {
		return err
	}
	hdr, err := header(true, reg, sub)
	if err != nil {
		return err
	}
	w := make([]byte, 0, len(hdr)+len(in))
	w = append(w, hdr...)
	w = append(w, in...)
	if err := t.bus.Tx(w, nil); err != nil {
		return fmt.Errorf("transport: write reg %#x sub %#x: %w", reg, sub, err)
	}
	return nil
}

func checkSpan(sub uint16, length int) error {
	if int(sub)+length > MaxSubAddr {
		return fmt.Errorf("transport: subaddress %#x + length %d exceeds %#x", sub, length, MaxSubAddr)
	}
	return nil
}

// ReadUint reads an n-byte (n<=8) little-endian integer register.
func (t *Transport) ReadUint(reg uint8, sub uint16, n int) (uint64, error) {
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("transport: invalid integer width %d", n)
	}
	buf := make([]byte, 8)
	if err := t.Read(reg, sub, buf[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// WriteUint writes an n-byte (n<=8) little-endian integer register.
func (t *Transport) WriteUint(reg uint8, sub uint16, n int, v uint64) error {
	if n < 1 || n > 8 {
		return fmt.Errorf("transport: invalid integer width %d", n)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return t.Write(reg, sub, buf[:n])
}
