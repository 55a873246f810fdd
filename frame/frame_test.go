package frame

import (
	"bytes"
	"testing"

	"dw1000/transport"
)

type regFile struct {
	mem map[uint8][]byte
}

func newRegFile() *regFile {
	return &regFile{mem: map[uint8][]byte{}}
}

func (f *regFile) Tx(w, r []byte) error {
	b0 := w[0]
	write := b0&0x80 != 0
	hasSub := b0&0x40 != 0
	reg := b0 & 0x3F
	hdrLen := 1
	var sub uint16
	if hasSub {
		b1 := w[1]
		sub = uint16(b1 & 0x7F)
		hdrLen = 2
		if b1&0x80 != 0 {
			sub |= uint16(w[2]) << 7
			hdrLen = 3
		}
	}
	body := w[hdrLen:]
	buf := f.mem[reg]
	need := int(sub) + len(body)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	if write {
		copy(buf[sub:], body)
	} else {
		copy(r[hdrLen:], buf[sub:need])
	}
	f.mem[reg] = buf
	return nil
}

func newIO() *IO {
	return New(transport.New(newRegFile()))
}

func TestTXRXBufferRoundTrip(t *testing.T) {
	io := newIO()
	want := []byte{1, 2, 3, 4, 5}
	if err := io.WriteTX(want, 0); err != nil {
		t.Fatalf("write tx: %v", err)
	}
	got := make([]byte, len(want))
	if err := io.tr.Read(regTXBuffer, 0, got); err != nil {
		t.Fatalf("read back tx: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestStartTXSetsDelayedBit(t *testing.T) {
	io := newIO()
	if _, err := io.StartTX(true); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	v, err := io.tr.ReadUint(regSysCtrl, 0, 4)
	if err != nil {
		t.Fatalf("read sys ctrl: %v", err)
	}
	if v&sysCtrlTXDlys == 0 {
		t.Fatal("expected delayed-start bit set")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	io := newIO()
	if err := io.tr.WriteUint(regRXTime, 0, tsWidth, 0x1122334455); err != nil {
		t.Fatalf("write: %v", err)
	}
	ts, err := io.ReadRXTime()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != 0x1122334455 {
		t.Fatalf("got %#x want %#x", ts, 0x1122334455)
	}
	lo, err := io.ReadRXTimeLo()
	if err != nil {
		t.Fatalf("read lo: %v", err)
	}
	if lo != 0x22334455 {
		t.Fatalf("got %#x want %#x", lo, 0x22334455)
	}
}

func TestDelayedResponseMasking(t *testing.T) {
	requestTS := uint64(1_000_000)
	holdoff := uint16(10)
	antDelay := uint16(0x4020)
	delay, resp := DelayedResponse(requestTS, holdoff, antDelay)
	wantDelay := (requestTS + uint64(holdoff)<<16) & ((1 << 40) - 1)
	if delay != wantDelay {
		t.Fatalf("got delay %#x want %#x", delay, wantDelay)
	}
	wantResp := (wantDelay &^ 0x1FF) + uint64(antDelay)
	if resp != wantResp {
		t.Fatalf("got resp %#x want %#x", resp, wantResp)
	}
}
