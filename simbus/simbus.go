// Package simbus provides an in-process, channel-free simulation of two
// or more transceivers sharing a radio medium, for driving the ranging engine's
// state machine in tests without real hardware. It mirrors the
// goroutine-and-state-machine shape of the driver's own hardware
// simulator (see driver/mjolnir), but collapses it to direct calls since
// a ranging exchange's every step is itself synchronous and reentrant
// between the two sides.
package simbus

import (
	"dw1000/device"
	"dw1000/frame"
)

const tsMask = (1 << 40) - 1

// Medium is a shared virtual clock standing in for the device-to-device
// propagation delay and each side's local clock. Both ends reading off
// one Medium means the simulation has zero clock offset and zero drift,
// which isolates the ranging math from clock-synchronization error -
// the two are independent concerns and the engine tests target the
// former.
type Medium struct {
	clock uint64
}

// Node implements twr.Radio against a Medium and a linked peer Node,
// standing in for one transceiver's register-level TX/RX surface.
type Node struct {
	medium *Medium
	peer   *Node
	hub    *Hub
	dev    *device.Device

	// PropagationTicks is the one-way flight time credited to every
	// transmission, in device ticks.
	PropagationTicks uint64

	txBuf []byte
	txLen int

	delayStart uint64
	rxTimeout  uint16
	wait4resp  bool

	lastTXTime uint64
	lastRXTime uint64
	lastRXBuf  []byte
}

// Link creates two Nodes wired to each other's device over a shared
// Medium. propagationTicks is symmetric.
func Link(devA, devB *device.Device, propagationTicks uint64) (a, b *Node) {
	m := &Medium{}
	a = &Node{medium: m, dev: devA, PropagationTicks: propagationTicks}
	b = &Node{medium: m, dev: devB, PropagationTicks: propagationTicks}
	a.peer = b
	b.peer = a
	return a, b
}

// Hub is a shared broadcast medium connecting more than two Nodes, the way
// a real UWB channel is one shared medium with software address filtering
// downstream rather than a set of dedicated point-to-point links. It lets
// a single scheduler/engine range against several peers in a test without
// wiring a separate Link per pair.
type Hub struct {
	medium *Medium
	nodes  []*Node
}

// NewHub creates an empty broadcast medium.
func NewHub() *Hub {
	return &Hub{medium: &Medium{}}
}

// Join attaches dev to h and returns its Node, the radio interface dev's
// engine or interface should be constructed with. All Nodes joined to the
// same Hub share the same propagation delay in this direction.
func (h *Hub) Join(dev *device.Device, propagationTicks uint64) *Node {
	n := &Node{medium: h.medium, dev: dev, PropagationTicks: propagationTicks, hub: h}
	h.nodes = append(h.nodes, n)
	return n
}

func (n *Node) WriteTX(buf []byte, offset int) error {
	need := offset + len(buf)
	if len(n.txBuf) < need {
		grown := make([]byte, need)
		copy(grown, n.txBuf)
		n.txBuf = grown
	}
	copy(n.txBuf[offset:], buf)
	return nil
}

func (n *Node) WriteTXFctrl(length int, offset int, rangingBit bool) error {
	n.txLen = offset + length
	return nil
}

// StartTX delivers the pending TX buffer to the peer's device RX path
// and then raises this node's own TX-complete callback, after the peer
// (and everything its reception recursively triggers) has run to
// completion - exactly mirroring a real exchange, where every later
// stage's effects are already settled by the time the earlier stage's
// TX-complete interrupt is serviced.
func (n *Node) StartTX(delayed bool) (frame.Status, error) {
	var txTime uint64
	if delayed {
		if n.delayStart > n.medium.clock {
			n.medium.clock = n.delayStart
		} else {
			n.medium.clock++
		}
		txTime = n.medium.clock
	} else {
		n.medium.clock++
		txTime = n.medium.clock
	}
	n.lastTXTime = txTime & tsMask

	rxTime := txTime + n.PropagationTicks
	n.medium.clock = rxTime

	buf := make([]byte, n.txLen)
	copy(buf, n.txBuf)

	if n.hub != nil {
		for _, peer := range n.hub.nodes {
			if peer == n {
				continue
			}
			peer.lastRXTime = rxTime & tsMask
			peer.lastRXBuf = buf
			peer.dev.DispatchRXComplete(buf)
		}
	} else {
		n.peer.lastRXTime = rxTime & tsMask
		n.peer.lastRXBuf = buf
		n.peer.dev.DispatchRXComplete(buf)
	}
	n.dev.DispatchTXComplete()
	return frame.Status{}, nil
}

func (n *Node) SetDelayStart(t40 uint64) error {
	n.delayStart = t40 & tsMask
	return nil
}

func (n *Node) SetWait4Resp(enable bool) error {
	n.wait4resp = enable
	return nil
}

func (n *Node) SetRXTimeout(us uint16) error {
	n.rxTimeout = us
	return nil
}

func (n *Node) StartRX() (frame.Status, error)   { return frame.Status{}, nil }
func (n *Node) RestartRX() (frame.Status, error) { return frame.Status{}, nil }

func (n *Node) ReadRX(out []byte, offset int) error {
	copy(out, n.lastRXBuf[offset:])
	return nil
}

func (n *Node) ReadRXTime() (uint64, error) { return n.lastRXTime, nil }
func (n *Node) ReadTXTime() (uint64, error) { return n.lastTXTime, nil }

func (n *Node) ReadRXTimeLo() (uint32, error) { return uint32(n.lastRXTime), nil }
func (n *Node) ReadTXTimeLo() (uint32, error) { return uint32(n.lastTXTime), nil }

// Sever disconnects n from its peer permanently (simulating a dead
// radio link, e.g. for an RX-timeout test); n's own StartTX will
// silently not deliver to the peer from this point on.
func (n *Node) Sever() {
	n.peer = &Node{medium: n.medium, dev: deadEndDevice()}
}

func deadEndDevice() *device.Device {
	return &device.Device{}
}
