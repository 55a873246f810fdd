package device

// RXCompleteFunc handles a received frame. It returns true if it consumed
// the frame, stopping dispatch; false forwards to the next registered
// entry. This is how the TWR engine shares one RX path with other
// subsystems without either knowing about the other.
type RXCompleteFunc func(frame []byte) (consumed bool)

// TXCompleteFunc, RXTimeoutFunc, RXErrorFunc, TXErrorFunc handle their
// respective events; they take no arguments and cannot stop dispatch, so
// every registered entry sees each such event. Nearly all entries leave
// most of these nil.
type (
	TXCompleteFunc func()
	RXTimeoutFunc  func()
	RXErrorFunc    func()
	TXErrorFunc    func()
)

// Callbacks is one subsystem's set of event handlers, tagged with a
// stable id once registered.
type Callbacks struct {
	RXComplete RXCompleteFunc
	TXComplete TXCompleteFunc
	RXTimeout  RXTimeoutFunc
	RXError    RXErrorFunc
	TXError    TXErrorFunc
}

// registry is an owned vector of callback entries keyed by id, replacing
// the doubly linked list of the chip's reference driver: dispatch walks
// the slice by index, and there is no shared iteration cursor to restore
// after a dispatch, unlike a linked-list "head" pointer.
type registry struct {
	entries []registryEntry
	nextID  uint16
}

type registryEntry struct {
	id uint16
	cb Callbacks
}

// Add appends cbs at the end of the chain (insertion order is dispatch
// order) and returns its id.
func (r *registry) Add(cbs Callbacks) uint16 {
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registryEntry{id: id, cb: cbs})
	return id
}

// Remove deletes the entry with the given id, if any.
func (r *registry) Remove(id uint16) {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// findPosition returns the index of id, or -1 if absent.
func (r *registry) findPosition(id uint16) int {
	for i, e := range r.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// dispatchRXComplete calls each entry's RXComplete handler in order until
// one reports it consumed the frame.
func (r *registry) dispatchRXComplete(frame []byte) {
	for _, e := range r.entries {
		if e.cb.RXComplete == nil {
			continue
		}
		if e.cb.RXComplete(frame) {
			return
		}
	}
}

func (r *registry) dispatchTXComplete() {
	for _, e := range r.entries {
		if e.cb.TXComplete != nil {
			e.cb.TXComplete()
		}
	}
}

func (r *registry) dispatchRXTimeout() {
	for _, e := range r.entries {
		if e.cb.RXTimeout != nil {
			e.cb.RXTimeout()
		}
	}
}

func (r *registry) dispatchRXError() {
	for _, e := range r.entries {
		if e.cb.RXError != nil {
			e.cb.RXError()
		}
	}
}

func (r *registry) dispatchTXError() {
	for _, e := range r.entries {
		if e.cb.TXError != nil {
			e.cb.TXError()
		}
	}
}
