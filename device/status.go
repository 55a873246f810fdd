package device

// Status is the device status bitfield, mutated from the interrupt path
// and read by task-side code (bitfield writes are atomic at the byte
// granularity this type's underlying storage provides).
type Status uint32

const (
	StatusInitialized Status = 1 << iota
	StatusSleeping
	StatusSelfMalloc
	StatusStartTXError
	StatusStartRXError
	StatusTXFrameError
	StatusRXError
	StatusRXTimeoutError
	StatusRequestTimeout
)

func (s Status) String() string {
	names := []struct {
		bit  Status
		name string
	}{
		{StatusInitialized, "initialized"},
		{StatusSleeping, "sleeping"},
		{StatusSelfMalloc, "selfmalloc"},
		{StatusStartTXError, "start_tx_error"},
		{StatusStartRXError, "start_rx_error"},
		{StatusTXFrameError, "tx_frame_error"},
		{StatusRXError, "rx_error"},
		{StatusRXTimeoutError, "rx_timeout_error"},
		{StatusRequestTimeout, "request_timeout"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
