package mux

// EventMask selects the readiness directions a Job is interested in.
type EventMask uint32

const (
	// EventRead signals the handle is readable without blocking.
	EventRead EventMask = 1 << iota
	// EventWrite signals the handle is writable without blocking.
	EventWrite
	// EventError signals an error or hangup condition on the handle.
	// Error conditions are always delivered, even if not requested.
	EventError
)

func (m EventMask) String() string {
	s := ""
	if m&EventRead != 0 {
		s += "r"
	}
	if m&EventWrite != 0 {
		s += "w"
	}
	if m&EventError != 0 {
		s += "e"
	}
	if s == "" {
		return "none"
	}
	return s
}

// Callback is invoked on the multiplexer loop goroutine when the handle it was
// registered for becomes ready. Callbacks must not block on I/O; an operation
// that cannot complete immediately should re-register and return.
type Callback func(fd int, events EventMask)

// job is a registered (handle, interest mask, callback) tuple. Jobs are
// one-shot: once dispatched they are removed and must be re-registered.
type job struct {
	fd   int
	mask EventMask
	cb   Callback
}
