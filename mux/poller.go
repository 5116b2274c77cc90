package mux

// event is one readiness report from the wait primitive.
type event struct {
	fd   int
	mask EventMask
}

// poller abstracts the platform readiness primitive. Implementations must
// support waking a blocked Wait from another goroutine.
type poller interface {
	Add(fd int, mask EventMask) error
	Mod(fd int, mask EventMask) error
	Del(fd int) error
	// Wait blocks until at least one registered handle is ready or Wake is
	// called, then fills events and returns the count. A wakeup alone may
	// return zero events.
	Wait(events []event) (int, error)
	Wake() error
	Close() error
}
