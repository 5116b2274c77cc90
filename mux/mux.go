// Package mux implements the socket multiplexer: a reactor that waits for
// I/O readiness across all registered socket handles and dispatches callbacks
// one at a time on a single loop goroutine.
//
// The job registry is owned by the loop goroutine. Register and Unregister
// post operations onto a queue which the loop drains between callback
// dispatches, so registrations issued from inside a callback are safe and a
// replaced job is guaranteed to never fire again once the replacement has been
// applied.
package mux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Register and Unregister after Close.
var ErrClosed = errors.New("mux: closed")

const maxEvents = 64

type opKind int

const (
	opRegister opKind = iota
	opUnregister
)

type op struct {
	kind opKind
	job  job
}

// Mux is the process-wide socket multiplexer. Create one with New, start the
// wait/dispatch loop with Run and stop it with Close.
type Mux struct {
	poller poller

	mu       sync.Mutex
	ops      *queue.Queue
	registry map[int]*job
	closed   bool

	done chan struct{}
}

// New creates a multiplexer with a platform poller (epoll on Linux, kqueue on
// the BSDs and macOS).
func New() (*Mux, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("mux: creating poller: %w", err)
	}
	return &Mux{
		poller:   p,
		ops:      queue.New(),
		registry: make(map[int]*job),
		done:     make(chan struct{}),
	}, nil
}

// Register installs a one-shot job for fd. If a job is already registered for
// fd it is atomically replaced; the superseded job is never invoked after the
// replacement has been applied by the loop. Safe to call from within a
// callback.
func (m *Mux) Register(fd int, mask EventMask, cb Callback) error {
	if cb == nil {
		return errors.New("mux: nil callback")
	}
	return m.post(op{kind: opRegister, job: job{fd: fd, mask: mask, cb: cb}})
}

// Unregister removes the job for fd, if any. Safe to call from within a
// callback executing on the same handle.
func (m *Mux) Unregister(fd int) error {
	return m.post(op{kind: opUnregister, job: job{fd: fd}})
}

func (m *Mux) post(o op) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.ops.Add(o)
	m.mu.Unlock()
	if err := m.poller.Wake(); err != nil {
		log.WithField("err", err).Warn("mux: wake failed")
	}
	return nil
}

// Registered reports whether fd currently has an armed job. Pending
// registrations that the loop has not applied yet are counted as armed.
func (m *Mux) Registered(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := false
	if _, ok := m.registry[fd]; ok {
		armed = true
	}
	// A queued op may arm or disarm the handle before the next wait.
	for i := 0; i < m.ops.Length(); i++ {
		o := m.ops.Get(i).(op)
		if o.job.fd != fd {
			continue
		}
		armed = o.kind == opRegister
	}
	return armed
}

// Run drives the wait/dispatch cycle until Close is called. Callbacks run
// synchronously on this goroutine, one at a time. A panicking callback is
// logged and its handle deregistered; the loop keeps running. An error from
// the wait primitive itself is returned and is fatal: the caller is expected
// to terminate the process.
func (m *Mux) Run() error {
	events := make([]event, maxEvents)
	for {
		m.applyOps()
		select {
		case <-m.done:
			return nil
		default:
		}
		n, err := m.poller.Wait(events)
		if err != nil {
			select {
			case <-m.done:
				return nil
			default:
			}
			return fmt.Errorf("mux: wait failed: %w", err)
		}
		for i := 0; i < n; i++ {
			m.dispatch(events[i])
			// Apply registrations issued by the callback before the
			// next event so replacements take effect within the cycle.
			m.applyOps()
		}
	}
}

func (m *Mux) dispatch(ev event) {
	m.mu.Lock()
	j, ok := m.registry[ev.fd]
	if !ok {
		m.mu.Unlock()
		// Superseded or unregistered since the wait returned.
		return
	}
	delivered := ev.mask & (j.mask | EventError)
	if delivered == 0 {
		m.mu.Unlock()
		// Readiness in a direction the job never asked for: a
		// replacement with a different mask was applied after the wait
		// harvested this event. The job stays armed.
		return
	}
	delete(m.registry, ev.fd)
	m.mu.Unlock()
	if err := m.poller.Del(ev.fd); err != nil {
		log.WithField("fd", ev.fd).WithField("err", err).Trace("mux: poller del after dispatch")
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("fd", ev.fd).WithField("panic", r).Error("mux: callback panicked, handle deregistered")
		}
	}()
	j.cb(ev.fd, delivered)
}

func (m *Mux) applyOps() {
	for {
		m.mu.Lock()
		if m.ops.Length() == 0 {
			m.mu.Unlock()
			return
		}
		o := m.ops.Remove().(op)
		m.mu.Unlock()
		switch o.kind {
		case opRegister:
			m.applyRegister(o.job)
		case opUnregister:
			m.applyUnregister(o.job.fd)
		}
	}
}

func (m *Mux) applyRegister(j job) {
	m.mu.Lock()
	_, existed := m.registry[j.fd]
	m.registry[j.fd] = &j
	m.mu.Unlock()
	var err error
	if existed {
		err = m.poller.Mod(j.fd, j.mask)
	} else {
		err = m.poller.Add(j.fd, j.mask)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.registry, j.fd)
		m.mu.Unlock()
		log.WithField("fd", j.fd).WithField("err", err).Error("mux: registering handle with poller failed")
	}
}

func (m *Mux) applyUnregister(fd int) {
	m.mu.Lock()
	_, existed := m.registry[fd]
	delete(m.registry, fd)
	m.mu.Unlock()
	if !existed {
		return
	}
	if err := m.poller.Del(fd); err != nil {
		// The fd may already be closed; the kernel drops it from the
		// interest set on close.
		log.WithField("fd", fd).WithField("err", err).Trace("mux: poller del")
	}
}

// Close stops the loop and releases the poller. Registered jobs are discarded
// without being invoked.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	if err := m.poller.Wake(); err != nil {
		log.WithField("err", err).Trace("mux: wake on close")
	}
	return m.poller.Close()
}
