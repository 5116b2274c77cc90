package snet

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/deskflow/go-deskflow/mux"
)

const listenBacklog = 16

// Listener is the capability a listening socket exposes: raw accept plus
// listening-job registration. SecureListenSocket composes it with a TLS
// upgrade step.
type Listener interface {
	AcceptRaw() (*Handle, error)
	SetListeningJob()
	Addr() net.Addr
	Close() error
}

var _ Listener = (*ListenSocket)(nil)

// ListenSocket is a bound, passive TCP socket. It owns one handle and at most
// one armed listening job at any instant.
type ListenSocket struct {
	m      *mux.Mux
	handle *Handle

	mu   sync.Mutex
	step func()
	done bool
}

// NewListenSocket binds and listens on address for the given family. The
// accept-and-handle step invoked on readiness defaults to draining one raw
// accept; SetAcceptStep overrides it.
func NewListenSocket(m *mux.Mux, family Family, address string) (*ListenSocket, error) {
	h, err := NewTCPHandle(family)
	if err != nil {
		return nil, err
	}
	if err := h.Bind(address); err != nil {
		h.Close()
		return nil, err
	}
	if err := h.Listen(listenBacklog); err != nil {
		h.Close()
		return nil, err
	}
	l := &ListenSocket{m: m, handle: h}
	l.step = l.defaultStep
	return l, nil
}

// SetAcceptStep overrides the accept-and-handle step run by the listening
// job. Must be called before SetListeningJob.
func (l *ListenSocket) SetAcceptStep(step func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if step != nil {
		l.step = step
	}
}

// SetListeningJob (re)registers exactly one job bound to the listening
// handle's readability. Repeated calls are idempotent: only the most recent
// registration survives, and a superseded job is never invoked.
func (l *ListenSocket) SetListeningJob() {
	l.mu.Lock()
	done := l.done
	step := l.step
	l.mu.Unlock()
	if done {
		return
	}
	err := l.m.Register(l.handle.FD(), mux.EventRead, func(fd int, events mux.EventMask) {
		step()
	})
	if err != nil {
		log.WithField("err", err).Error("listen: arming listening job failed")
	}
}

func (l *ListenSocket) defaultStep() {
	if _, err := l.AcceptRaw(); err != nil && !IsTransient(err) {
		log.WithField("err", err).Error("listen: accept failed")
	}
}

// AcceptRaw performs the OS-level accept. A KindTransient error means no
// connection was pending or the peer aborted before the accept completed; the
// caller re-arms the listening job and drops the attempt.
func (l *ListenSocket) AcceptRaw() (*Handle, error) {
	h, err := l.handle.Accept()
	if err == nil {
		return h, nil
	}
	// Every OS-level accept failure is recoverable: the listening socket
	// itself is still healthy.
	return nil, newError(KindTransient, "accept", err)
}

// Addr returns the bound listening address.
func (l *ListenSocket) Addr() net.Addr { return l.handle.LocalAddr() }

// FD exposes the listening descriptor, the key of the listening job in the
// multiplexer registry.
func (l *ListenSocket) FD() int { return l.handle.FD() }

// Close disarms the listening job and releases the handle.
func (l *ListenSocket) Close() error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	l.mu.Unlock()
	if err := l.m.Unregister(l.handle.FD()); err != nil && err != mux.ErrClosed {
		log.WithField("err", err).Trace("listen: unregister on close")
	}
	if err := l.handle.Close(); err != nil {
		return fmt.Errorf("snet: closing listen socket: %w", err)
	}
	return nil
}
