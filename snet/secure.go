package snet

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/deskflow/go-deskflow/mux"
)

// State is the handshake/data state of a SecureSocket.
type State int

const (
	// StateIdle is the initial state: TLS context allocated (or not),
	// no handshake attempted.
	StateIdle State = iota
	// StateHandshakingAccept is the server-side handshake in progress.
	StateHandshakingAccept
	// StateHandshakingConnect is the client-side handshake in progress.
	StateHandshakingConnect
	// StateEstablished means the channel is encrypted and authenticated;
	// data operations are permitted.
	StateEstablished
	// StateClosed means the socket was shut down locally.
	StateClosed
	// StateFailed is terminal: protocol error, validation failure or peer
	// abort. No transition leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakingAccept:
		return "handshaking-accept"
	case StateHandshakingConnect:
		return "handshaking-connect"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ConnInfo describes an established secure connection.
type ConnInfo struct {
	ID          string
	LocalAddr   net.Addr
	RemoteAddr  net.Addr
	TLSVersion  uint16
	CipherSuite uint16
}

// DataSocket is the capability returned to callers once a connection is
// accepted: encrypted read/write plus connection metadata.
type DataSocket interface {
	io.ReadWriteCloser
	ConnectionInfo() (ConnInfo, error)
}

// SecureSocket owns one connection handle plus a TLS context and the
// handshake state machine driving it. The handshake is stepped by the record
// layer; every time it would block, the socket registers a job for the needed
// readiness direction and parks until the multiplexer reports it.
type SecureSocket struct {
	id    uuid.UUID
	m     *mux.Mux
	h     *Handle
	level SecurityLevel

	mu       sync.Mutex
	state    State
	isServer bool
	conf     *tls.Config
	bundle   CertificateBundle
	tconn    *tls.Conn
	hsErr    error

	regMu    sync.Mutex
	waitMask mux.EventMask

	readReady  chan struct{}
	writeReady chan struct{}
	closed     chan struct{}
	hsDone     chan struct{}
	releaseOne sync.Once
}

// NewSecureSocket wraps an accepted or freshly created handle. The socket
// takes ownership of the handle.
func NewSecureSocket(m *mux.Mux, h *Handle, level SecurityLevel) *SecureSocket {
	return &SecureSocket{
		id:         uuid.New(),
		m:          m,
		h:          h,
		level:      level,
		state:      StateIdle,
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		closed:     make(chan struct{}),
		hsDone:     make(chan struct{}),
	}
}

// ID is the connection identifier used for log correlation.
func (s *SecureSocket) ID() string { return s.id.String() }

// State returns the current handshake/data state.
func (s *SecureSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InitTLS allocates the TLS context for the chosen role. Must precede any
// handshake attempt.
func (s *SecureSocket) InitTLS(isServer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return newError(KindNotReady, "init tls", fmt.Errorf("socket is %s", s.state))
	}
	if s.conf != nil {
		return newError(KindNotReady, "init tls", fmt.Errorf("tls context already allocated"))
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if isServer {
		if s.level == SecurityCertRequired {
			conf.ClientAuth = tls.RequireAnyClientCert
		}
	} else {
		// Peer trust is decided by certificate fingerprint in the layer
		// above this transport, the same way the server side defers
		// client validation.
		conf.InsecureSkipVerify = true
	}
	s.isServer = isServer
	s.conf = conf
	return nil
}

// LoadCertificates reads the bundle at path into the TLS context. On failure
// the context is left untouched and the returned error carries
// KindCertificate.
func (s *SecureSocket) LoadCertificates(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return newError(KindNotReady, "load certificates", fmt.Errorf("socket is %s", s.state))
	}
	if s.conf == nil {
		return newError(KindNotReady, "load certificates", fmt.Errorf("tls context not allocated"))
	}
	bundle := CertificateBundle{Path: path}
	if err := bundle.Load(); err != nil {
		return err
	}
	s.bundle = bundle
	s.conf.Certificates = []tls.Certificate{bundle.Certificate()}
	return nil
}

// SecureAccept begins the server-side handshake. It returns immediately; the
// handshake continues via readiness callbacks and finishes in Established or
// Failed. Certificates must be loaded first.
func (s *SecureSocket) SecureAccept() error {
	return s.startHandshake(true)
}

// SecureConnect begins the client-side handshake. It returns immediately; the
// handshake continues via readiness callbacks.
func (s *SecureSocket) SecureConnect() error {
	return s.startHandshake(false)
}

func (s *SecureSocket) startHandshake(server bool) error {
	op := "secure connect"
	if server {
		op = "secure accept"
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return newError(KindNotReady, op, fmt.Errorf("handshake already attempted, socket is %s", s.state))
	}
	if s.conf == nil {
		s.mu.Unlock()
		return newError(KindNotReady, op, fmt.Errorf("tls context not allocated"))
	}
	if server != s.isServer {
		s.mu.Unlock()
		return newError(KindNotReady, op, fmt.Errorf("tls context allocated for the opposite role"))
	}
	if server {
		if !s.bundle.Loaded() {
			s.mu.Unlock()
			return newError(KindNotReady, op, fmt.Errorf("certificates not loaded"))
		}
		s.state = StateHandshakingAccept
		s.tconn = tls.Server(&fdConn{s: s}, s.conf)
	} else {
		s.state = StateHandshakingConnect
		s.tconn = tls.Client(&fdConn{s: s}, s.conf)
	}
	tconn := s.tconn
	s.mu.Unlock()
	go s.runHandshake(op, tconn)
	return nil
}

func (s *SecureSocket) runHandshake(op string, tconn *tls.Conn) {
	defer close(s.hsDone)
	if err := tconn.Handshake(); err != nil {
		s.fail(newError(KindHandshake, op, err))
		return
	}
	s.mu.Lock()
	if s.state != StateHandshakingAccept && s.state != StateHandshakingConnect {
		// Torn down while the final handshake record was in flight.
		s.mu.Unlock()
		return
	}
	s.state = StateEstablished
	s.mu.Unlock()
	cs := tconn.ConnectionState()
	log.WithFields(log.Fields{
		"conn":   s.id,
		"peer":   s.h.RemoteAddr(),
		"tls":    tls.VersionName(cs.Version),
		"cipher": tls.CipherSuiteName(cs.CipherSuite),
	}).Debug("secure channel established")
}

// WaitEstablished blocks until the handshake resolves, then reports its
// outcome.
func (s *SecureSocket) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.hsDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEstablished {
		return nil
	}
	if s.hsErr != nil {
		return s.hsErr
	}
	return newError(KindHandshake, "wait established", errSocketClosed)
}

// Read decrypts available data. Outside Established it fails with KindNotReady
// and consumes nothing.
func (s *SecureSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	state, tconn := s.state, s.tconn
	s.mu.Unlock()
	if state != StateEstablished {
		return 0, newError(KindNotReady, "read", fmt.Errorf("socket is %s", state))
	}
	return tconn.Read(p)
}

// Write encrypts and sends p. Outside Established it fails with KindNotReady
// and puts no bytes on the wire.
func (s *SecureSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	state, tconn := s.state, s.tconn
	s.mu.Unlock()
	if state != StateEstablished {
		return 0, newError(KindNotReady, "write", fmt.Errorf("socket is %s", state))
	}
	return tconn.Write(p)
}

// ConnectionInfo returns addresses and negotiated TLS parameters of an
// established connection.
func (s *SecureSocket) ConnectionInfo() (ConnInfo, error) {
	s.mu.Lock()
	state, tconn := s.state, s.tconn
	s.mu.Unlock()
	if state != StateEstablished {
		return ConnInfo{}, newError(KindNotReady, "connection info", fmt.Errorf("socket is %s", state))
	}
	cs := tconn.ConnectionState()
	return ConnInfo{
		ID:          s.id.String(),
		LocalAddr:   s.h.LocalAddr(),
		RemoteAddr:  s.h.RemoteAddr(),
		TLSVersion:  cs.Version,
		CipherSuite: cs.CipherSuite,
	}, nil
}

// Close tears the socket down. Established and handshaking sockets move to
// Closed; a Failed socket stays Failed.
func (s *SecureSocket) Close() error {
	s.mu.Lock()
	if s.state != StateFailed && s.state != StateClosed {
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.release()
	return nil
}

// fail moves the socket to the terminal Failed state, deregisters its job and
// releases the handle.
func (s *SecureSocket) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		s.release()
		return
	}
	s.state = StateFailed
	s.hsErr = err
	s.mu.Unlock()
	log.WithFields(log.Fields{
		"conn": s.id,
		"peer": s.h.RemoteAddr(),
		"err":  err,
	}).Warn("secure socket failed")
	s.release()
}

func (s *SecureSocket) release() {
	s.releaseOne.Do(func() {
		close(s.closed)
		if err := s.m.Unregister(s.h.FD()); err != nil && err != mux.ErrClosed {
			log.WithField("conn", s.id).WithField("err", err).Trace("unregister on release")
		}
		s.h.Close()
	})
}

// connectRaw drives a non-blocking TCP connect to completion, parking on
// write readiness while the connect is in flight.
func (s *SecureSocket) connectRaw(address string) error {
	err := s.h.StartConnect(address)
	if err == ErrWouldBlock {
		if werr := s.waitReady(mux.EventWrite); werr != nil {
			return werr
		}
		err = s.h.FinishConnect()
	}
	return err
}

// waitReady registers a one-shot job for the needed readiness direction and
// parks until the multiplexer dispatches it or the socket is torn down.
// Concurrent waiters for opposite directions share one job carrying the
// combined mask.
func (s *SecureSocket) waitReady(dir mux.EventMask) error {
	s.regMu.Lock()
	s.waitMask |= dir
	// Register while holding the lock: a waiter for the opposite direction
	// registering in between would replace the job with a stale mask and
	// strand this one. Register only posts an op, it cannot block.
	err := s.m.Register(s.h.FD(), s.waitMask, s.onReady)
	s.regMu.Unlock()
	if err != nil {
		return err
	}
	ch := s.readReady
	if dir == mux.EventWrite {
		ch = s.writeReady
	}
	select {
	case <-ch:
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *SecureSocket) onReady(fd int, events mux.EventMask) {
	s.regMu.Lock()
	if events&mux.EventError != 0 {
		// Deliver the error to every parked direction; the next
		// syscall reports the specific failure.
		events |= s.waitMask
	}
	satisfied := events & s.waitMask
	s.waitMask &^= satisfied
	if s.waitMask != 0 {
		// Re-arm under the lock for the same reason waitReady registers
		// under it: a concurrent waiter must not race the mask.
		if err := s.m.Register(fd, s.waitMask, s.onReady); err != nil {
			log.WithField("conn", s.id).WithField("err", err).Trace("re-register remaining interest")
		}
	}
	s.regMu.Unlock()
	if satisfied&mux.EventRead != 0 {
		select {
		case s.readReady <- struct{}{}:
		default:
		}
	}
	if satisfied&mux.EventWrite != 0 {
		select {
		case s.writeReady <- struct{}{}:
		default:
		}
	}
}

// fdConn adapts a Handle to net.Conn for the TLS record layer. Reads and
// writes that cannot complete immediately park on multiplexer readiness, so
// the goroutine stepping the handshake only advances when the reactor says
// the socket is ready in the required direction.
type fdConn struct {
	s *SecureSocket
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := c.s.h.Read(p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err != ErrWouldBlock {
			return 0, err
		}
		if werr := c.s.waitReady(mux.EventRead); werr != nil {
			return 0, werr
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.s.h.Write(p[total:])
		total += n
		if err == nil {
			continue
		}
		if err != ErrWouldBlock {
			return total, err
		}
		if werr := c.s.waitReady(mux.EventWrite); werr != nil {
			return total, werr
		}
	}
	return total, nil
}

func (c *fdConn) Close() error                       { return c.s.h.Close() }
func (c *fdConn) LocalAddr() net.Addr                { return c.s.h.LocalAddr() }
func (c *fdConn) RemoteAddr() net.Addr               { return c.s.h.RemoteAddr() }
func (c *fdConn) SetDeadline(t time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }
