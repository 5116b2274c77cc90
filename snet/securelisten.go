package snet

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/deskflow/go-deskflow/mux"
)

// SecureListenConfig carries the collaborator-supplied parameters for a
// secure listener. ProfileDir and AppID build the default certificate bundle
// path {ProfileDir}/tls/{AppID}.pem; a non-empty CertFile overrides it
// unconditionally.
type SecureListenConfig struct {
	Family     Family
	Address    string
	Level      SecurityLevel
	ProfileDir string
	AppID      string
	CertFile   string
}

// SecureListenSocket composes a ListenSocket with a TLS upgrade step: every
// raw connection the multiplexer hands it is wrapped in a server-role
// SecureSocket, the certificate bundle is resolved and loaded, and the
// handshake is started asynchronously.
type SecureListenSocket struct {
	ls  *ListenSocket
	m   *mux.Mux
	cfg SecureListenConfig

	mu      sync.Mutex
	handler func(DataSocket)
}

// NewSecureListenSocket binds and listens on cfg.Address and installs the
// upgrade step as the listener's accept-and-handle step. Call SetListeningJob
// to arm it.
func NewSecureListenSocket(m *mux.Mux, cfg SecureListenConfig) (*SecureListenSocket, error) {
	ls, err := NewListenSocket(m, cfg.Family, cfg.Address)
	if err != nil {
		return nil, err
	}
	s := &SecureListenSocket{ls: ls, m: m, cfg: cfg}
	ls.SetAcceptStep(s.acceptStep)
	return s, nil
}

// SetHandler installs the callback receiving every successfully upgraded
// connection. The handler runs on the multiplexer loop and must not block.
func (s *SecureListenSocket) SetHandler(handler func(DataSocket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SetListeningJob arms (or re-arms) the single listening job. Idempotent.
func (s *SecureListenSocket) SetListeningJob() {
	s.ls.SetListeningJob()
}

// acceptStep is the multiplexer-driven invocation of the listening job.
func (s *SecureListenSocket) acceptStep() {
	sock, err := s.Accept()
	if err != nil {
		// The only error kind that crosses the listener's boundary.
		log.WithField("err", err).Error("secure listen: unexpected accept failure")
		return
	}
	if sock == nil {
		return
	}
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(sock)
	}
}

// Accept performs one accept attempt: raw accept, listener re-arm,
// certificate resolution and load, and asynchronous start of the server-side
// handshake. It returns (nil, nil) for any recoverable per-connection
// failure; the returned error is always KindUnexpected.
func (s *SecureListenSocket) Accept() (DataSocket, error) {
	handle, err := s.ls.AcceptRaw()
	if err != nil {
		// A transient accept failure must never starve later
		// connections: re-arm before reporting nothing.
		s.ls.SetListeningJob()
		if IsTransient(err) {
			log.WithField("err", err).Trace("secure listen: transient accept failure dropped")
			return nil, nil
		}
		return nil, newError(KindUnexpected, "accept", err)
	}

	sock := NewSecureSocket(s.m, handle, s.cfg.Level)
	// Listener acceptance capacity does not depend on this connection's
	// TLS outcome: re-arm before touching certificates or the handshake.
	s.ls.SetListeningJob()

	if err := s.upgrade(sock); err != nil {
		sock.Close()
		if IsCertificate(err) {
			log.WithFields(log.Fields{
				"conn": sock.ID(),
				"peer": handle.RemoteAddr(),
				"err":  err,
			}).Error("secure listen: dropping connection, certificate bundle unusable")
			return nil, nil
		}
		return nil, newError(KindUnexpected, "accept", err)
	}
	log.WithFields(log.Fields{
		"conn": sock.ID(),
		"peer": handle.RemoteAddr(),
	}).Debug("secure listen: connection accepted, handshake started")
	return sock, nil
}

func (s *SecureListenSocket) upgrade(sock *SecureSocket) error {
	if err := sock.InitTLS(true); err != nil {
		return fmt.Errorf("allocating tls context: %w", err)
	}
	path := ResolveCertificatePath(s.cfg.ProfileDir, s.cfg.AppID, s.cfg.CertFile)
	if err := sock.LoadCertificates(path); err != nil {
		return err
	}
	return sock.SecureAccept()
}

// Addr returns the bound listening address.
func (s *SecureListenSocket) Addr() net.Addr { return s.ls.Addr() }

// FD exposes the listening descriptor.
func (s *SecureListenSocket) FD() int { return s.ls.FD() }

// Close disarms the listener and releases its handle. Connections already
// upgraded are unaffected.
func (s *SecureListenSocket) Close() error { return s.ls.Close() }
