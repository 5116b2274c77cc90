package snet

import (
	"fmt"

	"github.com/deskflow/go-deskflow/mux"
)

// DialSecure opens a client connection to a secure listener and starts the
// TLS handshake. The call returns as soon as the handshake is in flight; use
// WaitEstablished to block for its outcome. certPath may be empty when the
// remote listener does not require a client certificate.
func DialSecure(m *mux.Mux, family Family, address string, level SecurityLevel, certPath string) (*SecureSocket, error) {
	h, err := NewTCPHandle(family)
	if err != nil {
		return nil, err
	}
	sock := NewSecureSocket(m, h, level)
	if err := sock.InitTLS(false); err != nil {
		sock.Close()
		return nil, err
	}
	if certPath != "" {
		if err := sock.LoadCertificates(certPath); err != nil {
			sock.Close()
			return nil, err
		}
	}
	if err := sock.connectRaw(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("snet: dialing %s: %w", address, err)
	}
	if err := sock.SecureConnect(); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}
