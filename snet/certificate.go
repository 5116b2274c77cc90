package snet

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// SecurityLevel controls certificate validation strictness for a listener and
// every connection it spawns.
type SecurityLevel int

const (
	// SecurityDisabled encrypts the channel but performs no peer
	// certificate validation.
	SecurityDisabled SecurityLevel = iota
	// SecurityCertRequired requires the peer to present a certificate
	// during the handshake. Fingerprint trust decisions belong to the
	// layer above this transport.
	SecurityCertRequired
)

func (l SecurityLevel) String() string {
	if l == SecurityCertRequired {
		return "certificate-required"
	}
	return "disabled"
}

// ParseSecurityLevel maps a configuration string onto a SecurityLevel.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "none":
		return SecurityDisabled, nil
	case "certificate-required", "cert-required":
		return SecurityCertRequired, nil
	}
	return SecurityDisabled, newError(KindCertificate, "parse security level", errUnknownLevel(s))
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "unknown security level " + string(e) }

const (
	certificateDir     = "tls"
	certificateFileExt = ".pem"
)

// ResolveCertificatePath returns the certificate bundle path for a listener.
// The default is {profileDir}/tls/{appID}.pem; a non-empty override takes
// precedence unconditionally and the default is never consulted.
func ResolveCertificatePath(profileDir, appID, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(profileDir, certificateDir, appID+certificateFileExt)
}

// CertificateBundle is a certificate+key bundle on disk, loaded at most once
// per accept attempt.
type CertificateBundle struct {
	Path string

	cert   tls.Certificate
	loaded bool
}

// Loaded reports whether the bundle has been read and parsed.
func (b *CertificateBundle) Loaded() bool { return b.loaded }

// Load reads and parses the bundle. PEM bundles must contain both the
// certificate and the private key; a .p12/.pfx bundle is decoded with an
// empty password. On failure the bundle is left untouched and the error
// carries KindCertificate.
func (b *CertificateBundle) Load() error {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return newError(KindCertificate, "reading certificate bundle", err)
	}
	var cert tls.Certificate
	switch strings.ToLower(filepath.Ext(b.Path)) {
	case ".p12", ".pfx":
		key, x509cert, err := pkcs12.Decode(data, "")
		if err != nil {
			return newError(KindCertificate, "decoding pkcs12 bundle", err)
		}
		cert = tls.Certificate{
			Certificate: [][]byte{x509cert.Raw},
			PrivateKey:  key,
			Leaf:        x509cert,
		}
	default:
		// A combined PEM file works for both arguments: X509KeyPair
		// skips blocks of the wrong type on each side.
		cert, err = tls.X509KeyPair(data, data)
		if err != nil {
			return newError(KindCertificate, "parsing pem bundle", err)
		}
	}
	b.cert = cert
	b.loaded = true
	return nil
}

// Certificate returns the parsed certificate. Only valid after a successful
// Load.
func (b *CertificateBundle) Certificate() tls.Certificate { return b.cert }
