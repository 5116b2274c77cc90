package snet_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskflow/go-deskflow/mux"
)

// makeCertBundle mints a throwaway self-signed certificate and returns it as
// a combined PEM bundle (certificate followed by private key), the format the
// transport expects on disk.
func makeCertBundle(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "deskflow-test", Organization: []string{"deskflow"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return buf.Bytes()
}

func writeCertBundle(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, makeCertBundle(t), 0o600))
}

func clientTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	bundle := makeCertBundle(t)
	cert, err := tls.X509KeyPair(bundle, bundle)
	require.NoError(t, err)
	return &tls.Config{
		// The transport defers peer validation to fingerprint checks in
		// the layer above; test clients do the same.
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS12,
	}
}

func startMux(t *testing.T) *mux.Mux {
	t.Helper()
	m, err := mux.New()
	require.NoError(t, err)
	go func() {
		if err := m.Run(); err != nil {
			t.Errorf("mux loop failed: %v", err)
		}
	}()
	t.Cleanup(func() { m.Close() })
	return m
}
