package snet_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/go-deskflow/mux"
	"github.com/deskflow/go-deskflow/snet"
)

func newSecureListener(t *testing.T, m *mux.Mux, cfg snet.SecureListenConfig) (*snet.SecureListenSocket, chan snet.DataSocket) {
	t.Helper()
	listener, err := snet.NewSecureListenSocket(m, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	accepted := make(chan snet.DataSocket, 4)
	listener.SetHandler(func(sock snet.DataSocket) {
		accepted <- sock
	})
	listener.SetListeningJob()
	return listener, accepted
}

func TestSecureAcceptLoopback(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	client, err := tls.Dial("tcp", listener.Addr().String(), clientTLSConfig(t))
	require.NoError(t, err)
	defer client.Close()

	var server *snet.SecureSocket
	select {
	case sock := <-accepted:
		server = sock.(*snet.SecureSocket)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection delivered")
	}
	defer server.Close()

	// The socket is handed upward while handshaking; Established is only
	// reached through a handshaking state.
	state := server.State()
	assert.Contains(t, []snet.State{snet.StateHandshakingAccept, snet.StateEstablished}, state)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.WaitEstablished(ctx))
	assert.Equal(t, snet.StateEstablished, server.State())

	// Client to server.
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Server to client.
	_, err = server.Write([]byte("world"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	info, err := server.ConnectionInfo()
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.NotNil(t, info.RemoteAddr)
	assert.GreaterOrEqual(t, info.TLSVersion, uint16(tls.VersionTLS12))
}

func TestTwoConnectionsHandshakeIndependently(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	cfg := clientTLSConfig(t)
	first, err := tls.Dial("tcp", listener.Addr().String(), cfg)
	require.NoError(t, err)
	defer first.Close()
	second, err := tls.Dial("tcp", listener.Addr().String(), cfg)
	require.NoError(t, err)
	defer second.Close()

	for i := 0; i < 2; i++ {
		select {
		case sock := <-accepted:
			server := sock.(*snet.SecureSocket)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			require.NoError(t, server.WaitEstablished(ctx))
			cancel()
			server.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never delivered", i+1)
		}
	}
}

func TestMissingBundleDropsConnectionListenerStaysArmed(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	// {profile-dir}/tls/deskflow.pem does not exist: the connection is
	// silently dropped and nothing is delivered upward.
	if conn, err := tls.Dial("tcp", listener.Addr().String(), clientTLSConfig(t)); err == nil {
		conn.Close()
		t.Fatal("handshake succeeded without a certificate bundle")
	}
	select {
	case <-accepted:
		t.Fatal("dropped connection was delivered")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return m.Registered(listener.FD()) }, time.Second, 10*time.Millisecond)

	// Once the bundle is in place, a subsequent connection succeeds.
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))
	client, err := tls.Dial("tcp", listener.Addr().String(), clientTLSConfig(t))
	require.NoError(t, err)
	defer client.Close()

	select {
	case sock := <-accepted:
		server := sock.(*snet.SecureSocket)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.WaitEstablished(ctx))
		server.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection not delivered after bundle was placed")
	}
}

func TestCertOverrideShadowsDefaultPath(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	// The default path exists but holds garbage; only the override may be
	// opened for the handshake to succeed.
	defaultPath := filepath.Join(profileDir, "tls", "deskflow.pem")
	require.NoError(t, os.MkdirAll(filepath.Dir(defaultPath), 0o755))
	require.NoError(t, os.WriteFile(defaultPath, []byte("not a certificate"), 0o600))
	override := filepath.Join(t.TempDir(), "custom.pem")
	writeCertBundle(t, override)

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
		CertFile:   override,
	})

	client, err := tls.Dial("tcp", listener.Addr().String(), clientTLSConfig(t))
	require.NoError(t, err)
	defer client.Close()

	select {
	case sock := <-accepted:
		server := sock.(*snet.SecureSocket)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.WaitEstablished(ctx))
		server.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection not delivered")
	}
}

func TestTransientAcceptReturnsNothingAndRearms(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))

	listener, err := snet.NewSecureListenSocket(m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})
	require.NoError(t, err)
	defer listener.Close()

	// Nothing is pending: the raw accept fails transiently, the attempt
	// is dropped, no error escapes and the listener is re-armed.
	sock, err := listener.Accept()
	assert.Nil(t, sock)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return m.Registered(listener.FD()) }, time.Second, 10*time.Millisecond)
}

func TestGarbageClientFailsHandshakeTerminally(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("definitely not a client hello\n"))
	require.NoError(t, err)

	var server *snet.SecureSocket
	select {
	case sock := <-accepted:
		server = sock.(*snet.SecureSocket)
	case <-time.After(5 * time.Second):
		t.Fatal("connection never delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.WaitEstablished(ctx)
	require.Error(t, err)
	assert.True(t, snet.IsHandshake(err))
	assert.Equal(t, snet.StateFailed, server.State())

	// Failed is terminal: closing does not move the socket out of it.
	server.Close()
	assert.Equal(t, snet.StateFailed, server.State())
}

func TestDataOpsOutsideEstablished(t *testing.T) {
	m := startMux(t)
	h, err := snet.NewTCPHandle(snet.FamilyIPv4)
	require.NoError(t, err)
	sock := snet.NewSecureSocket(m, h, snet.SecurityCertRequired)
	defer sock.Close()

	buf := make([]byte, 8)
	n, err := sock.Read(buf)
	assert.Zero(t, n)
	assert.True(t, snet.IsNotReady(err))

	n, err = sock.Write([]byte("nope"))
	assert.Zero(t, n)
	assert.True(t, snet.IsNotReady(err))

	_, err = sock.ConnectionInfo()
	assert.True(t, snet.IsNotReady(err))
}

func TestHandshakePreconditions(t *testing.T) {
	m := startMux(t)
	h, err := snet.NewTCPHandle(snet.FamilyIPv4)
	require.NoError(t, err)
	sock := snet.NewSecureSocket(m, h, snet.SecurityCertRequired)
	defer sock.Close()

	// No TLS context yet.
	assert.True(t, snet.IsNotReady(sock.SecureAccept()))

	require.NoError(t, sock.InitTLS(true))
	// Context allocated but certificates not loaded.
	assert.True(t, snet.IsNotReady(sock.SecureAccept()))
	// Wrong role.
	assert.True(t, snet.IsNotReady(sock.SecureConnect()))
	// Double init.
	assert.True(t, snet.IsNotReady(sock.InitTLS(true)))

	// Certificate failure leaves the TLS context untouched, so a later
	// load can still succeed.
	err = sock.LoadCertificates(filepath.Join(t.TempDir(), "missing.pem"))
	assert.True(t, snet.IsCertificate(err))
	assert.True(t, snet.IsNotReady(sock.SecureAccept()))

	path := filepath.Join(t.TempDir(), "bundle.pem")
	writeCertBundle(t, path)
	require.NoError(t, sock.LoadCertificates(path))
}

func TestSecureConnectAgainstStandardServer(t *testing.T) {
	m := startMux(t)
	bundlePath := filepath.Join(t.TempDir(), "client.pem")
	writeCertBundle(t, bundlePath)

	serverBundle := makeCertBundle(t)
	serverCert, err := tls.X509KeyPair(serverBundle, serverBundle)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			serverErr <- err
			return
		}
		_, err = conn.Write(buf[:n])
		serverErr <- err
	}()

	sock, err := snet.DialSecure(m, snet.FamilyIPv4, ln.Addr().String(), snet.SecurityCertRequired, bundlePath)
	require.NoError(t, err)
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sock.WaitEstablished(ctx))
	assert.Equal(t, snet.StateEstablished, sock.State())

	_, err = sock.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	require.NoError(t, <-serverErr)
}

func TestFullDuplexReadAndWrite(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	client, err := tls.Dial("tcp", listener.Addr().String(), clientTLSConfig(t))
	require.NoError(t, err)
	defer client.Close()

	var server *snet.SecureSocket
	select {
	case sock := <-accepted:
		server = sock.(*snet.SecureSocket)
	case <-time.After(5 * time.Second):
		t.Fatal("connection never delivered")
	}
	defer server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.WaitEstablished(ctx))

	// Park a read with nothing inbound, then push a payload large enough
	// to fill the send buffers, so both directions are waiting on
	// readiness at the same time.
	payload := bytes.Repeat([]byte("d"), 4<<20)

	readResult := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := server.Read(buf)
		if err != nil {
			readErr <- err
			return
		}
		readResult <- string(buf[:n])
	}()

	clientErr := make(chan error, 1)
	go func() {
		// Drain late so the server's write genuinely blocks first.
		time.Sleep(100 * time.Millisecond)
		buf := make([]byte, 64<<10)
		remaining := len(payload)
		for remaining > 0 {
			n, err := client.Read(buf)
			remaining -= n
			if err != nil {
				clientErr <- err
				return
			}
		}
		_, err := client.Write([]byte("done"))
		clientErr <- err
	}()

	n, err := server.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	select {
	case err := <-clientErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client never finished draining")
	}
	select {
	case got := <-readResult:
		assert.Equal(t, "done", got)
	case err := <-readErr:
		t.Fatalf("parked read failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("parked read never woke up")
	}
}

func TestSecureConnectToSecureListener(t *testing.T) {
	m := startMux(t)
	profileDir := t.TempDir()
	writeCertBundle(t, filepath.Join(profileDir, "tls", "deskflow.pem"))
	clientBundle := filepath.Join(t.TempDir(), "client.pem")
	writeCertBundle(t, clientBundle)

	listener, accepted := newSecureListener(t, m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    "127.0.0.1:0",
		Level:      snet.SecurityCertRequired,
		ProfileDir: profileDir,
		AppID:      "deskflow",
	})

	client, err := snet.DialSecure(m, snet.FamilyIPv4, listener.Addr().String(), snet.SecurityCertRequired, clientBundle)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitEstablished(ctx))

	var server *snet.SecureSocket
	select {
	case sock := <-accepted:
		server = sock.(*snet.SecureSocket)
	case <-time.After(5 * time.Second):
		t.Fatal("connection never delivered")
	}
	defer server.Close()
	require.NoError(t, server.WaitEstablished(ctx))

	_, err = client.Write([]byte("shared-input"))
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "shared-input", string(buf[:n]))
}
