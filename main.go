package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/deskflow/go-deskflow/config"
	"github.com/deskflow/go-deskflow/discovery"
	"github.com/deskflow/go-deskflow/mux"
	"github.com/deskflow/go-deskflow/netmon"
	"github.com/deskflow/go-deskflow/snet"
)

const version = "local-build"

const maxBindAttempts = 6

func main() {
	usage := fmt.Sprintf(`deskflow-transport %s

Secure transport listener for the input-sharing server.

Usage:
  deskflow-transport listen [options]
  deskflow-transport addresses
  deskflow-transport discover [--timeout=<seconds>]
  deskflow-transport --version | version
  deskflow-transport -h | --help

Options:
  --config=<file>      Read settings from a YAML file.
  --address=<ip>       Bind address. Picked from the available interfaces when omitted.
  --port=<port>        Listen port.
  --tls-cert=<file>    Certificate bundle path, overriding {profile-dir}/tls/{app-id}.pem.
  --security=<level>   Security level: disabled or certificate-required.
  --no-advertise       Do not advertise the listener over mDNS.
  --timeout=<seconds>  How long to browse for peers [default: 3].
  -v --verbose         Enable debug logging.
  -t --trace           Enable trace logging (dump readiness dispatch).
  -h --help            Show this screen.
`, version)

	arguments, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatalf("parsing arguments failed: %v", err)
	}

	if verbose, _ := arguments.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}
	if trace, _ := arguments.Bool("--trace"); trace {
		log.SetLevel(log.TraceLevel)
	}

	switch {
	case command(arguments, "listen"):
		runListen(loadSettings(arguments))
	case command(arguments, "addresses"):
		runAddresses()
	case command(arguments, "discover"):
		timeout, _ := arguments.Int("--timeout")
		if timeout <= 0 {
			timeout = 3
		}
		runDiscover(time.Duration(timeout) * time.Second)
	case command(arguments, "version"):
		fmt.Println(version)
	}
}

func command(arguments docopt.Opts, name string) bool {
	ok, _ := arguments.Bool(name)
	return ok
}

func loadSettings(arguments docopt.Opts) config.Settings {
	settings := config.Default()
	if path, err := arguments.String("--config"); err == nil && path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("loading config failed: %v", err)
		}
		settings = loaded
	}
	if address, err := arguments.String("--address"); err == nil && address != "" {
		settings.Address = address
	}
	if port, err := arguments.String("--port"); err == nil && port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatalf("invalid port %q", port)
		}
		settings.Port = p
	}
	if cert, err := arguments.String("--tls-cert"); err == nil && cert != "" {
		settings.TLSCert = cert
	}
	if level, err := arguments.String("--security"); err == nil && level != "" {
		settings.SecurityLevel = level
	}
	if noAdvertise, _ := arguments.Bool("--no-advertise"); noAdvertise {
		settings.Advertise = false
	}
	if err := settings.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	return settings
}

func runListen(settings config.Settings) {
	level, err := settings.Level()
	if err != nil {
		log.Fatalf("%v", err)
	}
	profileDir, err := settings.ResolveProfileDir()
	if err != nil {
		log.Fatalf("%v", err)
	}

	monitor := netmon.NewMonitor()
	address := settings.Address
	if address == "" {
		if ip := monitor.SuggestedIPv4Address(); ip != nil {
			address = ip.String()
			log.WithField("address", address).Info("no bind address configured, using suggestion")
		} else {
			address = "0.0.0.0"
			log.Warn("no usable interface address found, binding everywhere")
		}
	}
	bindAddr := net.JoinHostPort(address, strconv.Itoa(settings.Port))

	m, err := mux.New()
	if err != nil {
		log.Fatalf("creating multiplexer: %v", err)
	}
	go func() {
		// A wait-primitive failure is fatal to the whole process.
		if err := m.Run(); err != nil {
			log.Fatalf("multiplexer loop failed: %v", err)
		}
	}()

	listener := bindWithRetry(m, snet.SecureListenConfig{
		Family:     snet.FamilyIPv4,
		Address:    bindAddr,
		Level:      level,
		ProfileDir: profileDir,
		AppID:      settings.AppID,
		CertFile:   settings.TLSCert,
	})
	listener.SetHandler(func(sock snet.DataSocket) {
		go serveConnection(sock)
	})
	listener.SetListeningJob()
	log.WithFields(log.Fields{
		"address":  listener.Addr(),
		"security": level,
	}).Info("listening for peers")

	var advertiser *discovery.Advertiser
	if settings.Advertise {
		advertiser, err = discovery.Advertise("", settings.Port, []string{"app=" + settings.AppID})
		if err != nil {
			log.WithField("err", err).Warn("mDNS advertisement unavailable")
		}
	}

	monitor.Start(settings.PollInterval())
	go func() {
		for addrs := range monitor.Changes() {
			log.WithField("addresses", addrs).Info("network configuration changed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	monitor.Stop()
	if advertiser != nil {
		advertiser.Shutdown()
	}
	listener.Close()
	m.Close()
}

func bindWithRetry(m *mux.Mux, cfg snet.SecureListenConfig) *snet.SecureListenSocket {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	for attempt := 1; ; attempt++ {
		listener, err := snet.NewSecureListenSocket(m, cfg)
		if err == nil {
			return listener
		}
		if attempt >= maxBindAttempts {
			log.Fatalf("binding %s failed after %d attempts: %v", cfg.Address, attempt, err)
		}
		sleep := expo.NextBackOff()
		log.WithFields(log.Fields{
			"address": cfg.Address,
			"attempt": attempt,
			"retryIn": sleep,
			"err":     err,
		}).Warn("bind failed, retrying")
		time.Sleep(sleep)
	}
}

// serveConnection drains an upgraded connection. The application protocol
// lives above this transport; the listener binary just keeps the channel
// alive and logs its lifecycle.
func serveConnection(sock snet.DataSocket) {
	defer sock.Close()
	if ss, ok := sock.(*snet.SecureSocket); ok {
		if err := ss.WaitEstablished(context.Background()); err != nil {
			log.WithField("err", err).Debug("connection never established")
			return
		}
	}
	info, err := sock.ConnectionInfo()
	if err != nil {
		log.WithField("err", err).Debug("connection info unavailable")
		return
	}
	log.WithFields(log.Fields{
		"conn": info.ID,
		"peer": info.RemoteAddr,
	}).Info("peer connected")
	buf := make([]byte, 4096)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			log.WithField("conn", info.ID).Tracef("received %d bytes", n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithField("conn", info.ID).WithField("err", err).Debug("read failed")
			}
			log.WithField("conn", info.ID).Info("peer disconnected")
			return
		}
	}
}

func runAddresses() {
	addrs, err := netmon.AvailableIPv4Addresses()
	if err != nil {
		log.Fatalf("listing addresses failed: %v", err)
	}
	if len(addrs) == 0 {
		fmt.Println("no usable addresses")
		return
	}
	suggested := netmon.Suggest(addrs, nil)
	for _, ip := range addrs {
		marker := " "
		if ip.Equal(suggested) {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, ip)
	}
}

func runDiscover(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	peers, err := discovery.Browse(ctx)
	if err != nil {
		log.Fatalf("discovery failed: %v", err)
	}
	if len(peers) == 0 {
		fmt.Println("no listeners found")
		return
	}
	for _, peer := range peers {
		fmt.Printf("%s %v port %d %v\n", peer.Instance, peer.Addresses, peer.Port, peer.Text)
	}
}
