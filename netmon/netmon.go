// Package netmon watches the host's network configuration. The server uses
// it to pick a sensible bind address when none is configured and to notice
// when addresses appear or disappear while it is running.
package netmon

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var preferredSubnet = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("192.168.0.0/16")
	return n
}()

// AvailableIPv4Addresses returns the usable IPv4 addresses of all interfaces
// that are up and running, excluding loopback and 169.254.0.0/16 link-local
// addresses.
func AvailableIPv4Addresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.WithField("interface", iface.Name).WithField("err", err).Debug("netmon: skipping interface")
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, ip)
		}
	}
	return out, nil
}

// Suggest picks a bind address from addrs. A selected address is honored
// while it is still present; otherwise 192.168.0.0/16 addresses are preferred
// because home and office networks commonly use them, then the first address.
// Returns nil when addrs is empty.
func Suggest(addrs []net.IP, selected net.IP) net.IP {
	if selected != nil {
		for _, ip := range addrs {
			if ip.Equal(selected) {
				return ip
			}
		}
	}
	for _, ip := range addrs {
		if preferredSubnet.Contains(ip) {
			return ip
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return nil
}

// Monitor periodically re-reads the interface list and reports changes.
type Monitor struct {
	mu       sync.Mutex
	selected net.IP
	last     []net.IP
	running  bool
	stopped  bool
	stop     chan struct{}
	changes  chan []net.IP
}

// NewMonitor creates a stopped monitor.
func NewMonitor() *Monitor {
	return &Monitor{changes: make(chan []net.IP, 1)}
}

// SetSelectedAddress pins the address Suggest should prefer while available.
func (m *Monitor) SetSelectedAddress(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = ip
}

// SuggestedIPv4Address reads the current interface list and picks a bind
// address.
func (m *Monitor) SuggestedIPv4Address() net.IP {
	addrs, err := AvailableIPv4Addresses()
	if err != nil {
		log.WithField("err", err).Warn("netmon: listing addresses failed")
		return nil
	}
	m.mu.Lock()
	selected := m.selected
	m.mu.Unlock()
	return Suggest(addrs, selected)
}

// Changes delivers the new address list whenever the monitor detects a
// difference. Reports are dropped if the receiver lags. The channel is closed
// when a started monitor stops, so receivers ranging over it terminate.
func (m *Monitor) Changes() <-chan []net.IP { return m.changes }

// Start begins periodic checks. Calling Start on a running or stopped monitor
// is a no-op; a monitor cannot be restarted after Stop.
func (m *Monitor) Start(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.stopped {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	if addrs, err := AvailableIPv4Addresses(); err == nil {
		m.last = addrs
	}
	go m.loop(interval, m.stop)
}

// Stop halts periodic checks and closes the Changes channel. The monitor
// cannot be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.stopped = true
	close(m.stop)
}

func (m *Monitor) loop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// The loop goroutine is the only sender, and Stop is terminal, so it is
	// the right place to close the channel.
	defer close(m.changes)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	cur, err := AvailableIPv4Addresses()
	if err != nil {
		log.WithField("err", err).Debug("netmon: periodic check failed")
		return
	}
	m.mu.Lock()
	changed := !sameAddresses(m.last, cur)
	if changed {
		m.last = cur
	}
	m.mu.Unlock()
	if changed {
		log.WithField("addresses", cur).Info("netmon: network configuration changed")
		select {
		case m.changes <- cur:
		default:
		}
	}
}

func sameAddresses(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	for _, ip := range a {
		found := false
		for _, other := range b {
			if ip.Equal(other) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
