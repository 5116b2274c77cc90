// Package discovery advertises the secure listener on the local network over
// mDNS and finds other servers doing the same.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

// ServiceType is the mDNS service type secure listeners register under.
const ServiceType = "_deskflow._tcp"

const serviceDomain = "local."

// Advertiser keeps one mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the listener under instance (hostname when empty) with
// the given port and TXT metadata.
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("discovery: resolving hostname: %w", err)
		}
		instance = hostname
	}
	server, err := zeroconf.Register(instance, ServiceType, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: registering %s: %w", instance, err)
	}
	log.WithFields(log.Fields{
		"instance": instance,
		"service":  ServiceType,
		"port":     port,
	}).Info("discovery: advertising listener")
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Peer is one advertised listener found on the local network.
type Peer struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []net.IP
	Text      []string
}

// Browse collects advertised listeners until ctx expires.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: creating resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	var peers []Peer
	for entry := range entries {
		if entry == nil {
			continue
		}
		addrs := append([]net.IP(nil), entry.AddrIPv4...)
		addrs = append(addrs, entry.AddrIPv6...)
		peers = append(peers, Peer{
			Instance:  entry.Instance,
			HostName:  entry.HostName,
			Port:      entry.Port,
			Addresses: addrs,
			Text:      entry.Text,
		})
		log.WithField("instance", entry.Instance).Debug("discovery: found listener")
	}
	return peers, nil
}
