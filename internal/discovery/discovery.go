// Package discovery implements the Discovery Responder from spec.md
// §4.1: periodic mDNS/DNS-SD self-advertisement so clients on the local
// network can find the host without a user-entered address. It wraps
// github.com/hashicorp/mdns, the one third-party dependency in this
// module with no counterpart anywhere in the retrieval pack, since
// nothing in the pack implements local-link service discovery.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/duskcast/streamhost/internal/herr"
	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("discovery")

// ServiceType is the DNS-SD service name this host advertises under,
// named after the NVIDIA GameStream/Moonlight protocol family this
// spec's wire format is modeled on.
const ServiceType = "_nvstream._tcp"

// reannounceInterval is how often Responder re-registers its zone so a
// client joining after a link change still sees the host, per spec.md
// §4.1. Polling net.InterfaceAddrs() off a plain ticker avoids pulling
// in an fsnotify-style link-watch dependency for something this
// infrequent.
const reannounceInterval = 30 * time.Second

// Record describes the host instance advertised on the network.
type Record struct {
	// InstanceName is the user-facing host name shown in client
	// discovery UIs (e.g. "Alice's Living Room PC").
	InstanceName string
	// HostName is the DNS host name records are published under.
	HostName string
	// ControlPort is the TCP port the pairing/control-plane listener binds.
	ControlPort int
	// TXT carries additional key=value metadata (protocol version,
	// supported codecs) surfaced in the DNS-SD TXT record.
	TXT []string
}

// Responder advertises one Record over mDNS until Stop is called,
// re-announcing periodically so clients on a changed network segment
// still discover the host. Start/Stop are idempotent one-shot
// operations, grounded on the teacher's stopOnce/cleanupOnce pattern in
// remote/desktop/session.go.
type Responder struct {
	mu      sync.Mutex
	server  *mdns.Server
	record  Record

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Responder that has not yet started advertising.
func New() *Responder {
	return &Responder{done: make(chan struct{})}
}

// Start registers rec's mDNS zone and begins advertising. A bind
// failure is non-fatal per spec.md §4.1: it is logged and returned as
// herr.ErrDiscoveryUnavailable, leaving the rest of the host to run
// without local-link discovery (direct-IP pairing still works).
func (r *Responder) Start(ctx context.Context, rec Record) error {
	var startErr error
	r.startOnce.Do(func() {
		startErr = r.doStart(ctx, rec)
	})
	return startErr
}

func (r *Responder) doStart(ctx context.Context, rec Record) error {
	ips, err := localIPs()
	if err != nil {
		log.Warn("discovery: resolve local addresses failed", "error", err)
		return fmt.Errorf("%w: %v", herr.ErrDiscoveryUnavailable, err)
	}

	svc, err := mdns.NewMDNSService(rec.InstanceName, ServiceType, "", rec.HostName,
		rec.ControlPort, ips, rec.TXT)
	if err != nil {
		log.Warn("discovery: build mdns service failed", "error", err)
		return fmt.Errorf("%w: %v", herr.ErrDiscoveryUnavailable, err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		log.Warn("discovery: bind mdns responder failed", "error", err)
		return fmt.Errorf("%w: %v", herr.ErrDiscoveryUnavailable, err)
	}

	r.mu.Lock()
	r.server = server
	r.record = rec
	r.mu.Unlock()

	go r.reannounceLoop(ctx)

	log.Info("discovery: advertising", "instance", rec.InstanceName, "service", ServiceType, "port", rec.ControlPort)
	return nil
}

// reannounceLoop polls net.InterfaceAddrs() every reannounceInterval and
// rebuilds the mDNS server if the host's address set changed, so a
// client joining after the host's IP changes (DHCP lease renewal, a
// cable unplugged and replugged) can still discover it.
func (r *Responder) reannounceLoop(ctx context.Context) {
	ticker := time.NewTicker(reannounceInterval)
	defer ticker.Stop()

	lastIPs, _ := localIPs()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			ips, err := localIPs()
			if err != nil {
				log.Warn("discovery: re-check local addresses failed", "error", err)
				continue
			}
			if sameIPs(ips, lastIPs) {
				continue
			}
			lastIPs = ips
			log.Info("discovery: local addresses changed, re-announcing")
			r.reannounce(ips)
		}
	}
}

func (r *Responder) reannounce(ips []net.IP) {
	r.mu.Lock()
	rec := r.record
	old := r.server
	r.mu.Unlock()
	if old == nil {
		return
	}

	svc, err := mdns.NewMDNSService(rec.InstanceName, ServiceType, "", rec.HostName, rec.ControlPort, ips, rec.TXT)
	if err != nil {
		log.Warn("discovery: rebuild mdns service failed", "error", err)
		return
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		log.Warn("discovery: rebind mdns responder failed", "error", err)
		return
	}

	r.mu.Lock()
	r.server = server
	r.mu.Unlock()

	_ = old.Shutdown()
}

// Stop shuts down the mDNS server and releases the responder's socket.
// It sends no mDNS goodbye announcement for the record.
// Safe to call even if Start never succeeded.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		server := r.server
		r.mu.Unlock()
		if server == nil {
			return
		}
		if err := server.Shutdown(); err != nil {
			log.Warn("discovery: shutdown failed", "error", err)
		}
	})
}

func localIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipNet.IP)
	}
	return ips, nil
}

func sameIPs(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, ip := range a {
		set[ip.String()] = true
	}
	for _, ip := range b {
		if !set[ip.String()] {
			return false
		}
	}
	return true
}
