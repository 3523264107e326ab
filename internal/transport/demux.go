package transport

import (
	"net"
	"sync"
)

// Demux fans incoming datagrams on one shared UDP socket out to the
// session that owns a given remote address. Video, audio and input all
// share one socket per direction across every active session, so the
// receive loop can't simply be "one goroutine per session" the way the
// control plane's per-connection TCP listener is.
type Demux struct {
	mu       sync.RWMutex
	routes   map[string]chan<- []byte
	byIP     map[string]chan<- []byte
	maxSize int
}

// NewDemux creates a demuxer reading up to maxSize bytes per datagram.
func NewDemux(maxSize int) *Demux {
	return &Demux{
		routes:  make(map[string]chan<- []byte),
		byIP:    make(map[string]chan<- []byte),
		maxSize: maxSize,
	}
}

// Register routes future datagrams from addr to ch. The caller owns ch
// and should size it to tolerate bursts without blocking the shared
// receive loop for other sessions.
func (d *Demux) Register(addr *net.UDPAddr, ch chan<- []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[addr.String()] = ch
}

// RegisterByIP routes the first datagram arriving from ip, from any
// source port, to ch: the client's ephemeral send port for a media
// socket isn't known at Launch time, only its address. Once a datagram
// arrives, Run promotes the route to an exact host:port match so later
// lookups stay O(1) and a second client on the same IP can't steal it.
func (d *Demux) RegisterByIP(ip net.IP, ch chan<- []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byIP[ip.String()] = ch
}

// Unregister stops routing datagrams from addr.
func (d *Demux) Unregister(addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, addr.String())
}

// Run reads from conn until it errors or ctx-equivalent shutdown closes
// the socket, dispatching each datagram to its registered route. An
// unregistered source address is dropped silently (most likely a client
// that has already torn down).
func (d *Demux) Run(conn *net.UDPConn) error {
	buf := make([]byte, d.maxSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		d.mu.RLock()
		ch, ok := d.routes[addr.String()]
		d.mu.RUnlock()
		if !ok {
			d.mu.Lock()
			if ch, ok = d.byIP[addr.IP.String()]; ok {
				d.routes[addr.String()] = ch
				delete(d.byIP, addr.IP.String())
			}
			d.mu.Unlock()
			if !ok {
				continue
			}
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case ch <- cp:
		default:
			// Route's own channel is full: drop this datagram rather
			// than block the shared receive loop on any one session.
		}
	}
}
