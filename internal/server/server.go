// Package server wires the control-plane connection handler from
// spec.md §4.2/§4.4: per-connection pairing handshake, then authenticated
// Launch/Resume/Stop/QualityChange/Statistics/KeepAlive dispatch against
// the session registry, plus the shared video/audio/input UDP demux each
// admitted session is registered against. Connection lifecycle (accept
// loop, one goroutine per connection, context-cancel on shutdown) is
// grounded on the teacher's websocket.Client accept/dispatch loop,
// generalized here from a single outbound client connection to many
// inbound ones.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/duskcast/streamhost/internal/capture"
	"github.com/duskcast/streamhost/internal/config"
	"github.com/duskcast/streamhost/internal/discovery"
	"github.com/duskcast/streamhost/internal/hostmetrics"
	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/pairing"
	"github.com/duskcast/streamhost/internal/registry"
	"github.com/duskcast/streamhost/internal/transport"
	"github.com/duskcast/streamhost/internal/wire"
)

var log = logging.L("server")

// ProtocolVersion is advertised in ServerInfo and the mDNS TXT record.
// The client's protocol version is not checked.
const ProtocolVersion = 1

// defaultHostName is the fixed host name sent in ServerInfo and used for
// the mDNS record; the configured host_name is not used for either.
const defaultHostName = "streamhost"

// Host owns every endpoint, the pairing service, the session registry,
// and the mDNS responder for one running instance.
type Host struct {
	cfg       *config.Config
	hostUUID  string
	endpoints *transport.Endpoints
	pairing   *pairing.Service
	registry  *registry.Registry
	responder *discovery.Responder

	videoDemux *transport.Demux
	audioDemux *transport.Demux
	inputDemux *transport.Demux

	captureSource capture.Source
	videoBackend  string

	loadMu sync.Mutex
	loaded bool
}

// New builds a Host bound to cfg's endpoints. The caller still needs to
// call Run to accept connections and advertise over mDNS.
func New(cfg *config.Config, hostUUID string, captureSource capture.Source, videoBackend string) (*Host, error) {
	endpoints, err := transport.Bind(cfg.BindAddr, cfg.ControlPort, cfg.VideoPort, cfg.AudioPort, cfg.InputPort, "", "")
	if err != nil {
		return nil, fmt.Errorf("server: bind endpoints: %w", err)
	}

	svc, err := pairing.NewService(cfg.KeystorePath)
	if err != nil {
		endpoints.Close()
		return nil, fmt.Errorf("server: pairing service: %w", err)
	}

	return &Host{
		cfg:           cfg,
		hostUUID:      hostUUID,
		endpoints:     endpoints,
		pairing:       svc,
		registry:      registry.New(cfg.MaxClients),
		responder:     discovery.New(),
		videoDemux:    transport.NewDemux(cfg.MTUPayloadBytes + 64),
		audioDemux:    transport.NewDemux(cfg.MTUPayloadBytes + 64),
		inputDemux:    transport.NewDemux(wire.InputPacketSize),
		captureSource: captureSource,
		videoBackend:  videoBackend,
	}, nil
}

// Run accepts control connections and serves the UDP demuxers and mDNS
// responder until ctx is canceled.
func (h *Host) Run(ctx context.Context) error {
	rec := discovery.Record{
		InstanceName: defaultHostName,
		HostName:     defaultHostName,
		ControlPort:  h.cfg.ControlPort,
		TXT:          []string{fmt.Sprintf("version=%d", ProtocolVersion), "codecs=h264,h265"},
	}
	if err := h.responder.Start(ctx, rec); err != nil {
		log.Warn("server: discovery responder unavailable, continuing without mDNS", "error", err)
	}
	defer h.responder.Stop()

	go hostmetrics.Monitor(ctx, 5*time.Second, h.setLoaded)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.serveDemux(ctx, "video", h.endpoints.Video, h.videoDemux) }()
	go func() { defer wg.Done(); h.serveDemux(ctx, "audio", h.endpoints.Audio, h.audioDemux) }()
	go func() { defer wg.Done(); h.serveDemux(ctx, "input", h.endpoints.Input, h.inputDemux) }()

	go func() {
		<-ctx.Done()
		h.endpoints.Close()
	}()

	acceptErr := h.acceptLoop(ctx)
	wg.Wait()
	return acceptErr
}

func (h *Host) setLoaded(s hostmetrics.Sample) {
	h.loadMu.Lock()
	h.loaded = s.HighLoad()
	h.loadMu.Unlock()
}

func (h *Host) isLoaded() bool {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	return h.loaded
}

func (h *Host) serveDemux(ctx context.Context, name string, conn *net.UDPConn, d *transport.Demux) {
	err := d.Run(conn)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("server: demux stopped", "stream", name, "error", err)
	}
}

func (h *Host) acceptLoop(ctx context.Context) error {
	for {
		conn, err := transport.AcceptControl(ctx, h.endpoints.Control)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept control: %w", err)
		}
		go h.handleControlConn(ctx, conn)
	}
}

func (h *Host) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	c := newConnState(h, conn)
	c.serve(ctx)
}

// sendMedia writes one already-sealed media packet to addr over conn.
func (h *Host) sendMedia(conn *net.UDPConn, addr *net.UDPAddr, payload []byte) error {
	_, err := conn.WriteToUDP(payload, addr)
	return err
}

// loadGate refuses admission to a new session when the host is already
// under heavy CPU/memory pressure, supplementing Registry's static
// capacity count with a live resource check.
func (h *Host) loadGate() bool { return !h.isLoaded() }

func generatePIN() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	n := (int(b[0])<<8 | int(b[1])) % 10000
	return fmt.Sprintf("%04d", n)
}
