package server

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/duskcast/streamhost/internal/adaptive"
	"github.com/duskcast/streamhost/internal/emulator"
	"github.com/duskcast/streamhost/internal/encoder"
	"github.com/duskcast/streamhost/internal/pairing"
	"github.com/duskcast/streamhost/internal/session"
	"github.com/duskcast/streamhost/internal/wire"
)

// connState tracks one client's control connection from the initial
// unauthenticated probe through pairing and into the authenticated
// command loop, per spec.md §4.2/§4.4.
type connState struct {
	host *Host
	conn net.Conn

	clientID     string
	clientPubKey ed25519.PublicKey
	cc           *wire.ControlConn // non-nil once a control key is derived

	sessionID string
}

func newConnState(h *Host, conn net.Conn) *connState {
	return &connState{host: h, conn: conn}
}

func (c *connState) serve(ctx context.Context) {
	remote := c.conn.RemoteAddr().String()
	log.Info("server: control connection opened", "remote", remote)
	defer log.Info("server: control connection closed", "remote", remote)

	if err := wire.SendPlain(c.conn, wire.TypeServerInfo, wire.ServerInfo{
		HostUUID:        c.host.hostUUID,
		ProtocolVersion: ProtocolVersion,
		HostName:        defaultHostName,
		Paired:          false,
		SupportedCodecs: []string{"h264", "h265"},
	}); err != nil {
		log.Warn("server: send ServerInfo failed", "remote", remote, "error", err)
		return
	}

	keys, err := c.runHandshake()
	if err != nil {
		log.Warn("server: pairing handshake failed", "remote", remote, "error", err)
		return
	}

	cc, err := wire.NewControlConn(c.conn, keys.Control.Reveal())
	if err != nil {
		log.Error("server: build control conn failed", "remote", remote, "error", err)
		keys.Zero()
		return
	}
	c.cc = cc

	c.commandLoop(ctx, keys)
}

// runHandshake drives the server side of spec.md §4.2's pairing state
// machine over the plain (unsealed) framing, ending with CompletePairing
// once the client has proven it knows the displayed PIN and the ECDH
// exchange has produced a session master.
func (c *connState) runHandshake() (*pairing.SessionKeys, error) {
	beginMsg, err := wire.RecvPlain(c.conn)
	if err != nil {
		return nil, fmt.Errorf("server: read PairBegin: %w", err)
	}
	var begin wire.PairBegin
	if beginMsg.Type != wire.TypePairBegin {
		return nil, fmt.Errorf("server: expected PairBegin, got %s", beginMsg.Type)
	}
	if err := beginMsg.DecodePayload(&begin); err != nil {
		return nil, fmt.Errorf("server: decode PairBegin: %w", err)
	}
	c.clientID = begin.ClientID
	c.clientPubKey = ed25519.PublicKey(begin.ClientPublicKey)

	clientIdentity := c.clientPubKey
	if c.host.pairing.IsKnown(begin.ClientID, clientIdentity) {
		log.Info("server: re-pairing already-known client", "client", begin.ClientID)
	}

	att, err := c.host.pairing.BeginAttempt(begin.ClientID)
	if err != nil {
		return nil, err
	}

	salt, err := c.host.pairing.IssueSalt(att)
	if err != nil {
		return nil, err
	}
	challenge, err := c.host.pairing.IssueChallenge(att)
	if err != nil {
		return nil, err
	}

	pin := generatePIN()
	log.Info("server: pairing PIN, enter on client", "client", begin.ClientID, "pin", pin)

	if err := wire.SendPlain(c.conn, wire.TypePairFinish, wire.PairFinish{
		ClientID:  begin.ClientID,
		Salt:      salt,
		Challenge: challenge,
	}); err != nil {
		return nil, fmt.Errorf("server: send salt/challenge: %w", err)
	}

	respMsg, err := wire.RecvPlain(c.conn)
	if err != nil {
		return nil, fmt.Errorf("server: read PIN response: %w", err)
	}
	var resp wire.PairFinish
	if respMsg.Type != wire.TypePairFinish {
		return nil, fmt.Errorf("server: expected PairFinish, got %s", respMsg.Type)
	}
	if err := respMsg.DecodePayload(&resp); err != nil {
		return nil, fmt.Errorf("server: decode PIN response: %w", err)
	}

	if err := c.host.pairing.VerifyClientResponse(att, pin, resp.PINProof); err != nil {
		return nil, err
	}

	hostKP, err := pairing.GenerateECDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("server: generate host ecdh key: %w", err)
	}
	master, err := hostKP.DeriveSessionMaster(resp.ClientECDHPub)
	if err != nil {
		return nil, fmt.Errorf("server: derive session master: %w", err)
	}

	keys, err := c.host.pairing.CompletePairing(att, clientIdentity, begin.ClientName, master)
	if err != nil {
		return nil, err
	}

	if err := wire.SendPlain(c.conn, wire.TypePairFinish, wire.PairFinish{
		ClientID:    begin.ClientID,
		HostECDHPub: hostKP.Public,
		Ack:         true,
	}); err != nil {
		keys.Zero()
		return nil, fmt.Errorf("server: send pairing ack: %w", err)
	}

	log.Info("server: pairing complete", "client", begin.ClientID)
	return keys, nil
}

// commandLoop serves authenticated control-plane requests until the
// connection closes or ctx is canceled, per spec.md §4.4.
func (c *connState) commandLoop(ctx context.Context, keys *pairing.SessionKeys) {
	defer func() {
		if c.sessionID != "" {
			c.host.registry.Terminate(c.sessionID)
		}
		keys.Zero()
	}()

	for {
		msg, err := c.cc.Recv()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("server: control recv ended", "client", c.clientID, "error", err)
			}
			return
		}

		if err := c.dispatch(ctx, msg, keys); err != nil {
			log.Warn("server: command failed", "client", c.clientID, "type", msg.Type, "error", err)
		}
	}
}

func (c *connState) dispatch(ctx context.Context, msg wire.ControlMessage, keys *pairing.SessionKeys) error {
	switch msg.Type {
	case wire.TypeLaunch:
		var req wire.Launch
		if err := msg.DecodePayload(&req); err != nil {
			return err
		}
		return c.handleLaunch(ctx, req, keys)
	case wire.TypeResume:
		var req wire.Resume
		if err := msg.DecodePayload(&req); err != nil {
			return err
		}
		return c.handleResume(req)
	case wire.TypeStop:
		var req wire.Stop
		if err := msg.DecodePayload(&req); err != nil {
			return err
		}
		c.handleStop(req)
		return nil
	case wire.TypeQualityChange:
		var req wire.QualityChange
		if err := msg.DecodePayload(&req); err != nil {
			return err
		}
		return c.handleQualityChange(req)
	case wire.TypeStatistics:
		var req wire.Statistics
		if err := msg.DecodePayload(&req); err != nil {
			return err
		}
		c.handleStatistics(req)
		return nil
	case wire.TypeKeepAlive:
		return nil // Recv/commandLoop already proves liveness
	default:
		return fmt.Errorf("server: unknown control message type %q", msg.Type)
	}
}

func (c *connState) handleLaunch(ctx context.Context, req wire.Launch, keys *pairing.SessionKeys) error {
	if !c.host.loadGate() {
		return fmt.Errorf("server: host overloaded, rejecting launch")
	}

	cfg := streamConfigFromWire(req.StreamConfig)
	if err := cfg.Validate(); err != nil {
		return err
	}

	inputCh := make(chan []byte, 256)

	tcpAddr, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	var ip net.IP
	if tcpAddr != nil {
		ip = tcpAddr.IP
	}
	videoAddr := &net.UDPAddr{IP: ip, Port: req.ClientVideoPort}
	audioAddr := &net.UDPAddr{IP: ip, Port: req.ClientAudioPort}

	deps := session.Deps{
		Capture:      c.host.captureSource,
		Emulator:     emulator.NewStub(), // the real emulator process attaches out-of-band; see DESIGN.md
		VideoBackend: c.host.videoBackend,
		Keys:         keys,
		Input:        inputCh,
		Adaptive:     adaptive.Config{},
		SendVideo:    func(p []byte) error { return c.host.sendMedia(c.host.endpoints.Video, videoAddr, p) },
		SendAudio:    func(p []byte) error { return c.host.sendMedia(c.host.endpoints.Audio, audioAddr, p) },
	}

	isKnown := func(id string) bool { return c.host.pairing.IsKnown(id, c.clientPubKey) }
	h, err := c.host.registry.TryAdmit(c.clientID, cfg, isKnown, deps)
	if err != nil {
		return err
	}

	c.host.inputDemux.RegisterByIP(ip, inputCh)

	if err := h.Start(ctx); err != nil {
		c.host.registry.Terminate(h.ID())
		return err
	}

	c.sessionID = h.ID()
	return c.cc.Send(wire.TypeLaunch, wire.Launch{StreamConfig: req.StreamConfig})
}

func (c *connState) handleResume(req wire.Resume) error {
	if _, ok := c.host.registry.Lookup(req.SessionID); !ok {
		return fmt.Errorf("server: resume: unknown session %s", req.SessionID)
	}
	c.sessionID = req.SessionID
	return nil
}

func (c *connState) handleStop(req wire.Stop) {
	id := req.SessionID
	if id == "" {
		id = c.sessionID
	}
	c.host.registry.Terminate(id)
	if id == c.sessionID {
		c.sessionID = ""
	}
}

func (c *connState) handleQualityChange(req wire.QualityChange) error {
	h, ok := c.host.registry.Lookup(req.SessionID)
	if !ok {
		return fmt.Errorf("server: quality change: unknown session %s", req.SessionID)
	}
	return h.ApplyQuality(streamConfigFromWire(req.StreamConfig))
}

func (c *connState) handleStatistics(req wire.Statistics) {
	h, ok := c.host.registry.Lookup(req.SessionID)
	if !ok {
		return
	}
	h.ReportNetworkSample(adaptive.Sample{
		LossRate: req.LossRate,
		JitterMs: req.JitterMs,
		RTT:      time.Duration(req.RTTMs * float64(time.Millisecond)),
	})
}

func streamConfigFromWire(w wire.StreamConfigWire) session.Config {
	return session.Config{
		Width:              w.Width,
		Height:             w.Height,
		FPS:                w.FPS,
		Codec:              encoder.Codec(w.Codec),
		BitrateKbps:        w.BitrateKbps,
		AudioChannels:      w.AudioChannels,
		AudioSampleRate:    w.AudioSampleRate,
		FECParityPct:       w.FECParityPct,
		KeyframeIntervalMs: w.KeyframeIntervalMs,
		MTUPayloadBytes:    w.MTUPayloadBytes,
	}
}

