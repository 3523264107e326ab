package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/duskcast/streamhost/internal/adaptive"
	"github.com/duskcast/streamhost/internal/capture"
	"github.com/duskcast/streamhost/internal/encoder"
	"github.com/duskcast/streamhost/internal/packetizer"
	"github.com/duskcast/streamhost/internal/wire"
)

// captureEncodeLoop pulls frames from the capture handle, submits video
// to the encoder and audio to the audio encoder, and forwards encoder
// output into videoUnits/audioPayloads for packetizeSendLoop. On a
// capture stall it resubmits the last good frame up to
// maxCaptureStallRepeats times before degrading the session, per
// spec.md §4.4.
func (s *session) captureEncodeLoop(ctx context.Context, handle capture.Handle) {
	defer handle.Close()

	var lastFrame capture.Frame
	haveFrame := false
	stallRepeats := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.deps.Emulator.Alive():
			log.Info("session: emulator exited", "session", s.id)
			go s.stop()
			return
		default:
		}

		frame, err := handle.Next(ctx)
		switch {
		case err == nil:
			if stallRepeats > 0 && s.state.load() == StateDegraded {
				s.recoverToStreaming()
			}
			stallRepeats = 0
			lastFrame = frame
			haveFrame = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, io.EOF) && haveFrame:
			stallRepeats++
			s.stats.captureStalls.Add(1)
			frame = lastFrame
			if stallRepeats >= maxCaptureStallRepeats {
				s.degrade()
			}
		default:
			log.Warn("session: capture error", "session", s.id, "error", err)
			s.stats.captureStalls.Add(1)
			continue
		}

		s.stats.framesCaptured.Add(1)

		if s.keyframeRequested.Load() == 1 {
			s.videoEncoder.ForceKeyframe()
		}

		if err := s.videoEncoder.Submit(encoder.Frame{Data: frame.Video, PTS: frame.PTS}); err != nil {
			log.Warn("session: encoder submit failed", "session", s.id, "error", err)
			continue
		}

		if s.deps.Audio != nil && len(frame.Audio) > 0 {
			encoded, err := s.deps.Audio.EncodeFrame(frame.Audio)
			if err != nil {
				log.Warn("session: audio encode failed", "session", s.id, "error", err)
			} else {
				s.enqueueDropOldest(s.audioPayloads, encoded)
			}
		}

		s.drainVideoOutput()
	}
}

// drainVideoOutput polls every encoded unit currently ready and forwards
// it to videoUnits, applying any staged ApplyQuality config once a
// keyframe boundary is reached.
func (s *session) drainVideoOutput() {
	for {
		unit, ok, err := s.videoEncoder.PollOutput()
		if err != nil {
			log.Warn("session: encoder poll failed", "session", s.id, "error", err)
			return
		}
		if !ok {
			return
		}
		s.stats.framesEncoded.Add(1)
		if unit.Keyframe {
			s.keyframeRequested.Store(0)
			s.applyPendingQuality()
		}
		s.enqueueDropOldest(s.videoUnits, unit)
	}
}

// enqueueDropOldest pushes v onto ch, dropping the oldest queued item
// (not v itself) when ch is full, per spec.md §4.4's encoder-backlog
// policy: a live frame is worth more than a stale one.
func enqueueDropOldest[T any](ch chan T, v T, onDrop func()) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
		onDrop()
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (s *session) enqueueDropOldest(ch any, v any) {
	switch c := ch.(type) {
	case chan encoder.Unit:
		enqueueDropOldest(c, v.(encoder.Unit), func() {
			s.stats.packetsDropped.Add(1)
			s.requestKeyframe() // the dropped unit may be a reference the next units depend on
		})
	case chan []byte:
		enqueueDropOldest(c, v.([]byte), func() { s.stats.packetsDropped.Add(1) })
	}
}

// applyPendingQuality swaps in a staged ApplyQuality config at a
// keyframe boundary and rebuilds the packetizer for the new MTU/FEC
// shape. The encoder's own resolution/bitrate cannot be reconfigured
// mid-stream with the software backend, so a tier or resolution change
// does not reach the running encoder or capture; what ApplyQuality
// can change immediately is the wire-level fragmentation shape.
func (s *session) applyPendingQuality() {
	s.mu.Lock()
	pending := s.pending
	if pending != nil {
		s.cfg = *pending
		s.pending = nil
	}
	cfg := s.cfg
	s.mu.Unlock()
	if pending != nil {
		s.packetizer = packetizer.New(videoStreamID, cfg.MTUPayloadBytes, cfg.FECParityPct)
		log.Info("session: quality applied at keyframe boundary", "session", s.id,
			"width", cfg.Width, "height", cfg.Height, "bitrate_kbps", cfg.BitrateKbps)
	}
}

// packetizeSendLoop drains videoUnits and audioPayloads, fragmenting,
// authenticating and transmitting each one over the session's SendVideo
// / SendAudio collaborators.
func (s *session) packetizeSendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-s.videoUnits:
			if !ok {
				return
			}
			s.sendVideoUnit(unit)
		case payload, ok := <-s.audioPayloads:
			if !ok {
				return
			}
			s.sendAudioPayload(payload)
		}
	}
}

func (s *session) sendVideoUnit(unit encoder.Unit) {
	baseSeq := s.videoSeq.Load()
	headers, shards, err := s.packetizer.Fragment(baseSeq, uint32(unit.PTS), unit.Data, unit.Keyframe)
	if err != nil {
		log.Warn("session: fragment failed", "session", s.id, "error", err)
		s.stats.packetsDropped.Add(1)
		return
	}
	s.videoSeq.Add(uint32(len(shards)))

	for i, h := range headers {
		packet, err := s.videoCodec.Encode(h, shards[i])
		if err != nil {
			log.Warn("session: video encode failed", "session", s.id, "error", err)
			s.stats.packetsDropped.Add(1)
			continue
		}
		if err := s.deps.SendVideo(packet); err != nil {
			log.Warn("session: send video failed", "session", s.id, "error", err)
			s.stats.packetsDropped.Add(1)
			continue
		}
		s.stats.videoPacketsSent.Add(1)
	}
	if unit.Keyframe {
		s.stats.keyframesSent.Add(1)
	}
}

func (s *session) sendAudioPayload(payload []byte) {
	seq := s.audioSeq.Add(1) - 1
	h := wire.MediaHeader{
		Flags:     wire.FlagLastFragment, // single-packet frame: it is its own last fragment
		StreamID:  audioStreamID,
		Sequence:  seq,
		Timestamp: uint32(time.Now().UnixMilli()),
		FragIndex: 0,
		FragTotal: wire.EncodeFragTotal(1, 0),
	}
	packet, err := s.audioCodec.Encode(h, payload)
	if err != nil {
		log.Warn("session: audio encode failed", "session", s.id, "error", err)
		s.stats.packetsDropped.Add(1)
		return
	}
	if err := s.deps.SendAudio(packet); err != nil {
		log.Warn("session: send audio failed", "session", s.id, "error", err)
		s.stats.packetsDropped.Add(1)
		return
	}
	s.stats.audioPacketsSent.Add(1)
}

// inputFeedLoop drains the channel the transport demux writes to and
// pushes each datagram onto inputRing, so the demux's single shared
// receive loop is never slowed by this session's own processing.
func (s *session) inputFeedLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.deps.Input:
			if !ok {
				return
			}
			if !s.inputRing.Push(raw) {
				s.stats.packetsDropped.Add(1)
			}
		}
	}
}

// inputPollInterval bounds how long inputLoop sleeps between empty
// polls of inputRing; short enough to stay well under one frame
// interval at 60fps.
const inputPollInterval = 2 * time.Millisecond

// inputLoop applies the session's modular out-of-order/duplicate window
// to inbound input datagrams popped from inputRing, per spec.md §4.4,
// before forwarding the decoded event to the emulator process. Any
// received datagram counts as liveness, refreshing the heartbeat
// deadline.
func (s *session) inputLoop(ctx context.Context) {
	ticker := time.NewTicker(inputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				v, ok := s.inputRing.Pop()
				if !ok {
					break
				}
				s.handleInputDatagram(v.([]byte))
			}
		}
	}
}

func (s *session) handleInputDatagram(raw []byte) {
	s.noteHeartbeat()

	pkt, err := s.inputCodec.Decode(raw)
	if err != nil {
		log.Warn("session: malformed or unauthenticated input packet", "session", s.id, "error", err)
		return
	}
	if !s.acceptInputSeq(pkt.Controller, pkt.Sequence) {
		return
	}
	s.stats.inputApplied.Add(1)

	submitted := s.inputPool.Submit(func() {
		if err := s.deps.Emulator.InjectInput(pkt); err != nil {
			log.Warn("session: inject input failed", "session", s.id, "error", err)
		}
	})
	if !submitted {
		s.stats.packetsDropped.Add(1)
	}
}

// acceptInputSeq reports whether seq should be applied for controller.
// Each controller index carries its own sequence space (spec.md §4.4/P5:
// input ordering is non-decreasing per controller, not globally), so one
// controller's traffic never makes another's look stale. It rejects exact
// duplicates and packets that fall within the trailing inputSeqWindow
// behind the last applied sequence for that controller, treating Sequence
// as a modulo-2^16 counter.
func (s *session) acceptInputSeq(controller uint8, seq uint16) bool {
	s.inputSeqMu.Lock()
	defer s.inputSeqMu.Unlock()

	last, ok := s.inputSeq[controller]
	if !ok {
		s.inputSeq[controller] = seq
		return true
	}
	if seq == last {
		s.stats.inputDuplicates.Add(1)
		return false
	}
	backDistance := last - seq // uint16 wraparound arithmetic
	if backDistance <= inputSeqWindow {
		s.stats.inputOutOfOrder.Add(1)
		return false
	}
	s.inputSeq[controller] = seq
	return true
}

// adaptiveLoop ticks the adaptive bitrate controller every
// adaptive.SampleInterval and enforces the heartbeat timeout, per
// spec.md §4.4/§4.8.
func (s *session) adaptiveLoop(ctx context.Context) {
	ticker := time.NewTicker(adaptive.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkHeartbeatTimeout() {
				return
			}
			s.adaptiveCtrl.Observe(time.Now(), s.consumeNetworkSample())
		}
	}
}
