// Package session implements the Session core orchestrator from
// spec.md §4.4: one client's capture→encode→packetize→send pipeline,
// its receive→dispatch input path, and its state machine. Task
// lifecycle (spawn under a shared sync.WaitGroup, sync.Once-guarded
// start/stop) is grounded on the teacher's startStreaming/Stop pair in
// remote/desktop/session.go and session_stream.go.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskcast/streamhost/internal/adaptive"
	"github.com/duskcast/streamhost/internal/capture"
	"github.com/duskcast/streamhost/internal/emulator"
	"github.com/duskcast/streamhost/internal/encoder"
	"github.com/duskcast/streamhost/internal/herr"
	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/packetizer"
	"github.com/duskcast/streamhost/internal/pairing"
	"github.com/duskcast/streamhost/internal/ringbuf"
	"github.com/duskcast/streamhost/internal/wire"
	"github.com/duskcast/streamhost/internal/workerpool"
)

const (
	videoStreamID uint16 = 1
	audioStreamID uint16 = 2

	// encoderBacklogThreshold is the capacity of the encoded-unit queue
	// between encoder and packetizer. When it is full the oldest encoded
	// unit is dropped and a keyframe is requested; raw frames are not
	// dropped before encoding.
	encoderBacklogThreshold = 3
	// maxCaptureStallRepeats is spec.md §4.4's K (default 3): how many
	// times a stalled capture source repeats the last encoded frame
	// before the session degrades.
	maxCaptureStallRepeats = 3
	// heartbeatTimeout is spec.md §4.4's T_timeout default.
	heartbeatTimeout = 5 * time.Second
	// inputSeqWindow is spec.md §4.4's modular out-of-order window.
	inputSeqWindow = 256

	// inputInjectWorkers/inputInjectQueue size the pool that dispatches
	// decoded InputPackets to the emulator off the input poll goroutine,
	// per spec.md §5, so a slow InjectInput call never backs up the
	// ring-buffer drain.
	inputInjectWorkers = 2
	inputInjectQueue   = 256
)

// AudioEncoder is the capability Deps may supply for the audio path.
// It is a narrow interface (rather than *encoder.AudioEncoder
// directly) because the real implementation is cgo-gated; sessions
// built without cgo simply pass a nil AudioEncoder and the audio path
// is skipped, matching spec.md's audio channel being present but not
// mandatory for every test scenario.
type AudioEncoder interface {
	EncodeFrame(pcm []int16) ([]byte, error)
}

// Deps bundles every collaborator the Session needs, so the orchestration
// logic itself stays independently testable against fakes (capture.Synthetic,
// emulator.Stub, in-memory send funcs).
type Deps struct {
	Capture      capture.Source
	Emulator     emulator.Process
	VideoBackend string // encoder backend name; "" falls back to "software"
	Audio        AudioEncoder

	Keys *pairing.SessionKeys

	// SendVideo/SendAudio transmit one already-authenticated wire
	// packet to the client's media endpoints.
	SendVideo func(payload []byte) error
	SendAudio func(payload []byte) error

	// Input carries raw 64-byte datagrams received on the input UDP
	// socket for this session's remote address, handed to the session
	// by the transport demux.
	Input <-chan []byte

	Adaptive adaptive.Config
}

// Handle is the caller-facing reference to a running (or not-yet-started)
// session, returned by registry.TryAdmit, per spec.md §4.3.
type Handle struct {
	id       string
	clientID string
	session  *session
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) ClientID() string { return h.clientID }

// Start binds the pipeline and blocks until Streaming is reached or
// startup fails (in which case any partially-acquired resource is
// released before returning), per spec.md §4.4.
func (h *Handle) Start(ctx context.Context) error { return h.session.start(ctx) }

// RequestKeyframe is idempotent and coalesces repeated requests within
// one frame interval, per spec.md §4.4.
func (h *Handle) RequestKeyframe() { h.session.requestKeyframe() }

// ApplyQuality stages new_config for application at the encoder's next
// IDR boundary, per spec.md §4.4.
func (h *Handle) ApplyQuality(cfg Config) error { return h.session.applyQuality(cfg) }

// Stop transitions to TearingDown and returns once Terminated.
func (h *Handle) Stop() { h.session.stop() }

// Observe returns a non-blocking snapshot of session stats.
func (h *Handle) Observe() Stats { return h.session.observe() }

// ReportNetworkSample feeds a client-reported Statistics sample into the
// session's adaptive controller, consumed on the next adaptiveLoop tick.
func (h *Handle) ReportNetworkSample(s adaptive.Sample) { h.session.reportNetworkSample(s) }

// New constructs a Handle in state Negotiating. The caller must invoke
// Start to actually bind resources and begin streaming.
func New(clientID string, cfg Config, deps Deps) *Handle {
	s := &session{
		id:       newSessionID(),
		clientID: clientID,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		done:     make(chan struct{}),
		inputSeq: make(map[uint8]uint16),
	}
	s.state.force(StateNegotiating)
	return &Handle{id: s.id, clientID: clientID, session: s}
}

// SetOnTerminated registers a callback invoked exactly once, from its own
// goroutine, when the session reaches Terminated — whether torn down by
// an explicit Stop or self-terminated (peer timeout, emulator exit). The
// registry uses this to reclaim its admission slot even when the session
// tears itself down without an external Stop call.
func (h *Handle) SetOnTerminated(fn func()) { h.session.setOnTerminated(fn) }

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var log = logging.L("session")

type session struct {
	id       string
	clientID string

	mu        sync.RWMutex
	cfg       Config
	pending   *Config // staged ApplyQuality, applied at the next keyframe boundary

	deps Deps

	state   stateWord
	stats   counters
	started time.Time

	videoEncoder *encoder.VideoEncoder
	videoCodec   *wire.MediaCodec
	audioCodec   *wire.MediaCodec
	inputCodec   *wire.InputCodec
	packetizer   *packetizer.Packetizer
	adaptiveCtrl *adaptive.Controller

	// videoUnits/audioPayloads decouple the capture/encode stage from
	// the packetize/send stage, per spec.md §4.4's encoder-backlog
	// drop-oldest policy; their buffered length doubles as the
	// "encoder queue depth" sample fed to the adaptive controller.
	videoUnits    chan encoder.Unit
	audioPayloads chan []byte

	// inputRing sits between the transport demux's per-session channel
	// and inputLoop: a lock-free SPSC queue so a burst of input
	// datagrams never backs up into (or blocks) the channel the demux's
	// single shared receive loop writes to, per spec.md §4.4.
	inputRing *ringbuf.Ring
	inputPool *workerpool.Pool

	netSampleMu sync.Mutex
	netSample   adaptive.Sample

	videoSeq atomic.Uint32
	audioSeq atomic.Uint32

	// inputSeq tracks, per controller index, the last applied input
	// sequence number, so ordering is enforced independently per
	// controller rather than across the whole session (spec.md §4.4/P5).
	inputSeqMu sync.Mutex
	inputSeq   map[uint8]uint16

	keyframeRequested atomic.Uint32 // 0/1, coalesces RequestKeyframe within one frame interval
	lastHeartbeat      atomic.Int64

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc

	// onTerminated, if set, is invoked from its own goroutine once stop()
	// completes, letting a caller (the registry) learn about a session
	// that tore itself down (peer timeout, emulator exit) without an
	// external Stop call. Run via go cb() rather than inline so a
	// callback that re-enters Stop() doesn't deadlock on stopOnce: the
	// reentrant call blocks on sync.Once's mutex until this Do body
	// returns, then sees done and returns immediately.
	onTerminated func()
}

func (s *session) setOnTerminated(fn func()) {
	s.mu.Lock()
	s.onTerminated = fn
	s.mu.Unlock()
}

func (s *session) start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.doStart(ctx)
	})
	return startErr
}

func (s *session) doStart(parent context.Context) error {
	if !s.state.transition(StateLaunching) {
		return fmt.Errorf("session: cannot start from state %s", s.state.load())
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	videoCodec, err := wire.NewMediaCodec(videoStreamID, s.deps.Keys.Video.Reveal())
	if err != nil {
		s.state.transition(StateTearingDown)
		s.state.transition(StateTerminated)
		return fmt.Errorf("session: video codec: %w", err)
	}
	var audioCodec *wire.MediaCodec
	if s.deps.Audio != nil {
		audioCodec, err = wire.NewMediaCodec(audioStreamID, s.deps.Keys.Audio.Reveal())
		if err != nil {
			s.state.transition(StateTearingDown)
			s.state.transition(StateTerminated)
			return fmt.Errorf("session: audio codec: %w", err)
		}
	}
	inputCodec, err := wire.NewInputCodec(s.deps.Keys.Input.Reveal())
	if err != nil {
		s.state.transition(StateTearingDown)
		s.state.transition(StateTerminated)
		return fmt.Errorf("session: input codec: %w", err)
	}

	videoEncoder, err := encoder.NewVideoEncoder(s.deps.VideoBackend, encoder.Config{
		Codec:              cfg.Codec,
		Width:              cfg.Width,
		Height:             cfg.Height,
		FPS:                cfg.FPS,
		BitrateKbps:        cfg.BitrateKbps,
		KeyframeIntervalMs: cfg.KeyframeIntervalMs,
	})
	if err != nil {
		s.state.transition(StateTearingDown)
		s.state.transition(StateTerminated)
		return fmt.Errorf("session: encoder: %w", err)
	}

	handle, err := s.deps.Capture.Open(s.deps.Emulator.WindowHandle())
	if err != nil {
		videoEncoder.Close()
		s.state.transition(StateTearingDown)
		s.state.transition(StateTerminated)
		return fmt.Errorf("session: capture open: %w", err)
	}

	s.videoCodec = videoCodec
	s.audioCodec = audioCodec
	s.inputCodec = inputCodec
	s.videoEncoder = videoEncoder
	s.packetizer = packetizer.New(videoStreamID, cfg.MTUPayloadBytes, cfg.FECParityPct)
	s.videoUnits = make(chan encoder.Unit, encoderBacklogThreshold)
	s.audioPayloads = make(chan []byte, encoderBacklogThreshold*4)
	s.inputRing = ringbuf.New(64)
	s.inputPool = workerpool.New(inputInjectWorkers, inputInjectQueue)
	s.started = time.Now()
	s.lastHeartbeat.Store(s.started.UnixNano())

	adaptiveCfg := s.deps.Adaptive
	if adaptiveCfg.MaxBitrateBps <= 0 {
		adaptiveCfg.MaxBitrateBps = cfg.BitrateKbps * 1000
	}
	if adaptiveCfg.MinBitrateBps <= 0 {
		adaptiveCfg.MinBitrateBps = adaptiveCfg.MaxBitrateBps / 4
	}
	adaptiveCfg.OnKeyframeRequest = s.requestKeyframe
	adaptiveCfg.OnTierChange = s.onTierChange
	ctrl, err := adaptive.New(adaptiveCfg)
	if err != nil {
		videoEncoder.Close()
		handle.Close()
		s.state.transition(StateTearingDown)
		s.state.transition(StateTerminated)
		return fmt.Errorf("session: adaptive controller: %w", err)
	}
	s.adaptiveCtrl = ctrl

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.captureEncodeLoop(ctx, handle)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.packetizeSendLoop(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.inputFeedLoop(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.inputLoop(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.adaptiveLoop(ctx)
	}()

	if !s.state.transition(StateStreaming) {
		log.Warn("session: unexpected state on launch completion", "session", s.id, "state", s.state.load())
	}
	log.Info("session streaming", "session", s.id, "client", s.clientID)
	return nil
}

func (s *session) requestKeyframe() {
	s.keyframeRequested.Store(1)
}

// onTierChange is the adaptive controller's callback: it retargets the
// negotiated resolution/fps to the new tier, taking effect at the next
// keyframe the caller is expected to have already requested.
func (s *session) onTierChange(t adaptive.Tier) {
	s.mu.Lock()
	c := s.cfg
	c.Width, c.Height, c.FPS = t.Width, t.Height, t.FPS
	s.pending = &c
	s.mu.Unlock()
	log.Info("session: adaptive tier change", "session", s.id, "width", t.Width, "height", t.Height, "fps", t.FPS)
}

// reportNetworkSample records the latest network-condition sample
// derived from the client's Statistics control messages, consumed by
// adaptiveLoop on its next tick.
func (s *session) reportNetworkSample(sample adaptive.Sample) {
	s.netSampleMu.Lock()
	s.netSample = sample
	s.netSampleMu.Unlock()
}

func (s *session) consumeNetworkSample() adaptive.Sample {
	s.netSampleMu.Lock()
	defer s.netSampleMu.Unlock()
	sample := s.netSample
	sample.EncoderQueue = len(s.videoUnits)
	return sample
}

func (s *session) applyQuality(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	c := cfg.withDefaults()
	s.pending = &c
	s.mu.Unlock()
	s.requestKeyframe()
	return nil
}

func (s *session) observe() Stats {
	return s.stats.snapshot(s.state.load(), s.started)
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		from := s.state.load()
		if from != StateTerminated {
			s.state.transition(StateTearingDown)
		}
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		s.wg.Wait()

		if s.inputPool != nil {
			s.inputPool.StopAccepting()
			drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			s.inputPool.Drain(drainCtx)
			cancel()
		}

		if s.videoEncoder != nil {
			if err := s.videoEncoder.Close(); err != nil {
				log.Warn("session: encoder close failed", "session", s.id, "error", err)
			}
		}
		s.state.transition(StateTerminated)
		log.Info("session terminated", "session", s.id, "uptime", time.Since(s.started).Round(time.Millisecond))

		s.mu.RLock()
		cb := s.onTerminated
		s.mu.RUnlock()
		if cb != nil {
			go cb()
		}
	})
}

// degrade moves Streaming->Degraded; harmless no-op from any other state.
func (s *session) degrade() {
	s.state.transition(StateDegraded)
}

// recoverToStreaming moves Degraded->Streaming when metrics recover.
func (s *session) recoverToStreaming() {
	s.state.transition(StateStreaming)
}

func (s *session) noteHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// checkHeartbeatTimeout tears the session down with PeerTimeout once
// T_timeout elapses without a heartbeat, per spec.md §4.4.
func (s *session) checkHeartbeatTimeout() bool {
	last := time.Unix(0, s.lastHeartbeat.Load())
	if time.Since(last) > heartbeatTimeout {
		log.Warn("session: peer heartbeat timeout", "session", s.id, "error", herr.ErrPeerTimeout)
		go s.stop()
		return true
	}
	return false
}
