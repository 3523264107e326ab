package encoder

import "sync"

func init() {
	RegisterBackend("software", func() Backend { return newSoftwareEncoder() })
}

// softwareEncoder is a deterministic identity pass-through: it copies
// each submitted frame's bytes straight through as the "encoded" unit,
// tagging every keyframeInterval-th frame as a keyframe. It exists so
// pipeline tests can assert byte-exact round trips without a real
// codec, the same role the host's software fallback plays for platforms
// without a hardware or OS encoder available.
type softwareEncoder struct {
	mu                 sync.Mutex
	cfg                Config
	frameCount         int
	keyframeEveryN     int
	forceNextKeyframe  bool
	pending            []Unit
}

func newSoftwareEncoder() *softwareEncoder {
	return &softwareEncoder{}
}

func (e *softwareEncoder) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	if cfg.FPS > 0 && cfg.KeyframeIntervalMs > 0 {
		e.keyframeEveryN = (cfg.KeyframeIntervalMs * cfg.FPS) / 1000
	}
	if e.keyframeEveryN < 1 {
		e.keyframeEveryN = 1
	}
	return nil
}

func (e *softwareEncoder) Submit(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	keyframe := e.forceNextKeyframe || e.frameCount%e.keyframeEveryN == 0
	e.forceNextKeyframe = false
	e.frameCount++

	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	e.pending = append(e.pending, Unit{Data: out, Keyframe: keyframe, PTS: f.PTS})
	return nil
}

func (e *softwareEncoder) PollOutput() (Unit, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return Unit{}, false, nil
	}
	u := e.pending[0]
	e.pending = e.pending[1:]
	return u, true, nil
}

func (e *softwareEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceNextKeyframe = true
}

func (e *softwareEncoder) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameCount = 0
	e.forceNextKeyframe = true
	e.pending = nil
	return nil
}

func (e *softwareEncoder) Close() error {
	return nil
}
