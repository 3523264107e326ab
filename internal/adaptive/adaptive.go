// Package adaptive implements the Adaptive Controller from spec.md §4.8:
// an EWMA-smoothed, AIMD bitrate and resolution-tier controller. It is a
// direct generalization of the teacher's remote/desktop/adaptive.go
// AdaptiveBitrate, re-tuned to this spec's piecewise policy and extended
// from an opaque quality preset to a concrete (width,height,fps) tier.
package adaptive

import (
	"errors"
	"time"

	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("adaptive")

// Tier is a predefined (resolution, fps) pair the controller may select,
// per spec.md §4.8.
type Tier struct {
	Width, Height, FPS int
}

// Tiers are the three resolution tiers named in spec.md §4.8, ordered
// from lowest to highest.
var Tiers = []Tier{
	{Width: 1280, Height: 720, FPS: 30},
	{Width: 1280, Height: 720, FPS: 60},
	{Width: 1920, Height: 1080, FPS: 60},
}

// SampleInterval is how often the session should feed Observe a new
// sample, per spec.md §4.8.
const SampleInterval = 200 * time.Millisecond

// UpSwitchStableWindow is how long conditions must stay good before the
// controller will step up a resolution tier.
const UpSwitchStableWindow = 5 * time.Second

const ewmaAlpha = 0.3

// Sample is one 200ms measurement window fed to Observe.
type Sample struct {
	LossRate       float64 // 0..1
	JitterMs       float64
	RTT            time.Duration
	EncoderQueue   int
}

// Config bounds the controller's behavior.
type Config struct {
	MinBitrateBps int
	MaxBitrateBps int
	InitialTier   int // index into Tiers
	Cooldown      time.Duration
	OnKeyframeRequest func()
	OnTierChange      func(Tier)
}

// Controller tracks smoothed network conditions and derives a target
// bitrate and resolution tier, per spec.md §4.8's piecewise policy.
type Controller struct {
	minBitrate, maxBitrate int
	cooldown               time.Duration
	onKeyframeRequest      func()
	onTierChange           func(Tier)

	tierIdx       int
	targetBitrate int

	smoothedLoss   float64
	smoothedJitter float64
	samples        int

	lastAdjust     time.Time
	lastKeyframe   time.Time
	stableSince    time.Time
	inStableWindow bool
}

// New creates a controller seeded at the initial tier's implied bitrate.
func New(cfg Config) (*Controller, error) {
	if cfg.MinBitrateBps <= 0 || cfg.MaxBitrateBps <= 0 || cfg.MinBitrateBps > cfg.MaxBitrateBps {
		return nil, errors.New("adaptive: invalid bitrate bounds")
	}
	tierIdx := cfg.InitialTier
	if tierIdx < 0 || tierIdx >= len(Tiers) {
		tierIdx = len(Tiers) - 1
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = SampleInterval
	}
	c := &Controller{
		minBitrate:        cfg.MinBitrateBps,
		maxBitrate:        cfg.MaxBitrateBps,
		cooldown:          cooldown,
		onKeyframeRequest: cfg.OnKeyframeRequest,
		onTierChange:      cfg.OnTierChange,
		tierIdx:           tierIdx,
	}
	c.targetBitrate = c.tierCap()
	return c, nil
}

// Tier returns the controller's current resolution tier.
func (c *Controller) Tier() Tier { return Tiers[c.tierIdx] }

// TargetBitrate returns the controller's current target bitrate in bps.
func (c *Controller) TargetBitrate() int { return c.targetBitrate }

// tierCap returns the bitrate ceiling tied to the current tier: lower
// tiers get a proportionally lower cap than MaxBitrateBps.
func (c *Controller) tierCap() int {
	switch c.tierIdx {
	case 0:
		return c.maxBitrate / 3
	case 1:
		return c.maxBitrate * 2 / 3
	default:
		return c.maxBitrate
	}
}

// Observe feeds one 200ms sample into the controller and applies
// spec.md §4.8's piecewise policy, calling OnKeyframeRequest/OnTierChange
// as needed. now is passed in explicitly so callers can drive the
// controller deterministically in tests.
func (c *Controller) Observe(now time.Time, s Sample) {
	loss := clampFloat(s.LossRate, 0, 1)
	jitter := s.JitterMs
	if jitter < 0 {
		jitter = 0
	}

	c.samples++
	if c.samples == 1 {
		c.smoothedLoss = loss
		c.smoothedJitter = jitter
	} else {
		c.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*c.smoothedLoss
		c.smoothedJitter = ewmaAlpha*jitter + (1-ewmaAlpha)*c.smoothedJitter
	}

	good := c.smoothedLoss < 0.01 && c.smoothedJitter < 10 && s.EncoderQueue <= 1
	hold := !good && (c.smoothedLoss < 0.05 && c.smoothedJitter < 25)
	bad := c.smoothedLoss >= 0.05 || c.smoothedJitter >= 25 || s.EncoderQueue > 2

	if !c.lastAdjust.IsZero() && now.Sub(c.lastAdjust) < c.cooldown {
		c.trackStability(now, good)
		return
	}
	c.lastAdjust = now

	switch {
	case bad:
		c.inStableWindow = false
		cap := c.tierCap()
		newBitrate := clampInt(int(float64(c.targetBitrate)*0.80), c.minBitrate, cap)
		atFloor := newBitrate == c.minBitrate || newBitrate == cap && c.targetBitrate == cap
		c.targetBitrate = newBitrate
		if atFloor && c.tierIdx > 0 {
			c.stepTier(-1)
		}
		log.Debug("adaptive: degrade", "bitrate", c.targetBitrate, "tier", c.Tier())
	case good:
		c.trackStability(now, true)
		cap := c.tierCap()
		newBitrate := clampInt(c.targetBitrate+c.targetBitrate/10, c.minBitrate, cap)
		c.targetBitrate = newBitrate
		if c.inStableWindow && now.Sub(c.stableSince) >= UpSwitchStableWindow && c.tierIdx < len(Tiers)-1 {
			c.stepTier(1)
			c.inStableWindow = false
		}
	case hold:
		c.inStableWindow = false
		if (c.lastKeyframe.IsZero() || now.Sub(c.lastKeyframe) > time.Second) && c.onKeyframeRequest != nil {
			c.onKeyframeRequest()
			c.lastKeyframe = now
		}
	}
}

func (c *Controller) trackStability(now time.Time, good bool) {
	if !good {
		c.inStableWindow = false
		return
	}
	if !c.inStableWindow {
		c.inStableWindow = true
		c.stableSince = now
	}
}

// stepTier moves the tier index by delta, clamped to the valid range,
// clamps the bitrate into [MinBitrateBps, new tier's cap], and fires OnTierChange.
// Tier changes take effect on the next keyframe (spec.md §4.8); the
// caller is responsible for requesting one.
func (c *Controller) stepTier(delta int) {
	idx := c.tierIdx + delta
	if idx < 0 {
		idx = 0
	}
	if idx >= len(Tiers) {
		idx = len(Tiers) - 1
	}
	if idx == c.tierIdx {
		return
	}
	c.tierIdx = idx
	c.targetBitrate = clampInt(c.targetBitrate, c.minBitrate, c.tierCap())
	if c.onTierChange != nil {
		c.onTierChange(c.Tier())
	}
	if c.onKeyframeRequest != nil {
		c.onKeyframeRequest()
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
