package adaptive

import (
	"testing"
	"time"
)

func TestGoodConditionsRaiseBitrate(t *testing.T) {
	c, err := New(Config{MinBitrateBps: 1_000_000, MaxBitrateBps: 20_000_000, InitialTier: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Unix(0, 0)
	// New seeds the tier's cap; start below it so there is room to grow.
	c.targetBitrate = 10_000_000
	before := c.TargetBitrate()

	now := start
	for i := 0; i < 5; i++ {
		now = now.Add(SampleInterval)
		c.Observe(now, Sample{LossRate: 0, JitterMs: 1, EncoderQueue: 0})
	}
	if c.TargetBitrate() <= before {
		t.Fatalf("expected bitrate to rise under good conditions, got %d (was %d)", c.TargetBitrate(), before)
	}
}

func TestBadConditionsDegradeAndStepDownTier(t *testing.T) {
	c, err := New(Config{MinBitrateBps: 500_000, MaxBitrateBps: 20_000_000, InitialTier: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var tierChanges int
	c.onTierChange = func(Tier) { tierChanges++ }

	now := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		now = now.Add(SampleInterval)
		c.Observe(now, Sample{LossRate: 0.10, JitterMs: 30, EncoderQueue: 4})
	}
	if c.Tier() == Tiers[2] {
		t.Fatal("expected tier to step down under sustained bad conditions")
	}
	if tierChanges == 0 {
		t.Fatal("expected OnTierChange to fire on step-down")
	}
}

func TestHoldRequestsKeyframeAfterOneSecond(t *testing.T) {
	requests := 0
	c, err := New(Config{
		MinBitrateBps:     1_000_000,
		MaxBitrateBps:     20_000_000,
		InitialTier:       2,
		OnKeyframeRequest: func() { requests++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.lastKeyframe = time.Unix(0, 0)

	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		now = now.Add(SampleInterval)
		c.Observe(now, Sample{LossRate: 0.02, JitterMs: 15, EncoderQueue: 0})
	}
	if requests == 0 {
		t.Fatal("expected at least one keyframe request under hold conditions")
	}
}

func TestUpSwitchRequiresStableWindow(t *testing.T) {
	c, err := New(Config{MinBitrateBps: 1_000_000, MaxBitrateBps: 20_000_000, InitialTier: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Unix(0, 0)
	// Less than the 5s stable window: should not yet step up.
	for i := 0; i < 10; i++ {
		now = now.Add(SampleInterval)
		c.Observe(now, Sample{LossRate: 0, JitterMs: 1, EncoderQueue: 0})
	}
	if c.Tier() != Tiers[0] {
		t.Fatal("expected tier to remain at floor before stable window elapses")
	}

	for i := 0; i < 30; i++ {
		now = now.Add(SampleInterval)
		c.Observe(now, Sample{LossRate: 0, JitterMs: 1, EncoderQueue: 0})
	}
	if c.Tier() == Tiers[0] {
		t.Fatal("expected tier to step up after sustained stable good conditions")
	}
}
