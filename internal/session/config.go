package session

import (
	"github.com/duskcast/streamhost/internal/encoder"
	"github.com/duskcast/streamhost/internal/herr"
)

// Config is the negotiated StreamConfig from spec.md §3 for one
// session: immutable after Start except via ApplyQuality, which stages
// a new Config for the next keyframe boundary.
type Config struct {
	Width, Height      int
	FPS                int
	Codec              encoder.Codec
	BitrateKbps        int
	AudioChannels       int
	AudioSampleRate     int
	FECParityPct        int
	KeyframeIntervalMs  int
	MTUPayloadBytes     int
}

// Validate enforces spec.md §3's StreamConfig domain constraints.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return herr.ErrInvalidResolution
	}
	if c.FPS != 30 && c.FPS != 60 {
		return herr.ErrInvalidResolution
	}
	if c.Codec != encoder.CodecH264 && c.Codec != encoder.CodecH265 {
		return herr.ErrInvalidCodec
	}
	if c.BitrateKbps <= 0 {
		return herr.ErrInvalidBitrate
	}
	if c.AudioChannels != 2 && c.AudioChannels != 6 {
		return herr.ErrInvalidResolution
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.KeyframeIntervalMs <= 0 {
		c.KeyframeIntervalMs = 2000
	}
	if c.MTUPayloadBytes <= 0 {
		c.MTUPayloadBytes = 1200
	}
	if c.FECParityPct <= 0 {
		c.FECParityPct = 25 // 8 source + 2 parity default, expressed as a percentage
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = 48000
	}
	return c
}
