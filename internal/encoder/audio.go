//go:build cgo

package encoder

import (
	"fmt"
	"sync"

	"gopkg.hraban.de/opus"
)

// AudioConfig is the negotiated audio configuration for one stream.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	BitrateKbps int
}

// AudioEncoder wraps libopus for the audio stream. Unlike video, there
// is exactly one audio codec path in scope (spec.md §4.6/§4.7), so this
// has no backend registry.
type AudioEncoder struct {
	mu  sync.Mutex
	enc *opus.Encoder
	cfg AudioConfig
}

// NewAudioEncoder creates an Opus encoder for the given config.
func NewAudioEncoder(cfg AudioConfig) (*AudioEncoder, error) {
	application := opus.AppRestrictedLowdelay
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, application)
	if err != nil {
		return nil, fmt.Errorf("encoder: opus init: %w", err)
	}
	if cfg.BitrateKbps > 0 {
		if err := enc.SetBitrate(cfg.BitrateKbps * 1000); err != nil {
			return nil, fmt.Errorf("encoder: opus set bitrate: %w", err)
		}
	}
	return &AudioEncoder{enc: enc, cfg: cfg}, nil
}

// EncodeFrame encodes one fixed-size PCM frame (interleaved int16
// samples) into an Opus packet.
func (a *AudioEncoder) EncodeFrame(pcm []int16) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, 4000)
	n, err := a.enc.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("encoder: opus encode: %w", err)
	}
	return out[:n], nil
}
