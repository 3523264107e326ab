package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validCodecs = map[string]bool{
	"h264": true,
	"h265": true,
}

// ValidationResult splits validation errors into ones that block startup
// and ones that are logged and clamped to a safe value.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config for invalid values, clamping
// dangerous zero-values to safe defaults and collecting the rest as
// fatal or warning-level errors.
func (c *Config) ValidateTiered() *ValidationResult {
	result := &ValidationResult{}

	for _, port := range []struct {
		name string
		val  int
	}{
		{"control_port", c.ControlPort},
		{"video_port", c.VideoPort},
		{"audio_port", c.AudioPort},
		{"input_port", c.InputPort},
	} {
		if port.val < 1 || port.val > 65535 {
			result.Fatals = append(result.Fatals, fmt.Errorf("%s %d is not a valid port", port.name, port.val))
		}
	}

	if c.MaxClients < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_clients %d is below minimum 1, clamping", c.MaxClients))
		c.MaxClients = 1
	} else if c.MaxClients > 64 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_clients %d exceeds maximum 64, clamping", c.MaxClients))
		c.MaxClients = 64
	}

	if c.KeyframeIntervalMs < 500 {
		result.Warnings = append(result.Warnings, fmt.Errorf("keyframe_interval_ms %d is below minimum 500, clamping", c.KeyframeIntervalMs))
		c.KeyframeIntervalMs = 500
	} else if c.KeyframeIntervalMs > 10000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("keyframe_interval_ms %d exceeds maximum 10000, clamping", c.KeyframeIntervalMs))
		c.KeyframeIntervalMs = 10000
	}

	if c.MTUPayloadBytes < 576 {
		result.Warnings = append(result.Warnings, fmt.Errorf("mtu_payload_bytes %d is below floor 576, clamping", c.MTUPayloadBytes))
		c.MTUPayloadBytes = 576
	} else if c.MTUPayloadBytes > 1472 {
		result.Warnings = append(result.Warnings, fmt.Errorf("mtu_payload_bytes %d exceeds typical ethernet ceiling 1472, clamping", c.MTUPayloadBytes))
		c.MTUPayloadBytes = 1472
	}

	if c.Stream.Codec != "" && !validCodecs[strings.ToLower(c.Stream.Codec)] {
		result.Fatals = append(result.Fatals, fmt.Errorf("default_stream_config.codec %q is not supported (use h264 or h265)", c.Stream.Codec))
	}

	if c.Stream.FPS < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("default_stream_config.fps %d is below minimum 1, clamping", c.Stream.FPS))
		c.Stream.FPS = 30
	} else if c.Stream.FPS > 120 {
		result.Warnings = append(result.Warnings, fmt.Errorf("default_stream_config.fps %d exceeds maximum 120, clamping", c.Stream.FPS))
		c.Stream.FPS = 120
	}

	if c.Stream.BitrateKbps < 500 {
		result.Warnings = append(result.Warnings, fmt.Errorf("default_stream_config.bitrate_kbps %d is below minimum 500, clamping", c.Stream.BitrateKbps))
		c.Stream.BitrateKbps = 500
	}

	if c.Stream.FECParityPct < 0 || c.Stream.FECParityPct > 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("default_stream_config.fec_parity_pct %d out of range, clamping", c.Stream.FECParityPct))
		c.Stream.FECParityPct = 25
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.WorkerPoolSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("worker_pool_size %d is below minimum 1, clamping", c.WorkerPoolSize))
		c.WorkerPoolSize = 1
	}

	if c.WorkerQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("worker_queue_size %d is below minimum 1, clamping", c.WorkerQueueSize))
		c.WorkerQueueSize = 1
	}

	return result
}
