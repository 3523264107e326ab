package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("config")

// Config is the full host configuration, loaded from a YAML file, overridden
// by STREAMHOST_-prefixed environment variables.
type Config struct {
	// HostUUID identifies this host across restarts, advertised in
	// ServerInfo and mDNS. Load leaves it empty when the file has none;
	// the host command then generates one and persists it via SaveTo.
	HostUUID string `mapstructure:"host_uuid"`
	HostName string `mapstructure:"host_name"`

	BindAddr    string `mapstructure:"bind_addr"`
	ControlPort int    `mapstructure:"control_port"`
	VideoPort   int    `mapstructure:"video_port"`
	AudioPort   int    `mapstructure:"audio_port"`
	InputPort   int    `mapstructure:"input_port"`

	VideoBackend string `mapstructure:"video_backend"`

	MaxClients int `mapstructure:"max_clients"`

	KeystorePath      string `mapstructure:"keystore_path"`
	KeyframeIntervalMs int   `mapstructure:"keyframe_interval_ms"`
	MTUPayloadBytes   int    `mapstructure:"mtu_payload_bytes"`

	Stream StreamConfig `mapstructure:"default_stream_config"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	WorkerPoolSize  int `mapstructure:"worker_pool_size"`
	WorkerQueueSize int `mapstructure:"worker_queue_size"`
}

// StreamConfig mirrors the negotiated session parameters from spec.md §3.
type StreamConfig struct {
	Width         int    `mapstructure:"width"`
	Height        int    `mapstructure:"height"`
	FPS           int    `mapstructure:"fps"`
	Codec         string `mapstructure:"codec"` // "h264" or "h265"
	BitrateKbps   int    `mapstructure:"bitrate_kbps"`
	AudioChannels int    `mapstructure:"audio_channels"`
	FECParityPct  int    `mapstructure:"fec_parity_pct"`
}

func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "streamhost"
	}
	return &Config{
		HostName: hostname,

		BindAddr:    "0.0.0.0",
		ControlPort: 47989,
		VideoPort:   47998,
		AudioPort:   47996,
		InputPort:   47999,

		VideoBackend: "software",

		MaxClients: 10,

		KeystorePath:       defaultKeystorePath(),
		KeyframeIntervalMs: 2000,
		MTUPayloadBytes:    1200,

		Stream: StreamConfig{
			Width:         1920,
			Height:        1080,
			FPS:           60,
			Codec:         "h264",
			BitrateKbps:   20000,
			AudioChannels: 2,
			FECParityPct:  25,
		},

		LogLevel:  "info",
		LogFormat: "text",

		WorkerPoolSize:  8,
		WorkerQueueSize: 256,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("streamhost")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STREAMHOST")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("host_uuid", cfg.HostUUID)
	viper.Set("bind_addr", cfg.BindAddr)
	viper.Set("control_port", cfg.ControlPort)
	viper.Set("video_port", cfg.VideoPort)
	viper.Set("audio_port", cfg.AudioPort)
	viper.Set("input_port", cfg.InputPort)
	viper.Set("max_clients", cfg.MaxClients)
	viper.Set("keystore_path", cfg.KeystorePath)
	viper.Set("keyframe_interval_ms", cfg.KeyframeIntervalMs)
	viper.Set("mtu_payload_bytes", cfg.MTUPayloadBytes)
	viper.Set("default_stream_config", cfg.Stream)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "streamhost.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// keystore_path and derived secrets live elsewhere; the config file
	// itself only holds topology, but keep it owner-only regardless.
	return os.Chmod(cfgPath, 0600)
}

func defaultKeystorePath() string {
	return filepath.Join(GetDataDir(), "keystore.log")
}

// GetDataDir returns the platform-specific data directory for the host.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "StreamHost", "data")
	case "darwin":
		return "/Library/Application Support/StreamHost/data"
	default:
		return "/var/lib/streamhost"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "StreamHost")
	case "darwin":
		return "/Library/Application Support/StreamHost"
	default:
		return "/etc/streamhost"
	}
}
