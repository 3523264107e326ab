package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/duskcast/streamhost/internal/capture"
	"github.com/duskcast/streamhost/internal/config"
	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/pairing"
	"github.com/duskcast/streamhost/internal/server"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "streamhost-host",
	Short: "StreamHost streaming host",
	Long:  `streamhost-host discovers itself on the local link, pairs with thin clients, and streams a windowed emulator's audio/video over a low-latency transport.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the streaming host",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamhost-host v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local host configuration",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List paired clients from the keystore",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listClients()
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <client-id>",
	Short: "Block a paired client so it can no longer re-pair or attach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forgetClient(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/streamhost/streamhost.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(forgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

// ensureHostUUID generates and persists a stable host identifier on
// first run, since discovery and ServerInfo both advertise it across
// restarts per spec.md §3/§6.
func ensureHostUUID(cfg *config.Config) error {
	if cfg.HostUUID != "" {
		return nil
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate host uuid: %w", err)
	}
	cfg.HostUUID = hex.EncodeToString(b)
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		log.Warn("failed to persist generated host uuid", "error", err)
	}
	return nil
}

// agentComponents holds the running host so service wrappers (Windows
// SCM, etc.) can shut it down gracefully.
type agentComponents struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// shutdownAgent gracefully stops the host and waits for Run to return.
func shutdownAgent(comps *agentComponents) {
	if comps == nil {
		return
	}
	comps.cancel()
	<-comps.done
}

// runHost loads configuration, builds the streaming Host, and serves
// until a shutdown signal or (on Windows) an SCM stop request arrives.
func runHost() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)

	if err := ensureHostUUID(cfg); err != nil {
		log.Error("failed to establish host identity", "error", err)
		os.Exit(1)
	}

	log.Info("starting streamhost host",
		"version", version,
		"hostUuid", cfg.HostUUID,
		"bindAddr", cfg.BindAddr,
		"controlPort", cfg.ControlPort,
	)

	start := func() (*agentComponents, error) {
		ctx, cancel := context.WithCancel(context.Background())

		captureSource := capture.NewSynthetic(capture.SyntheticConfig{
			Width:      cfg.Stream.Width,
			Height:     cfg.Stream.Height,
			FPS:        cfg.Stream.FPS,
			SampleRate: 48000,
			Channels:   cfg.Stream.AudioChannels,
		})

		host, err := server.New(cfg, cfg.HostUUID, captureSource, cfg.VideoBackend)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build host: %w", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := host.Run(ctx); err != nil {
				log.Error("host run ended with error", "error", err)
			}
		}()

		return &agentComponents{cancel: cancel, done: done}, nil
	}

	if isWindowsService() {
		if err := runAsService(start); err != nil {
			log.Error("service run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	comps, err := start()
	if err != nil {
		log.Error("failed to start host", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down streamhost host")
	shutdownAgent(comps)
	log.Info("streamhost host stopped")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: no config found")
		return
	}
	fmt.Println("Status: configured")
	fmt.Printf("Host UUID: %s\n", cfg.HostUUID)
	fmt.Printf("Bind: %s (control=%d video=%d audio=%d input=%d)\n",
		cfg.BindAddr, cfg.ControlPort, cfg.VideoPort, cfg.AudioPort, cfg.InputPort)
	fmt.Printf("Max clients: %d\n", cfg.MaxClients)
	fmt.Printf("Default stream: %dx%d@%d %s %dkbps\n",
		cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.FPS, cfg.Stream.Codec, cfg.Stream.BitrateKbps)
}

func listClients() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ks, err := pairing.OpenKeystore(cfg.KeystorePath)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	recs := ks.All()
	if len(recs) == 0 {
		fmt.Println("No paired clients.")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%s\t%s\tlast seen %s\n", r.ClientID, r.Name, r.LastSeen.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func forgetClient(clientID string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ks, err := pairing.OpenKeystore(cfg.KeystorePath)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	rec, ok := ks.Get(clientID)
	if !ok {
		return fmt.Errorf("no such client %q", clientID)
	}
	rec.Blocked = true
	if err := ks.Put(*rec); err != nil {
		return fmt.Errorf("update keystore: %w", err)
	}
	fmt.Printf("Client %s marked blocked; it can no longer re-pair or attach.\n", clientID)
	return nil
}
