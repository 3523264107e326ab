//go:build darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	darwinBinaryPath = "/usr/local/bin/streamhost-host"
	darwinPlistDst   = "/Library/LaunchDaemons/com.duskcast.streamhost.plist"
	darwinLogDir     = "/Library/Logs/StreamHost"
	darwinConfigDir  = "/Library/Application Support/StreamHost"
	darwinLabel      = "com.duskcast.streamhost"
)

// Embedded launchd plist.
const darwinPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.duskcast.streamhost</string>

    <key>ProgramArguments</key>
    <array>
        <string>/usr/local/bin/streamhost-host</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>

    <key>ThrottleInterval</key>
    <integer>5</integer>

    <key>WorkingDirectory</key>
    <string>/Library/Application Support/StreamHost</string>

    <key>StandardOutPath</key>
    <string>/Library/Logs/StreamHost/host.log</string>

    <key>StandardErrorPath</key>
    <string>/Library/Logs/StreamHost/host.err</string>

    <key>SoftResourceLimits</key>
    <dict>
        <key>NumberOfFiles</key>
        <integer>8192</integer>
    </dict>
</dict>
</plist>
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the streaming host system service (launchd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the streaming host as a launchd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo streamhost-host service install)")
		}

		for _, dir := range []string{darwinConfigDir, darwinLogDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(darwinConfigDir, 0700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", darwinConfigDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		if exePath != darwinBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(darwinBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", darwinBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", darwinBinaryPath)
		}

		if err := os.WriteFile(darwinPlistDst, []byte(darwinPlist), 0644); err != nil {
			return fmt.Errorf("failed to write plist: %w", err)
		}
		fmt.Printf("LaunchDaemon plist installed to %s\n", darwinPlistDst)

		fmt.Println()
		fmt.Println("StreamHost service installed.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  1. Start:   sudo streamhost-host service start\n")
		fmt.Printf("  2. Status:  sudo streamhost-host service status\n")
		fmt.Printf("  3. Logs:    tail -f %s/host.log\n", darwinLogDir)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the streaming host launchd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo streamhost-host service uninstall)")
		}

		if isLaunchdLoaded(darwinLabel) {
			out, err := exec.Command("launchctl", "bootout", "system/"+darwinLabel).CombinedOutput()
			if err != nil {
				out2, err2 := exec.Command("launchctl", "unload", darwinPlistDst).CombinedOutput()
				if err2 != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to stop service: %s / %s\n",
						strings.TrimSpace(string(out)), strings.TrimSpace(string(out2)))
				}
			}
			fmt.Println("Service stopped.")
		}

		os.Remove(darwinPlistDst)
		os.Remove(darwinBinaryPath)

		fmt.Println("StreamHost service uninstalled.")
		fmt.Printf("Config at %s was preserved.\n", darwinConfigDir)
		fmt.Printf("To remove config: sudo rm -rf '%s'\n", darwinConfigDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the streaming host service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo streamhost-host service start)")
		}

		if !fileExists(darwinPlistDst) {
			return fmt.Errorf("service not installed — run 'sudo streamhost-host service install' first")
		}

		if isLaunchdLoaded(darwinLabel) {
			out, err := exec.Command("launchctl", "kickstart", "system/"+darwinLabel).CombinedOutput()
			if err != nil {
				return fmt.Errorf("failed to start service: %s", strings.TrimSpace(string(out)))
			}
		} else {
			out, err := exec.Command("launchctl", "bootstrap", "system", darwinPlistDst).CombinedOutput()
			if err != nil {
				out2, err2 := exec.Command("launchctl", "load", darwinPlistDst).CombinedOutput()
				if err2 != nil {
					return fmt.Errorf("failed to load service: %s / %s",
						strings.TrimSpace(string(out)), strings.TrimSpace(string(out2)))
				}
			}
		}

		fmt.Println("StreamHost service started.")
		fmt.Printf("Logs: tail -f %s/host.log\n", darwinLogDir)
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the streaming host service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo streamhost-host service stop)")
		}

		if !isLaunchdLoaded(darwinLabel) {
			fmt.Println("Service is not running.")
			return nil
		}

		out, err := exec.Command("launchctl", "bootout", "system/"+darwinLabel).CombinedOutput()
		if err != nil {
			out2, err2 := exec.Command("launchctl", "unload", darwinPlistDst).CombinedOutput()
			if err2 != nil {
				return fmt.Errorf("failed to stop service: %s / %s",
					strings.TrimSpace(string(out)), strings.TrimSpace(string(out2)))
			}
		}

		fmt.Println("StreamHost service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show streaming host service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !fileExists(darwinPlistDst) {
			fmt.Println("Service: not installed")
			return nil
		}

		if !isLaunchdLoaded(darwinLabel) {
			fmt.Println("Service: installed but not loaded")
			return nil
		}

		out, err := exec.Command("launchctl", "print", "system/"+darwinLabel).CombinedOutput()
		if err != nil {
			fmt.Println("Service: running")
			return nil
		}

		lines := strings.Split(string(out), "\n")
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "pid = ") || strings.HasPrefix(trimmed, "state = ") {
				fmt.Println(trimmed)
			}
		}

		fmt.Printf("Logs: %s/host.log\n", darwinLogDir)
		return nil
	},
}

// isLaunchdLoaded checks if the given label is loaded in launchd.
func isLaunchdLoaded(label string) bool {
	err := exec.Command("launchctl", "print", "system/"+label).Run()
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
