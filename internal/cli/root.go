// Package cli implements the antispoof command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/backend/local"
	"github.com/dj-oyu/antispoof-monitor/internal/backend/remote"
	"github.com/dj-oyu/antispoof-monitor/internal/config"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
)

// Version is the application version.
const Version = "0.3.0"

var (
	// cfg is resolved once per invocation by the root pre-run hook.
	cfg config.Config

	envFile    string
	backendArg string
	urlArg     string
	bridgeArg  string
	levelArg   string
	logColor   bool
)

var rootCmd = &cobra.Command{
	Use:           "antispoof",
	Short:         "Face liveness (anti-spoofing) inference monitor",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cmd, &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.Init(level, os.Stderr, cfg.LogColor)
		return nil
	},
}

// applyFlags overlays explicitly set flags on the loaded config.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		c.Backend = strings.ToLower(backendArg)
	}
	if flags.Changed("backend-url") {
		c.BackendURL = urlArg
	}
	if flags.Changed("bridge-cmd") {
		c.BridgeCmd = strings.Fields(bridgeArg)
	}
	if flags.Changed("log-level") {
		c.LogLevel = levelArg
	}
	if flags.Changed("log-color") {
		c.LogColor = logColor
	}
}

// newBackend builds the backend variant selected by c.
func newBackend(c config.Config) backend.Backend {
	if c.Backend == config.BackendLocal {
		return local.New(local.Options{
			Loader:    local.BridgeLoader(c.BridgeCmd),
			Threshold: c.Confidence,
			Timeout:   c.Timeout,
			Device:    "bridge",
		})
	}
	return remote.New(remote.Options{
		BaseURL:   c.BackendURL,
		Timeout:   c.Timeout,
		MaxWidth:  c.MaxWidth,
		MaxHeight: c.MaxHeight,
	})
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "config-env", ".env", "dotenv file with ANTISPOOF_* settings (ignored if missing)")
	pf.StringVar(&backendArg, "backend", "", "inference backend: remote or local")
	pf.StringVar(&urlArg, "backend-url", "", "base URL of the remote inference server")
	pf.StringVar(&bridgeArg, "bridge-cmd", "", "command line of the local model bridge")
	pf.StringVar(&levelArg, "log-level", "", "log level (debug, info, warn, error, silent)")
	pf.BoolVar(&logColor, "log-color", true, "colored log output")
}
