// Package config loads runtime settings from defaults, an optional .env file
// and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/antispoof-monitor/internal/backend/local"
	"github.com/dj-oyu/antispoof-monitor/internal/backend/remote"
	"github.com/dj-oyu/antispoof-monitor/internal/health"
	"github.com/dj-oyu/antispoof-monitor/internal/sampler"
	"github.com/dj-oyu/antispoof-monitor/internal/smoother"
)

const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

type Config struct {
	Backend    string
	BackendURL string
	BridgeCmd  []string

	FPS           float64
	Window        int
	ProbeInterval time.Duration
	Timeout       time.Duration
	Confidence    float64
	MaxWidth      int
	MaxHeight     int

	HTTPAddr  string
	STUN      string
	MaxPeers  int
	RecordDir string

	LogLevel string
	LogColor bool
}

func DefaultConfig() Config {
	ro := remote.DefaultOptions()
	return Config{
		Backend:       BackendRemote,
		BackendURL:    ro.BaseURL,
		FPS:           sampler.DefaultRate,
		Window:        smoother.DefaultWindow,
		ProbeInterval: health.DefaultProbeInterval,
		Timeout:       ro.Timeout,
		Confidence:    local.DefaultThreshold,
		MaxWidth:      ro.MaxWidth,
		MaxHeight:     ro.MaxHeight,
		HTTPAddr:      ":8080",
		STUN:          "stun:stun.l.google.com:19302",
		MaxPeers:      4,
		RecordDir:     "./recordings",
		LogLevel:      "INFO",
		LogColor:      true,
	}
}

// Load reads envFile (ignored when empty or missing) into the environment and
// overlays ANTISPOOF_* variables on the defaults. Variables already set in the
// environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Backend = strings.ToLower(getEnv("ANTISPOOF_BACKEND", c.Backend))
	c.BackendURL = getEnv("ANTISPOOF_BACKEND_URL", c.BackendURL)
	if v := getEnv("ANTISPOOF_BRIDGE_CMD", ""); v != "" {
		c.BridgeCmd = strings.Fields(v)
	}
	c.HTTPAddr = getEnv("ANTISPOOF_HTTP_ADDR", c.HTTPAddr)
	c.STUN = getEnv("ANTISPOOF_STUN", c.STUN)
	c.RecordDir = getEnv("ANTISPOOF_RECORD_DIR", c.RecordDir)
	c.LogLevel = getEnv("ANTISPOOF_LOG_LEVEL", c.LogLevel)

	var err error
	if c.FPS, err = getEnvFloat("ANTISPOOF_FPS", c.FPS); err != nil {
		return err
	}
	if c.Confidence, err = getEnvFloat("ANTISPOOF_CONFIDENCE", c.Confidence); err != nil {
		return err
	}
	if c.Window, err = getEnvInt("ANTISPOOF_WINDOW", c.Window); err != nil {
		return err
	}
	if c.MaxWidth, err = getEnvInt("ANTISPOOF_MAX_WIDTH", c.MaxWidth); err != nil {
		return err
	}
	if c.MaxHeight, err = getEnvInt("ANTISPOOF_MAX_HEIGHT", c.MaxHeight); err != nil {
		return err
	}
	if c.MaxPeers, err = getEnvInt("ANTISPOOF_MAX_PEERS", c.MaxPeers); err != nil {
		return err
	}
	if c.ProbeInterval, err = getEnvDuration("ANTISPOOF_PROBE_INTERVAL", c.ProbeInterval); err != nil {
		return err
	}
	if c.Timeout, err = getEnvDuration("ANTISPOOF_TIMEOUT", c.Timeout); err != nil {
		return err
	}
	if c.LogColor, err = getEnvBool("ANTISPOOF_LOG_COLOR", c.LogColor); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendRemote:
		if c.BackendURL == "" {
			return fmt.Errorf("backend url is required for the remote backend")
		}
	case BackendLocal:
		if len(c.BridgeCmd) == 0 {
			return fmt.Errorf("bridge command is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendRemote, BackendLocal)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", c.FPS)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %d", c.Window)
	}
	if c.ProbeInterval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}
	if c.Confidence < 0 || c.Confidence >= 1 {
		return fmt.Errorf("confidence threshold must be in [0,1), got %v", c.Confidence)
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		return fmt.Errorf("max frame size must be positive, got %dx%d", c.MaxWidth, c.MaxHeight)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("10").
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
