package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	MJPEGInterval  time.Duration
	BlankAfter     time.Duration
	KeepAlive      time.Duration
	MaxUploadBytes int64
	BlankWidth     int
	BlankHeight    int
	RecordDir      string // clip directory; recording endpoints are off when empty
}

// DefaultConfig returns the settings used by the serve command.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MJPEGInterval:  66 * time.Millisecond,
		BlankAfter:     5 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxUploadBytes: 8 << 20,
		BlankWidth:     640,
		BlankHeight:    480,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MJPEGInterval <= 0 {
		c.MJPEGInterval = d.MJPEGInterval
	}
	if c.BlankAfter <= 0 {
		c.BlankAfter = d.BlankAfter
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.BlankWidth <= 0 || c.BlankHeight <= 0 {
		c.BlankWidth, c.BlankHeight = d.BlankWidth, d.BlankHeight
	}
	return c
}
