// Package config loads and validates studio configuration from
// environment variables, layered over an optional profile file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Ring capacity bounds enforced by the platform.
const (
	MinRingCapacity = 1_000
	MaxRingCapacity = 50_000
)

// Config holds all studio configuration.
type Config struct {
	// Training Control API settings.
	ControlURL     string
	StudioID       string
	SigningKey     string // Base64 HMAC key shared with the control plane.
	CorpusID       string // Default corpus for run listings.
	RequestTimeout time.Duration

	// Pipeline tuning.
	RingCapacity  int           // Telemetry points kept for display.
	FrameInterval time.Duration // Coalesced flush alignment.
	HistoryLimit  int           // Historical page size on run selection.
	WindowSize    int           // Raw events retained for export.
	ListLimit     int           // Run listing page size.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel  string
	ExportDir string
}

// Load reads configuration from environment variables with sensible
// defaults. A profile from the profiles file supplies connection
// settings that the environment leaves unset; the environment always
// wins. Unparseable values are collected and reported together.
func Load() (Config, error) {
	profile, err := LoadProfile(envStr("RENSHU_PROFILE", ""))
	if err != nil {
		return Config{}, err
	}

	var errs []error
	intVal := func(key string, def int) int {
		n, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	durVal := func(key string, def time.Duration) time.Duration {
		d, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	boolVal := func(key string, def bool) bool {
		b, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	cfg := Config{
		ControlURL:     envStr("RENSHU_CONTROL_URL", orElse(profile.ControlURL, "http://localhost:8080")),
		StudioID:       envStr("RENSHU_STUDIO_ID", profile.StudioID),
		SigningKey:     envStr("RENSHU_SIGNING_KEY", profile.SigningKey),
		CorpusID:       envStr("RENSHU_CORPUS_ID", profile.CorpusID),
		RequestTimeout: durVal("RENSHU_REQUEST_TIMEOUT", 30*time.Second),
		RingCapacity:   intVal("RENSHU_RING_CAPACITY", 10_000),
		FrameInterval:  durVal("RENSHU_FRAME_INTERVAL", 100*time.Millisecond),
		HistoryLimit:   intVal("RENSHU_HISTORY_LIMIT", 1_000),
		WindowSize:     intVal("RENSHU_WINDOW_SIZE", 10_000),
		ListLimit:      intVal("RENSHU_LIST_LIMIT", 50),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "renshu"),
		OTELInsecure:   boolVal("RENSHU_OTEL_INSECURE", true),
		LogLevel:       envStr("RENSHU_LOG_LEVEL", "info"),
		ExportDir:      envStr("RENSHU_EXPORT_DIR", "."),
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the pipeline tuning bounds. Connection credentials are
// validated where the client is constructed, so commands that never
// touch the control plane work without them.
func (c Config) Validate() error {
	if c.RingCapacity < MinRingCapacity || c.RingCapacity > MaxRingCapacity {
		return fmt.Errorf("config: RENSHU_RING_CAPACITY must be between %d and %d", MinRingCapacity, MaxRingCapacity)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("config: RENSHU_FRAME_INTERVAL must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: RENSHU_HISTORY_LIMIT must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("config: RENSHU_WINDOW_SIZE must be positive")
	}
	if c.ListLimit <= 0 {
		return fmt.Errorf("config: RENSHU_LIST_LIMIT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func orElse(v, defaultVal string) string {
	if v != "" {
		return v
	}
	return defaultVal
}
