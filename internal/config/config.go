package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	Server         Server       `toml:"server"`
	Sync           Sync         `toml:"sync"`
	Connectivity   Connectivity `toml:"connectivity"`
	Log            Log          `toml:"log"`
}

type Server struct {
	BaseURL        string   `toml:"base_url"`
	PushURL        string   `toml:"push_url"`
	Token          string   `toml:"token"`
	SelfID         string   `toml:"self_id"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type Sync struct {
	BatchSize  int      `toml:"batch_size"`
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
	MaxDelay   Duration `toml:"max_delay"`
	Interval   Duration `toml:"interval"`
	Lookback   Duration `toml:"lookback"`
	PageSize   int      `toml:"page_size"`
	MaxPages   int      `toml:"max_pages"`
}

type Connectivity struct {
	// ProbeURL defaults to Server.BaseURL when empty.
	ProbeURL         string   `toml:"probe_url"`
	ProbeInterval    Duration `toml:"probe_interval"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	DegradedLatency  Duration `toml:"degraded_latency"`
	FailureThreshold int      `toml:"failure_threshold"`
}

type Log struct {
	Level string `toml:"level"`
	// Console mirrors the log file to stderr.
	Console bool `toml:"console"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: Duration{15 * time.Second},
		},
		Sync: Sync{
			BatchSize:  10,
			MaxRetries: 5,
			BaseDelay:  Duration{time.Second},
			MaxDelay:   Duration{time.Minute},
			Interval:   Duration{30 * time.Second},
			Lookback:   Duration{7 * 24 * time.Hour},
			PageSize:   100,
			MaxPages:   10,
		},
		Connectivity: Connectivity{
			ProbeInterval:    Duration{30 * time.Second},
			ProbeTimeout:     Duration{3 * time.Second},
			DegradedLatency:  Duration{time.Second},
			FailureThreshold: 2,
		},
		Log: Log{Level: "info", Console: true},
	}
}

// ProbeTarget returns the URL the connectivity prober checks.
func (c *Config) ProbeTarget() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Server.BaseURL
}

// Load reads config from the given path on top of Default. Keys missing
// from the file keep their default value. Returns an error if the file is
// missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
