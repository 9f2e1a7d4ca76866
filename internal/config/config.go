package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	envConfigPath     = "FLUXFLOW_CONFIG"
	DefaultConfigPath = "fluxflow.yaml"
)

type Config struct {
	Probes    ProbesConfig     `yaml:"probes"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Spool     SpoolConfig      `yaml:"spool"`
	Targets   TargetsConfig    `yaml:"targets"`
	Geo       GeoConfig        `yaml:"geo"`
	Log       LogConfig        `yaml:"log"`
}

// ProbesConfig mirrors the settings panel. Pointers distinguish a missing key,
// which means enabled, from an explicit false.
type ProbesConfig struct {
	Download      *bool `yaml:"download,omitempty"`
	Upload        *bool `yaml:"upload,omitempty"`
	Jitter        *bool `yaml:"jitter,omitempty"`
	Ping          *bool `yaml:"ping,omitempty"`
	DNS           *bool `yaml:"dns,omitempty"`
	Location      *bool `yaml:"location,omitempty"`
	JitterSamples int   `yaml:"jitter_samples,omitempty"`
}

type StoreConfig struct {
	Driver string       `yaml:"driver"`
	DSN    string       `yaml:"dsn,omitempty"`
	Influx InfluxConfig `yaml:"influx,omitempty"`
}

type InfluxConfig struct {
	URL    string `yaml:"url,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Org    string `yaml:"org,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token,omitempty"`
	TLSCert    string `yaml:"tls_cert,omitempty"`
	TLSKey     string `yaml:"tls_key,omitempty"`
	ClientCA   string `yaml:"client_ca,omitempty"`
}

type ScheduleConfig struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Probes   *ProbesConfig `yaml:"probes,omitempty"`
	Paused   bool          `yaml:"paused,omitempty"`
}

type SpoolConfig struct {
	Dir          string  `yaml:"dir"`
	DiskBytesCap string  `yaml:"disk_bytes_cap"`
	ReplayPerSec float64 `yaml:"replay_per_sec,omitempty"`
}

type TargetsConfig struct {
	File      string `yaml:"file,omitempty"`
	Signature string `yaml:"signature,omitempty"`
	PublicKey string `yaml:"public_key,omitempty"`
}

type GeoConfig struct {
	CityDB string `yaml:"city_db,omitempty"`
	ASNDB  string `yaml:"asn_db,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()

	if _, err := ParseSize(cfg.Spool.DiskBytesCap, 0); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	for _, sc := range cfg.Schedules {
		if sc.Interval <= 0 {
			return cfg, fmt.Errorf("validate config %q: schedule %q needs a positive interval", path, sc.Name)
		}
	}

	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	return Load(ctx, PathFromEnv())
}

// PathFromEnv resolves the config path from FLUXFLOW_CONFIG.
func PathFromEnv() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = "fluxflow.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:9320"
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = "spool"
	}
	if c.Spool.DiskBytesCap == "" {
		c.Spool.DiskBytesCap = "64MiB"
	}
	if c.Spool.ReplayPerSec <= 0 {
		c.Spool.ReplayPerSec = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Schedules {
		if c.Schedules[i].Name == "" {
			c.Schedules[i].Name = fmt.Sprintf("schedule-%d", i+1)
		}
	}
}

// Selection resolves the probe settings into a run selection.
func (p ProbesConfig) Selection() types.ProbeSelection {
	sel := types.ProbeSelection{
		Download:      enabled(p.Download),
		Upload:        enabled(p.Upload),
		Jitter:        enabled(p.Jitter),
		Ping:          enabled(p.Ping),
		DNS:           enabled(p.DNS),
		Location:      enabled(p.Location),
		JitterSamples: p.JitterSamples,
	}
	return sel.Normalize()
}

// ProbesFromSelection is the inverse of Selection, used when saving settings.
func ProbesFromSelection(sel types.ProbeSelection) ProbesConfig {
	sel = sel.Normalize()
	return ProbesConfig{
		Download:      boolPtr(sel.Download),
		Upload:        boolPtr(sel.Upload),
		Jitter:        boolPtr(sel.Jitter),
		Ping:          boolPtr(sel.Ping),
		DNS:           boolPtr(sel.DNS),
		Location:      boolPtr(sel.Location),
		JitterSamples: sel.JitterSamples,
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func boolPtr(v bool) *bool {
	return &v
}
