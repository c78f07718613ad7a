// Package config loads the YAML configuration shared by the pagedb binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/indexing/btree"
	"github.com/pagedb/pagedb/core/storage/page"
	"github.com/pagedb/pagedb/pkg/logger"
	"github.com/pagedb/pagedb/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StoreConfig describes the tree file the front-ends serve. The layout fields
// only matter when the file is created.
type StoreConfig struct {
	Path      string `yaml:"path"`
	PageSize  int    `yaml:"page_size"`
	CacheSize int    `yaml:"cache_size"`
	// KeyWidth is the maximum key length in bytes; shorter keys are padded.
	KeyWidth int `yaml:"key_width"`
	// ValueWidth is the maximum value length in bytes.
	ValueWidth int    `yaml:"value_width"`
	MaxPages   uint64 `yaml:"max_pages"`
	// Concurrency is "latch_coupling" or "external".
	Concurrency         string `yaml:"concurrency"`
	VerifyAfterMutation bool   `yaml:"verify_after_mutation"`
	// BackupBytesPerSec throttles backups; 0 copies at full speed.
	BackupBytesPerSec int64 `yaml:"backup_bytes_per_sec"`
}

// ServerConfig configures the TCP front-end.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RequestsPerSecond limits each connection; 0 disables limiting.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxScan           int           `yaml:"max_scan"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:        "data/pagedb.db",
			PageSize:    btree.DefaultPageSize,
			CacheSize:   btree.DefaultCacheSize,
			KeyWidth:    32,
			ValueWidth:  200,
			Concurrency: btree.LatchCoupling.String(),
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "pagedb",
			MetricsAddr:      ":9464",
			TraceSampleRatio: 1.0,
		},
		Server: ServerConfig{
			Addr:              "localhost:9090",
			RequestsPerSecond: 1000,
			Burst:             100,
			MaxScan:           1000,
			IdleTimeout:       5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. Unknown keys are rejected.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", dberrors.ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{dberrors.ErrInvalidConfiguration}, args...)...))
	}

	s := c.Store
	if s.Path == "" {
		add("store.path is empty")
	}
	if s.PageSize < page.MinPageSize {
		add("store.page_size %d below %d", s.PageSize, page.MinPageSize)
	}
	if s.CacheSize < btree.MinCacheSize {
		add("store.cache_size %d below %d", s.CacheSize, btree.MinCacheSize)
	}
	if s.KeyWidth < 1 {
		add("store.key_width must be positive")
	}
	if s.ValueWidth < 1 {
		add("store.value_width must be positive")
	}
	if _, err := ParseConcurrency(s.Concurrency); err != nil {
		errs = append(errs, err)
	}
	if s.BackupBytesPerSec < 0 {
		add("store.backup_bytes_per_sec is negative")
	}

	if err := c.Logger.Validate(); err != nil {
		add("logger: %v", err)
	}

	v := c.Server
	if v.RequestsPerSecond < 0 {
		add("server.requests_per_second is negative")
	}
	if v.RequestsPerSecond > 0 && v.Burst < 1 {
		add("server.burst must be at least 1 when rate limiting")
	}
	if v.MaxScan < 1 {
		add("server.max_scan must be positive")
	}
	return errors.Join(errs...)
}

// ParseConcurrency maps a config string to a btree.Concurrency. Empty means
// latch coupling.
func ParseConcurrency(s string) (btree.Concurrency, error) {
	switch strings.ToLower(s) {
	case "", btree.LatchCoupling.String():
		return btree.LatchCoupling, nil
	case btree.External.String():
		return btree.External, nil
	default:
		return 0, fmt.Errorf("%w: unknown concurrency mode %q", dberrors.ErrInvalidConfiguration, s)
	}
}

// TreeOptions builds the engine options for the store.
func (s StoreConfig) TreeOptions(log *zap.Logger, meter metric.Meter) (btree.Options, error) {
	mode, err := ParseConcurrency(s.Concurrency)
	if err != nil {
		return btree.Options{}, err
	}
	return btree.Options{
		PageSize:            s.PageSize,
		CacheSize:           s.CacheSize,
		MaxPages:            s.MaxPages,
		Concurrency:         mode,
		VerifyAfterMutation: s.VerifyAfterMutation,
		Logger:              log,
		Meter:               meter,
	}, nil
}
