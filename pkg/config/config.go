// Package config loads ldcache settings from a YAML file, a .env file and
// LDCACHE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coolbeans/ldcache/pkg/doccache"
	"github.com/coolbeans/ldcache/pkg/graph"
	"github.com/coolbeans/ldcache/pkg/jsonld"
	"github.com/coolbeans/ldcache/pkg/transport"
	"github.com/coolbeans/ldcache/pkg/urilock"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LDCACHE_"

// Config is the complete ldcache configuration.
type Config struct {
	// LockPollInterval is the sleep between URI lock attempts.
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`

	// MaxTriples is the graph size above which the oldest pages are evicted.
	MaxTriples int `yaml:"max_triples"`

	// MergeQueueDepth bounds queued plus running merges.
	MergeQueueDepth int `yaml:"merge_queue_depth"`

	// MergeWorkers is the number of merge goroutines.
	MergeWorkers int `yaml:"merge_workers"`

	// FetchAttempts is the attempt ceiling for transport failures.
	FetchAttempts int `yaml:"fetch_attempts"`

	// FetchTimeout bounds a single HTTP attempt.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RateLimit is the minimum interval between requests (0 = unlimited).
	RateLimit time.Duration `yaml:"rate_limit"`

	UserAgent string `yaml:"user_agent"`

	Cache CacheConfig `yaml:"cache"`

	// IdentityProperties are the JSON keys that name a node.
	IdentityProperties []string `yaml:"identity_properties"`

	Debug bool `yaml:"debug"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// CacheConfig selects the document cache.
type CacheConfig struct {
	Kind doccache.Kind `yaml:"kind"`
	Dir  string        `yaml:"dir"`
	TTL  time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a Config with the library defaults.
func DefaultConfig() *Config {
	return &Config{
		LockPollInterval: urilock.DefaultPollInterval,
		MaxTriples:       graph.DefaultMaxTriples,
		MergeQueueDepth:  graph.DefaultQueueDepth,
		MergeWorkers:     graph.DefaultWorkers,
		FetchAttempts:    transport.DefaultMaxAttempts,
		FetchTimeout:     transport.DefaultTimeout,
		RetryDelay:       0,
		UserAgent:        transport.DefaultUserAgent,
		Cache: CacheConfig{
			Kind: doccache.KindMemory,
			TTL:  doccache.DefaultTTL,
		},
		IdentityProperties: append([]string(nil), jsonld.DefaultIdentityProperties...),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the given .env files (".env" when none are named; missing
// files are ignored) and the process environment. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overlays LDCACHE_* variables found through lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	durations := map[string]*time.Duration{
		"LOCK_POLL_INTERVAL": &c.LockPollInterval,
		"FETCH_TIMEOUT":      &c.FetchTimeout,
		"RETRY_DELAY":        &c.RetryDelay,
		"RATE_LIMIT":         &c.RateLimit,
		"CACHE_TTL":          &c.Cache.TTL,
	}
	for name, target := range durations {
		if value, ok := lookup(EnvPrefix + name); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*target = parsed
		}
	}

	ints := map[string]*int{
		"MAX_TRIPLES":       &c.MaxTriples,
		"MERGE_QUEUE_DEPTH": &c.MergeQueueDepth,
		"MERGE_WORKERS":     &c.MergeWorkers,
		"FETCH_ATTEMPTS":    &c.FetchAttempts,
	}
	for name, target := range ints {
		if value, ok := lookup(EnvPrefix + name); ok {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*target = parsed
		}
	}

	if value, ok := lookup(EnvPrefix + "DEBUG"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %sDEBUG: %w", EnvPrefix, err)
		}
		c.Debug = parsed
	}
	if value, ok := lookup(EnvPrefix + "USER_AGENT"); ok {
		c.UserAgent = value
	}
	if value, ok := lookup(EnvPrefix + "METRICS_ADDR"); ok {
		c.MetricsAddr = value
	}
	if value, ok := lookup(EnvPrefix + "CACHE_KIND"); ok {
		c.Cache.Kind = doccache.Kind(strings.ToLower(value))
	}
	if value, ok := lookup(EnvPrefix + "CACHE_DIR"); ok {
		c.Cache.Dir = value
	}
	if value, ok := lookup(EnvPrefix + "IDENTITY_PROPERTIES"); ok {
		c.IdentityProperties = splitList(value)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LockPollInterval <= 0 {
		return fmt.Errorf("lock_poll_interval must be positive")
	}
	if c.MaxTriples <= 0 {
		return fmt.Errorf("max_triples must be positive")
	}
	if c.MergeQueueDepth <= 0 {
		return fmt.Errorf("merge_queue_depth must be positive")
	}
	if c.MergeWorkers <= 0 {
		return fmt.Errorf("merge_workers must be positive")
	}
	if c.FetchAttempts <= 0 {
		return fmt.Errorf("fetch_attempts must be positive")
	}
	if c.RetryDelay < 0 || c.RateLimit < 0 {
		return fmt.Errorf("retry_delay and rate_limit must not be negative")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	switch c.Cache.Kind {
	case doccache.KindMemory, doccache.KindNull:
	case doccache.KindDisk:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the disk cache")
		}
	default:
		return fmt.Errorf("unknown cache.kind %q", c.Cache.Kind)
	}
	if len(c.IdentityProperties) == 0 {
		return fmt.Errorf("identity_properties must not be empty")
	}
	return nil
}
