// Package config loads the relay list and pool tunables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// DefaultPath is read when RELAYS_CONFIG is unset.
const DefaultPath = "config/relays.json"

// ErrNoRelays is returned by Validate for a config without usable relays.
var ErrNoRelays = errors.New("no relays configured")

// Duration is a time.Duration written as a Go duration string ("5s", "2m")
// in both JSON and YAML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RelayConfig is one relay entry. Read and Write default to true when the
// entry omits both.
type RelayConfig struct {
	URL   string `json:"url" yaml:"url"`
	Read  *bool  `json:"read,omitempty" yaml:"read,omitempty"`
	Write *bool  `json:"write,omitempty" yaml:"write,omitempty"`
}

// Info returns the entry's capability flags.
func (r RelayConfig) Info() types.RelayInfo {
	if r.Read == nil && r.Write == nil {
		return types.RelayRW
	}
	return types.RelayInfo{Read: r.Read != nil && *r.Read, Write: r.Write != nil && *r.Write}
}

// PoolConfig holds the pool tunables. Zero values fall back to the pool
// defaults.
type PoolConfig struct {
	ReconnectInterval Duration `json:"reconnectInterval" yaml:"reconnectInterval"`
	BackoffInitial    Duration `json:"backoffInitial" yaml:"backoffInitial"`
	BackoffMax        Duration `json:"backoffMax" yaml:"backoffMax"`
	HandshakeTimeout  Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	SendPolicy        string   `json:"sendPolicy" yaml:"sendPolicy"`
	MaxQueuedRequests int      `json:"maxQueuedRequests" yaml:"maxQueuedRequests"`
	DialRate          float64  `json:"dialRate" yaml:"dialRate"`
	DialBurst         int      `json:"dialBurst" yaml:"dialBurst"`
	VerifyEvents      bool     `json:"verifyEvents" yaml:"verifyEvents"`
}

// Config is the relays file.
type Config struct {
	Relays []RelayConfig `json:"relays" yaml:"relays"`
	Pool   PoolConfig    `json:"pool" yaml:"pool"`
	// Source is the file the config was read from, empty for defaults.
	Source string `json:"-" yaml:"-"`
}

var defaultRelayURLs = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://relay.primal.net",
	"wss://nos.lol",
	"wss://nostr.mom",
}

// Default returns the built-in relay list with default tunables.
func Default() *Config {
	cfg := &Config{}
	for _, u := range defaultRelayURLs {
		cfg.Relays = append(cfg.Relays, RelayConfig{URL: u})
	}
	return cfg
}

// Parse decodes data as YAML when path ends in .yaml or .yml, JSON otherwise.
func Parse(path string, data []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	cfg.Source = path
	return &cfg, nil
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate normalizes relay URLs in place, dropping duplicates, and checks
// the send policy.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Relays))
	relays := c.Relays[:0]
	for _, r := range c.Relays {
		u, err := nostr.NormalizeRelayURL(r.URL)
		if err != nil {
			return err
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		r.URL = u
		relays = append(relays, r)
	}
	c.Relays = relays
	if len(c.Relays) == 0 {
		return ErrNoRelays
	}
	if _, err := pool.ParseSendPolicy(c.Pool.SendPolicy); err != nil {
		return err
	}
	return nil
}

// FromEnv loads the file named by RELAYS_CONFIG (default config/relays.json).
// A missing or invalid file falls back to Default with a log line. SEND_POLICY
// overrides the file's send policy.
func FromEnv() *Config {
	configPath := os.Getenv("RELAYS_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}

	cfg, err := Load(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", configPath)
		cfg = Default()
	case err != nil:
		slog.Error("invalid relays config, using defaults", "path", configPath, "error", err)
		cfg = Default()
	default:
		slog.Info("loaded relays configuration",
			"path", configPath,
			"relays", len(cfg.Relays),
			"send_policy", cfg.Pool.SendPolicy)
	}

	if policy := os.Getenv("SEND_POLICY"); policy != "" {
		if _, err := pool.ParseSendPolicy(policy); err != nil {
			slog.Warn("ignoring SEND_POLICY", "value", policy, "error", err)
		} else {
			cfg.Pool.SendPolicy = policy
		}
	}
	return cfg
}

var (
	current     *Config
	currentMu   sync.RWMutex
	currentOnce sync.Once
)

// Get returns the process-wide config, loading it from the environment on
// first use (thread-safe).
func Get() *Config {
	currentOnce.Do(func() {
		currentMu.Lock()
		defer currentMu.Unlock()
		if current == nil {
			current = FromEnv()
		}
	})

	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

// Reload re-reads the config from the environment.
func Reload() *Config {
	cfg := FromEnv()
	currentMu.Lock()
	current = cfg
	currentMu.Unlock()
	slog.Info("relays configuration reloaded", "relays", len(cfg.Relays))
	return cfg
}

// PoolOptions maps the tunables onto pool options.
func (c *Config) PoolOptions() (pool.Options, error) {
	policy, err := pool.ParseSendPolicy(c.Pool.SendPolicy)
	if err != nil {
		return pool.Options{}, err
	}
	return pool.Options{
		SendPolicy:        policy,
		MaxQueuedRequests: c.Pool.MaxQueuedRequests,
		ReconnectInterval: time.Duration(c.Pool.ReconnectInterval),
		BackoffInitial:    time.Duration(c.Pool.BackoffInitial),
		BackoffMax:        time.Duration(c.Pool.BackoffMax),
		DialRate:          rate.Limit(c.Pool.DialRate),
		DialBurst:         c.Pool.DialBurst,
		Connection: relay.Options{
			HandshakeTimeout: time.Duration(c.Pool.HandshakeTimeout),
			VerifyEvents:     c.Pool.VerifyEvents,
		},
	}, nil
}

// AddRelays registers every configured relay with p.
func (c *Config) AddRelays(p *pool.Pool) error {
	var errs []error
	for _, r := range c.Relays {
		if err := p.AddRelay(r.URL, r.Info()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
