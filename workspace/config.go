package workspace

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bounds the engine's resource use. Zero values fall back to the
// documented defaults.
type Config struct {
	// MaxClientStates caps concurrent per-client states per workspace.
	MaxClientStates int `yaml:"max_client_states"`
	// MaxTotalVDOMBytes caps resident virtual-document bytes across all
	// sessions.
	MaxTotalVDOMBytes int `yaml:"max_total_vdom_bytes"`
	// ClientTimeout evicts clients whose heartbeat is older than this.
	ClientTimeout time.Duration `yaml:"client_timeout"`
	// ParseTimeout bounds one parse or evaluate call.
	ParseTimeout time.Duration `yaml:"parse_timeout"`
	// MaxComponentDepth bounds component instantiation depth.
	MaxComponentDepth int `yaml:"max_component_depth"`
	// MaxVDOMNodes bounds one evaluation's output tree.
	MaxVDOMNodes int `yaml:"max_vdom_nodes"`
	// MaxContentSize caps one StreamBuffer payload.
	MaxContentSize int `yaml:"max_content_size"`
	// RateLimitPerMinute caps requests per process.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// PatchChunkSize splits large patch batches into frames.
	PatchChunkSize int `yaml:"patch_chunk_size"`
	// ClientQueueDepth bounds each client's pending update queue.
	ClientQueueDepth int `yaml:"client_queue_depth"`
	// SweepInterval is the idle-scan cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SessionGrace drops sessions with zero subscribers after this long.
	SessionGrace time.Duration `yaml:"session_grace"`
}

// DefaultConfig returns the documented limits.
func DefaultConfig() Config {
	return Config{
		MaxClientStates:    100,
		MaxTotalVDOMBytes:  500 * 1024 * 1024,
		ClientTimeout:      5 * time.Minute,
		ParseTimeout:       5 * time.Second,
		MaxComponentDepth:  50,
		MaxVDOMNodes:       10000,
		MaxContentSize:     10 * 1024 * 1024,
		RateLimitPerMinute: 100,
		PatchChunkSize:     10,
		ClientQueueDepth:   32,
		SweepInterval:      60 * time.Second,
		SessionGrace:       2 * time.Minute,
	}
}

// normalized fills zero fields with defaults.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxClientStates <= 0 {
		c.MaxClientStates = def.MaxClientStates
	}
	if c.MaxTotalVDOMBytes <= 0 {
		c.MaxTotalVDOMBytes = def.MaxTotalVDOMBytes
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = def.ClientTimeout
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = def.ParseTimeout
	}
	if c.MaxComponentDepth <= 0 {
		c.MaxComponentDepth = def.MaxComponentDepth
	}
	if c.MaxVDOMNodes <= 0 {
		c.MaxVDOMNodes = def.MaxVDOMNodes
	}
	if c.MaxContentSize <= 0 {
		c.MaxContentSize = def.MaxContentSize
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = def.RateLimitPerMinute
	}
	if c.PatchChunkSize <= 0 {
		c.PatchChunkSize = def.PatchChunkSize
	}
	if c.ClientQueueDepth <= 0 {
		c.ClientQueueDepth = def.ClientQueueDepth
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = def.SessionGrace
	}
	return c
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg.normalized(), nil
}

// ApplyEnv overrides config fields from the documented environment
// variables.
func (c Config) ApplyEnv() Config {
	intVar := func(name string, target *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				*target = v
			} else {
				Warn("ignoring %s=%q", name, raw)
			}
		}
	}
	secsVar := func(name string, target *time.Duration) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				*target = time.Duration(v) * time.Second
			} else {
				Warn("ignoring %s=%q", name, raw)
			}
		}
	}
	intVar("MAX_CLIENT_STATES", &c.MaxClientStates)
	intVar("MAX_TOTAL_VDOM_BYTES", &c.MaxTotalVDOMBytes)
	secsVar("CLIENT_TIMEOUT_SECS", &c.ClientTimeout)
	secsVar("PARSE_TIMEOUT_SECS", &c.ParseTimeout)
	intVar("MAX_COMPONENT_DEPTH", &c.MaxComponentDepth)
	intVar("MAX_VDOM_NODES", &c.MaxVDOMNodes)
	intVar("MAX_CONTENT_SIZE", &c.MaxContentSize)
	intVar("RATE_LIMIT_PER_PROCESS", &c.RateLimitPerMinute)
	return c.normalized()
}
