package bridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerTarget is one entry in the SERVERS config list — a controller this
// process can Connect to by index.
type ServerTarget struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ConfigMeta records when and from which YAML file the config was loaded,
// which environment overrides were applied, and warnings about overrides
// that could not be parsed, for debugging; no HTTP endpoint reports it, and
// it does not record which fields came from defaults. This mirrors the
// teacher's ConfigMeta in config.go and MUST NOT affect behavior.
type ConfigMeta struct {
	LoadedAt string            `json:"loaded_at"`
	YAMLPath string            `json:"yaml_path,omitempty"`
	EnvUsed  map[string]string `json:"env_used,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Config holds every recognized option from spec §6, with the defaults
// noted there applied by LoadConfig.
type Config struct {
	Servers []ServerTarget `yaml:"servers"`

	Handshake         string `yaml:"handshake"`
	LineEnding        string `yaml:"line_ending"`
	MinGapMs          int    `yaml:"min_gap_ms"`
	MinPollIntervalMs int    `yaml:"min_poll_interval_ms"`
	PushFreshMs       int    `yaml:"push_fresh_ms"`
	HandshakeRetryMs  int    `yaml:"handshake_retry_ms"`

	WhitelistStrict     bool   `yaml:"whitelist_strict"`
	WhitelistPath       string `yaml:"whitelist_path"`
	DefaultLoadFadeSecs int    `yaml:"default_load_fade_seconds"`

	LoadAwaitersMaxPerKey int `yaml:"load_awaiters_max_per_key"`
	AwaitersMaxPerKey     int `yaml:"awaiters_max_per_key"`

	AutoConnect        bool `yaml:"auto_connect"`
	AutoConnectIndex   int  `yaml:"auto_connect_index"`
	AutoConnectRetryMs int  `yaml:"auto_connect_retry_ms"`

	DebounceMs  int `yaml:"debounce_ms"`
	RecvRingMax int `yaml:"recv_ring_max"`

	HTTPListen string `yaml:"http_listen"`
	AdminPIN   string `yaml:"admin_pin"`

	// Meta is not loaded from YAML; LoadConfig populates it for debugging.
	Meta ConfigMeta `yaml:"-"`
}

// MinGap returns MinGapMs as a time.Duration.
func (c *Config) MinGap() time.Duration { return time.Duration(c.MinGapMs) * time.Millisecond }

// PushFresh returns PushFreshMs as a time.Duration.
func (c *Config) PushFresh() time.Duration { return time.Duration(c.PushFreshMs) * time.Millisecond }

// Debounce returns DebounceMs as a time.Duration.
func (c *Config) Debounce() time.Duration { return time.Duration(c.DebounceMs) * time.Millisecond }

// LoadConfig reads path as YAML, applies spec §6 defaults for any zero
// value, then applies environment overrides. This follows the teacher's
// LoadConfig shape in config.go: unmarshal, default, override, record Meta.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// WhitelistStrict and AutoConnect default to true; pre-set them so an
	// explicit "whitelist_strict: false" or "auto_connect: false" in YAML
	// still overrides, while an absent key leaves the default standing.
	cfg := Config{WhitelistStrict: true, AutoConnect: true}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	cfg.Meta = ConfigMeta{
		LoadedAt: time.Now().UTC().Format(time.RFC3339),
		YAMLPath: path,
		EnvUsed:  map[string]string{},
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills every unset field with the default noted in spec §6.
func applyDefaults(cfg *Config) {
	if cfg.LineEnding == "" {
		cfg.LineEnding = "\r\n"
	}
	if cfg.Handshake == "" {
		cfg.Handshake = "VCL 1 0\r\n"
	}
	if cfg.MinGapMs == 0 {
		cfg.MinGapMs = 120
	}
	if cfg.MinPollIntervalMs == 0 {
		cfg.MinPollIntervalMs = 400
	}
	if cfg.PushFreshMs == 0 {
		cfg.PushFreshMs = 10000
	}
	// HandshakeRetryMs, AutoConnectIndex default to 0 (their zero value IS
	// the spec default), so no assignment needed.
	if cfg.DefaultLoadFadeSecs == 0 {
		cfg.DefaultLoadFadeSecs = 3
	}
	if cfg.LoadAwaitersMaxPerKey == 0 {
		cfg.LoadAwaitersMaxPerKey = 200
	}
	if cfg.AwaitersMaxPerKey == 0 {
		cfg.AwaitersMaxPerKey = 200
	}
	if cfg.AutoConnectRetryMs == 0 {
		cfg.AutoConnectRetryMs = 5000
	}
	if cfg.DebounceMs == 0 {
		cfg.DebounceMs = 250
	}
	if cfg.RecvRingMax == 0 {
		cfg.RecvRingMax = 32768
	}
	if cfg.HTTPListen == "" {
		cfg.HTTPListen = "127.0.0.1:8080"
	}
	if cfg.AdminPIN == "" {
		cfg.AdminPIN = "CHANGE_ME"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BRIDGE_MIN_GAP_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinGapMs = n
			cfg.Meta.EnvUsed["BRIDGE_MIN_GAP_MS"] = v
		} else {
			cfg.Meta.Warnings = append(cfg.Meta.Warnings, fmt.Sprintf("invalid BRIDGE_MIN_GAP_MS %q: %v", v, err))
		}
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_AUTO_CONNECT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoConnect = b
			cfg.Meta.EnvUsed["BRIDGE_AUTO_CONNECT"] = v
		} else {
			cfg.Meta.Warnings = append(cfg.Meta.Warnings, fmt.Sprintf("invalid BRIDGE_AUTO_CONNECT %q: %v", v, err))
		}
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_AUTO_CONNECT_INDEX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoConnectIndex = n
			cfg.Meta.EnvUsed["BRIDGE_AUTO_CONNECT_INDEX"] = v
		} else {
			cfg.Meta.Warnings = append(cfg.Meta.Warnings, fmt.Sprintf("invalid BRIDGE_AUTO_CONNECT_INDEX %q: %v", v, err))
		}
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_WHITELIST_STRICT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WhitelistStrict = b
			cfg.Meta.EnvUsed["BRIDGE_WHITELIST_STRICT"] = v
		} else {
			cfg.Meta.Warnings = append(cfg.Meta.Warnings, fmt.Sprintf("invalid BRIDGE_WHITELIST_STRICT %q: %v", v, err))
		}
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_WHITELIST_PATH")); v != "" {
		cfg.WhitelistPath = v
		cfg.Meta.EnvUsed["BRIDGE_WHITELIST_PATH"] = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.MinGapMs < 0 {
		return fmt.Errorf("%w: min_gap_ms must be >= 0", ErrInvalidInput)
	}
	if cfg.LineEnding != "\r\n" && cfg.LineEnding != "\r" {
		return fmt.Errorf(`%w: line_ending must be "\r\n" or "\r"`, ErrInvalidInput)
	}
	if cfg.AutoConnect && len(cfg.Servers) == 0 {
		return fmt.Errorf("%w: auto_connect is true but servers is empty", ErrInvalidInput)
	}
	if cfg.AutoConnect && (cfg.AutoConnectIndex < 0 || cfg.AutoConnectIndex >= len(cfg.Servers)) {
		return fmt.Errorf("%w: auto_connect_index %d out of range for %d servers", ErrInvalidInput, cfg.AutoConnectIndex, len(cfg.Servers))
	}
	return nil
}
