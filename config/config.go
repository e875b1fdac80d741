package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"minidns/forge"
)

// Config holds server configuration
type Config struct {
	Listen  string `yaml:"listen"`   // DNS listen address (default ":53")
	WebAddr string `yaml:"web_addr"` // Dashboard address, empty disables it

	Zones      ZonesConfig      `yaml:"zones"`
	Modes      ModesConfig      `yaml:"modes"`
	Markers    MarkersConfig    `yaml:"markers"`
	Forge      ForgeConfig      `yaml:"forge"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	Log        LogConfig        `yaml:"log"`

	// Emit the historic question trailer (type field only for A/AAAA).
	LegacyQuestionEncoding bool `yaml:"legacy_question_encoding"`

	// Seed for case permutation and forge draws; 0 uses the runtime source.
	Seed uint64 `yaml:"seed"`
}

// ZonesConfig points at the real and fake zone files.
type ZonesConfig struct {
	Real []string `yaml:"real"`
	Fake []string `yaml:"fake"`
}

// ModesConfig holds the behaviour switches of the responder.
type ModesConfig struct {
	Adversary       bool `yaml:"adversary"`         // answer from the fake zones
	CaseCheck       bool `yaml:"case_check"`        // 0x20 permutation for check_ names
	ForceNoResponse bool `yaml:"force_no_response"` // drop names containing the suppress marker
	Debug           bool `yaml:"debug"`
}

// MarkersConfig holds the name substrings that trigger policies.
type MarkersConfig struct {
	Check    string `yaml:"check"`
	Recheck  string `yaml:"recheck"`
	Suppress string `yaml:"suppress"`
}

// ForgeConfig controls the adversarial fan-out.
type ForgeConfig struct {
	Mode   string  `yaml:"mode"`   // off, txid or port
	Count  int     `yaml:"count"`  // datagrams per query
	Target string  `yaml:"target"` // ip:port override, empty echoes the sender
	Marker string  `yaml:"marker"` // forge only names containing this, empty forges all
	Rate   float64 `yaml:"rate"`   // datagrams per second, 0 is unpaced
}

// RequestLogConfig controls the JSON request log.
type RequestLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LogConfig controls the process log.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // JSON log file, empty logs to the console only
	Color bool   `yaml:"color"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Listen:  ":53",
		WebAddr: ":8080",
		Zones: ZonesConfig{
			Real: []string{"zones/real.zone"},
			Fake: []string{"zones/fake.zone"},
		},
		Markers: MarkersConfig{
			Check:    "check_",
			Recheck:  "re_check_",
			Suppress: "tor_dont_response",
		},
		Forge: ForgeConfig{
			Mode:  "off",
			Count: 100,
		},
		RequestLog: RequestLogConfig{
			Enabled: true,
			Dir:     "JSON",
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("check config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and cross-field constraints.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("empty listen address")
	}
	if len(c.Zones.Real) == 0 {
		return errors.New("no real zone files")
	}
	if c.Modes.Adversary && len(c.Zones.Fake) == 0 {
		return errors.New("adversary mode needs fake zone files")
	}
	if c.Markers.Check == "" {
		return errors.New("empty check marker")
	}
	if c.Modes.ForceNoResponse && c.Markers.Suppress == "" {
		return errors.New("force_no_response needs a suppress marker")
	}

	variant, err := c.ForgeVariant()
	if err != nil {
		return err
	}
	if variant != forge.Off && (c.Forge.Count < 1 || c.Forge.Count > 0xFFFF) {
		return fmt.Errorf("forge count %d out of range [1, 65535]", c.Forge.Count)
	}
	if _, err := c.ForgeTarget(); err != nil {
		return err
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.RequestLog.Enabled && c.RequestLog.Dir == "" {
		return errors.New("empty request log directory")
	}
	return nil
}

// ForgeVariant parses Forge.Mode.
func (c *Config) ForgeVariant() (forge.Variant, error) {
	return forge.ParseVariant(strings.ToLower(strings.TrimSpace(c.Forge.Mode)))
}

// ForgeTarget parses Forge.Target. The zero value means "reply to sender".
func (c *Config) ForgeTarget() (netip.AddrPort, error) {
	if c.Forge.Target == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := netip.ParseAddrPort(c.Forge.Target)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("forge target: %w", err)
	}
	return ap, nil
}

// LogLevel parses Log.Level; debug mode forces debug.
func (c *Config) LogLevel() (slog.Level, error) {
	if c.Modes.Debug {
		return slog.LevelDebug, nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
}
