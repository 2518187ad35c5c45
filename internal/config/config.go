package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Backend   string          `yaml:"backend"` // "tinygo" or "hci"
	Scan      ScanConfig      `yaml:"scan"`
	Connect   ConnectConfig   `yaml:"connect"`
	Radio     RadioConfig     `yaml:"radio"`
	GATT      GATTConfig      `yaml:"gatt"`
	Write     WriteConfig     `yaml:"write"`
	Print     PrintConfig     `yaml:"print"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	StorePath string          `yaml:"store_path"`
	LogLevel  string          `yaml:"log_level"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	NamePrefixes []string      `yaml:"name_prefixes"`
}

// ConnectConfig holds link setup timeouts.
type ConnectConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// RadioConfig holds host radio settings.
type RadioConfig struct {
	Timeout time.Duration `yaml:"timeout"` // wait for the radio to power on
}

// GATTConfig names the printer service and characteristics. Some firmware
// batches swap the write and notify roles.
type GATTConfig struct {
	Service              string `yaml:"service"`
	WriteCharacteristic  string `yaml:"write_characteristic"`
	NotifyCharacteristic string `yaml:"notify_characteristic"`
}

// WriteConfig holds write settings.
type WriteConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PrintConfig holds print job settings.
type PrintConfig struct {
	FeedLines     uint16        `yaml:"feed_lines"`
	ProgressSteps int           `yaml:"progress_steps"`
	StatusTimeout time.Duration `yaml:"status_timeout"`
	Speed         byte          `yaml:"speed"` // 0 leaves the printer default
}

// ReconnectConfig holds the automatic reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mxprint")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Backend: "tinygo",
		Scan: ScanConfig{
			Timeout:      10 * time.Second,
			NamePrefixes: []string{"MX", "GB", "Cat"},
		},
		Connect: ConnectConfig{
			Timeout:          10 * time.Second,
			DiscoveryTimeout: 5 * time.Second,
		},
		Radio: RadioConfig{
			Timeout: 5 * time.Second,
		},
		GATT: GATTConfig{
			Service:              "ae30",
			WriteCharacteristic:  "ae01",
			NotifyCharacteristic: "ae02",
		},
		Write: WriteConfig{
			Timeout: 2 * time.Second,
		},
		Print: PrintConfig{
			FeedLines:     80,
			ProgressSteps: 50,
			StatusTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			Delay:       2 * time.Second,
		},
		StorePath: filepath.Join(home, ".local", "state", "mxprint", "state.yaml"),
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StorePath = expandTilde(cfg.StorePath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "tinygo", "hci":
	default:
		return fmt.Errorf("backend must be \"tinygo\" or \"hci\", got %q", c.Backend)
	}

	timeouts := []struct {
		key string
		d   time.Duration
	}{
		{"scan.timeout", c.Scan.Timeout},
		{"connect.timeout", c.Connect.Timeout},
		{"connect.discovery_timeout", c.Connect.DiscoveryTimeout},
		{"radio.timeout", c.Radio.Timeout},
		{"write.timeout", c.Write.Timeout},
		{"print.status_timeout", c.Print.StatusTimeout},
		{"reconnect.delay", c.Reconnect.Delay},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be > 0", t.key)
		}
	}

	if len(c.Scan.NamePrefixes) == 0 {
		return fmt.Errorf("scan.name_prefixes must not be empty")
	}
	for _, p := range c.Scan.NamePrefixes {
		if p == "" {
			return fmt.Errorf("scan.name_prefixes must not contain an empty prefix")
		}
	}

	if c.GATT.Service == "" || c.GATT.WriteCharacteristic == "" || c.GATT.NotifyCharacteristic == "" {
		return fmt.Errorf("gatt.service, gatt.write_characteristic and gatt.notify_characteristic must be set")
	}

	if c.Print.FeedLines == 0 {
		return fmt.Errorf("print.feed_lines must be > 0")
	}
	if c.Print.ProgressSteps <= 0 {
		return fmt.Errorf("print.progress_steps must be > 0")
	}

	if c.Reconnect.MaxAttempts < 1 || c.Reconnect.MaxAttempts > 10 {
		return fmt.Errorf("reconnect.max_attempts must be between 1 and 10, got %d", c.Reconnect.MaxAttempts)
	}

	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultConfigYAML = `# mxprint configuration
# Cat/MX thermal printer settings. Durations use Go syntax (500ms, 10s).

# Bluetooth host backend: "tinygo" (system stack) or "hci" (raw HCI, Linux only)
backend: tinygo

scan:
  timeout: 10s
  # Printers are matched by advertised name prefix.
  name_prefixes: ["MX", "GB", "Cat"]

connect:
  timeout: 10s
  discovery_timeout: 5s

radio:
  timeout: 5s

# Swap the characteristics if your printer batch uses reversed roles.
gatt:
  service: ae30
  write_characteristic: ae01
  notify_characteristic: ae02

write:
  timeout: 2s

print:
  feed_lines: 80
  progress_steps: 50
  status_timeout: 5s
  speed: 0

reconnect:
  max_attempts: 3
  delay: 2s

store_path: ~/.local/state/mxprint/state.yaml

log_level: info
`

// WriteDefault writes the default config file if none exists yet. It
// returns the path written, or "" when a config was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
