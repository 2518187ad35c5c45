package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend != "tinygo" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "tinygo")
	}
	if cfg.Scan.Timeout != 10*time.Second {
		t.Errorf("Scan.Timeout = %v, want 10s", cfg.Scan.Timeout)
	}
	if len(cfg.Scan.NamePrefixes) != 3 {
		t.Errorf("Scan.NamePrefixes length = %d, want 3", len(cfg.Scan.NamePrefixes))
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Reconnect.Delay != 2*time.Second {
		t.Errorf("Reconnect.Delay = %v, want 2s", cfg.Reconnect.Delay)
	}
	if cfg.GATT.Service != "ae30" {
		t.Errorf("GATT.Service = %q, want %q", cfg.GATT.Service, "ae30")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
backend: hci
scan:
  timeout: 3s
  name_prefixes: ["MX"]
connect:
  timeout: 4s
gatt:
  write_characteristic: ae02
  notify_characteristic: ae01
print:
  feed_lines: 120
  speed: 25
reconnect:
  max_attempts: 5
  delay: 500ms
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend != "hci" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "hci")
	}
	if cfg.Scan.Timeout != 3*time.Second {
		t.Errorf("Scan.Timeout = %v, want 3s", cfg.Scan.Timeout)
	}
	if len(cfg.Scan.NamePrefixes) != 1 || cfg.Scan.NamePrefixes[0] != "MX" {
		t.Errorf("Scan.NamePrefixes = %v, want [MX]", cfg.Scan.NamePrefixes)
	}
	if cfg.Connect.Timeout != 4*time.Second {
		t.Errorf("Connect.Timeout = %v, want 4s", cfg.Connect.Timeout)
	}
	if cfg.Connect.DiscoveryTimeout != 5*time.Second {
		t.Errorf("Connect.DiscoveryTimeout = %v, want default 5s", cfg.Connect.DiscoveryTimeout)
	}
	if cfg.GATT.WriteCharacteristic != "ae02" || cfg.GATT.NotifyCharacteristic != "ae01" {
		t.Errorf("GATT = %+v, want swapped roles", cfg.GATT)
	}
	if cfg.GATT.Service != "ae30" {
		t.Errorf("GATT.Service = %q, want default ae30", cfg.GATT.Service)
	}
	if cfg.Print.FeedLines != 120 || cfg.Print.Speed != 25 {
		t.Errorf("Print = %+v", cfg.Print)
	}
	if cfg.Reconnect.MaxAttempts != 5 || cfg.Reconnect.Delay != 500*time.Millisecond {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store_path: ~/printer/state.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "printer/state.yaml")
	if cfg.StorePath != expected {
		t.Errorf("StorePath = %q, want %q", cfg.StorePath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Backend = "bluez" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative write timeout",
			modify:  func(c *Config) { c.Write.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero reconnect delay",
			modify:  func(c *Config) { c.Reconnect.Delay = 0 },
			wantErr: true,
		},
		{
			name:    "empty name prefixes",
			modify:  func(c *Config) { c.Scan.NamePrefixes = nil },
			wantErr: true,
		},
		{
			name:    "blank name prefix",
			modify:  func(c *Config) { c.Scan.NamePrefixes = []string{"MX", ""} },
			wantErr: true,
		},
		{
			name:    "missing notify characteristic",
			modify:  func(c *Config) { c.GATT.NotifyCharacteristic = "" },
			wantErr: true,
		},
		{
			name:    "zero feed lines",
			modify:  func(c *Config) { c.Print.FeedLines = 0 },
			wantErr: true,
		},
		{
			name:    "zero reconnect attempts",
			modify:  func(c *Config) { c.Reconnect.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "too many reconnect attempts",
			modify:  func(c *Config) { c.Reconnect.MaxAttempts = 11 },
			wantErr: true,
		},
		{
			name:    "ten reconnect attempts",
			modify:  func(c *Config) { c.Reconnect.MaxAttempts = 10 },
			wantErr: false,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.StorePath = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "mxprint", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# mxprint") {
		t.Error("written config should start with header comment")
	}

	// Should be valid YAML that parses into a Config
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Loaded through Load, it matches the defaults and validates.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
	def := Default()
	if cfg.Scan.Timeout != def.Scan.Timeout || cfg.Reconnect != def.Reconnect || cfg.Print != def.Print {
		t.Errorf("written config differs from defaults: %+v", cfg)
	}
	if cfg.StorePath != def.StorePath {
		t.Errorf("StorePath = %q, want %q", cfg.StorePath, def.StorePath)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "mxprint")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("backend: hci\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
