package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for flowerdesk.
//
// NOTE: Secrets (api keys) must never be stored here. They live in secrets.json under the state dir.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// StateDir holds the asset database, secrets.json and the process lock.
	// If empty, the directory containing the config file is used.
	StateDir string `yaml:"state_dir,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Model      ModelConfig      `yaml:"model"`
	Tools      ToolsConfig      `yaml:"tools"`
	Search     SearchConfig     `yaml:"search"`
	Generation GenerationConfig `yaml:"generation"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	// Listen is the HTTP listen address. Defaults to 127.0.0.1:8787.
	Listen string `yaml:"listen,omitempty"`
}

type LogConfig struct {
	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`
	// Level is "debug|info|warn|error".
	Level string `yaml:"level,omitempty"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "stdout" or "noop".
	Exporter string `yaml:"exporter,omitempty"`
}

const defaultListen = "127.0.0.1:8787"

// Default returns the config written on first run: a local Ollama server with keyless search.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: defaultListen},
		Log:    LogConfig{Format: "text", Level: "info"},
		Model: ModelConfig{
			Provider: ProviderOpenAICompatible,
			BaseURL:  "http://127.0.0.1:11434/v1",
			Name:     "llama3.2",
		},
		Search: SearchConfig{Provider: SearchProviderDuckDuckGo},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("invalid model: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("invalid tools: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("invalid search: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("invalid generation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Tracing.Exporter)) {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("invalid tracing.exporter %q", c.Tracing.Exporter)
	}
	return nil
}

func (c *Config) EffectiveListen() string {
	if c == nil || strings.TrimSpace(c.Server.Listen) == "" {
		return defaultListen
	}
	return strings.TrimSpace(c.Server.Listen)
}

// EffectiveStateDir resolves state_dir relative to the config file location.
func (c *Config) EffectiveStateDir(configPath string) string {
	dir := ""
	if c != nil {
		dir = strings.TrimSpace(c.StateDir)
	}
	base := filepath.Dir(strings.TrimSpace(configPath))
	if dir == "" {
		return base
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) {
		return filepath.Join(base, dir)
	}
	return filepath.Clean(dir)
}

// DefaultConfigPath returns the default config path:
//
//	~/.flowerdesk/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "flowerdesk.config.yaml"
	}
	return filepath.Join(home, ".flowerdesk", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrInit loads path, writing Default() there first when it does not exist.
func LoadOrInit(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return nil, false, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	return cfg, false, err
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
