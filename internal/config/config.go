package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"queueline/internal/domain"
)

// Load scopes for least-load and capacity counting.
const (
	LoadScopeQueue  = "queue"
	LoadScopeTenant = "tenant"
)

// Config models queueline.yml.
type Config struct {
	Engine struct {
		// DefaultCapacity applies when neither membership, configuration nor queue set one.
		DefaultCapacity   int      `yaml:"default_capacity"`
		LoadScope         string   `yaml:"load_scope"`
		SerializePerQueue bool     `yaml:"serialize_per_queue"`
		EligibleStatuses  []string `yaml:"eligible_statuses"`
	} `yaml:"engine"`
	Cache struct {
		ConfigTTL Duration `yaml:"config_ttl"`
		SkillTTL  Duration `yaml:"skill_ttl"`
		Size      int      `yaml:"size"`
	} `yaml:"cache"`
	Sweeper struct {
		Enabled  bool   `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
	} `yaml:"sweeper"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Duration wraps time.Duration so YAML can use "5m" style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates config from workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.DefaultCapacity < 1 {
		return fmt.Errorf("config.engine.default_capacity must be >= 1")
	}
	switch c.Engine.LoadScope {
	case LoadScopeQueue, LoadScopeTenant:
	default:
		return fmt.Errorf("config.engine.load_scope must be 'queue' or 'tenant'")
	}
	if len(c.Engine.EligibleStatuses) == 0 {
		return fmt.Errorf("config.engine.eligible_statuses is required")
	}
	for _, s := range c.Engine.EligibleStatuses {
		switch s {
		case domain.AgentOnline, domain.AgentAvailable, domain.AgentBusy, domain.AgentAway, domain.AgentOffline:
		default:
			return fmt.Errorf("config.engine.eligible_statuses has unknown status %s", s)
		}
	}
	if c.Cache.ConfigTTL <= 0 || c.Cache.SkillTTL <= 0 {
		return fmt.Errorf("config.cache ttl values must be positive")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("config.cache.size must be >= 0")
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return fmt.Errorf("config.sweeper.schedule is required when the sweeper is enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "queueline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  default_capacity: 10
  load_scope: queue
  serialize_per_queue: true
  eligible_statuses: [online, available]

cache:
  config_ttl: 5m
  skill_ttl: 10m
  size: 1024

sweeper:
  enabled: false
  schedule: "@every 1m"

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
