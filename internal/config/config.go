package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models signoff.yml.
type Config struct {
	Store struct {
		URL        string        `yaml:"url"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"store"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Roles      map[string]RoleSpec `yaml:"roles"`
	Principals []PrincipalSpec     `yaml:"principals"`
	Templates  []TemplateSpec      `yaml:"templates"`
	Scheduler  struct {
		Enabled   bool          `yaml:"enabled"`
		Interval  time.Duration `yaml:"interval"`
		Lock      string        `yaml:"lock"`
		LeaseTTL  time.Duration `yaml:"lease_ttl"`
		RedisAddr string        `yaml:"redis_addr"`
	} `yaml:"scheduler"`
	Notifications struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		Log          bool          `yaml:"log"`
		Webhooks     []WebhookSpec `yaml:"webhooks"`
		NATS         struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subject_prefix"`
		} `yaml:"nats"`
	} `yaml:"notifications"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Service string `yaml:"service"`
	} `yaml:"tracing"`
}

type RoleSpec struct {
	Level       int      `yaml:"level"`
	Ceiling     string   `yaml:"ceiling"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type PrincipalSpec struct {
	ID          string   `yaml:"id"`
	Role        string   `yaml:"role"`
	UnitPath    []string `yaml:"unit_path"`
	DisplayName string   `yaml:"display_name"`
}

type TemplateSpec struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	ResourceType string     `yaml:"resource_type"`
	Steps        []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	StepNumber      int    `yaml:"step_number"`
	ApproverRole    string `yaml:"approver_role"`
	ApproverContext string `yaml:"approver_context"`
	ApprovalType    string `yaml:"approval_type"`
	TimeoutHours    int    `yaml:"timeout_hours"`
	EscalateToRole  string `yaml:"escalate_to_role"`
}

type WebhookSpec struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

var schedulerLocks = map[string]bool{"store": true, "redis": true, "none": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.URL) == "" {
		return fmt.Errorf("config.store.url is required")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("config.store.timeout must be positive")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("config.store.max_retries must be >= 0")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for code, role := range c.Roles {
		if code == "" {
			return fmt.Errorf("config.roles contains empty role code")
		}
		if role.Level < 1 {
			return fmt.Errorf("role %s level must be >= 1", code)
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission code", code)
			}
		}
	}
	seen := map[string]bool{}
	for _, p := range c.Principals {
		if p.ID == "" {
			return fmt.Errorf("config.principals contains empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("principal %s declared twice", p.ID)
		}
		seen[p.ID] = true
		if _, ok := c.Roles[p.Role]; !ok {
			return fmt.Errorf("principal %s references unknown role %s", p.ID, p.Role)
		}
	}
	for _, t := range c.Templates {
		if t.Name == "" || t.ResourceType == "" {
			return fmt.Errorf("template %q requires name and resource_type", t.ID)
		}
		for _, s := range t.Steps {
			if _, ok := c.Roles[s.ApproverRole]; !ok {
				return fmt.Errorf("template %s step %d references unknown role %s", t.Name, s.StepNumber, s.ApproverRole)
			}
		}
	}
	if !schedulerLocks[c.Scheduler.Lock] {
		return fmt.Errorf("config.scheduler.lock must be one of store, redis, none")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	if c.Scheduler.Lock == "redis" && c.Scheduler.RedisAddr == "" {
		return fmt.Errorf("config.scheduler.redis_addr is required for the redis lock")
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if wh.Name == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].name is required", i)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
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

// LoadOptional returns the default config when path is empty or missing.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  url: "sqlite:.signoff/signoff.db"
  timeout: 5s
  max_retries: 4

server:
  addr: "127.0.0.1:8080"

auth:
  jwt_secret: ""
  token_ttl: 12h

roles:
  admin:
    level: 1
    description: "Organization administrator"
    permissions:
      - workflow.approve.organization
      - workflow.cancel.organization
      - workflow.manage.organization
      - workflow.start.organization
      - principal.manage.organization
      - task.create.organization
  regional_manager:
    level: 2
    description: "Regional manager"
    permissions:
      - workflow.approve.region
      - workflow.start.region
      - principal.manage.region
      - task.create.region
  manager:
    level: 3
    description: "Branch manager"
    permissions:
      - workflow.approve.branch
      - workflow.start.branch
      - task.create.branch
  supervisor:
    level: 4
    description: "Team supervisor"
    permissions:
      - workflow.approve.team
      - workflow.start.team
      - task.create.team
  staff:
    level: 5
    description: "Staff member"
    permissions:
      - workflow.start.own
      - task.create.own

principals: []
templates: []

scheduler:
  enabled: true
  interval: 1m
  lock: store
  lease_ttl: 2m
  redis_addr: ""

notifications:
  poll_interval: 2s
  batch_size: 100
  log: true
  webhooks: []
  nats:
    url: ""
    subject_prefix: signoff

logging:
  level: info
  format: json

tracing:
  enabled: false
  service: signoff
`
