package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stagegate/internal/maturity"
	"stagegate/internal/retry"
)

// Config models stagegate.yml.
type Config struct {
	Session struct {
		DefaultLevel   int      `yaml:"default_level" json:"default_level"`
		DefaultModules []string `yaml:"default_modules" json:"default_modules"`
	} `yaml:"session" json:"session"`
	Intake struct {
		Fields []IntakeField `yaml:"fields" json:"fields"`
	} `yaml:"intake" json:"intake"`
	Quality struct {
		RequiredMetrics []string `yaml:"required_metrics" json:"required_metrics"`
	} `yaml:"quality" json:"quality"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// IntakeField is one entry of the prompt-validation field catalog.
// Criticality travels with the field into the retry policy; it is never
// hardcoded per gate.
type IntakeField struct {
	Name     string `yaml:"name" json:"name"`
	Question string `yaml:"question" json:"question"`
	Critical bool   `yaml:"critical" json:"critical"`
	Default  string `yaml:"default" json:"default,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Session.DefaultLevel < 1 || c.Session.DefaultLevel > 4 {
		return fmt.Errorf("config.session.default_level must be 1..4")
	}
	if _, err := maturity.Resolve(c.Session.DefaultLevel, c.Session.DefaultModules); err != nil {
		return fmt.Errorf("config.session: %w", err)
	}
	if len(c.Intake.Fields) == 0 {
		return fmt.Errorf("config.intake.fields is required")
	}
	seen := map[string]bool{}
	critical := false
	for _, f := range c.Intake.Fields {
		if f.Name == "" {
			return fmt.Errorf("config.intake.fields contains an unnamed field")
		}
		if seen[f.Name] {
			return fmt.Errorf("config.intake.fields: duplicate field %s", f.Name)
		}
		seen[f.Name] = true
		if f.Critical {
			critical = true
			if f.Default != "" {
				return fmt.Errorf("config.intake.fields: critical field %s cannot carry a default", f.Name)
			}
		}
	}
	if !critical {
		return fmt.Errorf("config.intake.fields must include at least one critical field")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RetryFields converts the intake catalog to retry policy fields.
func (c *Config) RetryFields() []retry.Field {
	fields := make([]retry.Field, 0, len(c.Intake.Fields))
	for _, f := range c.Intake.Fields {
		fields = append(fields, retry.Field{Name: f.Name, Critical: f.Critical, Default: f.Default})
	}
	return fields
}

// Field looks up one intake field by name.
func (c *Config) Field(name string) (IntakeField, bool) {
	for _, f := range c.Intake.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return IntakeField{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `session:
  default_level: 2
  default_modules: []

intake:
  fields:
    - name: objective
      question: "What should the deliverable accomplish, in one or two sentences?"
      critical: true
    - name: acceptance_scope
      question: "What observable behavior marks the work as accepted?"
      critical: true
    - name: target_users
      question: "Who uses the result?"
      default: "internal team"
    - name: constraints
      question: "Any technical or organizational constraints?"
      default: "none stated"
    - name: delivery_format
      question: "How should the artifacts be delivered?"
      default: "source repository"

quality:
  required_metrics: [test_coverage]
`
