package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stageline/internal/template"
)

// FileName is the project configuration file looked up in a workspace.
const FileName = "stageline.yml"

// Config models stageline.yml.
type Config struct {
	DefaultTemplate string                `yaml:"default_template"`
	Templates       []template.Definition `yaml:"templates"`
	Notifications   Notifications         `yaml:"notifications"`
}

type Notifications struct {
	Webhooks []Webhook `yaml:"webhooks"`
	Slack    struct {
		Channel string `yaml:"channel"`
	} `yaml:"slack"`
	Redis struct {
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace, falling back to the built-in
// default when no file exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML checks raw YAML against the document schema, then decodes and validates it.
func FromYAML(data []byte) (*Config, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules the schema cannot express. Template graphs
// are validated by the registry.
func (c *Config) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates must declare at least one template")
	}
	seen := map[string]bool{}
	for _, t := range c.Templates {
		key := t.ID + "@" + t.Version
		if seen[key] {
			return fmt.Errorf("template %s declared twice", key)
		}
		seen[key] = true
	}
	if c.DefaultTemplate != "" {
		found := false
		for _, t := range c.Templates {
			if t.ID == c.DefaultTemplate {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("default_template %s is not declared", c.DefaultTemplate)
		}
	}
	for i, w := range c.Notifications.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Registry builds a template registry over the configured templates.
func (c *Config) Registry() *template.Registry {
	return template.NewRegistry(c.Templates...)
}

// DefaultTemplateID returns the template new projects adopt when none is named.
func (c *Config) DefaultTemplateID() string {
	if c.DefaultTemplate != "" {
		return c.DefaultTemplate
	}
	if len(c.Templates) > 0 {
		return c.Templates[0].ID
	}
	return ""
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the built-in config YAML for `stageline init`.
func GenerateDefault() string {
	return defaultYAML
}

const defaultYAML = `default_template: delivery

templates:
  - id: delivery
    display_name: "Product delivery"
    version: 1.0.0
    entry_stage: discovery
    stages:
      - id: discovery
        display_name: "Discovery"
        next: [design]
      - id: design
        display_name: "Design"
        gate_required: true
        next: [build]
      - id: build
        display_name: "Build"
        next: [review]
      - id: review
        display_name: "Review"
        gate_required: true
        next: [release]
      - id: release
        display_name: "Release"
    gates:
      - key: design_review
        display_name: "Design review"
        stage: design
        sequence: 1
        description: "Solution design reviewed by the team"
        checklist: ["architecture documented", "risks listed"]
      - key: architecture_signoff
        display_name: "Architecture sign-off"
        stage: design
        sequence: 2
        requires: [design_review]
      - key: security_review
        display_name: "Security review"
        stage: review
        sequence: 1
        requires: [architecture_signoff]
      - key: release_approval
        display_name: "Release approval"
        stage: review
        sequence: 2
        requires: [security_review]

  - id: hotfix
    display_name: "Hotfix"
    version: 1.0.0
    stages:
      - id: triage
        next: [fix]
      - id: fix
        next: [verify]
      - id: verify
        gate_required: true
        next: [ship]
      - id: ship
    gates:
      - key: verification
        display_name: "Fix verified"
        stage: verify

notifications:
  webhooks: []
`
