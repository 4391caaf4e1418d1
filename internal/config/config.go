package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"perfline/internal/event"
)

// Config models perfline.yml, the per-tenant configuration.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Events struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"events"`
	Webhooks []Webhook `yaml:"webhooks"`
	Calibration struct {
		RequireFacilitator bool   `yaml:"require_facilitator"`
		Bias               struct {
			MinSeverity string `yaml:"min_severity"`
		} `yaml:"bias"`
	} `yaml:"calibration"`
	Scoring struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"scoring"`
}

// Webhook is one outbound event subscription.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// LoadOptional reads and validates the workspace config file,
// returning nil,nil if it does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Catalog entries
// and webhook subscriptions must name registered event types.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	for name := range c.Events.Catalog {
		if !event.Registered(event.Type(name)) {
			return fmt.Errorf("config.events.catalog names unknown event type %s", name)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %d has invalid url %s", i, wh.URL)
		}
		if len(wh.Events) == 0 {
			return fmt.Errorf("webhook %d subscribes to no events", i)
		}
		for _, name := range wh.Events {
			if name == "*" {
				continue
			}
			if !event.Registered(event.Type(name)) {
				return fmt.Errorf("webhook %d subscribes to unknown event type %s", i, name)
			}
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	switch c.Calibration.Bias.MinSeverity {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("config.calibration.bias.min_severity must be low, medium or high")
	}
	if c.Scoring.TimeoutSeconds < 0 {
		return fmt.Errorf("config.scoring.timeout_seconds must not be negative")
	}
	return nil
}

// Subscribed reports whether a webhook wants the given event type.
func (w Webhook) Subscribed(t event.Type) bool {
	for _, name := range w.Events {
		if name == "*" || name == string(t) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "perfline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `tenant:
  id: %s

events:
  catalog:
    review_cycle.created:
      description: "A review cycle was created"
    review_cycle.status_changed:
      description: "A review cycle moved to a new lifecycle stage"
    review_cycle.launched:
      description: "A review cycle launched into self assessment and materialized its participants"
    review_cycle.grace_override_set:
      description: "A review cycle's grace override flag was toggled"
    review.created:
      description: "A review was assigned"
    review.submitted:
      description: "A review was submitted with a rating"
    review.shared:
      description: "A finalized review was shared with the reviewee"
    review.acknowledged:
      description: "The reviewee acknowledged a shared review"
    calibration.session_scheduled:
      description: "A calibration session was scheduled"
    calibration.session_started:
      description: "A calibration session moved to in progress"
    calibration.session_completed:
      description: "A calibration session completed with all reviews resolved"
    calibration.session_cancelled:
      description: "A calibration session was cancelled"
    calibration.rating_adjusted:
      description: "A rating was adjusted during calibration"
    calibration.review_unchanged:
      description: "A review was explicitly left unchanged during calibration"
    calibration.bias_alert:
      description: "A bias detector flagged a calibration session"

calibration:
  require_facilitator: false
  bias:
    min_severity: low

scoring:
  timeout_seconds: 5
`
