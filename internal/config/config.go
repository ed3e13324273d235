package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"secflow/internal/domain"
)

// Config models secflow.yml. It is built once at startup and passed to the
// components that need it.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Stages   []domain.StageDef `yaml:"stages"`
	Ticker   []NewsItem        `yaml:"ticker"`
	Webhooks []WebhookConfig   `yaml:"webhooks"`
	Server   ServerConfig      `yaml:"server"`
}

// NewsItem is one entry of the portal news ticker.
type NewsItem struct {
	ID        string    `yaml:"id" json:"id"`
	Message   string    `yaml:"message" json:"message"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at" format:"date-time"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	BasePath            string `yaml:"base_path"`
	OverdueSweepSeconds int    `yaml:"overdue_sweep_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("secflow"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Save writes the config back to the workspace. It is the only persistence
// path for process-wide state such as the ticker.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Stages) != domain.StageCount {
		return fmt.Errorf("config.stages must define exactly %d stages, got %d", domain.StageCount, len(c.Stages))
	}
	for i, st := range c.Stages {
		if st.ID != i {
			return fmt.Errorf("config.stages[%d] has id %d; ids must be 0..%d in order", i, st.ID, domain.StageCount-1)
		}
		if st.Name == "" {
			return fmt.Errorf("stage %d has empty name", i)
		}
		if !st.AssignedToRole.Valid() {
			return fmt.Errorf("stage %d has unknown assigned_to_role %q", i, st.AssignedToRole)
		}
		if st.AssignedBy != "" && !st.AssignedBy.Valid() {
			return fmt.Errorf("stage %d has unknown assigned_by %q", i, st.AssignedBy)
		}
		if st.ReviewedBy != "" && !st.ReviewedBy.Valid() {
			return fmt.Errorf("stage %d has unknown reviewed_by %q", i, st.ReviewedBy)
		}
		gated := i == domain.StageManagerReview || i == domain.StageClientReview
		if st.RequiresApproval != gated {
			if gated {
				return fmt.Errorf("stage %d must set requires_approval", i)
			}
			return fmt.Errorf("stage %d cannot require approval; only stages %d and %d are gated", i, domain.StageManagerReview, domain.StageClientReview)
		}
		if st.RequiresApproval && st.ReviewedBy == "" {
			return fmt.Errorf("stage %d requires approval but has no reviewed_by role", i)
		}
		if st.DueDays < 0 {
			return fmt.Errorf("stage %d has negative due_days", i)
		}
	}
	seen := map[string]bool{}
	for _, item := range c.Ticker {
		if item.ID == "" {
			return fmt.Errorf("config.ticker contains an item without id")
		}
		if seen[item.ID] {
			return fmt.Errorf("config.ticker has duplicate id %s", item.ID)
		}
		seen[item.ID] = true
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Server.OverdueSweepSeconds < 0 {
		return fmt.Errorf("config.server.overdue_sweep_seconds must not be negative")
	}
	return nil
}

// Catalog returns a copy of the stage definitions.
func (c *Config) Catalog() []domain.StageDef {
	return append([]domain.StageDef(nil), c.Stages...)
}

// AddNews appends a ticker item. Call Save to persist it.
func (c *Config) AddNews(item NewsItem) error {
	for _, existing := range c.Ticker {
		if existing.ID == item.ID {
			return fmt.Errorf("ticker item %s already exists", item.ID)
		}
	}
	c.Ticker = append(c.Ticker, item)
	return nil
}

// RemoveNews drops a ticker item by id and reports whether it existed.
func (c *Config) RemoveNews(id string) bool {
	for i, item := range c.Ticker {
		if item.ID == id {
			c.Ticker = append(c.Ticker[:i], c.Ticker[i+1:]...)
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
	return filepath.Join(workspace, "secflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: Security Services Portal

stages:
  - id: 0
    name: Client Onboarding
    description: "Client record and service engagement created"
    icon: user-plus
    assigned_to_role: admin
    assigned_by: admin
  - id: 1
    name: Manager Assignment
    description: "Admin assigns an engagement manager"
    icon: user-check
    assigned_to_role: admin
    assigned_by: admin
    due_days: 2
  - id: 2
    name: Scope Review
    description: "Manager reviews scope, rules of engagement and targets"
    icon: clipboard-list
    assigned_to_role: manager
    assigned_by: admin
    due_days: 3
  - id: 3
    name: Resource Planning
    description: "Schedule, effort and tooling are planned"
    icon: calendar
    assigned_to_role: manager
    assigned_by: manager
    due_days: 3
  - id: 4
    name: Tester Assignment
    description: "Manager assigns the testing lead"
    icon: users
    assigned_to_role: manager
    assigned_by: manager
    due_days: 2
  - id: 5
    name: Test Preparation
    description: "Environment access, accounts and test plan prepared"
    icon: settings
    assigned_to_role: tester
    assigned_by: manager
    due_days: 5
  - id: 6
    name: Test Execution
    description: "Assessment executed and findings recorded"
    icon: shield
    assigned_to_role: tester
    assigned_by: manager
    due_days: 10
  - id: 7
    name: Report Generation
    description: "Findings compiled into the engagement report"
    icon: file-text
    assigned_to_role: tester
    assigned_by: manager
    due_days: 4
  - id: 8
    name: Quality Assurance
    description: "Report checked for accuracy and completeness"
    icon: check-square
    assigned_to_role: admin
    assigned_by: admin
    due_days: 2
  - id: 9
    name: Manager Review
    description: "Manager approves the report for release"
    icon: eye
    assigned_to_role: manager
    assigned_by: admin
    reviewed_by: manager
    requires_approval: true
    due_days: 2
  - id: 10
    name: Client Review
    description: "Client reviews the report and signs off"
    icon: thumbs-up
    assigned_to_role: client
    assigned_by: manager
    reviewed_by: client
    requires_approval: true
    due_days: 7

ticker: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  overdue_sweep_seconds: 300
`
