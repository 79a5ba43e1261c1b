package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"detour/internal/domain"
)

// Config models detour.yml.
type Config struct {
	Engine struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"engine"`
	Signals      Signals      `yaml:"signals"`
	Observations Observations `yaml:"observations"`
	Ranking      Ranking      `yaml:"ranking"`
	Tickets      Tickets      `yaml:"tickets"`
	Sessions     Sessions     `yaml:"sessions"`
}

type SignalDefaults struct {
	Confidence float64 `yaml:"confidence"`
	TTLMinutes int     `yaml:"ttl_minutes"`
}

type Signals struct {
	Manual           SignalDefaults     `yaml:"manual"`
	User             SignalDefaults     `yaml:"user"`
	Provider         SignalDefaults     `yaml:"provider"`
	StatusScores     map[string]float64 `yaml:"status_scores"`
	UserEnteredScore float64            `yaml:"user_entered_score"`
	UserFailedScore  float64            `yaml:"user_failed_score"`
	CleanupBatch     int                `yaml:"cleanup_batch"`
	BatchConcurrency int                `yaml:"batch_concurrency"`
}

type Observations struct {
	Window             int     `yaml:"window"`
	HourlyWindow       int     `yaml:"hourly_window"`
	ConfidenceCap      float64 `yaml:"confidence_cap"`
	BestTimeMinSamples int     `yaml:"best_time_min_samples"`
	OutboxCapacity     int     `yaml:"outbox_capacity"`
}

type Ranking struct {
	Proposals   int     `yaml:"proposals"`
	PriorWeight float64 `yaml:"prior_weight"`
}

type Tickets struct {
	Catalog map[string]domain.TicketType `yaml:"catalog"`
}

type Sessions struct {
	DefaultMaxWalkMin            int  `yaml:"default_max_walk_min"`
	ReportAvailabilityOnComplete bool `yaml:"report_availability_on_complete"`
	MaxRescueChain               int  `yaml:"max_rescue_chain"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with detour init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			return fmt.Errorf("config.engine.timezone: %w", err)
		}
	}
	for name, d := range map[string]SignalDefaults{"manual": c.Signals.Manual, "user": c.Signals.User, "provider": c.Signals.Provider} {
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("config.signals.%s.confidence must be within [0,1]", name)
		}
		if d.TTLMinutes <= 0 {
			return fmt.Errorf("config.signals.%s.ttl_minutes must be positive", name)
		}
	}
	for _, status := range []domain.AvailabilityStatus{domain.StatusLikelyOpen, domain.StatusUnknown, domain.StatusLikelyFull} {
		s, ok := c.Signals.StatusScores[string(status)]
		if !ok {
			return fmt.Errorf("config.signals.status_scores missing %s", status)
		}
		if s < 0 || s > 1 {
			return fmt.Errorf("config.signals.status_scores.%s must be within [0,1]", status)
		}
	}
	for key := range c.Signals.StatusScores {
		if _, err := domain.ParseAvailabilityStatus(key); err != nil {
			return fmt.Errorf("config.signals.status_scores: %w", err)
		}
	}
	if c.Signals.CleanupBatch <= 0 {
		return fmt.Errorf("config.signals.cleanup_batch must be positive")
	}
	if c.Signals.BatchConcurrency <= 0 {
		return fmt.Errorf("config.signals.batch_concurrency must be positive")
	}
	if c.Observations.Window <= 0 || c.Observations.HourlyWindow <= 0 {
		return fmt.Errorf("config.observations windows must be positive")
	}
	if c.Observations.ConfidenceCap <= 0 || c.Observations.ConfidenceCap > 1 {
		return fmt.Errorf("config.observations.confidence_cap must be within (0,1]")
	}
	if c.Observations.BestTimeMinSamples <= 0 {
		return fmt.Errorf("config.observations.best_time_min_samples must be positive")
	}
	if c.Observations.OutboxCapacity <= 0 {
		return fmt.Errorf("config.observations.outbox_capacity must be positive")
	}
	if c.Ranking.Proposals <= 0 {
		return fmt.Errorf("config.ranking.proposals must be positive")
	}
	if c.Ranking.PriorWeight < 0 || c.Ranking.PriorWeight > 1 {
		return fmt.Errorf("config.ranking.prior_weight must be within [0,1]")
	}
	if len(c.Tickets.Catalog) == 0 {
		return fmt.Errorf("config.tickets.catalog is required")
	}
	for id, tt := range c.Tickets.Catalog {
		if id == "" {
			return fmt.Errorf("config.tickets.catalog contains empty ticket type id")
		}
		if tt.Count <= 0 {
			return fmt.Errorf("ticket type %s count must be positive", id)
		}
		if tt.ValidDays <= 0 {
			return fmt.Errorf("ticket type %s valid_days must be positive", id)
		}
		if tt.Price < 0 {
			return fmt.Errorf("ticket type %s price must not be negative", id)
		}
		if tt.Currency == "" {
			return fmt.Errorf("ticket type %s currency is required", id)
		}
	}
	if c.Sessions.DefaultMaxWalkMin <= 0 {
		return fmt.Errorf("config.sessions.default_max_walk_min must be positive")
	}
	if c.Sessions.MaxRescueChain < 0 {
		return fmt.Errorf("config.sessions.max_rescue_chain must not be negative")
	}
	return nil
}

// Location returns the zone used to derive hour and weekday buckets.
func (c *Config) Location() *time.Location {
	if c == nil || c.Engine.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TicketType looks up a catalog entry and fills in its id.
func (c *Config) TicketType(id string) (domain.TicketType, bool) {
	tt, ok := c.Tickets.Catalog[id]
	if !ok {
		return domain.TicketType{}, false
	}
	tt.ID = id
	return tt, true
}

// TicketTypes returns the catalog sorted by price then id.
func (c *Config) TicketTypes() []domain.TicketType {
	res := make([]domain.TicketType, 0, len(c.Tickets.Catalog))
	for id := range c.Tickets.Catalog {
		tt, _ := c.TicketType(id)
		res = append(res, tt)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Price != res[j].Price {
			return res[i].Price < res[j].Price
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "detour.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
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
  timezone: UTC

signals:
  manual:
    confidence: 0.9
    ttl_minutes: 30
  user:
    confidence: 0.6
    ttl_minutes: 45
  provider:
    confidence: 0.7
    ttl_minutes: 20
  status_scores:
    likely_open: 0.8
    unknown: 0.5
    likely_full: 0.2
  user_entered_score: 0.7
  user_failed_score: 0.3
  cleanup_batch: 100
  batch_concurrency: 8

observations:
  window: 100
  hourly_window: 500
  confidence_cap: 0.95
  best_time_min_samples: 3
  outbox_capacity: 256

ranking:
  proposals: 3
  prior_weight: 0.3

tickets:
  catalog:
    rescue_1:
      name: "Rescue x1"
      count: 1
      price: 200
      currency: JPY
      valid_days: 30
    rescue_3:
      name: "Rescue x3"
      count: 3
      price: 500
      currency: JPY
      valid_days: 60
    monthly_5:
      name: "Monthly x5"
      count: 5
      price: 800
      currency: JPY
      valid_days: 30

sessions:
  default_max_walk_min: 10
  report_availability_on_complete: true
  max_rescue_chain: 0
`
