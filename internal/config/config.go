package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/oversight/internal/aggregate"
	"github.com/basket/oversight/internal/escalation"
	"github.com/basket/oversight/internal/narrative"
	"github.com/basket/oversight/internal/operator"
	otelPkg "github.com/basket/oversight/internal/otel"
)

const DefaultSummarySchedule = "@every 1m"

// OperatorConfig is the yaml form of operator.Config.
type OperatorConfig struct {
	Endpoint            string `yaml:"endpoint"`
	Model               string `yaml:"model"`
	Timeout             string `yaml:"timeout,omitempty"` // duration string, e.g. "500ms"; wins over timeout_seconds
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	EscalationThreshold int    `yaml:"escalation_threshold"`
	RefreshInterval     int    `yaml:"refresh_interval"`
	FailureCap          int    `yaml:"failure_cap"`
	SuccessLimit        int    `yaml:"success_limit"`
	ProbeCollaborator   bool   `yaml:"probe_collaborator"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Operator  OperatorConfig `yaml:"operator"`
	Telemetry otelPkg.Config `yaml:"telemetry"`

	// SummarySchedule is the cron spec for periodic summary logging.
	SummarySchedule string `yaml:"summary_schedule"`

	// Missing is set when config.yaml does not exist yet.
	Missing bool `yaml:"-"`
}

// OperatorConfig converts the yaml section into the operator's config.
func (c Config) OperatorConfig() operator.Config {
	return operator.Config{
		Endpoint:            c.Operator.Endpoint,
		Model:               c.Operator.Model,
		Timeout:             c.Operator.TimeoutDuration(),
		EscalationThreshold: c.Operator.EscalationThreshold,
		RefreshInterval:     c.Operator.RefreshInterval,
		FailureCap:          c.Operator.FailureCap,
		SuccessLimit:        c.Operator.SuccessLimit,
		ProbeCollaborator:   c.Operator.ProbeCollaborator,
	}
}

// TimeoutDuration returns the collaborator deadline.
func (o OperatorConfig) TimeoutDuration() time.Duration {
	if d, ok := parseTimeout(o.Timeout); ok {
		return d
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

func parseTimeout(raw string) (time.Duration, bool) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	return d, err == nil && d > 0
}

// Policy returns the escalation tunables.
func (c Config) Policy() escalation.Policy {
	return escalation.Policy{
		Threshold:       c.Operator.EscalationThreshold,
		RefreshInterval: c.Operator.RefreshInterval,
	}.Normalize()
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetPolicy updates the escalation tunables in config.yaml, preserving other
// settings. A running watch picks the change up through the Watcher.
func SetPolicy(homeDir string, p escalation.Policy) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create oversight home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	section, _ := raw["operator"].(map[string]any)
	if section == nil {
		section = make(map[string]any)
	}
	p = p.Normalize()
	section["escalation_threshold"] = p.Threshold
	section["refresh_interval"] = p.RefreshInterval
	raw["operator"] = section
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings a running operator
// cares about.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	o := c.Operator
	fmt.Fprintf(h, "endpoint=%s|model=%s|timeout=%s|threshold=%d|refresh=%d|cap=%d|limit=%d|log=%s|summary=%s",
		o.Endpoint, o.Model, o.TimeoutDuration(), o.EscalationThreshold, o.RefreshInterval,
		o.FailureCap, o.SuccessLimit, c.LogLevel, c.SummarySchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Operator: OperatorConfig{
			Endpoint:            operator.DefaultEndpoint,
			Model:               narrative.DefaultModel,
			TimeoutSeconds:      int(narrative.DefaultTimeout.Seconds()),
			EscalationThreshold: escalation.DefaultThreshold,
			RefreshInterval:     escalation.DefaultRefreshInterval,
			FailureCap:          aggregate.DefaultFailureCap,
			SuccessLimit:        operator.DefaultSuccessLimit,
		},
		Telemetry: otelPkg.Config{
			Exporter:    "stdout",
			ServiceName: "oversight",
		},
		SummarySchedule: DefaultSummarySchedule,
	}
}

func HomeDir() string {
	if override := os.Getenv("OVERSIGHT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".oversight")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create oversight home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	o := &cfg.Operator
	o.Endpoint = strings.TrimSpace(o.Endpoint)
	if o.Endpoint == "" {
		o.Endpoint = def.Operator.Endpoint
	}
	o.Model = strings.TrimPrefix(strings.TrimSpace(o.Model), "ollama/")
	if o.Model == "" {
		o.Model = def.Operator.Model
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = def.Operator.TimeoutSeconds
	}
	if _, ok := parseTimeout(o.Timeout); !ok {
		o.Timeout = ""
	}
	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = def.Operator.EscalationThreshold
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = def.Operator.RefreshInterval
	}
	if o.FailureCap <= 0 {
		o.FailureCap = def.Operator.FailureCap
	}
	if o.SuccessLimit <= 0 {
		o.SuccessLimit = def.Operator.SuccessLimit
	}
	if strings.TrimSpace(cfg.SummarySchedule) == "" {
		cfg.SummarySchedule = def.SummarySchedule
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OVERSIGHT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OVERSIGHT_ENDPOINT"); raw != "" {
		cfg.Operator.Endpoint = raw
	}
	if raw := os.Getenv("OVERSIGHT_MODEL"); raw != "" {
		cfg.Operator.Model = raw
	}
	if raw := os.Getenv("OVERSIGHT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Operator.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OVERSIGHT_TIMEOUT"); raw != "" {
		if _, ok := parseTimeout(raw); ok {
			cfg.Operator.Timeout = raw
		}
	}
	if raw := os.Getenv("OVERSIGHT_ESCALATION_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Operator.EscalationThreshold = v
		}
	}
	if raw := os.Getenv("OVERSIGHT_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
}
