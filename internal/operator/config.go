package operator

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/oversight/internal/aggregate"
	"github.com/basket/oversight/internal/escalation"
	"github.com/basket/oversight/internal/narrative"
)

const (
	DefaultEndpoint     = "http://localhost:11434"
	DefaultSuccessLimit = 5
)

// Config is the explicit construction-time configuration of an Operator.
type Config struct {
	// Endpoint is the collaborator's base URL.
	Endpoint string
	// Model names the lightweight model used for briefings.
	Model string
	// Timeout bounds each narrative generation. Zero uses 30s.
	Timeout time.Duration
	// EscalationThreshold is the attempt count at which briefings start. Zero uses 2.
	EscalationThreshold int
	// RefreshInterval is the number of attempts a briefing stays fresh. Zero uses 1.
	RefreshInterval int
	// FailureCap bounds the distinct failures kept per category. Zero uses 5.
	FailureCap int
	// SuccessLimit bounds the successes listed in mechanical context. Zero uses 5.
	SuccessLimit int
	// ProbeCollaborator pings the collaborator during New.
	ProbeCollaborator bool
}

// DefaultConfig returns a config with every field at its documented default.
func DefaultConfig() Config {
	return Config{
		Endpoint:            DefaultEndpoint,
		Model:               narrative.DefaultModel,
		Timeout:             narrative.DefaultTimeout,
		EscalationThreshold: escalation.DefaultThreshold,
		RefreshInterval:     escalation.DefaultRefreshInterval,
		FailureCap:          aggregate.DefaultFailureCap,
		SuccessLimit:        DefaultSuccessLimit,
	}
}

// ConfigError reports an unusable configuration. It is returned only from New.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("operator config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// validate fills zero fields with defaults and rejects invalid ones.
func (c Config) validate() (Config, error) {
	endpoint, err := narrative.ParseEndpoint(c.Endpoint)
	if err != nil {
		return c, &ConfigError{Field: "Endpoint", Err: err}
	}
	c.Endpoint = endpoint

	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return c, &ConfigError{Field: "Model", Err: fmt.Errorf("model is empty")}
	}

	checks := []struct {
		field string
		value int64
	}{
		{"Timeout", int64(c.Timeout)},
		{"EscalationThreshold", int64(c.EscalationThreshold)},
		{"RefreshInterval", int64(c.RefreshInterval)},
		{"FailureCap", int64(c.FailureCap)},
		{"SuccessLimit", int64(c.SuccessLimit)},
	}
	for _, ch := range checks {
		if ch.value < 0 {
			return c, &ConfigError{Field: ch.field, Err: fmt.Errorf("must not be negative (got %d)", ch.value)}
		}
	}

	if c.Timeout == 0 {
		c.Timeout = narrative.DefaultTimeout
	}
	if c.FailureCap == 0 {
		c.FailureCap = aggregate.DefaultFailureCap
	}
	if c.SuccessLimit == 0 {
		c.SuccessLimit = DefaultSuccessLimit
	}
	p := c.policy()
	c.EscalationThreshold, c.RefreshInterval = p.Threshold, p.RefreshInterval
	return c, nil
}

func (c Config) policy() escalation.Policy {
	return escalation.Policy{Threshold: c.EscalationThreshold, RefreshInterval: c.RefreshInterval}.Normalize()
}
