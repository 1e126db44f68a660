// Package config loads the runner configuration file: alert rules,
// performance gates, notification endpoints and retry defaults. YAML is the
// native format; JSON documents parse as a YAML subset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/retrier"
)

// Notifications holds the configured sink endpoints.
type Notifications struct {
	Email EmailConfig `yaml:"email" json:"email"`
	Slack SlackConfig `yaml:"slack" json:"slack"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" json:"smtp_port"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	Channel    string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// RetryConfig is the file spelling of a retry policy, delays in seconds.
type RetryConfig struct {
	Strategy         string  `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxAttempts      int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay     float64 `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay         float64 `yaml:"max_delay" json:"max_delay"`
	RetryOnExitCodes []int   `yaml:"retry_on_exit_codes,omitempty" json:"retry_on_exit_codes,omitempty"`
}

// Config is the top-level document.
type Config struct {
	Alerts           []alerts.Rule `yaml:"alerts" json:"alerts"`
	PerformanceGates []alerts.Gate `yaml:"performance_gates" json:"performance_gates"`
	Notifications    Notifications `yaml:"notifications" json:"notifications"`
	Retry            *RetryConfig  `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Load reads and decodes a configuration file. A missing path yields an
// empty config rather than an error so the CLI works without one.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i, g := range cfg.PerformanceGates {
		if g.MetricName == "" {
			return nil, fmt.Errorf("performance gate %d has no metric_name", i)
		}
		if g.MaxValue == nil && g.MinValue == nil {
			return nil, fmt.Errorf("performance gate %s has neither max_value nor min_value", g.MetricName)
		}
	}
	return &cfg, nil
}

// RetryPolicy returns the configured retry defaults, or the package default.
func (c *Config) RetryPolicy() retrier.Policy {
	if c.Retry == nil {
		return retrier.DefaultPolicy()
	}
	p := retrier.Policy{
		Strategy:         retrier.Strategy(c.Retry.Strategy),
		MaxAttempts:      c.Retry.MaxAttempts,
		InitialDelay:     time.Duration(c.Retry.InitialDelay * float64(time.Second)),
		MaxDelay:         time.Duration(c.Retry.MaxDelay * float64(time.Second)),
		RetryOnExitCodes: c.Retry.RetryOnExitCodes,
	}
	if p.Strategy == "" {
		p.Strategy = retrier.StrategyExponential
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}
