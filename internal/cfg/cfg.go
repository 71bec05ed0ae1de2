package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds pipeline-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	RedisURL              string
	StreamShards          int
	InferenceEndpoint     string
	SlackWebhookURL       string
	SeverityMaxAttempts   int
	SeverityBaseDelayMS   int
	SeverityMaxElapsedSec int
	StatsScanCap          int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the API (empty = no auth)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis connection URL for the event log (empty = in-process log)")
	fs.IntVar(&c.StreamShards, "stream-shards", 4, "number of Redis stream shards for the event log (1..64)")
	fs.StringVar(&c.InferenceEndpoint, "inference-endpoint", "", "HTTP endpoint of the threat scoring model")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.IntVar(&c.SeverityMaxAttempts, "severity-max-attempts", 5, "max attempts per severity scoring call (1..10)")
	fs.IntVar(&c.SeverityBaseDelayMS, "severity-base-delay-ms", 500, "base retry delay for severity scoring in milliseconds")
	fs.IntVar(&c.SeverityMaxElapsedSec, "severity-max-elapsed-seconds", 30, "retry budget per severity scoring call in seconds")
	fs.IntVar(&c.StatsScanCap, "stats-scan-cap", 10000, "max records scanned per stats request")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Claude API key is required for LLM access (the resolver falls back
	// to heuristics at runtime, not at startup)
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.StreamShards <= 0 || c.StreamShards > 64 {
		errs = append(errs, fmt.Errorf("invalid STREAM_SHARDS %d (must be 1..64)", c.StreamShards))
	}

	if c.SeverityMaxAttempts <= 0 || c.SeverityMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_MAX_ATTEMPTS %d (must be 1..10)", c.SeverityMaxAttempts))
	}
	if c.SeverityBaseDelayMS <= 0 {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_BASE_DELAY_MS %d (must be positive)", c.SeverityBaseDelayMS))
	}
	if c.SeverityMaxElapsedSec <= 0 {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_MAX_ELAPSED_SECONDS %d (must be positive)", c.SeverityMaxElapsedSec))
	}

	if c.StatsScanCap <= 0 {
		errs = append(errs, fmt.Errorf("invalid STATS_SCAN_CAP %d (must be positive)", c.StatsScanCap))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
