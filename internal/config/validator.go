package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fentz26/lockwarden/internal/otel"
	"github.com/robfig/cron/v3"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels lists accepted logging.level values.
func ValidLogLevels() []string { return []string{"debug", "info", "warn", "error"} }

// ValidStrategies lists the built-in conflict strategies.
func ValidStrategies() []string { return []string{"wait", "merge", "abort", "negotiate"} }

// Validate returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Addr == "" {
		add("server.addr", c.Server.Addr, "must not be empty")
	}

	if c.Locks.DefaultTTL <= 0 {
		add("locks.default_ttl", c.Locks.DefaultTTL, "must be positive")
	}
	if c.Locks.MaxTTL < c.Locks.DefaultTTL {
		add("locks.max_ttl", c.Locks.MaxTTL, "must be at least locks.default_ttl")
	}

	if !slices.Contains(ValidStrategies(), c.Conflicts.DefaultStrategy) {
		add("conflicts.default_strategy", c.Conflicts.DefaultStrategy,
			"must be one of "+strings.Join(ValidStrategies(), ", "))
	}
	if c.Conflicts.NegotiateTimeout <= 0 {
		add("conflicts.negotiate_timeout", c.Conflicts.NegotiateTimeout, "must be positive")
	}
	if c.Conflicts.StaleGrace < 0 {
		add("conflicts.stale_grace", c.Conflicts.StaleGrace, "must not be negative")
	}
	if c.Agents.HeartbeatTimeout <= 0 {
		add("agents.heartbeat_timeout", c.Agents.HeartbeatTimeout, "must be positive")
	}
	if c.Scheduler.Tick <= 0 {
		add("scheduler.tick", c.Scheduler.Tick, "must be positive")
	}
	if c.Scheduler.DispatchLimit < 0 {
		add("scheduler.dispatch_limit", c.Scheduler.DispatchLimit, "must not be negative")
	}

	for field, spec := range map[string]string{
		"store.persist_schedule":      c.Store.PersistSchedule,
		"conflicts.semantic_schedule": c.Conflicts.SemanticSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			add(field, spec, "invalid cron spec: "+err.Error())
		}
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		add("logging.format", c.Logging.Format, "must be json or text")
	}

	switch c.Telemetry.Exporter {
	case "", otel.ExporterOTLP, otel.ExporterStdout, otel.ExporterNone:
	default:
		add("telemetry.exporter", c.Telemetry.Exporter, "must be otlp-http, stdout or none")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate", c.Telemetry.SampleRate, "must be between 0 and 1")
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		add("nats.url", c.NATS.URL, "required when the embedded server is off")
	}
	if c.NATS.Embedded && (c.NATS.Port < 0 || c.NATS.Port > 65535) {
		add("nats.port", c.NATS.Port, "must be a valid port")
	}

	// sort for stable output; map iteration above is random
	slices.SortStableFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}
