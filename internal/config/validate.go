package config

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"codeberg.org/mutker/loadguard/internal/errors"
)

const minTokenLength = 16

// Validate checks every field that the core relies on. The first violation is returned
// wrapped in an ErrInvalidConfig error whose cause implements ValidationError.
func (c *Config) Validate() error {
	checks := []*fieldError{
		between("monitoring.thresholds.cpu", c.Monitoring.Thresholds.CPU, 50, 100),
		between("monitoring.thresholds.memory", c.Monitoring.Thresholds.Memory, 50, 100),
		between("monitoring.thresholds.load", c.Monitoring.Thresholds.Load, 0.1, 100),
		between("monitoring.smoothing_factor", c.Monitoring.SmoothingFactor, 0, 1),
	}

	if c.Monitoring.Thresholds.MaxConnections < 0 {
		checks = append(checks, &fieldError{"monitoring.thresholds.max_connections", c.Monitoring.Thresholds.MaxConnections, "must not be negative"})
	}
	if c.Monitoring.CheckInterval <= 0 {
		checks = append(checks, &fieldError{"monitoring.check_interval", c.Monitoring.CheckInterval, "must be positive"})
	}
	if c.Monitoring.SampleTimeout <= 0 {
		checks = append(checks, &fieldError{"monitoring.sample_timeout", c.Monitoring.SampleTimeout, "must be positive"})
	}
	if c.Monitoring.CooldownPeriod <= 0 {
		checks = append(checks, &fieldError{"monitoring.cooldown_period", c.Monitoring.CooldownPeriod, "must be positive"})
	}
	if c.Monitoring.FailMode != "open" && c.Monitoring.FailMode != "closed" {
		checks = append(checks, &fieldError{"monitoring.fail_mode", c.Monitoring.FailMode, "must be one of: open, closed"})
	}
	if c.Monitoring.HistorySize < 1 {
		checks = append(checks, &fieldError{"monitoring.history_size", c.Monitoring.HistorySize, "must be at least 1"})
	}
	if c.Backend.ProbeInterval <= 0 {
		checks = append(checks, &fieldError{"backend.probe_interval", c.Backend.ProbeInterval, "must be positive"})
	}
	if c.Backend.ProbeTimeout <= 0 {
		checks = append(checks, &fieldError{"backend.probe_timeout", c.Backend.ProbeTimeout, "must be positive"})
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		checks = append(checks, &fieldError{"server.port", c.Server.Port, "must be between 1-65535"})
	}
	if !isHTTPURL(c.Proxy.Target) {
		checks = append(checks, &fieldError{"proxy.target", c.Proxy.Target, "must be an absolute http(s) URL"})
	}
	if !isHTTPURL(c.Backend.HealthURL) {
		checks = append(checks, &fieldError{"backend.health_url", c.Backend.HealthURL, "must be an absolute http(s) URL"})
	}
	if c.Security.AdminToken == "" {
		checks = append(checks, &fieldError{"security.admin_token", "", "is required"})
	}
	if !strings.HasPrefix(c.Holding.Path, "/") {
		checks = append(checks, &fieldError{"holding.path", c.Holding.Path, "must start with /"})
	}
	if c.Telemetry.Enabled && c.Telemetry.DBPath == "" {
		checks = append(checks, &fieldError{"telemetry.db_path", "", "is required when telemetry is enabled"})
	}

	errFactory := errors.New()
	for _, check := range checks {
		if check != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, check)
		}
	}

	if !LogLevel(c.Logging.Level).IsValid() {
		return errFactory.Wrap(errors.ErrInvalidLogLevel, &fieldError{"logging.level", c.Logging.Level, "must be one of: debug, info, warning, error"})
	}

	return nil
}

// Warnings lists non-fatal problems such as weak secrets.
func (c *Config) Warnings() []string {
	var warnings []string
	if isWeakToken(c.Security.AdminToken) {
		warnings = append(warnings, "security.admin_token appears to be weak or a default value")
	}
	for _, token := range c.Security.BypassTokens {
		if isWeakToken(token) {
			warnings = append(warnings, "security.bypass_tokens contains a weak or default value")
			break
		}
	}

	return warnings
}

func between(field string, value, lo, hi float64) *fieldError {
	if math.IsNaN(value) || value < lo || value > hi {
		return &fieldError{field, value, "must be between " + trimFloat(lo) + "-" + trimFloat(hi)}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isWeakToken(token string) bool {
	return len(token) < minTokenLength ||
		strings.Contains(token, "CHANGE_THIS") ||
		strings.Contains(token, "default")
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
