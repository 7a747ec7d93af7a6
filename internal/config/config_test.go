package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/loadguard/internal/config"
	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3cr3t-admin-token-value"

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "loadguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8081

[proxy]
target = "http://backend.internal:9000"

[monitoring]
check_interval = "2s"
cooldown_period = "1m"
smoothing_factor = 0.5
fail_mode = "closed"
history_size = 30

[monitoring.thresholds]
cpu = 75
memory = 80
load = 2.5
max_connections = 500

[security]
whitelist = ["10.0.0.1", "10.0.0.2"]
bypass_tokens = ["token-one-aaaaaaaaaa"]
admin_token = "`+testAdminToken+`"

[telemetry]
enabled = true
db_path = "/tmp/loadguard-test.db"
`)
	t.Setenv("LOADGUARD_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "http://backend.internal:9000", cfg.Proxy.Target)
	assert.Equal(t, "http://backend.internal:9000", cfg.Backend.HealthURL, "health URL defaults to proxy target")
	assert.Equal(t, 2*time.Second, cfg.Monitoring.CheckInterval)
	assert.Equal(t, time.Minute, cfg.Monitoring.CooldownPeriod)
	assert.InDelta(t, 0.5, cfg.Monitoring.SmoothingFactor, 1e-9)
	assert.Equal(t, "closed", cfg.Monitoring.FailMode)
	assert.Equal(t, 30, cfg.Monitoring.HistorySize)
	assert.InDelta(t, 75.0, cfg.Monitoring.Thresholds.CPU, 1e-9)
	assert.InDelta(t, 80.0, cfg.Monitoring.Thresholds.Memory, 1e-9)
	assert.InDelta(t, 2.5, cfg.Monitoring.Thresholds.Load, 1e-9)
	assert.Equal(t, int64(500), cfg.Monitoring.Thresholds.MaxConnections)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Security.Whitelist)
	assert.Equal(t, []string{"token-one-aaaaaaaaaa"}, cfg.Security.BypassTokens)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOADGUARD_CONFIG", "")
	t.Setenv("LOADGUARD_SECURITY_ADMIN_TOKEN", testAdminToken)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Monitoring.CheckInterval)
	assert.Equal(t, 3*time.Second, cfg.Monitoring.SampleTimeout)
	assert.Equal(t, 120*time.Second, cfg.Monitoring.CooldownPeriod)
	assert.Equal(t, 10*time.Second, cfg.Backend.ProbeInterval)
	assert.Equal(t, 3*time.Second, cfg.Backend.ProbeTimeout)
	assert.InDelta(t, 0.3, cfg.Monitoring.SmoothingFactor, 1e-9)
	assert.Equal(t, "open", cfg.Monitoring.FailMode)
	assert.Equal(t, 60, cfg.Monitoring.HistorySize)
	assert.InDelta(t, 85.0, cfg.Monitoring.Thresholds.CPU, 1e-9)
	assert.InDelta(t, 90.0, cfg.Monitoring.Thresholds.Memory, 1e-9)
	assert.InDelta(t, 5.0, cfg.Monitoring.Thresholds.Load, 1e-9)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.Security.Whitelist)
	assert.Equal(t, "/holding", cfg.Holding.Path)
	assert.Equal(t, config.DefaultLogLevel, cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLegacyEnvironment(t *testing.T) {
	t.Setenv("LOADGUARD_CONFIG", "")
	t.Setenv("ADMIN_TOKEN", testAdminToken)
	t.Setenv("BACKEND_URL", "http://10.1.2.3:8080")
	t.Setenv("BYPASS_TOKENS", "first-bypass-token, second-bypass-token")
	t.Setenv("WHITELIST_IPS", "192.168.1.10,192.168.1.11")
	t.Setenv("FAIL_MODE", "closed")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, testAdminToken, cfg.Security.AdminToken)
	assert.Equal(t, "http://10.1.2.3:8080", cfg.Proxy.Target)
	assert.Equal(t, []string{"first-bypass-token", "second-bypass-token"}, cfg.Security.BypassTokens)
	assert.Equal(t, []string{"192.168.1.10", "192.168.1.11"}, cfg.Security.Whitelist)
	assert.Equal(t, "closed", cfg.Monitoring.FailMode)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8081

[security]
admin_token = "`+testAdminToken+`"
`)

	cfg, err := config.Load([]string{"--config", path, "--port", "9090", "--fail-mode", "closed", "--print-config"})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "closed", cfg.Monitoring.FailMode)
	assert.True(t, cfg.PrintConfig)
}

func TestInvalidThresholds(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"cpu too low", "[monitoring.thresholds]\ncpu = 40", "monitoring.thresholds.cpu"},
		{"memory too high", "[monitoring.thresholds]\nmemory = 101", "monitoring.thresholds.memory"},
		{"load too low", "[monitoring.thresholds]\nload = 0.05", "monitoring.thresholds.load"},
		{"cpu not a number", "[monitoring.thresholds]\ncpu = nan", "monitoring.thresholds.cpu"},
		{"memory not a number", "[monitoring.thresholds]\nmemory = nan", "monitoring.thresholds.memory"},
		{"load not a number", "[monitoring.thresholds]\nload = nan", "monitoring.thresholds.load"},
		{"smoothing out of range", "[monitoring]\nsmoothing_factor = 1.5", "monitoring.smoothing_factor"},
		{"unknown fail mode", "[monitoring]\nfail_mode = \"sideways\"", "monitoring.fail_mode"},
		{"zero sample timeout", "[monitoring]\nsample_timeout = \"0s\"", "monitoring.sample_timeout"},
		{"empty history", "[monitoring]\nhistory_size = 0", "monitoring.history_size"},
		{"relative backend", "[proxy]\ntarget = \"backend:8080\"", "proxy.target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body+"\n[security]\nadmin_token = \""+testAdminToken+"\"\n")
			t.Setenv("LOADGUARD_CONFIG", path)

			_, err := config.Load(nil)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

			var verr config.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field())
		})
	}
}

func TestNaNThresholdFromEnv(t *testing.T) {
	t.Setenv("LOADGUARD_CONFIG", "")
	t.Setenv("LOADGUARD_SECURITY_ADMIN_TOKEN", testAdminToken)
	t.Setenv("LOADGUARD_MONITORING_THRESHOLDS_CPU", "NaN")

	_, err := config.Load(nil)
	require.Error(t, err)

	var verr config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "monitoring.thresholds.cpu", verr.Field())
}

func TestMissingAdminToken(t *testing.T) {
	t.Setenv("LOADGUARD_CONFIG", "")

	_, err := config.Load(nil)
	require.Error(t, err)

	var verr config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "security.admin_token", verr.Field())
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "invalid"

[security]
admin_token = "`+testAdminToken+`"
`)
	t.Setenv("LOADGUARD_CONFIG", path)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("LOADGUARD_CONFIG", path)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestWarnings(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.AdminToken = "CHANGE_THIS_admin_token"
	cfg.Security.BypassTokens = []string{"short"}

	warnings := cfg.Warnings()
	assert.Len(t, warnings, 2)
}

func TestDumpHidesSecrets(t *testing.T) {
	path := writeConfig(t, `
[security]
admin_token = "`+testAdminToken+`"
bypass_tokens = ["bypass-token-value-1"]
`)

	loader, err := config.NewLoader(config.WithConfigFile(path))
	require.NoError(t, err)
	_, err = loader.Load(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, loader.Dump(&buf, false))

	out := buf.String()
	assert.NotContains(t, out, testAdminToken)
	assert.NotContains(t, out, "bypass-token-value-1")
	assert.Contains(t, out, "***HIDDEN***")
	assert.Contains(t, out, `check_interval = "5s"`)
}
