package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigFile(writeConfig(t, "{}\n")).Load()
	require.NoError(t, err)

	assert.Equal(t, bus.BackendNATS, cfg.Bus.Backend)
	assert.Equal(t, "agentpool", cfg.Bus.Prefix)
	assert.Equal(t, lock.BackendStore, cfg.Lock.Backend)
	assert.Equal(t, time.Second, cfg.Dispatcher.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.LeaseTTL)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.KillGrace)
	assert.Equal(t, 5*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 25, cfg.Isolation.MaxPerCodebase)
	assert.Equal(t, 6*time.Hour, cfg.Cleanup.Interval)
	assert.Equal(t, 14*24*time.Hour, cfg.Cleanup.StaleAfter)
	assert.Equal(t, []string{"telegram"}, cfg.Cleanup.PersistentPlatforms)
	assert.Equal(t, 30*time.Second, cfg.Git.CommandTimeout)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
bus:
  backend: postgres
  postgres_dsn: postgres://localhost/pool
dispatcher:
  lease_ttl: 45s
isolation:
  max_per_codebase: 10
  codebases:
    - id: web
      path: /repos/web
      main_branch: trunk
      max_environments: 4
cleanup:
  stale_after: 72h
`)
	t.Setenv("AGENTPOOL_DISPATCHER_LEASE_TTL", "1m")
	t.Setenv("AGENTPOOL_API_LISTEN", "0.0.0.0:9000")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, bus.BackendPostgres, cfg.Bus.Backend)
	assert.Equal(t, "postgres://localhost/pool", cfg.Bus.PostgresDSN)
	assert.Equal(t, time.Minute, cfg.Dispatcher.LeaseTTL, "environment beats the file")
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
	assert.Equal(t, 10, cfg.Isolation.MaxPerCodebase)
	require.Len(t, cfg.Isolation.Codebases, 1)
	assert.Equal(t, "trunk", cfg.Isolation.Codebases[0].MainBranch)
	assert.Equal(t, 4, cfg.Isolation.Codebases[0].MaxEnvironments)
	assert.Equal(t, 72*time.Hour, cfg.Cleanup.StaleAfter)
}

func TestLoad_FlagOverride(t *testing.T) {
	v := viper.New()
	v.Set("bus.backend", "memory")
	cfg, err := NewLoaderWithViper(v).WithConfigFile(writeConfig(t, "bus:\n  backend: nats\n")).Load()
	require.NoError(t, err)
	assert.Equal(t, bus.BackendMemory, cfg.Bus.Backend)
}

func TestLoad_MissingNamedFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestLoad_InvalidIsFatal(t *testing.T) {
	_, err := NewLoader().WithConfigFile(writeConfig(t, "dispatcher:\n  lease_ttl: 1s\n")).Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func isolationCodebase(id, path string) isolation.Codebase {
	return isolation.Codebase{ID: id, Path: path}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewLoader().WithConfigFile(writeConfig(t, "{}\n")).Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"lease too short", func(c *Config) { c.Dispatcher.LeaseTTL = 2 * time.Second }, "dispatcher.lease_ttl"},
		{"lease not above heartbeat", func(c *Config) {
			c.Agent.HeartbeatInterval = 10 * time.Second
			c.Dispatcher.LeaseTTL = 10 * time.Second
		}, "must exceed agent.heartbeat_interval"},
		{"zero tick", func(c *Config) { c.Dispatcher.TickInterval = 0 }, "tick_interval"},
		{"zero kill grace", func(c *Config) { c.Dispatcher.KillGrace = 0 }, "kill_grace"},
		{"stale too soon", func(c *Config) { c.Cleanup.StaleAfter = 10 * time.Minute }, "cleanup.stale_after"},
		{"cleanup thrash", func(c *Config) { c.Cleanup.Interval = time.Second }, "cleanup.interval"},
		{"no capacity", func(c *Config) { c.Isolation.MaxPerCodebase = 0 }, "max_per_codebase"},
		{"no missed beats", func(c *Config) { c.Agent.MissedHeartbeats = 0 }, "missed_heartbeats"},
		{"unknown bus", func(c *Config) { c.Bus.Backend = "kafka" }, `unknown bus.backend "kafka"`},
		{"postgres without dsn", func(c *Config) { c.Bus.Backend = bus.BackendPostgres }, "postgres_dsn"},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "redis" }, "lock.backend"},
		{"codebase without path", func(c *Config) {
			c.Isolation.Codebases = append(c.Isolation.Codebases, isolationCodebase("x", ""))
		}, "needs id and path"},
		{"duplicate codebase", func(c *Config) {
			c.Isolation.Codebases = append(c.Isolation.Codebases, isolationCodebase("x", "/a"), isolationCodebase("x", "/b"))
		}, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.Dispatcher.TickInterval = 0
	cfg.Cleanup.Interval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
	assert.Contains(t, err.Error(), "cleanup.interval")
}

func TestYAML_RoundTripsThroughLoader(t *testing.T) {
	cfg := validConfig(t)
	cfg.Isolation.Codebases = append(cfg.Isolation.Codebases, isolationCodebase("svc", "/repos/svc"))
	out, err := cfg.YAML()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(out, &raw))
	assert.Contains(t, raw, "dispatcher")

	path := writeConfig(t, string(out))
	again, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Isolation.Codebases, again.Isolation.Codebases)
	assert.Equal(t, cfg.Dispatcher, again.Dispatcher)
}
