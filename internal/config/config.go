// Package config loads agentpool settings from a YAML file, AGENTPOOL_*
// environment variables and command flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/cleanup"
	"github.com/fentz26/agentpool/internal/connectors/localexec"
	"github.com/fentz26/agentpool/internal/dispatch"
	"github.com/fentz26/agentpool/internal/git"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/logging"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTPOOL"

const (
	DefaultListen            = "127.0.0.1:7466"
	DefaultBusPrefix         = "agentpool"
	DefaultNATSURL           = "nats://127.0.0.1:4222"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultStopGrace         = 10 * time.Second
)

// Config is the complete process configuration.
type Config struct {
	Log        logging.Config   `mapstructure:"log" yaml:"log"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Bus        bus.Config       `mapstructure:"bus" yaml:"bus"`
	Lock       lock.Config      `mapstructure:"lock" yaml:"lock"`
	Dispatcher dispatch.Config  `mapstructure:"dispatcher" yaml:"dispatcher"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Isolation  isolation.Config `mapstructure:"isolation" yaml:"isolation"`
	Cleanup    cleanup.Config   `mapstructure:"cleanup" yaml:"cleanup"`
	Git        GitConfig        `mapstructure:"git" yaml:"git"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AgentConfig configures a worker process.
type AgentConfig struct {
	ID                 string           `mapstructure:"id" yaml:"id"`
	HeartbeatInterval  time.Duration    `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MissedHeartbeats   int              `mapstructure:"missed_heartbeats" yaml:"missed_heartbeats"`
	MaxConcurrentTasks int              `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	SupportedLanguages []string         `mapstructure:"supported_languages" yaml:"supported_languages"`
	LLMProvider        string           `mapstructure:"llm_provider" yaml:"llm_provider,omitempty"`
	StopGrace          time.Duration    `mapstructure:"stop_grace" yaml:"stop_grace"`
	WorkDir            string           `mapstructure:"work_dir" yaml:"work_dir"`
	Runner             localexec.Config `mapstructure:"runner" yaml:"runner"`
}

type GitConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// HeartbeatTimeout is how long an agent may stay silent before it is
// considered offline.
func (c *Config) HeartbeatTimeout() time.Duration {
	return c.Agent.HeartbeatInterval * time.Duration(c.Agent.MissedHeartbeats)
}

// DefaultDir is ~/.agentpool, or ./.agentpool when the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentpool"
	}
	return filepath.Join(home, ".agentpool")
}

// SetDefaults registers every key with its default so environment
// overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.path", filepath.Join(dir, "agentpool.db"))

	v.SetDefault("bus.backend", bus.BackendNATS)
	v.SetDefault("bus.nats_url", DefaultNATSURL)
	v.SetDefault("bus.postgres_dsn", "")
	v.SetDefault("bus.prefix", DefaultBusPrefix)

	v.SetDefault("lock.backend", lock.BackendStore)
	v.SetDefault("lock.bucket", "agentpool_locks")

	v.SetDefault("dispatcher.tick_interval", dispatch.DefaultTickInterval)
	v.SetDefault("dispatcher.lease_ttl", dispatch.DefaultLeaseTTL)
	v.SetDefault("dispatcher.kill_grace", dispatch.DefaultKillGrace)

	v.SetDefault("agent.id", "")
	v.SetDefault("agent.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("agent.missed_heartbeats", DefaultMissedHeartbeats)
	v.SetDefault("agent.max_concurrent_tasks", 1)
	v.SetDefault("agent.supported_languages", []string{})
	v.SetDefault("agent.llm_provider", "")
	v.SetDefault("agent.stop_grace", DefaultStopGrace)
	v.SetDefault("agent.work_dir", ".")
	v.SetDefault("agent.runner.command", "claude")
	v.SetDefault("agent.runner.args", []string{"-p", localexec.PromptPlaceholder})
	v.SetDefault("agent.runner.abort_grace", 10*time.Second)

	v.SetDefault("isolation.worktree_root", filepath.Join(dir, "worktrees"))
	v.SetDefault("isolation.branch_prefix", "agentpool")
	v.SetDefault("isolation.max_per_codebase", isolation.DefaultMaxPerCodebase)

	v.SetDefault("cleanup.interval", cleanup.DefaultInterval)
	v.SetDefault("cleanup.stale_after", cleanup.DefaultStaleAfter)
	v.SetDefault("cleanup.persistent_platforms", cleanup.DefaultPersistentPlatforms)

	v.SetDefault("git.command_timeout", git.DefaultTimeout)

	v.SetDefault("api.listen", DefaultListen)
}

// Loader reads configuration through a viper instance, so flags bound on
// that instance take precedence over file and environment values.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader returns a loader over a fresh viper instance.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper returns a loader over v.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// WithConfigFile reads path instead of the default location. A named file
// must exist.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.file = path
	return l
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads, merges and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	v := l.v
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file that was read, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
