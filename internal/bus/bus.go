// Package bus provides the typed publish/subscribe transport between the
// dispatcher and agents. Delivery is at-most-once per subscriber process, so
// handlers must tolerate duplicates after reconnects.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var (
	ErrClosed            = errors.New("bus closed")
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	ErrNotSubscribed     = errors.New("channel not subscribed")
)

// HandlerFunc receives messages delivered on a subscribed channel. Calls for
// one channel are sequential.
type HandlerFunc func(ctx context.Context, msg Message)

// Bus is the transport contract. Implementations must behave identically so
// callers never branch on the backend.
type Bus interface {
	Publish(ctx context.Context, channel string, msg Message) error
	Subscribe(channel string, fn HandlerFunc) error
	Unsubscribe(channel string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
}

// Open connects the backend named in cfg. Failure to connect is fatal for
// the calling process.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Bus, error) {
	switch cfg.Backend {
	case BackendNATS, "":
		return DialNATS(cfg.NATSURL, logger)
	case BackendPostgres:
		return DialPostgres(ctx, cfg.PostgresDSN, logger)
	case BackendMemory:
		return NewMemoryBus(logger), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// Channels derives channel names from a common prefix.
type Channels struct {
	Prefix string
}

// Agents carries register, heartbeat, status and deregister messages.
func (c Channels) Agents() string { return c.Prefix + ".agents" }

// Results carries task results.
func (c Channels) Results() string { return c.Prefix + ".results" }

// Control carries broadcast ping/pong.
func (c Channels) Control() string { return c.Prefix + ".control" }

// Agent is the private channel of one agent: dispatches and control signals.
func (c Channels) Agent(agentID string) string { return c.Prefix + ".agent." + agentID }

// Dispatch routes msg to h and logs handler errors. It is the usual body of
// a HandlerFunc.
func Dispatch(ctx context.Context, logger zerolog.Logger, h Handler, msg Message) {
	if err := msg.Accept(ctx, h); err != nil {
		logger.Warn().Err(err).Str("type", string(msg.Type())).Msg("message handler failed")
	}
}
