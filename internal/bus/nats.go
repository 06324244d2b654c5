package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus carries messages over NATS core subjects, one subject per channel.
type NATSBus struct {
	nc     *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// DialNATS connects to the NATS server at url. Reconnects are unlimited;
// messages published while disconnected are buffered by the client.
func DialNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	logger = logger.With().Str("component", "bus").Str("backend", BackendNATS).Logger()

	nc, err := nats.Connect(url,
		nats.Name("agentpool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		nc:     nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Conn exposes the underlying connection so the JetStream lock can share it.
func (b *NATSBus) Conn() *nats.Conn {
	return b.nc
}

// Publish sends msg on the subject named by channel.
func (b *NATSBus) Publish(ctx context.Context, channel string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(channel, data); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers fn for channel. NATS invokes the callback of one
// subscription sequentially, which preserves per-channel ordering.
func (b *NATSBus) Subscribe(channel string, fn HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc.IsClosed() {
		return ErrClosed
	}
	if _, ok := b.subs[channel]; ok {
		return ErrAlreadySubscribed
	}

	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
			return
		}
		fn(b.ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe stops delivery on channel.
func (b *NATSBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return ErrNotSubscribed
	}
	delete(b.subs, channel)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	b.cancel()
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
