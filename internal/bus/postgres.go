package bus

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxNotifyPayload = 7999
	// Channel names are identifiers and are truncated by the server past this length.
	maxChannelName = 63
)

// ErrPayloadTooLarge is returned when an encoded message exceeds the NOTIFY limit.
var ErrPayloadTooLarge = errors.New("message exceeds notify payload limit")

// PostgresBus carries messages over LISTEN/NOTIFY. It suits small fleets
// that already run Postgres and do not want a broker.
type PostgresBus struct {
	db       *sql.DB
	listener *pq.Listener
	logger   zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*pgSub
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pgSub queues notifications for one channel so a slow handler holds up
// only its own channel.
type pgSub struct {
	ch   chan Message
	done chan struct{}
}

// DialPostgres opens a publishing connection pool and a dedicated listener
// connection to dsn.
func DialPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresBus, error) {
	logger = logger.With().Str("component", "bus").Str("backend", BackendPostgres).Logger()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	listener := pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("listener connection attempt failed")
		}
	})

	b := newPostgresBus(db, listener, logger)
	b.wg.Add(1)
	go b.loop()
	return b, nil
}

func newPostgresBus(db *sql.DB, listener *pq.Listener, logger zerolog.Logger) *PostgresBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresBus{
		db:       db,
		listener: listener,
		logger:   logger,
		subs:     make(map[string]*pgSub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *PostgresBus) loop() {
	defer b.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected; anything sent meanwhile is lost, which at-most-once allows.
				continue
			}
			b.route(n.Channel, n.Extra)
		case <-ping.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.logger.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

// route hands a notification to its channel's delivery goroutine. A full
// buffer drops the message.
func (b *PostgresBus) route(channel, payload string) {
	msg, err := Decode([]byte(payload))
	if err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[channel]
	if !ok {
		return
	}
	select {
	case sub.ch <- msg:
	case <-sub.done:
	default:
		b.logger.Warn().Str("channel", channel).Str("type", string(msg.Type())).Msg("subscriber buffer full, message dropped")
	}
}

// attach registers fn under the listened name and starts its delivery
// goroutine. Callers hold b.mu.
func (b *PostgresBus) attach(name string, fn HandlerFunc) {
	sub := &pgSub{ch: make(chan Message, memoryBufferSize), done: make(chan struct{})}
	b.subs[name] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case <-b.ctx.Done():
				return
			case m := <-sub.ch:
				fn(b.ctx, m)
			}
		}
	}()
}

// Publish sends msg with pg_notify.
func (b *PostgresBus) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > maxNotifyPayload {
		return fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, msg.Type(), len(data))
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel(channel), string(data)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe issues LISTEN for channel and registers fn. Each channel is
// delivered on its own goroutine.
func (b *PostgresBus) Subscribe(channel string, fn HandlerFunc) error {
	name := pgChannel(channel)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[name]; ok {
		return ErrAlreadySubscribed
	}
	if err := b.listener.Listen(name); err != nil && err != pq.ErrChannelAlreadyOpen {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	b.attach(name, fn)
	return nil
}

// Unsubscribe issues UNLISTEN for channel.
func (b *PostgresBus) Unsubscribe(channel string) error {
	name := pgChannel(channel)

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[name]
	if !ok {
		return ErrNotSubscribed
	}
	close(sub.done)
	delete(b.subs, name)
	if err := b.listener.Unlisten(name); err != nil && err != pq.ErrChannelNotOpen {
		return fmt.Errorf("unlisten %s: %w", channel, err)
	}
	return nil
}

// Close stops the listener and closes both connections.
func (b *PostgresBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, sub := range b.subs {
		close(sub.done)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.cancel()
	var lerr error
	if b.listener != nil {
		lerr = b.listener.Close()
	}
	b.wg.Wait()
	var derr error
	if b.db != nil {
		derr = b.db.Close()
	}
	return errors.Join(lerr, derr)
}

// pgChannel keeps channel names within the identifier limit. Long names are
// shortened to a stable hash-suffixed form.
func pgChannel(channel string) string {
	if len(channel) <= maxChannelName {
		return channel
	}
	sum := sha1.Sum([]byte(channel))
	suffix := hex.EncodeToString(sum[:8])
	return channel[:maxChannelName-len(suffix)-1] + "_" + suffix
}
