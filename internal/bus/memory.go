package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const memoryBufferSize = 256

// MemoryBus is an in-process Bus. Messages are encoded and decoded on
// publish so subscribers never share memory with the publisher, and a full
// subscriber buffer drops the message like a lossy network would.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]*memorySub
	closed bool
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memorySub struct {
	ch   chan Message
	done chan struct{}
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[string]*memorySub),
		logger: logger.With().Str("component", "bus").Str("backend", BackendMemory).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish delivers msg to the channel's subscriber, if any.
func (b *MemoryBus) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	copied, err := Decode(data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}

	select {
	case sub.ch <- copied:
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.logger.Warn().Str("channel", channel).Str("type", string(msg.Type())).Msg("subscriber buffer full, message dropped")
	}
	return nil
}

// Subscribe registers fn for channel.
func (b *MemoryBus) Subscribe(channel string, fn HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[channel]; ok {
		return ErrAlreadySubscribed
	}

	sub := &memorySub{ch: make(chan Message, memoryBufferSize), done: make(chan struct{})}
	b.subs[channel] = sub

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
	return nil
}

// Unsubscribe stops delivery on channel.
func (b *MemoryBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return ErrNotSubscribed
	}
	close(sub.done)
	delete(b.subs, channel)
	return nil
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ch, sub := range b.subs {
		close(sub.done)
		delete(b.subs, ch)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
