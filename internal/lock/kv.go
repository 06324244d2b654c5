package lock

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var invalidKeyChars = regexp.MustCompile(`[^-/_=.a-zA-Z0-9]`)

// KVLocker keeps leases in a JetStream key-value bucket so agents on
// different hosts share one lock space. The lease length is the bucket TTL:
// every write restarts it, and the ttl arguments are ignored.
type KVLocker struct {
	kv jetstream.KeyValue
}

// NewKVLocker creates or updates bucket with the given lease TTL.
func NewKVLocker(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*KVLocker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "agentpool assignment locks",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket %s: %w", bucket, err)
	}
	return &KVLocker{kv: kv}, nil
}

func kvKey(key string) string {
	return invalidKeyChars.ReplaceAllString(key, "_")
}

func (l *KVLocker) Acquire(ctx context.Context, key, holder string, _ time.Duration) error {
	k := kvKey(key)
	if _, err := l.kv.Create(ctx, k, []byte(holder)); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("create lock %s: %w", key, err)
	}

	entry, err := l.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// Expired between Create and Get; one more try decides it.
		if _, err := l.kv.Create(ctx, k, []byte(holder)); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return ErrLocked
			}
			return fmt.Errorf("create lock %s: %w", key, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lock %s: %w", key, err)
	}
	if string(entry.Value()) != holder {
		return ErrLocked
	}
	if _, err := l.kv.Update(ctx, k, []byte(holder), entry.Revision()); err != nil {
		return ErrLocked
	}
	return nil
}

func (l *KVLocker) Renew(ctx context.Context, key, holder string, _ time.Duration) error {
	k := kvKey(key)
	entry, err := l.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("get lock %s: %w", key, err)
	}
	if string(entry.Value()) != holder {
		return ErrNotHeld
	}
	if _, err := l.kv.Update(ctx, k, []byte(holder), entry.Revision()); err != nil {
		return ErrNotHeld
	}
	return nil
}

func (l *KVLocker) Release(ctx context.Context, key, holder string) error {
	k := kvKey(key)
	entry, err := l.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("get lock %s: %w", key, err)
	}
	if string(entry.Value()) != holder {
		return ErrNotHeld
	}
	if err := l.kv.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("delete lock %s: %w", key, err)
	}
	return nil
}

func (l *KVLocker) Holder(ctx context.Context, key string) (string, error) {
	entry, err := l.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lock %s: %w", key, err)
	}
	return string(entry.Value()), nil
}
