// Package statestore is a typed facade over the shared key-value store used
// by the pipeline: strings, lists, sorted sets and pub/sub.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned while the gateway is failing fast after a
	// transport error.
	ErrUnavailable = errors.New("statestore: unavailable")
	// ErrWrongType mirrors the WRONGTYPE reply of the server.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	// ErrNoSuchKey mirrors the reply of RENAME on a missing key.
	ErrNoSuchKey = errors.New("ERR no such key")
)

// Key types reported by TypeOf.
const (
	TypeNone   = "none"
	TypeString = "string"
	TypeList   = "list"
	TypeZSet   = "zset"
	TypeHash   = "hash"
)

// Z is a sorted-set member with its score.
type Z struct {
	Member string
	Score  float64
}

// Subscription is a live channel subscription.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Store is the set of state store operations the pipeline relies on.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ListPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	ZAdd(ctx context.Context, key string, score float64, member string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	TypeOf(ctx context.Context, key string) (string, error)
	Rename(ctx context.Context, oldKey, newKey string) error
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// IsWrongType reports whether err is a WRONGTYPE reply.
func IsWrongType(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWrongType) {
		return true
	}
	return strings.Contains(err.Error(), "WRONGTYPE")
}

// ChannelPublisher publishes JSON documents on a channel of a Store.
type ChannelPublisher struct {
	Store Store
}

// PublishMessage marshals payload and publishes it on channel.
func (p ChannelPublisher) PublishMessage(ctx context.Context, channel string, payload interface{}) error {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		var err error
		if b, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	_, err := p.Store.Publish(ctx, channel, b)
	return err
}

// normalizeRange resolves redis-style inclusive indices (negatives count
// from the tail) against a length. ok is false when the range is empty.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
