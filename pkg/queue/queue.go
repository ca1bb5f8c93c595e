package queue

import (
	"context"
	"errors"
	"fmt"

	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/statestore"

	"github.com/benbjohnson/clock"
)

// DefaultKey is the well-known queue key.
const DefaultKey = "mm_trap_queue:zset"

var ErrEmptyMember = errors.New("queue: empty member")

// Entry is a queued member with its enqueue score (unix seconds).
type Entry struct {
	Member string
	Score  float64
}

// EventQueue is a durable ordered queue backed by a sorted set. Members
// are the exact candidate bytes; scores are enqueue times. Entries stay
// until explicitly acked, so delivery is at-least-once.
type EventQueue struct {
	store  statestore.Store
	key    string
	clock  clock.Clock
	logger *logger.Logger
}

// Option configures EventQueue.
type Option func(*EventQueue)

// WithKey sets the sorted-set key.
func WithKey(key string) Option {
	return func(q *EventQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithClock overrides the clock used for scores and backup names.
func WithClock(clk clock.Clock) Option {
	return func(q *EventQueue) {
		q.clock = clk
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *logger.Logger) Option {
	return func(q *EventQueue) {
		q.logger = l
	}
}

// New creates an EventQueue over store.
func New(store statestore.Store, opts ...Option) *EventQueue {
	q := &EventQueue{
		store:  store,
		key:    DefaultKey,
		clock:  clock.New(),
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key returns the sorted-set key.
func (q *EventQueue) Key() string {
	return q.key
}

// Enqueue adds member scored at now. Re-enqueueing identical bytes moves
// the member to the tail.
func (q *EventQueue) Enqueue(ctx context.Context, member []byte) error {
	if len(member) == 0 {
		return ErrEmptyMember
	}
	now := q.clock.Now()
	score := float64(now.UnixNano()) / 1e9
	if _, err := q.store.ZAdd(ctx, q.key, score, string(member)); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// PeekBatch returns up to n oldest entries without removing them.
func (q *EventQueue) PeekBatch(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	zs, err := q.store.ZRange(ctx, q.key, 0, int64(n-1))
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	out := make([]Entry, len(zs))
	for i, z := range zs {
		out[i] = Entry{Member: z.Member, Score: z.Score}
	}
	return out, nil
}

// Ack removes members. Missing members are ignored.
func (q *EventQueue) Ack(ctx context.Context, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := q.store.ZRem(ctx, q.key, members...)
	if err != nil {
		return 0, fmt.Errorf("zrem: %w", err)
	}
	return n, nil
}

// Depth returns the number of queued entries.
func (q *EventQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.ZCard(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return n, nil
}

// RecoverWrongType moves a non-zset value out of the way so the queue can
// start fresh. It returns the backup key, or "" when nothing was moved.
func (q *EventQueue) RecoverWrongType(ctx context.Context) (string, error) {
	typ, err := q.store.TypeOf(ctx, q.key)
	if err != nil {
		return "", fmt.Errorf("type: %w", err)
	}
	if typ == statestore.TypeNone || typ == statestore.TypeZSet {
		return "", nil
	}

	backup := fmt.Sprintf("%s_backup_%d", q.key, q.clock.Now().Unix())
	if err := q.store.Rename(ctx, q.key, backup); err != nil {
		return "", fmt.Errorf("rename %s: %w", q.key, err)
	}

	q.logger.Critical("queue key held wrong type; moved to backup",
		logger.Code("ERR_QUEUE_WRONGTYPE"),
		logger.String("queue_key", q.key),
		logger.String("found_type", typ),
		logger.String("backup_key", backup))
	return backup, nil
}
