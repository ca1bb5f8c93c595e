package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TrapFlow/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Gateway implements Store over Redis. A transport error marks it
// unhealthy and calls fail fast with ErrUnavailable until the fail-fast
// window elapses. It never retries on its own.
type Gateway struct {
	cfg  *Config
	opts *redis.Options

	mu          sync.RWMutex
	client      *redis.Client
	healthy     bool
	reconnectAt time.Time
	lastErr     error
}

// NewGateway connects to the state store and verifies it with a ping.
func NewGateway(opts ...Option) (*Gateway, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ropts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse state store url: %w", err)
	}
	ropts.PoolSize = cfg.PoolSize
	ropts.MinIdleConns = cfg.MinIdleConns
	ropts.PoolTimeout = cfg.PoolTimeout
	ropts.DialTimeout = cfg.DialTimeout
	ropts.MaxRetries = -1

	g := newGateway(cfg, ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.client.Ping(ctx).Err(); err != nil {
		_ = g.client.Close()
		return nil, fmt.Errorf("state store ping: %w", err)
	}

	return g, nil
}

func newGateway(cfg *Config, ropts *redis.Options) *Gateway {
	return &Gateway{
		cfg:     cfg,
		opts:    ropts,
		client:  redis.NewClient(ropts),
		healthy: true,
	}
}

// Addr returns the server address.
func (g *Gateway) Addr() string {
	return g.opts.Addr
}

// Healthy reports whether the last call reached the server.
func (g *Gateway) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.healthy
}

// LastError returns the transport error that marked the gateway unhealthy.
func (g *Gateway) LastError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastErr
}

// Reconnect replaces the underlying client with a fresh one. The old
// client is closed only after the new one answered a ping.
func (g *Gateway) Reconnect(ctx context.Context) error {
	fresh := redis.NewClient(g.opts)

	pctx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
	defer cancel()
	if err := fresh.Ping(pctx).Err(); err != nil {
		_ = fresh.Close()
		g.markUnhealthy(err)
		return fmt.Errorf("reconnect: %w", err)
	}

	g.mu.Lock()
	old := g.client
	g.client = fresh
	g.healthy = true
	g.lastErr = nil
	g.mu.Unlock()

	if err := old.Close(); err != nil {
		g.cfg.Logger.Warn("closing previous state store client", logger.Error(err))
	}
	g.cfg.Logger.Info("state store reconnected", logger.String("addr", g.opts.Addr))
	return nil
}

// Close closes the current client.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client.Close()
}

func (g *Gateway) acquire() (*redis.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.healthy && g.cfg.Clock.Now().Before(g.reconnectAt) {
		return nil, ErrUnavailable
	}
	return g.client, nil
}

// observe updates health after a call. Errors caused by the caller's own
// context are not held against the server.
func (g *Gateway) observe(parent context.Context, err error) error {
	switch {
	case err != nil && parent.Err() != nil:
	case err == nil, !isTransportError(err):
		g.markHealthy()
	default:
		g.markUnhealthy(err)
	}
	return err
}

func (g *Gateway) markHealthy() {
	g.mu.RLock()
	ok := g.healthy
	g.mu.RUnlock()
	if ok {
		return
	}
	g.mu.Lock()
	g.healthy = true
	g.lastErr = nil
	g.mu.Unlock()
}

func (g *Gateway) markUnhealthy(err error) {
	g.mu.Lock()
	wasHealthy := g.healthy
	g.healthy = false
	g.lastErr = err
	g.reconnectAt = g.cfg.Clock.Now().Add(g.cfg.FailFastWindow)
	g.mu.Unlock()

	if wasHealthy {
		g.cfg.Logger.Error("state store unreachable",
			logger.Code("ERR_STATE_STORE_UNAVAILABLE"),
			logger.String("addr", g.opts.Addr),
			logger.Error(err))
	}
}

func isTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

func (g *Gateway) call(ctx context.Context, timeout time.Duration, fn func(context.Context, *redis.Client) error) error {
	client, err := g.acquire()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.observe(ctx, fn(cctx, client))
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.call(ctx, g.cfg.PingTimeout, func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

func (g *Gateway) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		b, err := c.Get(ctx, key).Bytes()
		out = b
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (g *Gateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
}

func (g *Gateway) ListPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.LPush(ctx, key, args...).Result()
		return err
	})
	return n, err
}

func (g *Gateway) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var vals []string
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		vals, err = c.LRange(ctx, key, start, stop).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (g *Gateway) ZAdd(ctx context.Context, key string, score float64, member string) (int64, error) {
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
		return err
	})
	return n, err
}

func (g *Gateway) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	var zs []redis.Z
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		zs, err = c.ZRangeWithScores(ctx, key, start, stop).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Z, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, Z{Member: m, Score: z.Score})
	}
	return out, nil
}

func (g *Gateway) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.ZRem(ctx, key, args...).Result()
		return err
	})
	return n, err
}

func (g *Gateway) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

func (g *Gateway) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.Publish(ctx, channel, payload).Result()
		return err
	})
	return n, err
}

// Subscribe opens a subscription that lives until Close or ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	client, err := g.acquire()
	if err != nil {
		return nil, err
	}
	ps := client.Subscribe(ctx, channel)

	rctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return nil, g.observe(ctx, fmt.Errorf("subscribe %s: %w", channel, err))
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64)}
	go sub.pump(ctx)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (g *Gateway) TypeOf(ctx context.Context, key string) (string, error) {
	var t string
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		t, err = c.Type(ctx, key).Result()
		return err
	})
	return t, err
}

func (g *Gateway) Rename(ctx context.Context, oldKey, newKey string) error {
	return g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		return c.Rename(ctx, oldKey, newKey).Err()
	})
}

func (g *Gateway) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := g.call(ctx, g.cfg.CallTimeout, func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}
