package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"TrapFlow/pkg/logger"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v4"
)

// Client manages the ClickHouse connection pool used by the low-tier
// archive.
type Client struct {
	db  *sql.DB
	cfg *ClientConfig
}

// NewClient opens the pool and pings it, retrying with backoff up to
// ConnectAttempts times.
func NewClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	db := ch.OpenDB(options(cfg))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{db: db, cfg: cfg}
	if err := c.connect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	cfg.Logger.Info("clickhouse connected",
		logger.String("addr", c.Addr()),
		logger.String("database", cfg.Database),
	)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.ConnectAttempts-1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		err := c.db.PingContext(pctx)
		if err != nil {
			c.cfg.Logger.Warn("clickhouse ping failed",
				logger.Int("attempt", attempt),
				logger.String("addr", c.Addr()),
				logger.Error(err),
			)
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}

func options(cfg *ClientConfig) *ch.Options {
	o := &ch.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))},
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Protocol:        ch.Native,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Settings:        ch.Settings{},
	}
	if cfg.UseHTTP {
		o.Protocol = ch.HTTP
	}
	if cfg.MaxExecTime > 0 {
		o.Settings["max_execution_time"] = int(cfg.MaxExecTime.Seconds())
	}
	if cfg.AsyncInsert {
		o.Settings["async_insert"] = 1
		if cfg.WaitForAsync {
			o.Settings["wait_for_async_insert"] = 1
		}
	}
	return o
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Database returns the configured database name.
func (c *Client) Database() string {
	return c.cfg.Database
}

// DB returns *sql.DB for direct use.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Health performs health check.
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes connection pool.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// InitSchema runs idempotent DDL statements in order.
func (c *Client) InitSchema(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema (statement %d): %w", i+1, err)
		}
	}
	c.cfg.Logger.Debug("clickhouse schema ready", logger.Int("statements", len(stmts)))
	return nil
}
