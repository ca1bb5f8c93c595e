package statestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"TrapFlow/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableGateway points at a port nothing listens on.
func unreachableGateway(clk clock.Clock) *Gateway {
	cfg := defaultConfig()
	cfg.Clock = clk
	cfg.Logger = logger.NewNop()
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.PingTimeout = 200 * time.Millisecond
	return newGateway(cfg, &redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestGatewayFailsFastAfterTransportError(t *testing.T) {
	clk := clock.NewMock()
	g := unreachableGateway(clk)
	defer g.Close()
	ctx := context.Background()

	require.True(t, g.Healthy())

	_, err := g.ZCard(ctx, "q")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, g.Healthy())
	assert.Error(t, g.LastError())

	_, err = g.ZCard(ctx, "q")
	assert.ErrorIs(t, err, ErrUnavailable)

	clk.Add(time.Second)
	_, err = g.ZCard(ctx, "q")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestGatewayReconnectFailureKeepsUnhealthy(t *testing.T) {
	clk := clock.NewMock()
	g := unreachableGateway(clk)
	defer g.Close()

	err := g.Reconnect(context.Background())
	require.Error(t, err)
	assert.False(t, g.Healthy())
}

func TestCallerCancellationDoesNotMarkUnhealthy(t *testing.T) {
	g := unreachableGateway(clock.NewMock())
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := g.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, g.Healthy())
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, isTransportError(nil))
	assert.False(t, isTransportError(redis.Nil))
	assert.False(t, isTransportError(context.Canceled))
	assert.False(t, isTransportError(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, isTransportError(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransportError(context.DeadlineExceeded))
}

func TestIsWrongType(t *testing.T) {
	assert.True(t, IsWrongType(ErrWrongType))
	assert.True(t, IsWrongType(fmt.Errorf("peek: %w", ErrWrongType)))
	assert.True(t, IsWrongType(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.False(t, IsWrongType(errors.New("ERR no such key")))
	assert.False(t, IsWrongType(nil))
}
