package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"TrapFlow/internal/domain/models"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	clk := clock.NewMock()
	c := NewTTLCache(clk, 10)

	c.Set("a", 1, time.Second)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Add(1500 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestTTLCacheBounded(t *testing.T) {
	clk := clock.NewMock()
	c := NewTTLCache(clk, 2)

	c.Set("old", 1, time.Second)
	c.Set("keep", 2, time.Minute)
	clk.Add(2 * time.Second)
	c.Set("new", 3, time.Minute)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("keep")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)

	c.Set("another", 4, time.Minute)
	assert.Equal(t, 2, c.Len())
}

type countingReader struct {
	recent, count int
	err           error
}

func (r *countingReader) Recent(_ context.Context, limit int) ([]models.PersistedTrap, error) {
	r.recent++
	if r.err != nil {
		return nil, r.err
	}
	return make([]models.PersistedTrap, limit), nil
}

func (r *countingReader) Count(context.Context) (int64, error) {
	r.count++
	return 42, r.err
}

func TestTrapReaderCaches(t *testing.T) {
	clk := clock.NewMock()
	next := &countingReader{}
	r := NewTrapReader(next, NewTTLCache(clk, 0), 2*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rows, err := r.Recent(ctx, 5)
		require.NoError(t, err)
		assert.Len(t, rows, 5)
		n, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)
	}
	assert.Equal(t, 1, next.recent)
	assert.Equal(t, 1, next.count)

	_, _ = r.Recent(ctx, 10)
	assert.Equal(t, 2, next.recent)

	clk.Add(3 * time.Second)
	_, _ = r.Recent(ctx, 5)
	assert.Equal(t, 3, next.recent)
}

func TestTrapReaderDoesNotCacheErrors(t *testing.T) {
	next := &countingReader{err: errors.New("pool closed")}
	r := NewTrapReader(next, NewTTLCache(clock.NewMock(), 0), time.Minute)

	_, err := r.Recent(context.Background(), 5)
	require.Error(t, err)
	_, err = r.Recent(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, 2, next.recent)
}

func TestTrapReaderDisabled(t *testing.T) {
	next := &countingReader{}
	r := NewTrapReader(next, nil, 0)

	_, _ = r.Recent(context.Background(), 1)
	_, _ = r.Recent(context.Background(), 1)
	assert.Equal(t, 2, next.recent)
}
