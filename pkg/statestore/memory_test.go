package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryZSetOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ZAdd(ctx, "q", 2, "b")
	require.NoError(t, err)
	_, err = m.ZAdd(ctx, "q", 1, "z")
	require.NoError(t, err)
	_, err = m.ZAdd(ctx, "q", 2, "a")
	require.NoError(t, err)

	got, err := m.ZRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []Z{{"z", 1}, {"a", 2}, {"b", 2}}, got)

	got, err = m.ZRange(ctx, "q", 0, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = m.ZRange(ctx, "q", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryZAddUpdatesScore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.ZAdd(ctx, "q", 1, "x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.ZAdd(ctx, "q", 9, "x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	card, err := m.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)

	got, err := m.ZRange(ctx, "q", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got[0].Score)
}

func TestMemoryZRemMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.ZRem(ctx, "q", "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryWrongType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "q", []byte("oops"), 0))

	_, err := m.ZRange(ctx, "q", 0, 10)
	assert.True(t, IsWrongType(err))

	typ, err := m.TypeOf(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, TypeString, typ)

	require.NoError(t, m.Rename(ctx, "q", "q_backup"))
	typ, err = m.TypeOf(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, TypeNone, typ)

	assert.ErrorIs(t, m.Rename(ctx, "missing", "other"), ErrNoSuchKey)
}

func TestMemoryListRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ListPush(ctx, "l", []byte("1"), []byte("2"), []byte("3"))
	require.NoError(t, err)

	got, err := m.ListRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("3"), []byte("2"), []byte("1")}, got)

	got, err = m.ListRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("2"), []byte("1")}, got)
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	b, ok, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, b)
}

func TestMemoryPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "trap_events")
	require.NoError(t, err)

	n, err := m.Publish(ctx, "trap_events", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"a":1}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, sub.Close())
	n, err = m.Publish(ctx, "trap_events", []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("connection reset")

	m.Fail(boom)
	assert.ErrorIs(t, m.Ping(ctx), boom)
	_, err := m.ZCard(ctx, "q")
	assert.ErrorIs(t, err, boom)

	m.Fail(nil)
	assert.NoError(t, m.Ping(ctx))
}

func TestChannelPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	sub, err := m.Subscribe(ctx, "digest")
	require.NoError(t, err)

	p := ChannelPublisher{Store: m}
	require.NoError(t, p.PublishMessage(ctx, "digest", map[string]int{"total": 3}))

	msg := <-sub.Messages()
	assert.JSONEq(t, `{"total":3}`, string(msg))
}
