package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/statestore"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*EventQueue, *statestore.Memory, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC))
	mem := statestore.NewMemory()
	return New(mem, WithClock(clk), WithLogger(logger.NewNop())), mem, clk
}

func TestEnqueuePeekAckRoundTrip(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte(`{"type":"a"}`)))
	clk.Add(time.Second)
	require.NoError(t, q.Enqueue(ctx, []byte(`{"type":"b"}`)))

	before, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, before)

	batch, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, `{"type":"a"}`, batch[0].Member)
	assert.Equal(t, float64(clk.Now().Add(-time.Second).Unix()), batch[0].Score)

	n, err := q.Ack(ctx, batch[0].Member)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	after, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, before-1, after)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, []byte("x")))

	for i := 0; i < 2; i++ {
		batch, err := q.PeekBatch(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, batch, 1)
	}
}

func TestPeekEmptyAndZero(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	batch, err := q.PeekBatch(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, batch)

	batch, err = q.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestAckMissingIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	n, err := q.Ack(context.Background(), "never-enqueued")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReenqueueMovesToTail(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("first")))
	clk.Add(time.Second)
	require.NoError(t, q.Enqueue(ctx, []byte("second")))
	clk.Add(time.Second)
	require.NoError(t, q.Enqueue(ctx, []byte("first")))

	batch, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "second", batch[0].Member)
	assert.Equal(t, "first", batch[1].Member)
}

func TestEnqueueRejectsEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)
	assert.ErrorIs(t, q.Enqueue(context.Background(), nil), ErrEmptyMember)
}

func TestRecoverWrongTypeOnHealthyZSetIsNoop(t *testing.T) {
	q, mem, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, []byte("x")))

	backup, err := q.RecoverWrongType(ctx)
	require.NoError(t, err)
	assert.Empty(t, backup)

	typ, err := mem.TypeOf(ctx, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, statestore.TypeZSet, typ)
}

func TestRecoverWrongTypeRotatesKey(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewMock()
	clk.Set(time.Unix(1711281600, 0))
	mem := statestore.NewMemory()
	q := New(mem, WithClock(clk), WithLogger(logger.NewWriter(&buf, "info")))
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, DefaultKey, []byte("oops"), 0))

	_, err := q.PeekBatch(ctx, 10)
	require.True(t, statestore.IsWrongType(err))

	backup, err := q.RecoverWrongType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mm_trap_queue:zset_backup_1711281600", backup)

	val, ok, err := mem.Get(ctx, backup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "oops", string(val))

	batch, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, logger.SeverityCritical, line["severity"])
	assert.Equal(t, backup, line["backup_key"])
}
