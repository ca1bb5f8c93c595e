package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"TrapFlow/internal/domain/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *models.ClassifiedEvent {
	return &models.ClassifiedEvent{
		IngestID:      "0123456789abcdef",
		CanonicalType: models.TrapLiquidityGrab,
		Tier:          models.TierHigh,
		Confidence:    decimal.RequireFromString("0.85"),
		ThresholdUsed: decimal.RequireFromString("0.70"),
		Price:         decimal.NewFromInt(81000),
		PriceChange:   decimal.RequireFromString("1.2"),
		Timeframe:     "1h",
		Timestamp:     time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestClassifyPersistError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		state     string
	}{
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true, "40P01"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "40001"},
		{"connection class", &pgconn.PgError{Code: "08006"}, true, "08006"},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true, "53300"},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true, "57P01"},
		{"undefined column", &pgconn.PgError{Code: "42703"}, false, "42703"},
		{"numeric overflow", &pgconn.PgError{Code: "22003"}, false, "22003"},
		{"not null", &pgconn.PgError{Code: "23502"}, false, "23502"},
		{"wrapped server error", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "42P01"}), false, "42P01"},
		{"deadline", context.DeadlineExceeded, true, ""},
		{"network", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pe := ClassifyPersistError(tc.err)
			require.NotNil(t, pe)
			assert.Equal(t, tc.retryable, pe.Retryable)
			assert.Equal(t, tc.state, pe.SQLState)
			if tc.retryable {
				assert.Equal(t, models.ErrCodePersistRetryable, models.CodeOf(pe))
			} else {
				assert.Equal(t, models.ErrCodePersistPermanent, models.CodeOf(pe))
			}
			assert.True(t, errors.Is(pe, tc.err))
		})
	}
	assert.Nil(t, ClassifyPersistError(nil))
}

type fakeDB struct {
	mu    sync.Mutex
	rows  map[string]bool
	err   error
	calls int
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	id := args[0].(string)
	if f.rows[id] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	f.rows[id] = true
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestPersistIsIdempotent(t *testing.T) {
	db := &fakeDB{rows: map[string]bool{}}
	repo := NewTrapRepository(db, nil)
	ev := sampleEvent()

	require.NoError(t, repo.Persist(context.Background(), ev))
	require.NoError(t, repo.Persist(context.Background(), ev))
	assert.Len(t, db.rows, 1)
	assert.Equal(t, 2, db.calls)
}

func TestPersistClassifiesServerErrors(t *testing.T) {
	db := &fakeDB{rows: map[string]bool{}, err: &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}}
	repo := NewTrapRepository(db, nil)

	err := repo.Persist(context.Background(), sampleEvent())
	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Retryable)
	assert.Equal(t, "42P01", pe.SQLState)
}

// scriptedPersister fails with the queued errors, then succeeds.
type scriptedPersister struct {
	errs  []error
	calls int
}

func (s *scriptedPersister) Persist(context.Context, *models.ClassifiedEvent) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		Attempts:        attempts,
		InitialInterval: time.Millisecond,
		Multiplier:      3,
		Jitter:          0.2,
		MaxInterval:     10 * time.Millisecond,
	}
}

func TestRetryingPersisterRecovers(t *testing.T) {
	next := &scriptedPersister{errs: []error{&pgconn.PgError{Code: "40P01"}, context.DeadlineExceeded}}
	p := NewRetryingPersister(next, fastRetry(3), nil)

	require.NoError(t, p.Persist(context.Background(), sampleEvent()))
	assert.Equal(t, 3, next.calls)
}

func TestRetryingPersisterExhausts(t *testing.T) {
	deadlock := &pgconn.PgError{Code: "40P01"}
	next := &scriptedPersister{errs: []error{deadlock, deadlock, deadlock, deadlock}}
	p := NewRetryingPersister(next, fastRetry(3), nil)

	err := p.Persist(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, next.calls)
}

func TestRetryingPersisterStopsOnPermanent(t *testing.T) {
	next := &scriptedPersister{errs: []error{&pgconn.PgError{Code: "23502"}}}
	p := NewRetryingPersister(next, fastRetry(3), nil)

	err := p.Persist(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, models.ErrCodePersistPermanent, models.CodeOf(err))
	assert.Equal(t, 1, next.calls)
}

func TestRetryingPersisterHonoursCancellation(t *testing.T) {
	next := &scriptedPersister{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}}
	p := NewRetryingPersister(next, RetryConfig{Attempts: 3, InitialInterval: time.Hour, Multiplier: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Persist(ctx, sampleEvent())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, next.calls)
}

func TestArchiveSchemaUsesTTL(t *testing.T) {
	stmts := ArchiveSchema("trapflow", "", 3)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], "trapflow.low_tier_traps")
	assert.Contains(t, stmts[1], "INTERVAL 3 DAY")
	assert.Contains(t, ArchiveSchema("x", "", 0)[1], "INTERVAL 7 DAY")
	assert.Contains(t, ArchiveSchema("x", "archive", 1)[1], "x.archive (")
}
