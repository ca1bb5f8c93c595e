package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("batch: %w", InvalidEventf("missing %s", "price"))
	assert.Equal(t, ErrCodeInvalidEvent, CodeOf(err))
	assert.True(t, IsInvalidEvent(err))

	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, ErrCodePublish, CodeOf(NewPipelineError(ErrCodePublish, errors.New("x"))))
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewPipelineError(ErrCodeQueueIO, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ERR_QUEUE_IO: connection reset", err.Error())
}

func TestNormalizeTimeframe(t *testing.T) {
	assert.Equal(t, TF1h, NormalizeTimeframe(""))
	assert.Equal(t, TF15m, NormalizeTimeframe(" 15M "))
	assert.Equal(t, TF1h, NormalizeTimeframe("60m"))
	assert.Equal(t, Timeframe("2h"), NormalizeTimeframe("2h"))
	assert.False(t, IsValidTimeframe("2h"))
}

func TestOutcomeAckable(t *testing.T) {
	for _, o := range []Outcome{OutcomeInvalid, OutcomePersisted, OutcomePublished, OutcomePermanent} {
		assert.True(t, o.Ackable(), o.String())
	}
	assert.False(t, OutcomeRetryable.Ackable())
}

func TestTrapTypeIsKnown(t *testing.T) {
	assert.True(t, TrapHalfFakeDump.IsKnown())
	assert.False(t, TrapType("moon_shot").IsKnown())
}

func TestDecimalsMarshalAsNumbers(t *testing.T) {
	price := decimal.RequireFromString("81000.5")
	ev := ClassifiedEvent{
		IngestID:      "abc",
		CanonicalType: TrapBullTrap,
		Tier:          TierHigh,
		Confidence:    decimal.RequireFromString("0.85"),
		ThresholdUsed: decimal.RequireFromString("0.7"),
		Price:         price,
		Timestamp:     time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC),
		ContextSnapshot: ContextSnapshot{
			LastPrice:       &price,
			NearestFibLevel: &FibLevel{Name: "0.618", Price: decimal.NewFromInt(80500)},
		},
	}
	b, err := json.Marshal(&ev)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"confidence":0.85`)
	assert.Contains(t, s, `"price":81000.5`)
	assert.Contains(t, s, `"last_price":81000.5,"volatility_1h":null`)
	assert.Contains(t, s, `"nearest_fib_level":{"name":"0.618","price":80500}`)

	var back ClassifiedEvent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Price.Equal(price))

	row, err := json.Marshal(PersistedTrap{ID: "abc", Price: price, Confidence: decimal.RequireFromString("0.9")})
	require.NoError(t, err)
	assert.Contains(t, string(row), `"price":81000.5`)
	assert.Contains(t, string(row), `"confidence":0.9`)

	// the library default stays untouched
	assert.False(t, decimal.MarshalJSONWithoutQuotes)
}
