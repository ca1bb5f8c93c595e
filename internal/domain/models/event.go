package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TrapType is the canonical kind of a detected trap.
type TrapType string

const (
	TrapLiquidityGrab TrapType = "liquidity_grab"
	TrapFakePump      TrapType = "fake_pump"
	TrapFakeDump      TrapType = "fake_dump"
	TrapStopHunt      TrapType = "stop_hunt"
	TrapBullTrap      TrapType = "bull_trap"
	TrapBearTrap      TrapType = "bear_trap"
	TrapHalfFakeDump  TrapType = "half_fake_dump"
	TrapUnknown       TrapType = "unknown"
)

// IsKnown reports whether t is one of the canonical trap types.
func (t TrapType) IsKnown() bool {
	switch t {
	case TrapLiquidityGrab, TrapFakePump, TrapFakeDump, TrapStopHunt,
		TrapBullTrap, TrapBearTrap, TrapHalfFakeDump, TrapUnknown:
		return true
	}
	return false
}

// Tier is the confidence bucket of a classified event.
type Tier string

const (
	TierHigh Tier = "high"
	TierLow  Tier = "low"
)

// CandidateEvent is a decoded queue member.
type CandidateEvent struct {
	Type             string
	Price            decimal.Decimal
	PriceChange      decimal.Decimal
	Confidence       decimal.Decimal
	LiquidityGrabbed decimal.Decimal
	Timeframe        string
	Timestamp        time.Time
	TimestampMissing bool
	Source           string
	Extra            map[string]json.RawMessage
}

// FibLevel is a named Fibonacci retracement price.
type FibLevel struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// MarshalJSON writes the price as a JSON number.
func (l FibLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name  string      `json:"name"`
		Price json.Number `json:"price"`
	}{l.Name, Number(l.Price)})
}

// ContextSnapshot is the copy of market context kept with an event for audit.
type ContextSnapshot struct {
	LastPrice       *decimal.Decimal `json:"last_price"`
	Volatility1h    *decimal.Decimal `json:"volatility_1h"`
	NearestFibLevel *FibLevel        `json:"nearest_fib_level"`
	LunarPhase      *float64         `json:"lunar_phase,omitempty"`
	Schumann        json.RawMessage  `json:"schumann,omitempty"`
}

// MarshalJSON writes decimals as JSON numbers.
func (s ContextSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		LastPrice       *json.Number    `json:"last_price"`
		Volatility1h    *json.Number    `json:"volatility_1h"`
		NearestFibLevel *FibLevel       `json:"nearest_fib_level"`
		LunarPhase      *float64        `json:"lunar_phase,omitempty"`
		Schumann        json.RawMessage `json:"schumann,omitempty"`
	}{
		LastPrice:       NumberPtr(s.LastPrice),
		Volatility1h:    NumberPtr(s.Volatility1h),
		NearestFibLevel: s.NearestFibLevel,
		LunarPhase:      s.LunarPhase,
		Schumann:        s.Schumann,
	})
}

// ClassifiedEvent is a candidate after classification. Field order is the
// published wire order.
type ClassifiedEvent struct {
	IngestID         string                     `json:"ingest_id"`
	CanonicalType    TrapType                   `json:"canonical_type"`
	Tier             Tier                       `json:"tier"`
	Confidence       decimal.Decimal            `json:"confidence"`
	ThresholdUsed    decimal.Decimal            `json:"threshold_used"`
	Price            decimal.Decimal            `json:"price"`
	PriceChange      decimal.Decimal            `json:"price_change"`
	Timeframe        string                     `json:"timeframe"`
	Timestamp        time.Time                  `json:"timestamp"`
	ContextSnapshot  ContextSnapshot            `json:"context_snapshot"`
	Source           string                     `json:"source"`
	Type             string                     `json:"type"`
	LiquidityGrabbed decimal.Decimal            `json:"liquidity_grabbed"`
	Extra            map[string]json.RawMessage `json:"extra,omitempty"`
}

// MarshalJSON keeps the field order above and writes decimals as JSON
// numbers.
func (e ClassifiedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		IngestID         string                     `json:"ingest_id"`
		CanonicalType    TrapType                   `json:"canonical_type"`
		Tier             Tier                       `json:"tier"`
		Confidence       json.Number                `json:"confidence"`
		ThresholdUsed    json.Number                `json:"threshold_used"`
		Price            json.Number                `json:"price"`
		PriceChange      json.Number                `json:"price_change"`
		Timeframe        string                     `json:"timeframe"`
		Timestamp        time.Time                  `json:"timestamp"`
		ContextSnapshot  ContextSnapshot            `json:"context_snapshot"`
		Source           string                     `json:"source"`
		Type             string                     `json:"type"`
		LiquidityGrabbed json.Number                `json:"liquidity_grabbed"`
		Extra            map[string]json.RawMessage `json:"extra,omitempty"`
	}{
		IngestID:         e.IngestID,
		CanonicalType:    e.CanonicalType,
		Tier:             e.Tier,
		Confidence:       Number(e.Confidence),
		ThresholdUsed:    Number(e.ThresholdUsed),
		Price:            Number(e.Price),
		PriceChange:      Number(e.PriceChange),
		Timeframe:        e.Timeframe,
		Timestamp:        e.Timestamp,
		ContextSnapshot:  e.ContextSnapshot,
		Source:           e.Source,
		Type:             e.Type,
		LiquidityGrabbed: Number(e.LiquidityGrabbed),
		Extra:            e.Extra,
	})
}

// IsHigh reports whether the event is high tier.
func (e *ClassifiedEvent) IsHigh() bool {
	return e.Tier == TierHigh
}

// PersistedTrap is a row of possible_mm_traps.
type PersistedTrap struct {
	ID            string          `json:"id"`
	CanonicalType string          `json:"canonical_type"`
	Price         decimal.Decimal `json:"price"`
	PriceChange   decimal.Decimal `json:"price_change"`
	Confidence    decimal.Decimal `json:"confidence"`
	Tier          string          `json:"tier"`
	Timeframe     string          `json:"timeframe"`
	Timestamp     time.Time       `json:"timestamp"`
	ContextJSON   json.RawMessage `json:"context_json"`
}

// MarshalJSON writes decimals as JSON numbers.
func (t PersistedTrap) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID            string          `json:"id"`
		CanonicalType string          `json:"canonical_type"`
		Price         json.Number     `json:"price"`
		PriceChange   json.Number     `json:"price_change"`
		Confidence    json.Number     `json:"confidence"`
		Tier          string          `json:"tier"`
		Timeframe     string          `json:"timeframe"`
		Timestamp     time.Time       `json:"timestamp"`
		ContextJSON   json.RawMessage `json:"context_json"`
	}{
		ID:            t.ID,
		CanonicalType: t.CanonicalType,
		Price:         Number(t.Price),
		PriceChange:   Number(t.PriceChange),
		Confidence:    Number(t.Confidence),
		Tier:          t.Tier,
		Timeframe:     t.Timeframe,
		Timestamp:     t.Timestamp,
		ContextJSON:   t.ContextJSON,
	})
}

// Number renders d as a JSON number literal.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// NumberPtr is Number for optional values; nil stays nil.
func NumberPtr(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := Number(*d)
	return &n
}
