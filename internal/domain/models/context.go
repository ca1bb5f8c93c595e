package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MarketContext is a point-in-time snapshot read from the state store.
// Any field may be nil when its source key was missing or unreadable.
type MarketContext struct {
	LastPrice        *decimal.Decimal
	Volatility1h     *decimal.Decimal
	VolatilitySource string // "store" or "history"
	NearestFibLevel  *FibLevel
	Schumann         json.RawMessage
	AsOf             time.Time
}

// Snapshot copies the context into its audit form.
func (m *MarketContext) Snapshot(lunarPhase *float64) ContextSnapshot {
	if m == nil {
		return ContextSnapshot{}
	}
	return ContextSnapshot{
		LastPrice:       m.LastPrice,
		Volatility1h:    m.Volatility1h,
		NearestFibLevel: m.NearestFibLevel,
		LunarPhase:      lunarPhase,
		Schumann:        m.Schumann,
	}
}
