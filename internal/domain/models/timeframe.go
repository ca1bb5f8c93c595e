package models

import "strings"

// Timeframe is a detection resolution.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// IsValidTimeframe returns true if tf is a known timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d:
		return true
	default:
		return false
	}
}

// DefaultTimeframe is applied when a candidate omits one.
func DefaultTimeframe() Timeframe { return TF1h }

// NormalizeTimeframe trims and lowercases s. Empty input yields the
// default; unknown values pass through since timeframe is informational.
func NormalizeTimeframe(s string) Timeframe {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultTimeframe()
	}
	switch s {
	case "60m":
		return TF1h
	case "240m":
		return TF4h
	case "24h":
		return TF1d
	}
	return Timeframe(s)
}
