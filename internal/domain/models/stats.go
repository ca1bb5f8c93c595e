package models

import "time"

// StatsSnapshot is a copy of the supervisor counters.
type StatsSnapshot struct {
	Processed       uint64            `json:"processed"`
	Errors          uint64            `json:"errors"`
	HighTier        uint64            `json:"high_tier"`
	LowTier         uint64            `json:"low_tier"`
	InvalidEvents   uint64            `json:"invalid_events"`
	Acked           uint64            `json:"acked"`
	ErrorsByCode    map[string]uint64 `json:"errors_by_code"`
	StartedAt       time.Time         `json:"started_at"`
	LastProcessedAt *time.Time        `json:"last_processed_at"`
	RateEWMA        float64           `json:"rate_ewma"`
}

// MetricsDocument is written to the metrics key and channel each tick.
type MetricsDocument struct {
	Processed  uint64    `json:"processed"`
	Errors     uint64    `json:"errors"`
	HighTier   uint64    `json:"high_tier"`
	LowTier    uint64    `json:"low_tier"`
	QueueDepth int64     `json:"queue_depth"`
	RateEWMA   float64   `json:"rate_ewma"`
	AsOf       time.Time `json:"as_of"`
}
