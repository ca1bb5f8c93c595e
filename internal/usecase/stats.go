package usecase

import (
	"math"
	"sync"
	"time"

	"TrapFlow/internal/domain/models"

	"github.com/benbjohnson/clock"
)

// DefaultRateWindow is the EWMA time constant for the processing rate.
const DefaultRateWindow = 60 * time.Second

// Stats holds the pipeline counters. Workers mutate it; the health loop and
// admin API read copies through Snapshot.
type Stats struct {
	mu    sync.Mutex
	clock clock.Clock

	processed    uint64
	errors       uint64
	highTier     uint64
	lowTier      uint64
	invalid      uint64
	acked        uint64
	errorsByCode map[string]uint64

	startedAt       time.Time
	lastProcessedAt time.Time

	window     time.Duration
	rate       float64
	pending    int
	lastSample time.Time
}

// NewStats creates zeroed counters. window <= 0 uses DefaultRateWindow.
func NewStats(clk clock.Clock, window time.Duration) *Stats {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	now := clk.Now()
	return &Stats{
		clock:        clk,
		errorsByCode: make(map[string]uint64),
		startedAt:    now,
		lastSample:   now,
		window:       window,
	}
}

// RecordProcessed counts a classified event that left the pipeline. It
// returns the new processed total.
func (s *Stats) RecordProcessed(tier models.Tier) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	switch tier {
	case models.TierHigh:
		s.highTier++
	case models.TierLow:
		s.lowTier++
	}
	s.lastProcessedAt = s.clock.Now()
	return s.processed
}

// RecordInvalid counts a malformed event: processed, invalid and an error.
func (s *Stats) RecordInvalid() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.invalid++
	s.errors++
	s.errorsByCode[models.ErrCodeInvalidEvent]++
	s.lastProcessedAt = s.clock.Now()
	return s.processed
}

// RecordError counts an error under code.
func (s *Stats) RecordError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
	s.errorsByCode[code]++
}

// RecordAcked adds n acked members.
func (s *Stats) RecordAcked(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked += uint64(n)
}

// Observe folds n events handled since the previous observation into the
// rate EWMA. Calling it with 0 lets the rate decay while idle.
func (s *Stats) Observe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	dt := now.Sub(s.lastSample).Seconds()
	if dt <= 0 {
		s.pending += n
		return
	}
	n += s.pending
	s.pending = 0
	inst := float64(n) / dt
	alpha := 1 - math.Exp(-dt/s.window.Seconds())
	s.rate += alpha * (inst - s.rate)
	s.lastSample = now
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() models.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCode := make(map[string]uint64, len(s.errorsByCode))
	for k, v := range s.errorsByCode {
		byCode[k] = v
	}
	snap := models.StatsSnapshot{
		Processed:     s.processed,
		Errors:        s.errors,
		HighTier:      s.highTier,
		LowTier:       s.lowTier,
		InvalidEvents: s.invalid,
		Acked:         s.acked,
		ErrorsByCode:  byCode,
		StartedAt:     s.startedAt,
		RateEWMA:      math.Round(s.rate*1000) / 1000,
	}
	if !s.lastProcessedAt.IsZero() {
		t := s.lastProcessedAt
		snap.LastProcessedAt = &t
	}
	return snap
}
