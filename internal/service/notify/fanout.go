// Package notify publishes classified events on the state store channels
// and forwards high-tier events to external alert sinks.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/internal/service/ratelimit"
	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/statestore"
)

const (
	DefaultChannel     = "trap_events"
	DefaultHighChannel = "trap_events:high"
	DefaultSinkTimeout = 3 * time.Second
	DefaultAlertRate   = 60
)

// SinkStats are per-sink delivery counters.
type SinkStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Fanout implements repository.Notifier.
type Fanout struct {
	store       statestore.Store
	channel     string
	highChannel string
	sinks       []Sink
	limiter     *ratelimit.Limiter
	sinkTimeout time.Duration
	metrics     domrepo.Metrics
	logger      *logger.Logger

	mu    sync.Mutex
	stats map[string]*SinkStats
}

// Option configures a Fanout.
type Option func(*Fanout)

func WithChannels(all, high string) Option {
	return func(f *Fanout) {
		if all != "" {
			f.channel = all
		}
		if high != "" {
			f.highChannel = high
		}
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(f *Fanout) {
		f.sinks = append(f.sinks, sinks...)
	}
}

// WithAlertRate limits each sink to perMinute alerts; 0 disables limiting.
func WithAlertRate(perMinute int) Option {
	return func(f *Fanout) {
		f.limiter = ratelimit.NewPerMinute(perMinute)
	}
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fanout) {
		f.limiter = l
	}
}

func WithSinkTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.sinkTimeout = d
		}
	}
}

func WithMetrics(m domrepo.Metrics) Option {
	return func(f *Fanout) {
		f.metrics = m
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(f *Fanout) {
		f.logger = l
	}
}

// NewFanout creates a fan-out publishing through store.
func NewFanout(store statestore.Store, opts ...Option) *Fanout {
	f := &Fanout{
		store:       store,
		channel:     DefaultChannel,
		highChannel: DefaultHighChannel,
		limiter:     ratelimit.NewPerMinute(DefaultAlertRate),
		sinkTimeout: DefaultSinkTimeout,
		metrics:     domrepo.NopMetrics{},
		logger:      logger.NewNop(),
		stats:       make(map[string]*SinkStats),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, s := range f.sinks {
		f.stats[s.Name()] = &SinkStats{}
	}
	return f
}

// Channel returns the channel every event is published on.
func (f *Fanout) Channel() string {
	return f.channel
}

// Publish sends ev on the main channel and, for high tier, on the high
// channel too. Both are attempted even if the first fails.
func (f *Fanout) Publish(ctx context.Context, ev *models.ClassifiedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.NewPipelineError(models.ErrCodePublish, fmt.Errorf("encode event: %w", err))
	}

	channels := []string{f.channel}
	if ev.IsHigh() {
		channels = append(channels, f.highChannel)
	}
	var errs []error
	for _, ch := range channels {
		if _, err := f.store.Publish(ctx, ch, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return models.NewPipelineError(models.ErrCodePublish, errors.Join(errs...))
	}
	return nil
}

// Alert delivers a high-tier event to every sink concurrently. Each sink
// gets its own timeout and rate limit; nothing is retried. It returns how
// many sinks failed.
func (f *Fanout) Alert(ctx context.Context, ev *models.ClassifiedEvent) int {
	if !ev.IsHigh() || len(f.sinks) == 0 {
		return 0
	}
	alert := NewAlert(ev)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, sink := range f.sinks {
		name := sink.Name()
		if !f.limiter.Allow(name) {
			f.count(name, "dropped")
			f.metrics.RecordError(models.ErrCodeAlertDropped)
			f.logger.Warn("alert dropped by rate limit",
				logger.Code(models.ErrCodeAlertDropped),
				logger.String("sink", name),
				logger.String("ingest_id", ev.IngestID),
			)
			continue
		}

		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
			defer cancel()

			started := time.Now()
			err := sink.Send(sctx, alert)
			f.metrics.RecordLatency("alert_"+sink.Name(), time.Since(started).Seconds())
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				f.count(sink.Name(), "failed")
				f.metrics.RecordError(models.ErrCodeAlertSink)
				f.logger.Error("alert sink failed",
					logger.Code(models.ErrCodeAlertSink),
					logger.String("sink", sink.Name()),
					logger.String("alert_id", alert.AlertID),
					logger.String("ingest_id", ev.IngestID),
					logger.Error(err),
				)
				return
			}
			f.count(sink.Name(), "sent")
		}(sink)
	}
	wg.Wait()
	return failed
}

func (f *Fanout) count(sink, result string) {
	f.metrics.RecordAlert(sink, result)
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stats[sink]
	if !ok {
		st = &SinkStats{}
		f.stats[sink] = st
	}
	switch result {
	case "sent":
		st.Sent++
	case "failed":
		st.Failed++
	case "dropped":
		st.Dropped++
	}
}

// SinkStats returns a copy of the per-sink counters.
func (f *Fanout) SinkStats() map[string]SinkStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]SinkStats, len(f.stats))
	for k, v := range f.stats {
		out[k] = *v
	}
	return out
}
