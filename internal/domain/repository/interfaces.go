package repository

import (
	"context"

	"TrapFlow/internal/domain/models"
)

// Persister stores high-tier events. Implementations must be idempotent
// on IngestID.
type Persister interface {
	Persist(ctx context.Context, ev *models.ClassifiedEvent) error
}

// TrapReader reads persisted traps for the admin API.
type TrapReader interface {
	Recent(ctx context.Context, limit int) ([]models.PersistedTrap, error)
	Count(ctx context.Context) (int64, error)
}

// Archiver is a best-effort sink for low-tier events.
type Archiver interface {
	Archive(ctx context.Context, ev *models.ClassifiedEvent) error
}

// Notifier fans classified events out to channels and alert sinks.
type Notifier interface {
	Publish(ctx context.Context, ev *models.ClassifiedEvent) error
	// Alert returns the number of sinks that failed.
	Alert(ctx context.Context, ev *models.ClassifiedEvent) int
}

// ContextProvider returns the current market context. A partial context
// may come back together with an error.
type ContextProvider interface {
	GetContext(ctx context.Context) (*models.MarketContext, error)
}

// HealthChecker is a dependency the health endpoint can ping.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Metrics interface {
	RecordEvent(outcome string)
	RecordError(code string)
	RecordQueueDepth(depth int64)
	RecordRate(eventsPerSecond float64)
	RecordLatency(op string, seconds float64)
	RecordAlert(sink, result string)
	RecordStateStoreHealthy(healthy bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordEvent(string)            {}
func (NopMetrics) RecordError(string)            {}
func (NopMetrics) RecordQueueDepth(int64)        {}
func (NopMetrics) RecordRate(float64)            {}
func (NopMetrics) RecordLatency(string, float64) {}
func (NopMetrics) RecordAlert(string, string)    {}
func (NopMetrics) RecordStateStoreHealthy(bool)  {}
