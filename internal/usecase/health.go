package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/metrics"
	"TrapFlow/pkg/statestore"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/benbjohnson/clock"
)

const DefaultMetricsKey = "mm_trap_metrics"

// Gateway is implemented by state stores that can report and repair their
// connection. statestore.Memory does not, and is treated as always healthy.
type Gateway interface {
	Ping(ctx context.Context) error
	Healthy() bool
	Reconnect(ctx context.Context) error
}

// MetricsPusher ships samples to an external metrics backend.
type MetricsPusher interface {
	Push(ctx context.Context, ts time.Time, samples []metrics.Sample) error
}

type HealthLoopConfig struct {
	Interval            time.Duration
	HealthCheckInterval time.Duration
	MetricsKey          string
	MetricsChannel      string
	MetricsTTL          time.Duration
}

func DefaultHealthLoopConfig() HealthLoopConfig {
	return HealthLoopConfig{
		Interval:            15 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		MetricsKey:          DefaultMetricsKey,
		MetricsChannel:      DefaultMetricsKey,
	}
}

// HealthLoop pings the state store, repairs it when needed and emits the
// rolling metrics document on its own cadence.
type HealthLoop struct {
	store   statestore.Store
	gateway Gateway
	queue   Queue
	stats   *Stats
	metrics domrepo.Metrics
	pusher  MetricsPusher
	clock   clock.Clock
	logger  *logger.Logger
	cfg     HealthLoopConfig

	lastPing time.Time

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type HealthOption func(*HealthLoop)

func WithHealthClock(clk clock.Clock) HealthOption {
	return func(h *HealthLoop) {
		h.clock = clk
	}
}

func WithHealthMetrics(m domrepo.Metrics) HealthOption {
	return func(h *HealthLoop) {
		h.metrics = m
	}
}

func WithHealthLogger(l *logger.Logger) HealthOption {
	return func(h *HealthLoop) {
		h.logger = l
	}
}

// WithPusher enables the external metrics push on every tick.
func WithPusher(p MetricsPusher) HealthOption {
	return func(h *HealthLoop) {
		h.pusher = p
	}
}

// NewHealthLoop builds the loop. If store also implements Gateway it is
// pinged and reconnected.
func NewHealthLoop(store statestore.Store, q Queue, stats *Stats, cfg HealthLoopConfig, opts ...HealthOption) *HealthLoop {
	def := DefaultHealthLoopConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.MetricsKey == "" {
		cfg.MetricsKey = def.MetricsKey
	}
	if cfg.MetricsChannel == "" {
		cfg.MetricsChannel = def.MetricsChannel
	}

	h := &HealthLoop{
		store:   store,
		queue:   q,
		stats:   stats,
		metrics: domrepo.NopMetrics{},
		clock:   clock.New(),
		logger:  logger.NewNop(),
		cfg:     cfg,
	}
	if g, ok := store.(Gateway); ok {
		h.gateway = g
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tick runs one health check and metrics emission.
func (h *HealthLoop) Tick(ctx context.Context) (models.MetricsDocument, error) {
	healthy := h.checkGateway(ctx)
	h.metrics.RecordStateStoreHealthy(healthy)

	h.stats.Observe(0)
	snap := h.stats.Snapshot()
	doc := models.MetricsDocument{
		Processed: snap.Processed,
		Errors:    snap.Errors,
		HighTier:  snap.HighTier,
		LowTier:   snap.LowTier,
		RateEWMA:  snap.RateEWMA,
		AsOf:      h.clock.Now().UTC(),
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		h.logger.Warn("queue depth unavailable", logger.Code(models.ErrCodeQueueIO), logger.Error(err))
		depth = -1
	} else {
		h.metrics.RecordQueueDepth(depth)
	}
	doc.QueueDepth = depth
	h.metrics.RecordRate(doc.RateEWMA)

	payload, err := json.Marshal(doc)
	if err != nil {
		return doc, fmt.Errorf("encode metrics: %w", err)
	}
	if err := h.store.Set(ctx, h.cfg.MetricsKey, payload, h.cfg.MetricsTTL); err != nil {
		h.metrics.RecordError(models.ErrCodeMetricsWrite)
		h.logger.Warn("metrics write failed", logger.Code(models.ErrCodeMetricsWrite),
			logger.String("key", h.cfg.MetricsKey), logger.Error(err))
		return doc, fmt.Errorf("write metrics: %w", err)
	}
	if _, err := h.store.Publish(ctx, h.cfg.MetricsChannel, payload); err != nil {
		h.metrics.RecordError(models.ErrCodeMetricsWrite)
		h.logger.Warn("metrics publish failed", logger.Code(models.ErrCodeMetricsWrite),
			logger.String("channel", h.cfg.MetricsChannel), logger.Error(err))
		return doc, fmt.Errorf("publish metrics: %w", err)
	}

	if h.pusher != nil {
		samples := []metrics.Sample{
			{Name: "Processed", Value: float64(doc.Processed), Unit: cwtypes.StandardUnitCount},
			{Name: "Errors", Value: float64(doc.Errors), Unit: cwtypes.StandardUnitCount},
			{Name: "HighTier", Value: float64(doc.HighTier), Unit: cwtypes.StandardUnitCount},
			{Name: "RateEWMA", Value: doc.RateEWMA, Unit: cwtypes.StandardUnitCountSecond},
		}
		if depth >= 0 {
			samples = append(samples, metrics.Sample{Name: "QueueDepth", Value: float64(depth), Unit: cwtypes.StandardUnitCount})
		}
		if err := h.pusher.Push(ctx, doc.AsOf, samples); err != nil {
			h.metrics.RecordError(models.ErrCodeMetricsWrite)
			h.logger.Warn("metrics push failed", logger.Code(models.ErrCodeMetricsWrite), logger.Error(err))
		}
	}

	h.logger.Debug("metrics emitted",
		logger.Uint64("processed", doc.Processed),
		logger.Uint64("errors", doc.Errors),
		logger.Int64("queue_depth", doc.QueueDepth),
		logger.Float64("rate_ewma", doc.RateEWMA),
	)
	return doc, nil
}

// checkGateway pings on the health check cadence, or every tick while the
// gateway is unhealthy, and reconnects on failure.
func (h *HealthLoop) checkGateway(ctx context.Context) bool {
	if h.gateway == nil {
		return true
	}
	now := h.clock.Now()
	due := h.lastPing.IsZero() || now.Sub(h.lastPing) >= h.cfg.HealthCheckInterval
	if h.gateway.Healthy() && !due {
		return true
	}
	h.lastPing = now

	err := h.gateway.Ping(ctx)
	if err == nil {
		return true
	}
	h.metrics.RecordError(models.ErrCodeStateStoreDown)
	h.logger.Error("state store ping failed, reconnecting",
		logger.Code(models.ErrCodeStateStoreDown), logger.Error(err))

	if err := h.gateway.Reconnect(ctx); err != nil {
		h.logger.Error("state store reconnect failed",
			logger.Code(models.ErrCodeStateStoreDown), logger.Error(err))
		return false
	}
	h.logger.Info("state store reconnected")
	return true
}

// Start runs Tick every interval until Stop.
func (h *HealthLoop) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isRunning {
		return fmt.Errorf("health loop already running")
	}
	h.isRunning = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run()
	h.logger.Info("health loop started",
		logger.Duration("interval", h.cfg.Interval),
		logger.Duration("health_check_interval", h.cfg.HealthCheckInterval),
	)
	return nil
}

func (h *HealthLoop) run() {
	defer close(h.doneCh)
	ticker := h.clock.Ticker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Interval)
			_, _ = h.Tick(ctx)
			cancel()
		}
	}
}

// Stop waits for the loop to exit at its next wake.
func (h *HealthLoop) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.isRunning = false
	close(h.stopCh)
	h.mu.Unlock()

	select {
	case <-h.doneCh:
		h.logger.Info("health loop stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
