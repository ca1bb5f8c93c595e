package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/internal/service/classifier"
	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/queue"
	"TrapFlow/pkg/statestore"
	"TrapFlow/pkg/util"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Queue is the part of queue.EventQueue the pipeline uses.
type Queue interface {
	Key() string
	PeekBatch(ctx context.Context, n int) ([]queue.Entry, error)
	Ack(ctx context.Context, members ...string) (int64, error)
	Depth(ctx context.Context) (int64, error)
	RecoverWrongType(ctx context.Context) (string, error)
}

// SupervisorConfig holds the consumer loop settings.
type SupervisorConfig struct {
	BatchSize    int
	IdleInterval time.Duration
	Workers      int
	SummaryEvery uint64
	AckTimeout   time.Duration
}

// DefaultSupervisorConfig returns the stock settings.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		BatchSize:    50,
		IdleInterval: 100 * time.Millisecond,
		Workers:      1,
		SummaryEvery: 100,
		AckTimeout:   2 * time.Second,
	}
}

// Supervisor drains the trap queue: classify, persist high tier, publish,
// alert, then ack exactly the members that are done.
type Supervisor struct {
	queue     Queue
	persister domrepo.Persister
	notifier  domrepo.Notifier
	archiver  domrepo.Archiver
	contexts  domrepo.ContextProvider
	stats     *Stats
	metrics   domrepo.Metrics
	clock     clock.Clock
	logger    *logger.Logger
	cfg       SupervisorConfig

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// SupervisorOption configures Supervisor.
type SupervisorOption func(*Supervisor)

// WithArchiver sends low-tier events to a best-effort archive.
func WithArchiver(a domrepo.Archiver) SupervisorOption {
	return func(s *Supervisor) {
		s.archiver = a
	}
}

func WithSupervisorClock(clk clock.Clock) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = clk
	}
}

func WithSupervisorMetrics(m domrepo.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

func WithSupervisorLogger(l *logger.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor wires the pipeline collaborators.
func NewSupervisor(
	q Queue,
	persister domrepo.Persister,
	notifier domrepo.Notifier,
	contexts domrepo.ContextProvider,
	stats *Stats,
	cfg SupervisorConfig,
	opts ...SupervisorOption,
) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SummaryEvery == 0 {
		cfg.SummaryEvery = def.SummaryEvery
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		queue:     q,
		persister: persister,
		notifier:  notifier,
		contexts:  contexts,
		stats:     stats,
		metrics:   domrepo.NopMetrics{},
		clock:     clock.New(),
		logger:    logger.NewNop(),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = NewStats(s.clock, 0)
	}
	return s
}

// Stats returns the live counters.
func (s *Supervisor) Stats() *Stats {
	return s.stats
}

// Start launches the workers.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return fmt.Errorf("supervisor already running")
	}
	s.isRunning = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(uuid.NewString()[:8])
	}
	s.logger.Info("consumer supervisor started",
		logger.Int("workers", s.cfg.Workers),
		logger.Int("batch_size", s.cfg.BatchSize),
		logger.Duration("idle_interval", s.cfg.IdleInterval),
		logger.String("queue_key", s.queue.Key()),
	)
	return nil
}

// Stop asks workers to finish their current event, ack what is confirmed
// and exit. If ctx expires first the workers are abandoned; their unacked
// members stay queued.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.logger.Info("stopping consumer supervisor...")
	close(s.stopCh)
	s.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("timeout waiting for workers, abandoning", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		s.cancel()
		s.logger.Info("consumer supervisor stopped gracefully")
		return nil
	}
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Supervisor) worker(id string) {
	defer s.wg.Done()
	s.logger.Info("queue worker started", logger.String("worker_id", id))

	for {
		if s.stopping() {
			s.logger.Info("queue worker stopping", logger.String("worker_id", id))
			return
		}
		n, err := s.RunOnce(s.ctx)
		if err != nil || n == 0 {
			select {
			case <-s.stopCh:
			case <-s.ctx.Done():
			case <-s.clock.After(s.cfg.IdleInterval):
			}
		}
	}
}

// RunOnce processes one batch and returns how many members were handled.
func (s *Supervisor) RunOnce(ctx context.Context) (int, error) {
	entries, err := s.queue.PeekBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		if statestore.IsWrongType(err) {
			s.stats.RecordError(models.ErrCodeQueueWrongType)
			s.metrics.RecordError(models.ErrCodeQueueWrongType)
			if _, rerr := s.queue.RecoverWrongType(ctx); rerr != nil {
				s.logger.Error("queue recovery failed", logger.Code(models.ErrCodeQueueWrongType), logger.Error(rerr))
				return 0, rerr
			}
			return 0, nil
		}
		s.stats.RecordError(models.ErrCodeQueueIO)
		s.metrics.RecordError(models.ErrCodeQueueIO)
		s.logger.Warn("queue peek failed", logger.Code(models.ErrCodeQueueIO), logger.Error(err))
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	mc, err := s.contexts.GetContext(ctx)
	if err != nil {
		s.metrics.RecordError(models.ErrCodeContext)
		s.logger.Warn("market context unavailable, using base threshold",
			logger.Code(models.ErrCodeContext), logger.Error(err))
		mc = nil
	}

	started := s.clock.Now()
	ack := make([]string, 0, len(entries))
	handled := 0
	for _, e := range entries {
		if handled > 0 && s.stopping() {
			break
		}
		outcome := s.process(ctx, e, mc)
		handled++
		s.metrics.RecordEvent(outcome.String())
		if outcome.Ackable() {
			ack = append(ack, e.Member)
		}
	}

	s.ackMembers(ack)
	s.metrics.RecordLatency("batch", s.clock.Since(started).Seconds())
	s.stats.Observe(handled)
	return handled, nil
}

// ackMembers runs on its own context so a shutdown cannot strand members
// that were already published.
func (s *Supervisor) ackMembers(members []string) {
	if len(members) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	n, err := s.queue.Ack(ctx, members...)
	if err != nil {
		s.stats.RecordError(models.ErrCodeQueueIO)
		s.metrics.RecordError(models.ErrCodeQueueIO)
		s.logger.Error("queue ack failed; members will be redelivered",
			logger.Code(models.ErrCodeQueueIO),
			logger.Int("members", len(members)),
			logger.Error(err),
		)
		return
	}
	s.stats.RecordAcked(n)
}

func (s *Supervisor) process(ctx context.Context, e queue.Entry, mc *models.MarketContext) models.Outcome {
	ev, err := classifier.Classify([]byte(e.Member), util.UnixFloat(e.Score), mc)
	if err != nil {
		total := s.stats.RecordInvalid()
		s.metrics.RecordError(models.CodeOf(err))
		s.logger.Warn("invalid event discarded",
			logger.Code(models.ErrCodeInvalidEvent),
			logger.String("member", truncate(e.Member, 512)),
			logger.Error(err),
		)
		s.maybeSummarize(total)
		return models.OutcomeInvalid
	}

	if ev.IsHigh() {
		return s.processHigh(ctx, ev, e)
	}
	return s.processLow(ctx, ev)
}

func (s *Supervisor) processHigh(ctx context.Context, ev *models.ClassifiedEvent, e queue.Entry) models.Outcome {
	started := s.clock.Now()
	err := s.persister.Persist(ctx, ev)
	s.metrics.RecordLatency("persist", s.clock.Since(started).Seconds())
	if err != nil {
		code := models.CodeOf(err)
		if code == models.ErrCodePersistPermanent {
			// treated like a malformed event: acked, never published
			s.stats.RecordError(code)
			s.metrics.RecordError(code)
			s.logger.Error("event rejected by trap store, discarding",
				logger.Code(code),
				logger.String("ingest_id", ev.IngestID),
				logger.String("member", e.Member),
				logger.Error(err),
			)
			s.maybeSummarize(s.stats.RecordProcessed(ev.Tier))
			return models.OutcomePermanent
		}
		s.stats.RecordError(models.ErrCodePersistRetryable)
		s.metrics.RecordError(models.ErrCodePersistRetryable)
		s.logger.Warn("persist failed, leaving event queued",
			logger.Code(models.ErrCodePersistRetryable),
			logger.String("ingest_id", ev.IngestID),
			logger.Error(err),
		)
		return models.OutcomeRetryable
	}

	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.stats.RecordError(models.ErrCodePublish)
		s.metrics.RecordError(models.ErrCodePublish)
		s.logger.Warn("publish failed", logger.Code(models.ErrCodePublish),
			logger.String("ingest_id", ev.IngestID), logger.Error(err))
	}
	for i := s.notifier.Alert(ctx, ev); i > 0; i-- {
		s.stats.RecordError(models.ErrCodeAlertSink)
	}

	s.maybeSummarize(s.stats.RecordProcessed(ev.Tier))
	return models.OutcomePersisted
}

func (s *Supervisor) processLow(ctx context.Context, ev *models.ClassifiedEvent) models.Outcome {
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, ev); err != nil {
			s.stats.RecordError(models.ErrCodeArchive)
			s.metrics.RecordError(models.ErrCodeArchive)
			s.logger.Warn("archive failed", logger.Code(models.ErrCodeArchive),
				logger.String("ingest_id", ev.IngestID), logger.Error(err))
		}
	}

	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.stats.RecordError(models.ErrCodePublish)
		s.metrics.RecordError(models.ErrCodePublish)
		s.logger.Warn("publish failed, leaving low tier event queued",
			logger.Code(models.ErrCodePublish),
			logger.String("ingest_id", ev.IngestID),
			logger.Error(err),
		)
		return models.OutcomeRetryable
	}

	s.maybeSummarize(s.stats.RecordProcessed(ev.Tier))
	return models.OutcomePublished
}

func (s *Supervisor) maybeSummarize(total uint64) {
	if total == 0 || total%s.cfg.SummaryEvery != 0 {
		return
	}
	snap := s.stats.Snapshot()
	s.logger.Info("pipeline summary",
		logger.Uint64("processed", snap.Processed),
		logger.Uint64("high_tier", snap.HighTier),
		logger.Uint64("low_tier", snap.LowTier),
		logger.Uint64("invalid", snap.InvalidEvents),
		logger.Uint64("errors", snap.Errors),
		logger.Uint64("acked", snap.Acked),
		logger.Float64("rate_ewma", snap.RateEWMA),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
