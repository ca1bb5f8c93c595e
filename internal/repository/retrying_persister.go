package repository

import (
	"context"
	"time"

	"TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig shapes the persist retry schedule.
type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          float64
	MaxInterval     time.Duration
}

// DefaultRetryConfig waits roughly 0.1s, 0.3s, 0.9s between attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:        3,
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      3,
		Jitter:          0.2,
		MaxInterval:     5 * time.Second,
	}
}

// RetryingPersister retries retryable failures of the wrapped Persister.
// Permanent failures return immediately.
type RetryingPersister struct {
	next domrepo.Persister
	cfg  RetryConfig
	l    *logger.Logger
}

// NewRetryingPersister wraps next. Attempts below one are treated as one.
func NewRetryingPersister(next domrepo.Persister, cfg RetryConfig, l *logger.Logger) *RetryingPersister {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryConfig().MaxInterval
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &RetryingPersister{next: next, cfg: cfg, l: l}
}

func (p *RetryingPersister) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempts
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.Attempts-1)), ctx)
}

// Persist runs the wrapped Persist until it succeeds, fails permanently or
// runs out of attempts. The returned error is always a *PersistError.
func (p *RetryingPersister) Persist(ctx context.Context, ev *models.ClassifiedEvent) error {
	attempt := 0
	op := func() error {
		attempt++
		err := p.next.Persist(ctx, ev)
		if err == nil {
			return nil
		}
		pe := ClassifyPersistError(err)
		if !pe.Retryable {
			return backoff.Permanent(pe)
		}
		return pe
	}
	notify := func(err error, wait time.Duration) {
		p.l.Warn("persist attempt failed, retrying",
			logger.Code(models.ErrCodePersistRetryable),
			logger.String("ingest_id", ev.IngestID),
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
	}

	err := backoff.RetryNotify(op, p.policy(ctx), notify)
	if err == nil {
		return nil
	}
	return ClassifyPersistError(err)
}
