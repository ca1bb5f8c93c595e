package cache

import (
	"context"
	"strconv"
	"time"

	"TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
)

// TrapReader serves Recent and Count from a short-lived cache so polling
// dashboards do not hit the database on every request. Errors are never
// cached.
type TrapReader struct {
	next  domrepo.TrapReader
	cache *TTLCache
	ttl   time.Duration
}

// NewTrapReader wraps next. A ttl <= 0 disables caching.
func NewTrapReader(next domrepo.TrapReader, cache *TTLCache, ttl time.Duration) *TrapReader {
	return &TrapReader{next: next, cache: cache, ttl: ttl}
}

func (r *TrapReader) Recent(ctx context.Context, limit int) ([]models.PersistedTrap, error) {
	if r.ttl <= 0 {
		return r.next.Recent(ctx, limit)
	}
	key := "recent:" + strconv.Itoa(limit)
	if v, ok := r.cache.Get(key); ok {
		return v.([]models.PersistedTrap), nil
	}
	rows, err := r.next.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, rows, r.ttl)
	return rows, nil
}

func (r *TrapReader) Count(ctx context.Context) (int64, error) {
	if r.ttl <= 0 {
		return r.next.Count(ctx)
	}
	const key = "count"
	if v, ok := r.cache.Get(key); ok {
		return v.(int64), nil
	}
	n, err := r.next.Count(ctx)
	if err != nil {
		return 0, err
	}
	r.cache.Set(key, n, r.ttl)
	return n, nil
}
