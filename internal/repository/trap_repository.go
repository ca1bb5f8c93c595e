package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DefaultPersistTimeout bounds a single insert attempt.
const DefaultPersistTimeout = 5 * time.Second

// TrapSchema creates the possible_mm_traps table and its indexes.
var TrapSchema = []string{
	`CREATE TABLE IF NOT EXISTS possible_mm_traps (
		id TEXT PRIMARY KEY,
		canonical_type TEXT NOT NULL,
		price NUMERIC NOT NULL,
		price_change NUMERIC NOT NULL DEFAULT 0,
		confidence NUMERIC NOT NULL,
		tier TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		context_json JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_possible_mm_traps_timestamp ON possible_mm_traps(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_possible_mm_traps_type ON possible_mm_traps(canonical_type)`,
}

const insertTrapSQL = `
	INSERT INTO possible_mm_traps
		(id, canonical_type, price, price_change, confidence, tier, timeframe, timestamp, context_json)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9::jsonb)
	ON CONFLICT (id) DO NOTHING`

const recentTrapsSQL = `
	SELECT id, canonical_type, price::text, price_change::text, confidence::text,
		tier, timeframe, timestamp, COALESCE(context_json::text, 'null')
	FROM possible_mm_traps
	ORDER BY timestamp DESC
	LIMIT $1`

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TrapRepository stores high-tier events in PostgreSQL.
type TrapRepository struct {
	db      DB
	timeout time.Duration
	l       *logger.Logger
}

// NewTrapRepository creates a repository over db.
func NewTrapRepository(db DB, l *logger.Logger) *TrapRepository {
	if l == nil {
		l = logger.NewNop()
	}
	return &TrapRepository{db: db, timeout: DefaultPersistTimeout, l: l}
}

// SetTimeout overrides the per-attempt timeout.
func (r *TrapRepository) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Persist inserts ev keyed by its ingest id. A duplicate id is success.
// Failures come back as *PersistError.
func (r *TrapRepository) Persist(ctx context.Context, ev *models.ClassifiedEvent) error {
	ctxJSON, err := json.Marshal(ev.ContextSnapshot)
	if err != nil {
		return permanent(fmt.Errorf("encode context snapshot: %w", err), "")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, insertTrapSQL,
		ev.IngestID,
		string(ev.CanonicalType),
		ev.Price.String(),
		ev.PriceChange.String(),
		ev.Confidence.String(),
		string(ev.Tier),
		ev.Timeframe,
		ev.Timestamp.UTC(),
		string(ctxJSON),
	)
	if err != nil {
		return ClassifyPersistError(err)
	}
	if tag.RowsAffected() == 0 {
		r.l.Debug("trap already persisted", logger.String("ingest_id", ev.IngestID))
	}
	return nil
}

// Recent returns the newest persisted traps.
func (r *TrapRepository) Recent(ctx context.Context, limit int) ([]models.PersistedTrap, error) {
	rows, err := r.db.Query(ctx, recentTrapsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("recent traps: %w", err)
	}
	defer rows.Close()

	out := make([]models.PersistedTrap, 0, limit)
	for rows.Next() {
		var t models.PersistedTrap
		var price, change, confidence, ctxJSON string
		if err := rows.Scan(&t.ID, &t.CanonicalType, &price, &change, &confidence,
			&t.Tier, &t.Timeframe, &t.Timestamp, &ctxJSON); err != nil {
			return nil, fmt.Errorf("scan trap: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trap %s price: %w", t.ID, err)
		}
		if t.PriceChange, err = decimal.NewFromString(change); err != nil {
			return nil, fmt.Errorf("trap %s price_change: %w", t.ID, err)
		}
		if t.Confidence, err = decimal.NewFromString(confidence); err != nil {
			return nil, fmt.Errorf("trap %s confidence: %w", t.ID, err)
		}
		t.Timestamp = t.Timestamp.UTC()
		t.ContextJSON = json.RawMessage(ctxJSON)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of persisted traps.
func (r *TrapRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM possible_mm_traps`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traps: %w", err)
	}
	return n, nil
}
