package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TrapFlow/internal/domain/models"
	applogger "TrapFlow/pkg/logger"
)

// ArchiveSchema creates database.table for low-tier events with a TTL of
// ttlDays.
func ArchiveSchema(database, table string, ttlDays int) []string {
	if table == "" {
		table = "low_tier_traps"
	}
	if ttlDays <= 0 {
		ttlDays = 7
	}
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			ts DateTime64(3, 'UTC'),
			ingest_id String,
			canonical_type LowCardinality(String),
			price Decimal(38, 10),
			price_change Decimal(38, 10),
			confidence Decimal(9, 6),
			threshold_used Decimal(9, 6),
			timeframe LowCardinality(String),
			source String,
			context_json String
		) ENGINE = ReplacingMergeTree
		ORDER BY (canonical_type, ts, ingest_id)
		TTL toDateTime(ts) + INTERVAL %d DAY`, database, table, ttlDays),
	}
}

// ArchiveRepository writes low-tier events to ClickHouse.
type ArchiveRepository struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

// NewArchiveRepository creates an archive over db writing to table
// (database-qualified, e.g. trapflow.low_tier_traps).
func NewArchiveRepository(db *sql.DB, table string) *ArchiveRepository {
	return &ArchiveRepository{db: db, table: table, l: applogger.NewNop()}
}

// SetLogger injects a structured logger.
func (s *ArchiveRepository) SetLogger(l *applogger.Logger) { s.l = l }

const archiveColumns = "ts, ingest_id, canonical_type, price, price_change, confidence, threshold_used, timeframe, source, context_json"

func archiveArgs(ev *models.ClassifiedEvent) ([]interface{}, error) {
	ctxJSON, err := json.Marshal(ev.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		ev.Timestamp.UTC(),
		ev.IngestID,
		string(ev.CanonicalType),
		ev.Price.String(),
		ev.PriceChange.String(),
		ev.Confidence.String(),
		ev.ThresholdUsed.String(),
		ev.Timeframe,
		ev.Source,
		string(ctxJSON),
	}, nil
}

// Archive stores a single event.
func (s *ArchiveRepository) Archive(ctx context.Context, ev *models.ClassifiedEvent) error {
	return s.ArchiveBatch(ctx, []*models.ClassifiedEvent{ev})
}

// ArchiveBatch stores events with multi-row VALUES inserts.
func (s *ArchiveRepository) ArchiveBatch(ctx context.Context, events []*models.ClassifiedEvent) error {
	if len(events) == 0 {
		return nil
	}
	const chunkSize = 500
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*10)
		for _, ev := range events[start:end] {
			if ev == nil || ev.IngestID == "" {
				continue
			}
			row, err := archiveArgs(ev)
			if err != nil {
				return models.NewPipelineError(models.ErrCodeArchive, fmt.Errorf("encode %s: %w", ev.IngestID, err))
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, row...)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, archiveColumns, strings.Join(values, ","))
		started := time.Now()
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse archive insert error",
				applogger.Code(models.ErrCodeArchive),
				applogger.String("table", s.table),
				applogger.Int("rows", len(values)),
				applogger.Error(err),
			)
			return models.NewPipelineError(models.ErrCodeArchive, err)
		}
		s.l.Debug("clickhouse archive insert",
			applogger.String("table", s.table),
			applogger.Int("rows", len(values)),
			applogger.Duration("elapsed", time.Since(started)),
		)
	}
	return nil
}

// Health pings ClickHouse.
func (s *ArchiveRepository) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
