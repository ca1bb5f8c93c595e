package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"TrapFlow/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Alert is the structured payload handed to every sink.
type Alert struct {
	AlertID       string          `json:"alert_id"`
	IngestID      string          `json:"ingest_id"`
	CanonicalType models.TrapType `json:"canonical_type"`
	Tier          models.Tier     `json:"tier"`
	Confidence    decimal.Decimal `json:"confidence"`
	ThresholdUsed decimal.Decimal `json:"threshold_used"`
	Price         decimal.Decimal `json:"price"`
	PriceChange   decimal.Decimal `json:"price_change"`
	Timeframe     string          `json:"timeframe"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
	Summary       string          `json:"summary"`
}

// MarshalJSON writes decimals as JSON numbers.
func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AlertID       string          `json:"alert_id"`
		IngestID      string          `json:"ingest_id"`
		CanonicalType models.TrapType `json:"canonical_type"`
		Tier          models.Tier     `json:"tier"`
		Confidence    json.Number     `json:"confidence"`
		ThresholdUsed json.Number     `json:"threshold_used"`
		Price         json.Number     `json:"price"`
		PriceChange   json.Number     `json:"price_change"`
		Timeframe     string          `json:"timeframe"`
		Timestamp     time.Time       `json:"timestamp"`
		Source        string          `json:"source,omitempty"`
		Summary       string          `json:"summary"`
	}{
		AlertID:       a.AlertID,
		IngestID:      a.IngestID,
		CanonicalType: a.CanonicalType,
		Tier:          a.Tier,
		Confidence:    models.Number(a.Confidence),
		ThresholdUsed: models.Number(a.ThresholdUsed),
		Price:         models.Number(a.Price),
		PriceChange:   models.Number(a.PriceChange),
		Timeframe:     a.Timeframe,
		Timestamp:     a.Timestamp,
		Source:        a.Source,
		Summary:       a.Summary,
	})
}

// NewAlert builds the alert for a classified event.
func NewAlert(ev *models.ClassifiedEvent) Alert {
	return Alert{
		AlertID:       uuid.NewString(),
		IngestID:      ev.IngestID,
		CanonicalType: ev.CanonicalType,
		Tier:          ev.Tier,
		Confidence:    ev.Confidence,
		ThresholdUsed: ev.ThresholdUsed,
		Price:         ev.Price,
		PriceChange:   ev.PriceChange,
		Timeframe:     ev.Timeframe,
		Timestamp:     ev.Timestamp.UTC(),
		Source:        ev.Source,
		Summary:       summarize(ev),
	}
}

func summarize(ev *models.ClassifiedEvent) string {
	return fmt.Sprintf("%s trap %s at %s (%s%%, %s) confidence %s >= %s",
		ev.Tier, ev.CanonicalType, ev.Price.String(), ev.PriceChange.StringFixed(2),
		ev.Timeframe, ev.Confidence.StringFixed(2), ev.ThresholdUsed.StringFixed(2))
}
