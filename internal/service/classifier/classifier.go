// Package classifier turns queue members into classified trap events. It
// holds no state: the same bytes and market context always produce the
// same tier and threshold.
package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/pkg/util"

	"github.com/shopspring/decimal"
)

var (
	BaseThreshold = decimal.RequireFromString("0.70")
	MinThreshold  = decimal.RequireFromString("0.50")
	MaxThreshold  = decimal.RequireFromString("0.95")

	thresholdStep = decimal.RequireFromString("0.05")
	highVol       = decimal.RequireFromString("1.0")
	lowVol        = decimal.RequireFromString("0.3")
)

// Threshold returns the confidence threshold for the given context.
// Volatility is in percent; without it the base threshold applies.
func Threshold(mc *models.MarketContext) decimal.Decimal {
	t := BaseThreshold
	if mc == nil || mc.Volatility1h == nil {
		return t
	}
	vol := *mc.Volatility1h
	if vol.GreaterThanOrEqual(highVol) {
		t = t.Add(thresholdStep)
	}
	if vol.LessThanOrEqual(lowVol) {
		t = t.Sub(thresholdStep)
	}
	if t.LessThan(MinThreshold) {
		return MinThreshold
	}
	if t.GreaterThan(MaxThreshold) {
		return MaxThreshold
	}
	return t
}

// CanonicalType lowercases raw, maps '-' and spaces to '_' and coerces
// anything unrecognised to unknown.
func CanonicalType(raw string) models.TrapType {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	t := models.TrapType(s)
	if !t.IsKnown() {
		return models.TrapUnknown
	}
	return t
}

// IngestID is the first 16 hex chars of sha256(type|price|timestamp|source).
func IngestID(canonical models.TrapType, price decimal.Decimal, ts time.Time, source string) string {
	key := strings.Join([]string{
		string(canonical),
		price.String(),
		ts.UTC().Format(time.RFC3339Nano),
		source,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Classify decodes member and tags it against the threshold derived from
// mc. ingestAt stands in for a missing timestamp.
func Classify(member []byte, ingestAt time.Time, mc *models.MarketContext) (*models.ClassifiedEvent, error) {
	cand, err := Decode(member, ingestAt)
	if err != nil {
		return nil, err
	}

	canonical := CanonicalType(cand.Type)
	threshold := Threshold(mc)
	tier := models.TierLow
	if cand.Confidence.GreaterThanOrEqual(threshold) {
		tier = models.TierHigh
	}

	var phase *float64
	if mc != nil && !mc.AsOf.IsZero() {
		p := util.LunarPhase(mc.AsOf)
		phase = &p
	}

	return &models.ClassifiedEvent{
		IngestID:         IngestID(canonical, cand.Price, cand.Timestamp, cand.Source),
		CanonicalType:    canonical,
		Tier:             tier,
		Confidence:       cand.Confidence,
		ThresholdUsed:    threshold,
		Price:            cand.Price,
		PriceChange:      cand.PriceChange,
		Timeframe:        cand.Timeframe,
		Timestamp:        cand.Timestamp,
		ContextSnapshot:  mc.Snapshot(phase),
		Source:           cand.Source,
		Type:             cand.Type,
		LiquidityGrabbed: cand.LiquidityGrabbed,
		Extra:            cand.Extra,
	}, nil
}
