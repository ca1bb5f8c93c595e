package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxExtraKeys bounds the forward-compat map carried with an event.
const MaxExtraKeys = 32

var validate *validator.Validate

func init() {
	validate = validator.New()
}

var knownKeys = map[string]struct{}{
	"type": {}, "price": {}, "price_change": {}, "confidence": {},
	"liquidity_grabbed": {}, "timeframe": {}, "timestamp": {}, "source": {},
}

// wireEvent mirrors the queue member; pointers tell absent from zero.
type wireEvent struct {
	Type             *string          `json:"type" validate:"required"`
	Price            *decimal.Decimal `json:"price" validate:"required"`
	PriceChange      *decimal.Decimal `json:"price_change"`
	Confidence       *decimal.Decimal `json:"confidence" validate:"required"`
	LiquidityGrabbed *decimal.Decimal `json:"liquidity_grabbed"`
	Timeframe        string           `json:"timeframe" default:"1h"`
	Timestamp        json.RawMessage  `json:"timestamp"`
	Source           string           `json:"source"`
}

var one = decimal.NewFromInt(1)

// Decode parses and validates a queue member. A missing timestamp is
// replaced by ingestAt. Every failure is an ERR_INVALID_EVENT error.
func Decode(member []byte, ingestAt time.Time) (*models.CandidateEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(member, &raw); err != nil {
		return nil, models.InvalidEventf("decode: %v", err)
	}
	if raw == nil {
		return nil, models.InvalidEventf("decode: not a JSON object")
	}

	var w wireEvent
	if err := json.Unmarshal(member, &w); err != nil {
		return nil, models.InvalidEventf("decode: %v", err)
	}
	if err := defaults.Set(&w); err != nil {
		return nil, models.InvalidEventf("defaults: %v", err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, models.InvalidEventf("%s", describe(err))
	}

	ev := &models.CandidateEvent{
		Type:       strings.TrimSpace(*w.Type),
		Price:      *w.Price,
		Confidence: *w.Confidence,
		Timeframe:  string(models.NormalizeTimeframe(w.Timeframe)),
		Source:     w.Source,
	}
	if w.PriceChange != nil {
		ev.PriceChange = *w.PriceChange
	}
	if w.LiquidityGrabbed != nil {
		ev.LiquidityGrabbed = *w.LiquidityGrabbed
	}

	if err := checkRanges(ev); err != nil {
		return nil, err
	}

	ts, present, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, models.InvalidEventf("timestamp: %v", err)
	}
	if present {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = ingestAt.UTC()
		ev.TimestampMissing = true
	}

	ev.Extra = extras(raw)
	return ev, nil
}

// checkRanges compares the decimals exactly, so 1.0000000000000000001
// is above 1.
func checkRanges(ev *models.CandidateEvent) error {
	var parts []string
	if ev.Type == "" {
		parts = append(parts, "type is required")
	}
	if ev.Price.Sign() <= 0 {
		parts = append(parts, "price must be greater than 0")
	}
	if ev.Confidence.IsNegative() || ev.Confidence.GreaterThan(one) {
		parts = append(parts, "confidence must be within [0,1]")
	}
	if ev.LiquidityGrabbed.IsNegative() {
		parts = append(parts, "liquidity_grabbed must be at least 0")
	}
	if len(parts) > 0 {
		return models.InvalidEventf("%s", strings.Join(parts, "; "))
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, false, nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return time.Time{}, false, nil
		}
		t, ok := util.ParseTime(strings.TrimSpace(s))
		if !ok {
			return time.Time{}, true, fmt.Errorf("unrecognised format %q", s)
		}
		return t, true, nil
	}

	var sec float64
	if err := json.Unmarshal(trimmed, &sec); err == nil && sec > 0 {
		return util.UnixFloat(sec), true, nil
	}
	return time.Time{}, true, errors.New("must be an ISO-8601 string or unix seconds")
}

func extras(raw map[string]json.RawMessage) map[string]json.RawMessage {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		if _, ok := knownKeys[k]; !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	if len(keys) > MaxExtraKeys {
		keys = keys[:MaxExtraKeys]
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		out[k] = raw[k]
	}
	return out
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func fieldName(goName string) string {
	switch goName {
	case "LiquidityGrabbed":
		return "liquidity_grabbed"
	case "PriceChange":
		return "price_change"
	default:
		return strings.ToLower(goName)
	}
}
