// Package marketctx reads the market snapshot other collectors leave in the
// state store: last price, 1h volatility, Fibonacci levels and the optional
// Schumann resonance document.
package marketctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/statestore"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

const (
	DefaultTimeout       = 250 * time.Millisecond
	DefaultHistoryWindow = 60
	minHistoryPrices     = 3
)

// Keys names the state store keys the provider reads.
type Keys struct {
	LastPrice    string
	Volatility   string
	Fibonacci    string
	Schumann     string
	PriceHistory string
}

// DefaultKeys returns the keys written by the upstream collectors.
func DefaultKeys() Keys {
	return Keys{
		LastPrice:    "last_btc_price",
		Volatility:   "volatility_1h",
		Fibonacci:    "fibonacci:current_levels",
		Schumann:     "schumann_resonance_data",
		PriceHistory: "btc_price_history",
	}
}

// Provider implements repository.ContextProvider over a statestore.Store.
type Provider struct {
	store         statestore.Store
	keys          Keys
	timeout       time.Duration
	historyWindow int64
	clock         clock.Clock
	logger        *logger.Logger
}

// Option configures a Provider.
type Option func(*Provider)

func WithKeys(k Keys) Option {
	return func(p *Provider) {
		p.keys = k
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithHistoryWindow(n int) Option {
	return func(p *Provider) {
		if n >= minHistoryPrices {
			p.historyWindow = int64(n)
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(p *Provider) {
		p.clock = clk
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// NewProvider creates a provider reading from store.
func NewProvider(store statestore.Store, opts ...Option) *Provider {
	p := &Provider{
		store:         store,
		keys:          DefaultKeys(),
		timeout:       DefaultTimeout,
		historyWindow: DefaultHistoryWindow,
		clock:         clock.New(),
		logger:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// readTally counts reads that failed at the transport level. Missing keys
// are not failures.
type readTally struct {
	attempted int
	failed    int
	lastErr   error
}

func (t *readTally) record(err error) {
	t.attempted++
	if err != nil {
		t.failed++
		t.lastErr = err
	}
}

// GetContext returns whatever could be read within the deadline. The
// context is never nil; an error is returned only when every read failed.
func (p *Provider) GetContext(ctx context.Context) (*models.MarketContext, error) {
	ctx, cancel := p.clock.WithTimeout(ctx, p.timeout)
	defer cancel()

	mc := &models.MarketContext{AsOf: p.clock.Now().UTC()}
	var tally readTally

	if raw, ok, err := p.get(ctx, p.keys.LastPrice, &tally); ok {
		mc.LastPrice = p.parseDecimal(p.keys.LastPrice, raw)
	} else if err != nil {
		p.logger.Debug("market context read failed", logger.String("key", p.keys.LastPrice), logger.Error(err))
	}

	if raw, ok, _ := p.get(ctx, p.keys.Volatility, &tally); ok {
		if v := p.parseDecimal(p.keys.Volatility, raw); v != nil {
			mc.Volatility1h = v
			mc.VolatilitySource = "store"
		}
	}
	if mc.Volatility1h == nil && p.keys.PriceHistory != "" {
		if v, ok := p.historyVolatility(ctx, &tally); ok {
			mc.Volatility1h = &v
			mc.VolatilitySource = "history"
		}
	}

	if raw, ok, _ := p.get(ctx, p.keys.Fibonacci, &tally); ok {
		levels, err := parseFibLevels(raw)
		if err != nil {
			p.logger.Warn("unparseable fibonacci levels", logger.Code(models.ErrCodeContext), logger.Error(err))
		} else if mc.LastPrice != nil {
			mc.NearestFibLevel = NearestLevel(levels, *mc.LastPrice)
		}
	}

	if p.keys.Schumann != "" {
		if raw, ok, _ := p.get(ctx, p.keys.Schumann, &tally); ok {
			if json.Valid(raw) {
				mc.Schumann = json.RawMessage(raw)
			} else {
				p.logger.Debug("schumann document is not JSON", logger.String("key", p.keys.Schumann))
			}
		}
	}

	if tally.attempted > 0 && tally.failed == tally.attempted {
		return mc, models.NewPipelineError(models.ErrCodeContext,
			fmt.Errorf("all %d market context reads failed: %w", tally.attempted, tally.lastErr))
	}
	return mc, nil
}

func (p *Provider) get(ctx context.Context, key string, tally *readTally) ([]byte, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	raw, ok, err := p.store.Get(ctx, key)
	tally.record(err)
	if err != nil {
		return nil, false, err
	}
	return raw, ok, nil
}

func (p *Provider) parseDecimal(key string, raw []byte) *decimal.Decimal {
	s := strings.TrimSuffix(strings.TrimSpace(string(raw)), "%")
	s = strings.Trim(s, `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.logger.Warn("unparseable market value", logger.Code(models.ErrCodeContext),
			logger.String("key", key), logger.String("value", string(raw)))
		return nil
	}
	return &d
}

func (p *Provider) historyVolatility(ctx context.Context, tally *readTally) (decimal.Decimal, bool) {
	rows, err := p.store.ListRange(ctx, p.keys.PriceHistory, 0, p.historyWindow-1)
	if statestore.IsWrongType(err) {
		// someone else's data under our key; not a transport failure
		return decimal.Zero, false
	}
	tally.record(err)
	if err != nil {
		return decimal.Zero, false
	}
	prices := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		if d, ok := parseHistoryRow(row); ok {
			prices = append(prices, d)
		}
	}
	return HistoryVolatility(prices, minHistoryPrices)
}

// parseHistoryRow accepts a bare number or an object with a "price" field.
func parseHistoryRow(row []byte) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(row))
	if d, err := decimal.NewFromString(strings.Trim(s, `"`)); err == nil {
		return d, d.IsPositive()
	}
	var obj struct {
		Price *decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(row, &obj); err != nil || obj.Price == nil {
		return decimal.Zero, false
	}
	return *obj.Price, obj.Price.IsPositive()
}

func parseFibLevels(raw []byte) ([]models.FibLevel, error) {
	var m map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, errors.New("no levels")
	}
	levels := make([]models.FibLevel, 0, len(m))
	for name, price := range m {
		levels = append(levels, models.FibLevel{Name: name, Price: price})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Name < levels[j].Name })
	return levels, nil
}

// NearestLevel returns the level closest to price; ties go to the
// lexically smaller name.
func NearestLevel(levels []models.FibLevel, price decimal.Decimal) *models.FibLevel {
	var best *models.FibLevel
	var bestDiff decimal.Decimal
	for i := range levels {
		diff := levels[i].Price.Sub(price).Abs()
		if best == nil || diff.LessThan(bestDiff) ||
			(diff.Equal(bestDiff) && levels[i].Name < best.Name) {
			lvl := levels[i]
			best = &lvl
			bestDiff = diff
		}
	}
	return best
}
