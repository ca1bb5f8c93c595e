package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/pkg/metrics"
	"TrapFlow/pkg/queue"
	"TrapFlow/pkg/statestore"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGateway is a Memory that can be severed and restored the way a
// Redis gateway loses and regains its server.
type flakyGateway struct {
	*statestore.Memory
	mu         sync.Mutex
	severed    bool
	serverUp   bool
	pings      int
	reconnects int
}

func newFlakyGateway() *flakyGateway {
	return &flakyGateway{Memory: statestore.NewMemory(), serverUp: true}
}

func (g *flakyGateway) sever() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.severed = true
	g.serverUp = false
	g.Memory.Fail(statestore.ErrUnavailable)
}

func (g *flakyGateway) restoreServer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.serverUp = true
}

func (g *flakyGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	g.pings++
	g.mu.Unlock()
	return g.Memory.Ping(ctx)
}

func (g *flakyGateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.severed
}

func (g *flakyGateway) Reconnect(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reconnects++
	if !g.serverUp {
		return errors.New("dial tcp: connection refused")
	}
	g.severed = false
	g.Memory.Fail(nil)
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	errors  []string
	depth   int64
	rate    float64
	healthy []bool
}

func (m *recordingMetrics) RecordEvent(string) {}
func (m *recordingMetrics) RecordError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, code)
}
func (m *recordingMetrics) RecordQueueDepth(d int64)      { m.depth = d }
func (m *recordingMetrics) RecordRate(r float64)          { m.rate = r }
func (m *recordingMetrics) RecordLatency(string, float64) {}
func (m *recordingMetrics) RecordAlert(string, string)    {}
func (m *recordingMetrics) RecordStateStoreHealthy(ok bool) {
	m.healthy = append(m.healthy, ok)
}

type fakePusher struct {
	ts      time.Time
	samples []metrics.Sample
	err     error
}

func (p *fakePusher) Push(_ context.Context, ts time.Time, samples []metrics.Sample) error {
	p.ts, p.samples = ts, samples
	return p.err
}

func TestHealthTickWritesMetricsDocument(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)
	mem := statestore.NewMemory()
	q := queue.New(mem, queue.WithClock(clk))
	require.NoError(t, q.Enqueue(ctx, []byte(`{"type":"x"}`)))
	require.NoError(t, q.Enqueue(ctx, []byte(`{"type":"y"}`)))

	stats := NewStats(clk, 0)
	stats.RecordProcessed(models.TierHigh)
	stats.RecordProcessed(models.TierLow)
	stats.RecordInvalid()

	sub, err := mem.Subscribe(ctx, DefaultMetricsKey)
	require.NoError(t, err)
	defer sub.Close()

	rec := &recordingMetrics{}
	pusher := &fakePusher{}
	h := NewHealthLoop(mem, q, stats, DefaultHealthLoopConfig(),
		WithHealthClock(clk), WithHealthMetrics(rec), WithPusher(pusher))

	doc, err := h.Tick(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, doc.Processed)
	assert.EqualValues(t, 1, doc.Errors)
	assert.EqualValues(t, 1, doc.HighTier)
	assert.EqualValues(t, 1, doc.LowTier)
	assert.EqualValues(t, 2, doc.QueueDepth)
	assert.Equal(t, t0, doc.AsOf)

	raw, found, err := mem.Get(ctx, DefaultMetricsKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(string(raw), `{"processed":3,"errors":1,"high_tier":1,"low_tier":1,"queue_depth":2,"rate_ewma":`), string(raw))
	assert.True(t, strings.HasSuffix(string(raw), `"as_of":"2024-03-24T12:00:00Z"}`), string(raw))

	select {
	case msg := <-sub.Messages():
		var got models.MetricsDocument
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.EqualValues(t, 2, got.QueueDepth)
	case <-time.After(time.Second):
		t.Fatal("metrics not published")
	}

	assert.EqualValues(t, 2, rec.depth)
	assert.Equal(t, []bool{true}, rec.healthy)
	assert.Equal(t, t0, pusher.ts)
	assert.Len(t, pusher.samples, 5)
}

func TestHealthTickPushFailureIsNotFatal(t *testing.T) {
	mem := statestore.NewMemory()
	rec := &recordingMetrics{}
	h := NewHealthLoop(mem, queue.New(mem), NewStats(nil, 0), DefaultHealthLoopConfig(),
		WithHealthMetrics(rec), WithPusher(&fakePusher{err: errors.New("throttled")}))

	_, err := h.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{models.ErrCodeMetricsWrite}, rec.errors)
}

func TestHealthTickPingCadence(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)
	gw := newFlakyGateway()
	h := NewHealthLoop(gw, queue.New(gw), NewStats(clk, 0), DefaultHealthLoopConfig(), WithHealthClock(clk))

	_, err := h.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.pings)

	clk.Add(15 * time.Second)
	_, err = h.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.pings, "healthy gateway is pinged on the health check interval only")

	clk.Add(45 * time.Second)
	_, err = h.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.pings)
}

func TestHealthTickReconnectsAfterDrop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(t0)
	gw := newFlakyGateway()
	q := queue.New(gw, queue.WithClock(clk))
	stats := NewStats(clk, 0)
	persister := newMemPersister()

	for i := 0; i < 10; i++ {
		member := `{"type":"liquidity_grab","price":8100` + string(rune('0'+i)) + `,"confidence":0.9}`
		require.NoError(t, q.Enqueue(ctx, []byte(member)))
	}

	rec := &recordingMetrics{}
	h := NewHealthLoop(gw, q, stats, DefaultHealthLoopConfig(), WithHealthClock(clk), WithHealthMetrics(rec))
	sup := NewSupervisor(q, persister, &fakeNotifier{}, &nilContext{}, stats, DefaultSupervisorConfig(),
		WithSupervisorClock(clk))

	gw.sever()
	_, err := sup.RunOnce(ctx)
	require.Error(t, err)

	clk.Add(15 * time.Second)
	_, err = h.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, gw.reconnects)
	assert.Equal(t, []bool{false}, rec.healthy)

	gw.restoreServer()
	clk.Add(15 * time.Second)
	_, err = h.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.reconnects)
	assert.Equal(t, []bool{false, true}, rec.healthy)
	assert.Contains(t, rec.errors, models.ErrCodeStateStoreDown)

	n, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, persister.count())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

type nilContext struct{}

func (nilContext) GetContext(context.Context) (*models.MarketContext, error) {
	return nil, errors.New("no context")
}

func TestHealthLoopStartStop(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t0)
	mem := statestore.NewMemory()
	h := NewHealthLoop(mem, queue.New(mem), NewStats(clk, 0), DefaultHealthLoopConfig(), WithHealthClock(clk))

	require.NoError(t, h.Start())
	assert.Error(t, h.Start())

	require.Eventually(t, func() bool {
		clk.Add(15 * time.Second)
		_, found, _ := mem.Get(context.Background(), DefaultMetricsKey)
		return found
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Stop(ctx))
}

func TestStatsRateEWMA(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t0)
	s := NewStats(clk, time.Minute)

	s.Observe(5)
	clk.Add(5 * time.Second)
	s.Observe(5)
	// 10 events over 5s, alpha = 1 - exp(-5/60)
	assert.InDelta(t, 0.160, s.Snapshot().RateEWMA, 0.001)

	for i := 0; i < 20; i++ {
		clk.Add(10 * time.Second)
		s.Observe(0)
	}
	assert.Less(t, s.Snapshot().RateEWMA, 0.01)
}

func TestStatsCounters(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t0)
	s := NewStats(clk, 0)

	snap := s.Snapshot()
	assert.Nil(t, snap.LastProcessedAt)
	assert.Equal(t, t0, snap.StartedAt)

	clk.Add(time.Second)
	assert.EqualValues(t, 1, s.RecordProcessed(models.TierHigh))
	assert.EqualValues(t, 2, s.RecordInvalid())
	s.RecordError(models.ErrCodePublish)
	s.RecordAcked(2)
	s.RecordAcked(-1)

	snap = s.Snapshot()
	assert.EqualValues(t, 2, snap.Processed)
	assert.EqualValues(t, 1, snap.HighTier)
	assert.EqualValues(t, 2, snap.Errors)
	assert.EqualValues(t, 2, snap.Acked)
	require.NotNil(t, snap.LastProcessedAt)
	assert.Equal(t, t0.Add(time.Second), *snap.LastProcessedAt)

	snap.ErrorsByCode[models.ErrCodePublish] = 99
	assert.EqualValues(t, 1, s.Snapshot().ErrorsByCode[models.ErrCodePublish])
}
