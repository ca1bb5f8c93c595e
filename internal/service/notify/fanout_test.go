package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"TrapFlow/internal/domain/models"
	"TrapFlow/internal/service/ratelimit"
	pkghttp "TrapFlow/pkg/http"
	"TrapFlow/pkg/statestore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(tier models.Tier) *models.ClassifiedEvent {
	return &models.ClassifiedEvent{
		IngestID:      "abcdef0123456789",
		CanonicalType: models.TrapLiquidityGrab,
		Tier:          tier,
		Confidence:    decimal.RequireFromString("0.85"),
		ThresholdUsed: decimal.RequireFromString("0.7"),
		Price:         decimal.NewFromInt(81000),
		PriceChange:   decimal.RequireFromString("1.2"),
		Timeframe:     "1h",
		Timestamp:     time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC),
		Source:        "detector",
	}
}

func receive(t *testing.T, sub statestore.Subscription) []byte {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishHighTierUsesBothChannels(t *testing.T) {
	ctx := context.Background()
	mem := statestore.NewMemory()
	all, err := mem.Subscribe(ctx, DefaultChannel)
	require.NoError(t, err)
	defer all.Close()
	high, err := mem.Subscribe(ctx, DefaultHighChannel)
	require.NoError(t, err)
	defer high.Close()

	f := NewFanout(mem)
	require.NoError(t, f.Publish(ctx, event(models.TierHigh)))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(receive(t, all), &got))
	assert.Equal(t, "abcdef0123456789", got["ingest_id"])
	assert.Equal(t, "high", got["tier"])
	receive(t, high)
}

func TestPublishLowTierOnlyMainChannel(t *testing.T) {
	ctx := context.Background()
	mem := statestore.NewMemory()
	all, err := mem.Subscribe(ctx, DefaultChannel)
	require.NoError(t, err)
	defer all.Close()
	high, err := mem.Subscribe(ctx, DefaultHighChannel)
	require.NoError(t, err)
	defer high.Close()

	f := NewFanout(mem)
	require.NoError(t, f.Publish(ctx, event(models.TierLow)))

	receive(t, all)
	select {
	case <-high.Messages():
		t.Fatal("low tier event reached the high channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFailureIsCoded(t *testing.T) {
	mem := statestore.NewMemory()
	mem.Fail(statestore.ErrUnavailable)

	err := NewFanout(mem).Publish(context.Background(), event(models.TierHigh))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodePublish, models.CodeOf(err))
	assert.True(t, errors.Is(err, statestore.ErrUnavailable))
}

type fakeSink struct {
	name  string
	err   error
	delay time.Duration
	mu    sync.Mutex
	got   []Alert
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(ctx context.Context, a Alert) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

func TestAlertSkipsLowTier(t *testing.T) {
	sink := &fakeSink{name: "webhook"}
	f := NewFanout(statestore.NewMemory(), WithSinks(sink))

	assert.Equal(t, 0, f.Alert(context.Background(), event(models.TierLow)))
	assert.Empty(t, sink.got)
}

func TestAlertFailingSinkDoesNotAffectOthers(t *testing.T) {
	ok := &fakeSink{name: "webhook"}
	bad := &fakeSink{name: "chat", err: errors.New("502 bad gateway")}
	f := NewFanout(statestore.NewMemory(), WithSinks(ok, bad))

	failed := f.Alert(context.Background(), event(models.TierHigh))
	assert.Equal(t, 1, failed)
	require.Len(t, ok.got, 1)
	assert.NotEmpty(t, ok.got[0].AlertID)
	assert.Equal(t, "abcdef0123456789", ok.got[0].IngestID)

	stats := f.SinkStats()
	assert.EqualValues(t, 1, stats["webhook"].Sent)
	assert.EqualValues(t, 1, stats["chat"].Failed)
}

func TestAlertSinkTimeout(t *testing.T) {
	slow := &fakeSink{name: "email", delay: time.Second}
	f := NewFanout(statestore.NewMemory(), WithSinks(slow), WithSinkTimeout(20*time.Millisecond))

	start := time.Now()
	assert.Equal(t, 1, f.Alert(context.Background(), event(models.TierHigh)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAlertRateLimitDrops(t *testing.T) {
	now := time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewPerMinute(2)
	limiter.SetNow(func() time.Time { return now })

	sink := &fakeSink{name: "webhook"}
	f := NewFanout(statestore.NewMemory(), WithSinks(sink), WithLimiter(limiter))

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, f.Alert(context.Background(), event(models.TierHigh)))
	}
	assert.Len(t, sink.got, 2)
	assert.EqualValues(t, 1, f.SinkStats()["webhook"].Dropped)
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink("webhook", srv.URL, pkghttp.NewClient()).WithHeader("X-Token", "secret")
	require.NoError(t, sink.Send(context.Background(), NewAlert(event(models.TierHigh))))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "liquidity_grab", got["canonical_type"])
	assert.Equal(t, 0.85, got["confidence"])
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink("webhook", srv.URL, nil).Send(context.Background(), NewAlert(event(models.TierHigh)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestChatSinkSendsContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewChatSink(srv.URL, nil).Send(context.Background(), NewAlert(event(models.TierHigh))))
	assert.Contains(t, got["content"], "liquidity_grab")
	assert.Equal(t, got["content"], got["text"])
}

func TestEmailSinkBuildsMessage(t *testing.T) {
	sink := NewEmailSink("smtp.example.com:587", "alerts@example.com", []string{"ops@example.com"}, "", "")
	var sent []byte
	sink.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		assert.Equal(t, []string{"ops@example.com"}, to)
		sent = msg
		return nil
	}

	require.NoError(t, sink.Send(context.Background(), NewAlert(event(models.TierHigh))))
	msg := string(sent)
	assert.True(t, strings.HasPrefix(msg, "From: alerts@example.com\r\n"))
	assert.Contains(t, msg, "Subject: [TrapFlow] high trap liquidity_grab")
	assert.Contains(t, msg, "ingest_id:  abcdef0123456789")
}

func TestEmailSinkNeedsRecipients(t *testing.T) {
	sink := NewEmailSink("smtp.example.com:25", "a@example.com", nil, "", "")
	assert.Error(t, sink.Send(context.Background(), NewAlert(event(models.TierHigh))))
}

type fakeProducer struct {
	topic string
	key   []byte
	value interface{}
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestKafkaSinkKeysByIngestID(t *testing.T) {
	p := &fakeProducer{}
	require.NoError(t, NewKafkaSink(p, "trap_alerts").Send(context.Background(), NewAlert(event(models.TierHigh))))
	assert.Equal(t, "trap_alerts", p.topic)
	assert.Equal(t, "abcdef0123456789", string(p.key))
	assert.IsType(t, Alert{}, p.value)
}
