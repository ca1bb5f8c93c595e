package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"INFO":    "info",
		"Warning": "warn",
		"debug":   "debug",
		"":        "info",
		"ERROR":   "error",
	}
	for in, want := range cases {
		lvl, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, lvl.String(), in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestCriticalCarriesSeverity(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info")

	l.Critical("queue key rotated", String("backup_key", "q_backup_1"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, SeverityCritical, line["severity"])
	assert.Equal(t, "q_backup_1", line["backup_key"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "WARN")

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown", Error(errors.New("boom")), Duration("took", 1500*time.Millisecond))
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])
	assert.EqualValues(t, 1500, line["took"])
}

type capturePublisher struct {
	mu      sync.Mutex
	digests []Digest
}

func (p *capturePublisher) PublishMessage(_ context.Context, _ string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digests = append(p.digests, payload.(Digest))
	return nil
}

func TestCollectorFoldsRepeatedErrors(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Channel: "digest", Publisher: pub})

	for i := 0; i < 3; i++ {
		l.Error("persist failed", Code("ERR_PERSIST_RETRYABLE"))
	}
	assert.Equal(t, 1, l.collector.Pending())

	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.digests, 1)
	assert.Equal(t, 3, pub.digests[0].Total)
	require.Len(t, pub.digests[0].Entries, 1)
	assert.Equal(t, "persist failed", pub.digests[0].Entries[0].Message)
}
