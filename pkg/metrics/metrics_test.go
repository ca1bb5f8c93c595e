package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegisterer(reg)

	r.RecordEvent("persisted")
	r.RecordEvent("persisted")
	r.RecordError("ERR_INVALID_EVENT")
	r.RecordQueueDepth(12)
	r.RecordStateStoreHealthy(true)
	r.RecordAlert("webhook", "sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.eventsTotal.WithLabelValues("persisted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("ERR_INVALID_EVENT")))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stateStoreHealth))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alertsTotal.WithLabelValues("webhook", "sent")))

	r.RecordStateStoreHealthy(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.stateStoreHealth))
}

type fakeCloudWatch struct {
	in *cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.in = in
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchPush(t *testing.T) {
	fake := &fakeCloudWatch{}
	p := newCloudWatchPusher(fake, "TrapFlow", map[string]string{"queue": "mm_trap_queue:zset", "empty": ""})
	ts := time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.Push(context.Background(), ts, []Sample{
		{Name: "processed", Value: 10},
		{Name: "rate_ewma", Value: 0.5, Unit: cwtypes.StandardUnitCountSecond},
	}))
	require.NotNil(t, fake.in)
	assert.Equal(t, "TrapFlow", *fake.in.Namespace)
	require.Len(t, fake.in.MetricData, 2)
	assert.Equal(t, cwtypes.StandardUnitCount, fake.in.MetricData[0].Unit)
	assert.Len(t, fake.in.MetricData[0].Dimensions, 1)
	assert.Equal(t, ts, *fake.in.MetricData[1].Timestamp)

	fake.in = nil
	require.NoError(t, p.Push(context.Background(), ts, nil))
	assert.Nil(t, fake.in)
}
