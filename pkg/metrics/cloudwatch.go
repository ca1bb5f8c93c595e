package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Sample is one CloudWatch datapoint.
type Sample struct {
	Name  string
	Value float64
	Unit  cwtypes.StandardUnit
}

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPusher publishes samples under one namespace.
type CloudWatchPusher struct {
	client     putMetricDataAPI
	namespace  string
	dimensions []cwtypes.Dimension
}

// NewCloudWatchPusher loads the default AWS configuration (env, shared
// files, instance role). An empty region falls back to AWS_REGION.
func NewCloudWatchPusher(ctx context.Context, region, namespace string, dims map[string]string) (*CloudWatchPusher, error) {
	if namespace == "" {
		return nil, fmt.Errorf("cloudwatch namespace is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newCloudWatchPusher(cloudwatch.NewFromConfig(cfg), namespace, dims), nil
}

func newCloudWatchPusher(client putMetricDataAPI, namespace string, dims map[string]string) *CloudWatchPusher {
	p := &CloudWatchPusher{client: client, namespace: namespace}
	for k, v := range dims {
		if v == "" {
			continue
		}
		p.dimensions = append(p.dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}
	return p
}

// Push sends samples stamped with ts in a single PutMetricData call.
func (p *CloudWatchPusher) Push(ctx context.Context, ts time.Time, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	data := make([]cwtypes.MetricDatum, 0, len(samples))
	for _, s := range samples {
		unit := s.Unit
		if unit == "" {
			unit = cwtypes.StandardUnitCount
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(s.Name),
			Dimensions: p.dimensions,
			Timestamp:  aws.Time(ts),
			Unit:       unit,
			Value:      aws.Float64(s.Value),
		})
	}
	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
