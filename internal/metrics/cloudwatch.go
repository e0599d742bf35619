package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"pushpipe/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Recorder = (*CloudWatch)(nil)

// CloudWatch emits one PutMetricData call per observation.
//
// Metrics:
//   - DeliveryAttempt {Channel, Result}
//   - DeliveryLatency {Channel}, milliseconds
//   - QueueLag {Queue}, milliseconds
//   - QueueDepth {Queue}
//   - DeadLettered {Channel}
//   - APIRequestCount {Endpoint, Method, Status}
//   - APILatency {Endpoint, Method}, milliseconds
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatch publishes under namespace, or types.MetricNamespace when
// namespace is empty.
func NewCloudWatch(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatch {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to put metric", "metric", aws.ToString(data[0].MetricName), "error", err.Error())
	}
}

func (m *CloudWatch) RecordDelivery(ctx context.Context, channel string, result Result) {
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimChannel, channel), dim(types.DimResult, string(result))},
	}}
	if result == ResultDeadLettered {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDeadLettered),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(types.DimChannel, channel)},
		})
	}
	m.put(ctx, data...)
}

func (m *CloudWatch) RecordLatency(ctx context.Context, channel string, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(types.DimChannel, channel)},
	})
}

func (m *CloudWatch) RecordQueueLag(ctx context.Context, queue string, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(types.DimQueue, queue)},
	})
}

func (m *CloudWatch) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueDepth),
		Value:      aws.Float64(float64(depth)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimQueue, queue)},
	})
}

// RecordRequest publishes HTTP request count and latency. route is the chi
// route pattern, so IDs do not explode the dimension space.
func (m *CloudWatch) RecordRequest(method, route, status string, d time.Duration) {
	m.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(types.DimEndpoint, route), dim(types.DimMethod, method), dim(types.DimStatus, status)},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(d.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimEndpoint, route), dim(types.DimMethod, method)},
		},
	)
}
