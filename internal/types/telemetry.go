package types

// Metric and dimension names shared by the CloudWatch and Prometheus backends.
const (
	// Metric Names
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"
	MetricQueueLag        = "QueueLag"
	MetricQueueDepth      = "QueueDepth"
	MetricDeadLettered    = "DeadLettered"
	MetricAPILatency      = "APILatency"
	MetricAPIRequestCount = "APIRequestCount"

	// Dimension Keys
	DimQueue    = "Queue"
	DimChannel  = "Channel"
	DimResult   = "Result"
	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"

	// MetricNamespace is the default CloudWatch namespace.
	MetricNamespace = "PushPipe"
)
