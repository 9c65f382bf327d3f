// Package mmetrics implements the metrics surface of spec.md §4.6: a
// thin, fire-and-forget sink with four primitive operations, a StatsD UDP
// transport, and a no-op implementation for tests.
package mmetrics

// Tags is a flat set of metric tags. Values must be low-cardinality;
// Sink implementations should reject or warn on UUID/timestamp-shaped
// values per spec.md §4.6.
type Tags map[string]string

// Sink is the passive metrics surface every component in this library is
// instrumented against. Implementations must never let a send failure
// propagate to the caller.
type Sink interface {
	Counter(name string, tags Tags, sampleRate float64)
	Gauge(name string, value float64, tags Tags)
	Timing(name string, ms float64, tags Tags)
	Histogram(name string, value float64, tags Tags)
}

// Metric names are normative per spec.md §4.6.
const (
	PublishTotal          = "rmq_publish_total"
	PublishSuccessTotal    = "rmq_publish_success_total"
	PublishErrorTotal      = "rmq_publish_error_total"
	PublishDurationMs      = "rmq_publish_duration_ms"
	PayloadBytes           = "rmq_payload_bytes"
	EventStartedCount      = "event_started_count"
	EventProcessedDuration = "event_processed_duration"
	EventProcessedMemory   = "event_processed_memory_bytes"
	ConsumerDLXTotal       = "rmq_consumer_dlx_total"
	ConsumerAckFailedTotal = "rmq_consumer_ack_failed_total"
	ConnectionActive       = "rmq_connection_active"
	ChannelActive          = "rmq_channel_active"
	ConnectionErrorsTotal  = "rmq_connection_errors_total"
	ChannelErrorsTotal     = "rmq_channel_errors_total"
)

// RetryStage classifies an attempt as first/retry/last for the
// event_started_count / event_processed_duration tags.
type RetryStage string

const (
	RetryFirst RetryStage = "first"
	RetryRetry RetryStage = "retry"
	RetryLast  RetryStage = "last"
)

// ProcessedStatus is the status∈{success,failed} tag value.
type ProcessedStatus string

const (
	ProcessedSuccess ProcessedStatus = "success"
	ProcessedFailed  ProcessedStatus = "failed"
)

// RetryStageFor computes first/retry/last from the attempt number and the
// configured maximum attempts ("tries").
func RetryStageFor(attempt, tries int) RetryStage {
	switch {
	case attempt <= 1:
		return RetryFirst
	case attempt >= tries:
		return RetryLast
	default:
		return RetryRetry
	}
}
