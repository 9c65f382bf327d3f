package consumer

import (
	"math"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

// retryCountHeader is the AMQP header spec.md §6.2 names literally:
// "x-retry-count (integer) -- current attempt counter."
const retryCountHeader = "x-retry-count"

// allowlisted headers survive a retry republish; anything else (signed
// tokens, broker-internal bookkeeping) is dropped rather than carried
// forward, per consumer_retry_test.go's CopyHeadersSafe contract.
var retryHeaderAllowlist = map[string]struct{}{
	"x-correlation-id": {},
	"content-type":     {},
	retryCountHeader:   {},
}

// getRetryCount reads retryCountHeader off headers, defaulting to 0 for a
// first delivery and tolerating either int32 or int64 storage (amqp091-go
// round-trips small integers as either depending on the wire encoder).
func getRetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}

	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// safeIncrementRetryCount increments count by one, saturating at
// math.MaxInt32 instead of wrapping to a negative value.
func safeIncrementRetryCount(count int) int32 {
	if count >= math.MaxInt32 {
		return math.MaxInt32
	}

	return int32(count + 1)
}

// copyHeadersSafe returns a defensive copy of headers containing only the
// allowlisted keys, never nil.
func copyHeadersSafe(headers amqp.Table) amqp.Table {
	out := amqp.Table{}

	for k, v := range headers {
		if _, ok := retryHeaderAllowlist[k]; ok {
			out[k] = v
		}
	}

	return out
}

const dlqSuffix = ".dlq"

// buildDLQName appends dlqSuffix to queue. Returns a *merrors.ValidationError
// on an empty queue name rather than panicking: consumer_retry_test.go's
// (string, error) signature is kept over consumer_dlq_test.go's panicking
// variant found in the same pack (see DESIGN.md) — a library surface
// should never panic on caller-supplied input.
func buildDLQName(queue string) (string, error) {
	if queue == "" {
		return "", &merrors.ValidationError{Message: "queue name must not be empty"}
	}

	return queue + dlqSuffix, nil
}

// maxDelayMs is the hard cap spec.md §4.2.4 places on x-delay, shared with
// internal/publisher's identical constant for the same header.
const maxDelayMs = 3_600_000

// clampDelayMs caps a computed backoff at maxDelayMs.
func clampDelayMs(ms int64) int32 {
	if ms > maxDelayMs {
		ms = maxDelayMs
	}

	return int32(ms)
}
