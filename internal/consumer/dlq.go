package consumer

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dlqPublishRetryDelay bounds how long publishToFailedQueue waits between
// its own retry attempts against a flaky broker, grounded on
// consumer_dlq_test.go's 500ms-5s reasonableness check. A var, not a
// const, so tests can shrink it instead of sleeping in real time.
var dlqPublishRetryDelay = 1 * time.Second

const dlqPublishAttempts = 3

// publishToFailedQueue routes body to queue's terminal failed queue,
// attaching both the normative x-error-message header (spec.md §6.2) and
// the richer x-dlq-* diagnostic set consumer_dlq_test.go's
// TestDLQHeaderStructure documents. Publish failures are retried a few
// times against transient broker hiccups; ack must not happen until this
// succeeds (spec.md §4.2.6).
func (cr *ConsumerRoutes) publishToFailedQueue(ctx context.Context, ch amqpChannel, queue string, body []byte, headers amqp.Table, reason string, retryCount int) error {
	failedQueue, err := buildDLQName(queue)
	if err != nil {
		return err
	}

	out := copyHeadersSafe(headers)
	out["x-error-message"] = reason
	out["x-dlq-reason"] = reason
	out["x-dlq-original-queue"] = queue
	out["x-dlq-retry-count"] = strconv.Itoa(retryCount)
	out["x-dlq-timestamp"] = time.Now().UTC().Format(time.RFC3339)

	var lastErr error

	for attempt := 0; attempt < dlqPublishAttempts; attempt++ {
		lastErr = cr.breaker.Execute(func() error {
			return ch.PublishWithContext(ctx, "", failedQueue, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Headers:      out,
				Body:         body,
			})
		})
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dlqPublishRetryDelay):
		}
	}

	return lastErr
}
