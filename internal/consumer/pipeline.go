package consumer

import (
	"context"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/pkg/envelope"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
)

// rawDelivery narrows an amqp.Delivery down to what the state machine
// needs, letting tests drive handleDelivery with function-valued fakes
// instead of constructing a real amqp.Delivery (whose Ack/Nack methods
// require a broker-supplied Acknowledger).
type rawDelivery struct {
	body    []byte
	headers amqp.Table
	ack     func(multiple bool) error
	nack    func(multiple, requeue bool) error
}

// handleDelivery implements the per-delivery state machine of spec.md
// §4.2.2: Received -> Claimed -> Handling -> {Acked | RetryScheduled |
// DeadLettered}.
func (cr *ConsumerRoutes) handleDelivery(ctx context.Context, ch amqpChannel, queue string, handler QueueHandlerFunc, workerID int, d rawDelivery) {
	ctx, span := tracer.Start(ctx, "rabbitmq.consumer.handle_delivery")
	defer span.End()

	acked := false

	ackOnce := func() {
		if acked {
			return
		}

		acked = true

		if err := d.ack(false); err != nil {
			cr.Metrics.Counter(mmetrics.ConsumerAckFailedTotal, mmetrics.Tags{"event_name": queue}, 1.0)
			cr.Logger.Errorf("consumer: ack failed queue=%s err=%v", queue, err)
		}
	}

	nackOnce := func(requeue bool) {
		if acked {
			return
		}

		acked = true

		if err := d.nack(false, requeue); err != nil {
			cr.Logger.Errorf("consumer: nack failed queue=%s err=%v", queue, err)
		}
	}

	retryCount := getRetryCount(d.headers)
	stage := mmetrics.RetryStageFor(retryCount+1, cr.cfg.Tries)
	tags := mmetrics.Tags{"event_name": queue, "retry": string(stage)}

	cr.Metrics.Counter(mmetrics.EventStartedCount, tags, 1.0)

	start := time.Now()

	msg, err := envelope.Decode(d.body)
	if err != nil {
		cr.deadLetter(ctx, ch, queue, d, retryCount, dlxReasonEncoding, "invalid envelope: "+err.Error(), ackOnce, nackOnce)
		return
	}

	claim, err := cr.repo.TryClaimInbox(ctx, msg.MessageID(), cr.cfg.ServiceName, cr.cfg.PodName,
		time.Duration(cr.cfg.InboxLockStaleThresholdSec)*time.Second)
	if err != nil {
		cr.Logger.Errorf("consumer: inbox claim failed queue=%s message_id=%s err=%v", queue, msg.MessageID(), err)
		nackOnce(true)

		return
	}

	if claim == outbox.ClaimRejected {
		ackOnce()
		return
	}

	handlerErr := cr.invokeHandler(ctx, queue, handler, msg, d.body)
	durationMs := float64(time.Since(start).Milliseconds())

	if handlerErr == nil {
		if err := cr.repo.MarkInboxProcessed(ctx, msg.MessageID(), cr.cfg.ServiceName); err != nil {
			cr.Logger.Errorf("consumer: mark inbox processed failed message_id=%s err=%v", msg.MessageID(), err)
		}

		ackOnce()

		cr.Metrics.Timing(mmetrics.EventProcessedDuration, durationMs,
			mmetrics.Tags{"event_name": queue, "retry": string(stage), "status": string(mmetrics.ProcessedSuccess)})
		reportProcessedMemory(cr, queue, stage, mmetrics.ProcessedSuccess)

		return
	}

	if err := cr.repo.MarkInboxFailed(ctx, msg.MessageID(), cr.cfg.ServiceName, handlerErr.Error()); err != nil {
		cr.Logger.Errorf("consumer: mark inbox failed failed message_id=%s err=%v", msg.MessageID(), err)
	}

	cr.Metrics.Timing(mmetrics.EventProcessedDuration, durationMs,
		mmetrics.Tags{"event_name": queue, "retry": string(stage), "status": string(mmetrics.ProcessedFailed)})
	reportProcessedMemory(cr, queue, stage, mmetrics.ProcessedFailed)

	if retryCount >= cr.cfg.Tries-1 {
		cr.deadLetter(ctx, ch, queue, d, retryCount, dlxReasonMaxRetries, handlerErr.Error(), ackOnce, nackOnce)
		return
	}

	cr.scheduleRetry(ctx, ch, queue, msg, d, retryCount, handlerErr.Error(), ackOnce, nackOnce)
}

// reportProcessedMemory samples heap usage right after a delivery finishes
// handling and emits it as event_processed_memory_bytes, tagged the same
// way as event_processed_duration (spec.md §4.6).
func reportProcessedMemory(cr *ConsumerRoutes, queue string, stage mmetrics.RetryStage, status mmetrics.ProcessedStatus) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	cr.Metrics.Gauge(mmetrics.EventProcessedMemory, float64(m.HeapAlloc),
		mmetrics.Tags{"event_name": queue, "retry": string(stage), "status": string(status)})
}

// dlxReason* are the bounded values the rmq_consumer_dlx_total "reason"
// tag takes. The full error text still reaches the failed queue's
// x-error-message header; only this closed set reaches the metrics sink,
// per spec.md §4.6's "tag cardinality must be bounded" rule.
const (
	dlxReasonEncoding   = "encoding"
	dlxReasonMaxRetries = "max_retries"
	dlxReasonOversized  = "oversized"
)

// deadLetter routes d to queue's failed queue. reason is the bounded
// metric-tag value (dlxReason*); detail is the full, free-text error
// carried in the x-error-message header.
func (cr *ConsumerRoutes) deadLetter(ctx context.Context, ch amqpChannel, queue string, d rawDelivery, retryCount int, reason, detail string, ackOnce func(), nackOnce func(bool)) {
	if err := cr.publishToFailedQueue(ctx, ch, queue, d.body, d.headers, detail, retryCount); err != nil {
		cr.Logger.Errorf("consumer: dead-letter publish failed queue=%s err=%v (nacking without requeue)", queue, err)
		nackOnce(false)

		return
	}

	ackOnce()

	cr.Metrics.Counter(mmetrics.ConsumerDLXTotal, mmetrics.Tags{"event_name": queue, "reason": reason}, 1.0)
}

// scheduleRetry republishes a clone of the envelope to queue's delayed
// exchange (same name as the queue, per spec.md §4.2.1) with an
// incremented x-retry-count and the next attempt's backoff as x-delay.
func (cr *ConsumerRoutes) scheduleRetry(ctx context.Context, ch amqpChannel, queue string, msg *envelope.Message, d rawDelivery, retryCount int, reason string, ackOnce func(), nackOnce func(bool)) {
	msg.SetConsumerError(reason)

	body, err := msg.Encode()
	if err != nil {
		cr.deadLetter(ctx, ch, queue, d, retryCount, dlxReasonEncoding, "re-encode failed: "+err.Error(), ackOnce, nackOnce)
		return
	}

	if len(body) > envelope.MaxSizeBytes {
		cr.deadLetter(ctx, ch, queue, d, retryCount, dlxReasonOversized, "envelope exceeds max size on retry", ackOnce, nackOnce)
		return
	}

	headers := copyHeadersSafe(d.headers)
	headers[retryCountHeader] = safeIncrementRetryCount(retryCount)
	headers["x-delay"] = clampDelayMs(cr.cfg.BackoffForAttempt(retryCount + 1).Milliseconds())

	err = cr.breaker.Execute(func() error {
		return ch.PublishWithContext(ctx, queue, queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
		})
	})
	if err != nil {
		cr.Logger.Errorf("consumer: retry republish failed queue=%s err=%v", queue, err)
		nackOnce(true)

		return
	}

	ackOnce()
}
