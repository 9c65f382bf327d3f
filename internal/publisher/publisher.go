// Package publisher implements the publisher pipeline of spec.md §4.1:
// broker-first delivery with an outbox fallback, circuit-breaker guarded,
// instrumented with the metrics and tracing surfaces.
// Grounded on producer.rabbitmq.go's ProducerRepository shape (app_id
// property, persistent delivery mode, "rabbitmq.producer.publish_message"
// span name) and on pkg/mcircuitbreaker + pkg/mretry for the resilience
// wrapping the teacher's lib-commons circuit breaker provided in its test
// files but whose implementation is unavailable in this module (see
// DESIGN.md).
package publisher

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/midaz-rmq/internal/config"
	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/internal/pool"
	"github.com/LerianStudio/midaz-rmq/pkg/envelope"
	"github.com/LerianStudio/midaz-rmq/pkg/mcircuitbreaker"
	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
	"github.com/LerianStudio/midaz-rmq/pkg/mretry"
)

// mainExchangeSuffix names the topic exchange domain events publish to:
// "<project>.events", matching spec.md §4.1 step 4's "project.<configured-
// exchange>" wording with "events" as the configured exchange name.
const mainExchangeSuffix = "events"

const maxDelayMs = 3_600_000

var tracer = otel.Tracer("github.com/LerianStudio/midaz-rmq/internal/publisher")

// amqpChannel is the subset of *amqp.Channel the publisher drives.
// Abstracted out so unit tests exercise the publish algorithm against a
// fake instead of a live broker connection.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type channelSource interface {
	Channel(ctx context.Context) (amqpChannel, error)
	IsHealthy() bool
}

// poolAdapter satisfies channelSource over a *pool.ConnectionPool, whose
// Channel method returns the concrete *amqp.Channel (*amqp.Channel already
// implements amqpChannel structurally; Go requires this thin adapter
// because interface method sets must match exactly, not covariantly).
type poolAdapter struct {
	p *pool.ConnectionPool
}

func (a poolAdapter) Channel(ctx context.Context) (amqpChannel, error) { return a.p.Channel(ctx) }
func (a poolAdapter) IsHealthy() bool                                  { return a.p.IsHealthy() }

// Publisher implements spec.md §4.1's setMessage/setMeta/delay/publish/
// publishToBroker surface.
type Publisher struct {
	cfg     *config.Config
	pool    channelSource
	repo    outbox.Repository
	breaker *mcircuitbreaker.CircuitBreaker
	metrics mmetrics.Sink
	logger  mlog.Logger

	msg      *envelope.Message
	pendMeta map[string]any
	delayMs  int
}

// New wires a Publisher from its collaborators. metrics/logger default to
// no-ops when nil so callers never need to special-case tests.
func New(cfg *config.Config, p *pool.ConnectionPool, repo outbox.Repository, metrics mmetrics.Sink, logger mlog.Logger) *Publisher {
	if metrics == nil {
		metrics = mmetrics.NoopSink{}
	}

	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &Publisher{
		cfg:     cfg,
		pool:    poolAdapter{p: p},
		repo:    repo,
		breaker: mcircuitbreaker.New(mcircuitbreaker.DefaultConfig(cfg.ServiceName)),
		metrics: metrics,
		logger:  logger,
	}
}

// SetMessage stores the envelope to send. Must be called before Publish/
// PublishToBroker.
func (p *Publisher) SetMessage(msg *envelope.Message) *Publisher {
	p.msg = msg
	return p
}

// SetMeta merges m into the envelope's meta subtree before send.
func (p *Publisher) SetMeta(m map[string]any) *Publisher {
	if p.pendMeta == nil {
		p.pendMeta = map[string]any{}
	}

	for k, v := range m {
		p.pendMeta[k] = v
	}

	return p
}

// Delay schedules delayed delivery via the broker's x-delay header, which
// both Publish and PublishToBroker set on the broker message. A message
// that Publish falls back to storing in the outbox is stored without it.
func (p *Publisher) Delay(ms int) *Publisher {
	if ms > maxDelayMs {
		ms = maxDelayMs
	}

	p.delayMs = ms

	return p
}

func (p *Publisher) prepare(eventName string) (*envelope.Message, error) {
	if p.msg == nil {
		return nil, &merrors.ValidationError{Message: "no envelope set: call SetMessage first"}
	}

	msg := p.msg.Clone()
	msg.SetEvent(eventName)
	msg.AddMeta(p.pendMeta)

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Publish is the hybrid strategy: attempt a direct broker publish; any
// non-encoding failure falls through to an outbox row instead of
// propagating, per spec.md §4.1's "publish(eventName)" semantics.
func (p *Publisher) Publish(ctx context.Context, eventName string) error {
	msg, err := p.prepare(eventName)
	if err != nil {
		return err
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}

	err = p.publishToBroker(ctx, eventName, body)
	if err == nil {
		return nil
	}

	if merrors.Classify(err) == merrors.KindValidation {
		return err
	}

	return p.persistToOutbox(ctx, eventName, body)
}

// PublishToBroker is the direct-only operation the outbox dispatcher uses
// to relay an already-persisted row: it never falls through to the outbox
// on failure, which would create a dispatch loop (SPEC_FULL.md Open
// Question resolution #1).
func (p *Publisher) PublishToBroker(ctx context.Context, eventName string) error {
	msg, err := p.prepare(eventName)
	if err != nil {
		return err
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}

	return p.publishToBroker(ctx, eventName, body)
}

func (p *Publisher) publishToBroker(ctx context.Context, eventName string, body []byte) error {
	ctx, span := tracer.Start(ctx, "rabbitmq.producer.publish_message", trace.WithAttributes())
	defer span.End()

	start := time.Now()
	tags := mmetrics.Tags{"event_name": eventName}

	p.metrics.Counter(mmetrics.PublishTotal, tags, 1.0)
	p.metrics.Histogram(mmetrics.PayloadBytes, float64(len(body)), tags)

	err := p.breaker.Execute(func() error {
		ch, chErr := p.pool.Channel(ctx)
		if chErr != nil {
			return chErr
		}

		headers := amqp.Table{"app_id": p.cfg.AppID()}
		if p.delayMs > 0 {
			headers["x-delay"] = int32(p.delayMs)
		}

		return ch.PublishWithContext(ctx, p.cfg.Project+"."+mainExchangeSuffix, eventName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			AppId:        p.cfg.AppID(),
			Headers:      headers,
			Body:         body,
		})
	})

	if err != nil {
		kind := merrors.Classify(err)
		p.metrics.Counter(mmetrics.PublishErrorTotal, mmetrics.Tags{"event_name": eventName, "error_type": string(kind)}, 1.0)
		p.logger.Errorf("publisher: broker publish failed event=%s kind=%s err=%v", eventName, kind, err)

		return err
	}

	p.metrics.Counter(mmetrics.PublishSuccessTotal, tags, 1.0)
	p.metrics.Timing(mmetrics.PublishDurationMs, float64(time.Since(start).Milliseconds()), tags)

	return nil
}

// persistToOutbox inserts the pending row, retrying transient DB failures
// with the bounded backoff spec.md §4.1 names (50ms, x2, max 5 attempts).
func (p *Publisher) persistToOutbox(ctx context.Context, eventName string, body []byte) error {
	backoffCfg := mretry.Config{MaxRetries: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 800 * time.Millisecond, JitterFactor: 0}

	var lastErr error

	for attempt := 0; attempt < backoffCfg.MaxRetries; attempt++ {
		_, err := p.repo.InsertOutbox(ctx, p.cfg.ServiceName, eventName, body, nil)
		if err == nil {
			return nil
		}

		lastErr = err

		if merrors.Classify(err) != merrors.KindStorage {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffCfg.Backoff(attempt + 1)):
		}
	}

	return lastErr
}
