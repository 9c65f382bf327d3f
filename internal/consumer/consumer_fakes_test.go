package consumer

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
)

// spySink records every Counter call so tests can assert on tag values
// (e.g. the bounded rmq_consumer_dlx_total "reason" set) without a real
// StatsD collector.
type spySink struct {
	counters []spyCounter
}

type spyCounter struct {
	name string
	tags mmetrics.Tags
}

func (s *spySink) Counter(name string, tags mmetrics.Tags, sampleRate float64) {
	s.counters = append(s.counters, spyCounter{name: name, tags: tags})
}

func (s *spySink) Gauge(name string, value float64, tags mmetrics.Tags)     {}
func (s *spySink) Timing(name string, ms float64, tags mmetrics.Tags)      {}
func (s *spySink) Histogram(name string, value float64, tags mmetrics.Tags) {}

// fakeChannel implements amqpChannel for tests, recording every publish
// and letting a scripted error simulate broker flakiness.
type fakeChannel struct {
	publishErr      error
	published       []amqp.Publishing
	publishedKeys   []string
	publishedExchs  []string
	publishAttempts int
	closed          bool

	consumeCh  <-chan amqp.Delivery
	consumeErr error
	qosErr     error
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	return f.consumeCh, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.publishAttempts++
	f.publishedKeys = append(f.publishedKeys, key)
	f.publishedExchs = append(f.publishedExchs, exchange)

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)

	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return f.qosErr
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeChannelSource struct {
	ch      *fakeChannel
	chanErr error
	healthy bool
}

func (f *fakeChannelSource) Channel(ctx context.Context) (amqpChannel, error) {
	if f.chanErr != nil {
		return nil, f.chanErr
	}

	return f.ch, nil
}

func (f *fakeChannelSource) IsHealthy() bool { return f.healthy }

// fakeRepo implements outbox.Repository with scriptable claim/mark
// behavior and call counters the state-machine tests assert against.
type fakeRepo struct {
	claimResult outbox.ClaimResult
	claimErr    error

	markProcessedErr error
	markFailedErr    error

	claimCalls         int
	markProcessedCalls int
	markFailedCalls    int
	lastFailedReason   string
}

func (f *fakeRepo) InsertOutbox(ctx context.Context, producerService, eventType string, body []byte, partitionKey *string) (int64, error) {
	return 1, nil
}

func (f *fakeRepo) FetchPendingOutbox(ctx context.Context, limit int) ([]outbox.OutboxRow, error) {
	return nil, nil
}

func (f *fakeRepo) MarkOutboxProcessed(ctx context.Context, id int64) error { return nil }

func (f *fakeRepo) MarkOutboxFailed(ctx context.Context, id int64, reason string) error { return nil }

func (f *fakeRepo) TryClaimInbox(ctx context.Context, messageID, consumerService, workerID string, staleThreshold time.Duration) (outbox.ClaimResult, error) {
	f.claimCalls++

	if f.claimErr != nil {
		return outbox.ClaimRejected, f.claimErr
	}

	if f.claimResult == "" {
		return outbox.ClaimInserted, nil
	}

	return f.claimResult, nil
}

func (f *fakeRepo) MarkInboxProcessed(ctx context.Context, messageID, consumerService string) error {
	f.markProcessedCalls++
	return f.markProcessedErr
}

func (f *fakeRepo) MarkInboxFailed(ctx context.Context, messageID, consumerService, reason string) error {
	f.markFailedCalls++
	f.lastFailedReason = reason

	return f.markFailedErr
}

func (f *fakeRepo) Cleanup(ctx context.Context, retention time.Duration) error { return nil }

// fakeAck records Ack/Nack calls against a rawDelivery for assertion.
type fakeAck struct {
	acked       bool
	ackCalls    int
	nacked      bool
	nackCalls   int
	nackRequeue bool
	ackErr      error
	nackErr     error
}

func (f *fakeAck) ack(multiple bool) error {
	f.acked = true
	f.ackCalls++

	return f.ackErr
}

func (f *fakeAck) nack(multiple, requeue bool) error {
	f.nacked = true
	f.nackCalls++
	f.nackRequeue = requeue

	return f.nackErr
}

func (f *fakeAck) delivery(body []byte, headers amqp.Table) rawDelivery {
	return rawDelivery{body: body, headers: headers, ack: f.ack, nack: f.nack}
}
