package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/midaz-rmq/internal/config"
	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/pkg/envelope"
	"github.com/LerianStudio/midaz-rmq/pkg/mcircuitbreaker"
	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
)

type fakeChannel struct {
	publishErr error
	published  []amqp.Publishing
	closed     bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)

	return nil
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

// fakeRepo implements outbox.Repository, scripting InsertOutbox's result
// across up to len(insertErrs) calls (nil thereafter).
type fakeRepo struct {
	insertErrs  []error
	insertCalls int
}

func (f *fakeRepo) InsertOutbox(ctx context.Context, producerService, eventType string, body []byte, partitionKey *string) (int64, error) {
	var err error
	if f.insertCalls < len(f.insertErrs) {
		err = f.insertErrs[f.insertCalls]
	}

	f.insertCalls++

	return 1, err
}

func (f *fakeRepo) FetchPendingOutbox(ctx context.Context, limit int) ([]outbox.OutboxRow, error) {
	return nil, nil
}

func (f *fakeRepo) MarkOutboxProcessed(ctx context.Context, id int64) error { return nil }
func (f *fakeRepo) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	return nil
}

func (f *fakeRepo) TryClaimInbox(ctx context.Context, messageID, consumerService, workerID string, staleThreshold time.Duration) (outbox.ClaimResult, error) {
	return outbox.ClaimInserted, nil
}

func (f *fakeRepo) MarkInboxProcessed(ctx context.Context, messageID, consumerService string) error {
	return nil
}

func (f *fakeRepo) MarkInboxFailed(ctx context.Context, messageID, consumerService, reason string) error {
	return nil
}

func (f *fakeRepo) Cleanup(ctx context.Context, retention time.Duration) error { return nil }

func testConfig() *config.Config {
	return &config.Config{Project: "ledger", ServiceName: "transaction"}
}

func newTestPublisher(chSource *fakeChannelSource) *Publisher {
	return &Publisher{
		cfg:     testConfig(),
		pool:    chSource,
		breaker: mcircuitbreaker.New(mcircuitbreaker.DefaultConfig("transaction")),
		metrics: mmetrics.NoopSink{},
	}
}

func TestPublishToBroker_SendsPersistentMessageWithAppID(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newTestPublisher(&fakeChannelSource{ch: ch, healthy: true})
	p.SetMessage(envelope.New(""))

	err := p.PublishToBroker(context.Background(), "transaction.created")
	require.NoError(t, err)
	require.Len(t, ch.published, 1)

	msg := ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "ledger.transaction", msg.AppId)
	assert.False(t, ch.closed, "the shared channel belongs to the pool and stays open after a publish")
}

func TestPublishToBroker_AppliesDelayHeader(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newTestPublisher(&fakeChannelSource{ch: ch, healthy: true})
	p.SetMessage(envelope.New(""))
	p.Delay(5000)

	err := p.PublishToBroker(context.Background(), "transaction.created")
	require.NoError(t, err)
	assert.Equal(t, int32(5000), ch.published[0].Headers["x-delay"])
}

func TestPublishToBroker_DelayClampedToMax(t *testing.T) {
	t.Parallel()

	p := newTestPublisher(&fakeChannelSource{healthy: true})
	p.Delay(10_000_000)

	assert.Equal(t, maxDelayMs, p.delayMs)
}

func TestPublishToBroker_FailsWithoutSetMessage(t *testing.T) {
	t.Parallel()

	p := newTestPublisher(&fakeChannelSource{healthy: true})

	err := p.PublishToBroker(context.Background(), "transaction.created")
	require.Error(t, err)

	var verr *merrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPublishToBroker_RejectsInvalidEventName(t *testing.T) {
	t.Parallel()

	p := newTestPublisher(&fakeChannelSource{healthy: true})
	p.SetMessage(envelope.New(""))

	err := p.PublishToBroker(context.Background(), "invalid event name!!")
	require.Error(t, err)

	var verr *merrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPublishToBroker_ReturnsChannelError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("channel unavailable")
	p := newTestPublisher(&fakeChannelSource{chanErr: wantErr})
	p.SetMessage(envelope.New(""))

	err := p.PublishToBroker(context.Background(), "transaction.created")
	require.Error(t, err)
}

func TestPublish_SucceedsDirectWithoutTouchingOutbox(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	repo := &fakeRepo{}
	p := newTestPublisher(&fakeChannelSource{ch: ch, healthy: true})
	p.repo = repo
	p.SetMessage(envelope.New(""))

	err := p.Publish(context.Background(), "transaction.created")
	require.NoError(t, err)
	assert.Len(t, ch.published, 1)
	assert.Equal(t, 0, repo.insertCalls)
}

func TestPublish_FallsBackToOutboxOnBrokerFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	p := newTestPublisher(&fakeChannelSource{chanErr: errors.New("connection refused")})
	p.repo = repo
	p.SetMessage(envelope.New(""))

	err := p.Publish(context.Background(), "transaction.created")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.insertCalls)
}

func TestPublish_DoesNotFallBackOnValidationFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	p := newTestPublisher(&fakeChannelSource{healthy: true})
	p.repo = repo
	p.SetMessage(envelope.New(""))

	err := p.Publish(context.Background(), "invalid event name!!")
	require.Error(t, err)
	assert.Equal(t, 0, repo.insertCalls)
}

func TestPersistToOutbox_RetriesStorageErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{insertErrs: []error{
		&merrors.StorageError{Op: "insert", Err: errors.New("conn reset")},
		&merrors.StorageError{Op: "insert", Err: errors.New("conn reset")},
	}}
	p := newTestPublisher(&fakeChannelSource{})
	p.repo = repo

	err := p.persistToOutbox(context.Background(), "transaction.created", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.insertCalls)
}

func TestPersistToOutbox_StopsOnNonStorageError(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{insertErrs: []error{&merrors.ValidationError{Message: "body too large"}}}
	p := newTestPublisher(&fakeChannelSource{})
	p.repo = repo

	err := p.persistToOutbox(context.Background(), "transaction.created", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 1, repo.insertCalls)
}

func TestPersistToOutbox_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	t.Parallel()

	storageErr := func() error { return &merrors.StorageError{Op: "insert", Err: errors.New("conn reset")} }
	repo := &fakeRepo{insertErrs: []error{storageErr(), storageErr(), storageErr(), storageErr(), storageErr()}}
	p := newTestPublisher(&fakeChannelSource{})
	p.repo = repo

	err := p.persistToOutbox(context.Background(), "transaction.created", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 5, repo.insertCalls)
}

func TestSetMeta_MergesIntoEnvelope(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newTestPublisher(&fakeChannelSource{ch: ch, healthy: true})
	p.SetMessage(envelope.New(""))
	p.SetMeta(map[string]any{"trace": "abc"})

	err := p.PublishToBroker(context.Background(), "transaction.created")
	require.NoError(t, err)

	decoded, err := envelope.Decode(ch.published[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded.Meta()["trace"])
}
