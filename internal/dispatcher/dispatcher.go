// Package dispatcher implements the outbox dispatcher named in spec.md's
// glossary: a background loop that relays rows persisted by the publisher's
// hybrid fallback to the broker, in partition_key order, retiring each row
// with the bounded backoff of pkg/mretry.
// Grounded on internal/consumer's worker-loop shape (poll, process,
// shutdown-aware sleep) for the run loop, and internal/publisher's
// persistToOutbox for the backoff-retry-then-give-up pattern applied here
// to the relay call instead of the insert.
package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/internal/publisher"
	"github.com/LerianStudio/midaz-rmq/pkg/envelope"
	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
	"github.com/LerianStudio/midaz-rmq/pkg/mretry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 100
)

// relayer is the narrow surface the dispatcher needs out of
// *publisher.Publisher: decode a persisted row back into an envelope and
// push it straight to the broker via PublishToBroker, which never falls
// through to the outbox again (SPEC_FULL.md Open Question resolution #1 —
// that would create a dispatch loop).
type relayer interface {
	Relay(ctx context.Context, eventType string, body []byte) error
}

// publisherRelayer adapts *publisher.Publisher to relayer, grounded on the
// poolAdapter pattern internal/consumer and internal/publisher both use to
// bridge a concrete collaborator to a narrow interface.
type publisherRelayer struct {
	p *publisher.Publisher
}

func (a publisherRelayer) Relay(ctx context.Context, eventType string, body []byte) error {
	msg, err := envelope.Decode(body)
	if err != nil {
		return err
	}

	// Groups relay concurrently, so each call works on its own copy of the
	// Publisher rather than setting the message on the shared one.
	pub := *a.p

	return pub.SetMessage(msg).PublishToBroker(ctx, eventType)
}

// Dispatcher polls outbox.Repository for dispatchable rows and relays them
// to the broker. A single Dispatcher instance is meant to run per process;
// FetchPendingOutbox's atomic claim keeps multiple instances from relaying
// the same row twice.
type Dispatcher struct {
	repo    outbox.Repository
	relay   relayer
	logger  mlog.Logger
	metrics mmetrics.Sink
	retry   mretry.Config

	pollInterval time.Duration
	batchSize    int

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New wires a Dispatcher from its collaborators. metrics/logger default to
// no-ops when nil, matching every other component's constructor in this
// library.
func New(repo outbox.Repository, pub *publisher.Publisher, metrics mmetrics.Sink, logger mlog.Logger) *Dispatcher {
	return newDispatcher(repo, publisherRelayer{p: pub}, metrics, logger)
}

func newDispatcher(repo outbox.Repository, relay relayer, metrics mmetrics.Sink, logger mlog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = mmetrics.NoopSink{}
	}

	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &Dispatcher{
		repo:         repo,
		relay:        relay,
		metrics:      metrics,
		logger:       logger,
		retry:        mretry.DefaultMetadataOutboxConfig(),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		shutdownCh:   make(chan struct{}),
	}
}

// WithPollInterval overrides the default 2s poll period.
func (d *Dispatcher) WithPollInterval(interval time.Duration) *Dispatcher {
	d.pollInterval = interval
	return d
}

// WithBatchSize overrides the default 100-row fetch limit per poll.
func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	d.batchSize = n
	return d
}

// Start runs the poll loop in a background goroutine until ctx is
// cancelled or Shutdown is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce fetches one batch, groups it by partition_key, and relays
// every group concurrently — rows within a group run sequentially to
// preserve per-entity order; groups have no ordering relationship with
// each other.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	rows, err := d.repo.FetchPendingOutbox(ctx, d.batchSize)
	if err != nil {
		d.logger.Errorf("dispatcher: fetch pending outbox failed: %v", err)
		return
	}

	if len(rows) == 0 {
		return
	}

	groups := groupByPartitionKey(rows)

	var wg sync.WaitGroup

	for _, g := range groups {
		g := g

		wg.Add(1)

		go func() {
			defer wg.Done()
			d.dispatchGroup(ctx, g)
		}()
	}

	wg.Wait()
}

type partitionGroup struct {
	key  *string
	rows []outbox.OutboxRow
}

// groupByPartitionKey sorts rows by (partition_key NULLS FIRST, id) —
// guarding against FetchPendingOutbox's UPDATE...RETURNING not preserving
// its CTE's ORDER BY — then splits them into contiguous same-key runs, a
// null key included, per SPEC_FULL.md's Open Question resolution #2.
func groupByPartitionKey(rows []outbox.OutboxRow) []partitionGroup {
	sorted := make([]outbox.OutboxRow, len(rows))
	copy(sorted, rows)

	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := sorted[i].PartitionKey, sorted[j].PartitionKey
		if ki == nil && kj != nil {
			return true
		}

		if ki != nil && kj == nil {
			return false
		}

		if ki != nil && kj != nil && *ki != *kj {
			return *ki < *kj
		}

		return sorted[i].ID < sorted[j].ID
	})

	var groups []partitionGroup

	for _, row := range sorted {
		if n := len(groups); n > 0 && sameKey(groups[n-1].key, row.PartitionKey) {
			groups[n-1].rows = append(groups[n-1].rows, row)
			continue
		}

		groups = append(groups, partitionGroup{key: row.PartitionKey, rows: []outbox.OutboxRow{row}})
	}

	return groups
}

func sameKey(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, g partitionGroup) {
	for _, row := range g.rows {
		d.dispatchRow(ctx, row)
	}
}

// dispatchRow retries the relay in-process with the outbox dispatch
// backoff schedule, grounded on internal/publisher's persistToOutbox
// retry-then-give-up shape. A validation failure (malformed persisted
// body) is poison and is not retried. Exhausting the schedule hands the
// row back to the repository, which schedules its own cross-poll
// bounded-backoff retry or moves it to DLQ (see outbox.PostgresRepository.
// MarkOutboxFailed).
// Relay-level publish metrics (rmq_publish_total/rmq_publish_error_total)
// are already emitted once per attempt inside publisher.PublishToBroker,
// so dispatchRow does not duplicate them — it only logs and updates
// outbox row state.
func (d *Dispatcher) dispatchRow(ctx context.Context, row outbox.OutboxRow) {
	var lastErr error

	for attempt := 1; attempt <= d.retry.MaxRetries; attempt++ {
		lastErr = d.relay.Relay(ctx, row.EventType, row.MessageBody)
		if lastErr == nil {
			break
		}

		if merrors.Classify(lastErr) == merrors.KindValidation {
			break
		}

		if attempt == d.retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retry.Backoff(attempt)):
		}
	}

	if lastErr == nil {
		if err := d.repo.MarkOutboxProcessed(ctx, row.ID); err != nil {
			d.logger.Errorf("dispatcher: mark processed failed id=%d err=%v", row.ID, err)
		}

		return
	}

	d.logger.Errorf("dispatcher: relay failed id=%d event=%s kind=%s err=%v", row.ID, row.EventType, merrors.Classify(lastErr), lastErr)

	if err := d.repo.MarkOutboxFailed(ctx, row.ID, lastErr.Error()); err != nil {
		d.logger.Errorf("dispatcher: mark failed failed id=%d err=%v", row.ID, err)
	}
}

// Shutdown stops the poll loop and waits for an in-flight batch to finish
// dispatching, subject to ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.shutdownCh) })

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
