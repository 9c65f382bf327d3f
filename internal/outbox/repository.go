// Package outbox implements the outbox/inbox repository of spec.md §4.4:
// persistence for publisher-side at-least-once delivery and consumer-side
// idempotent claims, against the two tables described in spec.md §6.3.
// Grounded on components/transaction/internal/adapters/postgres/outbox's
// status state machine and sanitization tests; the claim SQL itself has no
// surviving source file in the pack and is written directly from spec.md
// §4.2.3's literal step-by-step description.
package outbox

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
	"github.com/LerianStudio/midaz-rmq/pkg/mretry"
)

// ClaimResult is the outcome of tryClaimInbox per spec.md §4.4.
type ClaimResult string

const (
	ClaimInserted ClaimResult = "inserted"
	ClaimClaimed  ClaimResult = "claimed"
	ClaimRejected ClaimResult = "rejected"
)

const statementTimeout = 5 * time.Second

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Repository is the persistence surface §4.1 (outbox writes) and §4.2
// (inbox claims) are built on.
type Repository interface {
	InsertOutbox(ctx context.Context, producerService, eventType string, body []byte, partitionKey *string) (int64, error)
	FetchPendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error
	TryClaimInbox(ctx context.Context, messageID, consumerService, workerID string, staleThreshold time.Duration) (ClaimResult, error)
	MarkInboxProcessed(ctx context.Context, messageID, consumerService string) error
	MarkInboxFailed(ctx context.Context, messageID, consumerService, reason string) error
	Cleanup(ctx context.Context, retention time.Duration) error
}

// PostgresRepository implements Repository against a validated schema in
// a pgx connection pool. pool is stored as the narrower Executor interface
// so transaction-scoped calls (via GetExecutor) and direct pool calls use
// the exact same code path.
type PostgresRepository struct {
	pool        Executor
	schema      string
	logger      mlog.Logger
	retryConfig mretry.Config
}

// NewPostgresRepository validates schema against identifierPattern per
// spec.md §4.4's "never interpolated from unchecked sources" requirement.
func NewPostgresRepository(pool *pgxpool.Pool, schema string, logger mlog.Logger) (*PostgresRepository, error) {
	if !identifierPattern.MatchString(schema) {
		return nil, &merrors.ValidationError{Message: "invalid schema name: " + schema}
	}

	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &PostgresRepository{pool: pool, schema: schema, logger: logger, retryConfig: mretry.DefaultMetadataOutboxConfig()}, nil
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, statementTimeout)
}

func (r *PostgresRepository) exec() Executor {
	return r.pool
}

func (r *PostgresRepository) InsertOutbox(ctx context.Context, producerService, eventType string, body []byte, partitionKey *string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var id int64

	query := `INSERT INTO ` + r.schema + `.outbox
		(producer_service, event_type, message_body, partition_key, created_at, status)
		VALUES ($1, $2, $3, $4, NOW(), $5) RETURNING id`

	row := GetExecutor(ctx, r.exec()).QueryRow(ctx, query, producerService, eventType, body, partitionKey, StatusPending)
	if err := row.Scan(&id); err != nil {
		return 0, &merrors.StorageError{Op: "insert_outbox", Err: err}
	}

	return id, nil
}

// FetchPendingOutbox atomically claims the oldest dispatchable rows —
// PENDING rows plus FAILED rows whose bounded-backoff deadline has passed
// (spec.md §3.2's "failed -> pending is permitted after bounded backoff")
// — moving them to PROCESSING so two dispatcher instances never relay the
// same row twice. Claimed rows are grouped by partition_key so same-key
// rows dispatch oldest-first within their group (null-keyed rows dispatch
// in plain id order), per SPEC_FULL.md's Open Question resolution #2.
func (r *PostgresRepository) FetchPendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	// RETURNING's row order is not guaranteed to follow the CTE's ORDER BY,
	// so callers (the dispatcher) re-sort by partition_key/id before use.
	query := `WITH claimed AS (
			SELECT id FROM ` + r.schema + `.outbox
			WHERE status = $1 OR (status = $2 AND next_retry_at <= NOW())
			ORDER BY partition_key NULLS FIRST, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ` + r.schema + `.outbox o SET status = $4
		FROM claimed WHERE o.id = claimed.id
		RETURNING o.id, o.producer_service, o.event_type, o.message_body, o.partition_key, o.created_at, o.processed_at, o.status, o.attempts`

	rows, err := GetExecutor(ctx, r.exec()).Query(ctx, query, StatusPending, StatusFailed, limit, StatusProcessing)
	if err != nil {
		return nil, &merrors.StorageError{Op: "fetch_pending_outbox", Err: err}
	}
	defer rows.Close()

	var out []OutboxRow

	for rows.Next() {
		var row OutboxRow

		if err := rows.Scan(&row.ID, &row.ProducerService, &row.EventType, &row.MessageBody,
			&row.PartitionKey, &row.CreatedAt, &row.ProcessedAt, &row.Status, &row.Attempts); err != nil {
			return nil, &merrors.StorageError{Op: "fetch_pending_outbox_scan", Err: err}
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, &merrors.StorageError{Op: "fetch_pending_outbox_rows", Err: err}
	}

	return out, nil
}

func (r *PostgresRepository) MarkOutboxProcessed(ctx context.Context, id int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `UPDATE ` + r.schema + `.outbox SET status = $1, processed_at = NOW() WHERE id = $2`

	_, err := GetExecutor(ctx, r.exec()).Exec(ctx, query, StatusPublished, id)
	if err != nil {
		return &merrors.StorageError{Op: "mark_outbox_processed", Err: err}
	}

	return nil
}

// MarkOutboxFailed records a dispatch failure and schedules the row's
// next bounded-backoff retry (spec.md §3.2), moving it to DLQ once
// r.retryConfig.MaxRetries is exhausted instead of retrying forever.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exec := GetExecutor(ctx, r.exec())

	var attempts int

	row := exec.QueryRow(ctx, `UPDATE `+r.schema+`.outbox SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id)
	if err := row.Scan(&attempts); err != nil {
		return &merrors.StorageError{Op: "mark_outbox_failed_increment", Err: err}
	}

	status := StatusFailed

	var nextRetryAt *time.Time

	if attempts >= r.retryConfig.MaxRetries {
		status = StatusDLQ
	} else {
		due := time.Now().Add(r.retryConfig.Backoff(attempts))
		nextRetryAt = &due
	}

	query := `UPDATE ` + r.schema + `.outbox SET status = $1, next_retry_at = $2 WHERE id = $3`

	if _, err := exec.Exec(ctx, query, status, nextRetryAt, id); err != nil {
		r.logger.Errorf("outbox: mark_outbox_failed id=%d reason=%s err=%v", id, SanitizeErrorMessage(reason), err)
		return &merrors.StorageError{Op: "mark_outbox_failed", Err: err}
	}

	return nil
}

// TryClaimInbox is the atomic INSERT-then-conditional-UPDATE claim of
// spec.md §4.2.3. Claim succeeds iff the INSERT succeeded (ClaimInserted)
// or the fallback UPDATE affected exactly one row (ClaimClaimed);
// otherwise the row is owned elsewhere (ClaimRejected) and the caller
// should ack without running the handler.
func (r *PostgresRepository) TryClaimInbox(ctx context.Context, messageID, consumerService, workerID string, staleThreshold time.Duration) (ClaimResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exec := GetExecutor(ctx, r.exec())

	insertQuery := `INSERT INTO ` + r.schema + `.inbox
		(message_id, consumer_service, event_name, status, attempts, first_seen_at, last_seen_at, locked_at, locked_by)
		VALUES ($1, $2, '', $3, 1, NOW(), NOW(), NOW(), $4)
		ON CONFLICT (message_id, consumer_service) DO NOTHING`

	tag, err := exec.Exec(ctx, insertQuery, messageID, consumerService, InboxProcessing, workerID)
	if err != nil {
		return ClaimRejected, &merrors.StorageError{Op: "claim_inbox_insert", Err: err}
	}

	if tag.RowsAffected() == 1 {
		return ClaimInserted, nil
	}

	updateQuery := `UPDATE ` + r.schema + `.inbox
		SET status = $1, attempts = attempts + 1, locked_at = NOW(), locked_by = $2, last_seen_at = NOW()
		WHERE message_id = $3 AND consumer_service = $4
		AND (status = $5 OR (status = $1 AND locked_at < NOW() - $6::interval))`

	tag, err = exec.Exec(ctx, updateQuery, InboxProcessing, workerID, messageID, consumerService,
		InboxFailed, staleThreshold.String())
	if err != nil {
		return ClaimRejected, &merrors.StorageError{Op: "claim_inbox_update", Err: err}
	}

	if tag.RowsAffected() == 1 {
		return ClaimClaimed, nil
	}

	return ClaimRejected, nil
}

func (r *PostgresRepository) MarkInboxProcessed(ctx context.Context, messageID, consumerService string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `UPDATE ` + r.schema + `.inbox SET status = $1, locked_at = NULL, locked_by = NULL
		WHERE message_id = $2 AND consumer_service = $3`

	_, err := GetExecutor(ctx, r.exec()).Exec(ctx, query, InboxProcessed, messageID, consumerService)
	if err != nil {
		return &merrors.StorageError{Op: "mark_inbox_processed", Err: err}
	}

	return nil
}

func (r *PostgresRepository) MarkInboxFailed(ctx context.Context, messageID, consumerService, reason string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `UPDATE ` + r.schema + `.inbox SET status = $1, metadata = $2, locked_at = NULL, locked_by = NULL
		WHERE message_id = $3 AND consumer_service = $4`

	metadata, err := json.Marshal(map[string]string{"reason": SanitizeErrorMessage(reason)})
	if err != nil {
		return &merrors.StorageError{Op: "mark_inbox_failed_marshal", Err: err}
	}

	if _, err := GetExecutor(ctx, r.exec()).Exec(ctx, query, InboxFailed, metadata, messageID, consumerService); err != nil {
		return &merrors.StorageError{Op: "mark_inbox_failed", Err: err}
	}

	return nil
}

// Cleanup deletes rows older than retention from both tables.
func (r *PostgresRepository) Cleanup(ctx context.Context, retention time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exec := GetExecutor(ctx, r.exec())

	if _, err := exec.Exec(ctx, `DELETE FROM `+r.schema+`.outbox WHERE created_at < NOW() - $1::interval`, retention.String()); err != nil {
		return &merrors.StorageError{Op: "cleanup_outbox", Err: err}
	}

	if _, err := exec.Exec(ctx, `DELETE FROM `+r.schema+`.inbox WHERE first_seen_at < NOW() - $1::interval`, retention.String()); err != nil {
		return &merrors.StorageError{Op: "cleanup_inbox", Err: err}
	}

	return nil
}
