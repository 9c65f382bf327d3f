package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

// fakeExecutor is a hand-written Executor fake: no network, no real SQL
// parsing, just scripted return values keyed by call order.
type fakeExecutor struct {
	execResults []execResult
	execCalls   int

	row     *fakeRow
	rowErr  error
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execCalls >= len(f.execResults) {
		return pgconn.CommandTag{}, errors.New("fakeExecutor: no more scripted results")
	}

	r := f.execResults[f.execCalls]
	f.execCalls++

	return r.tag, r.err
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeExecutor: Query not implemented")
}

func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.row != nil {
		return f.row
	}

	return &fakeRow{err: f.rowErr}
}

type fakeRow struct {
	id  int64
	err error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}

	if len(dest) > 0 {
		if p, ok := dest[0].(*int64); ok {
			*p = r.id
		}
	}

	return nil
}

func TestNewPostgresRepository_RejectsInvalidSchema(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresRepository(nil, "bad-schema; drop table", nil)
	require.Error(t, err)

	var verr *merrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNewPostgresRepository_AcceptsValidSchema(t *testing.T) {
	t.Parallel()

	repo, err := NewPostgresRepository(nil, "rmq_schema", nil)
	require.NoError(t, err)
	assert.NotNil(t, repo)
}

func TestInsertOutbox_ReturnsGeneratedID(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{pool: &fakeExecutor{row: &fakeRow{id: 42}}, schema: "rmq"}

	id, err := repo.InsertOutbox(context.Background(), "ledger", "transaction.created", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestInsertOutbox_WrapsStorageError(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{pool: &fakeExecutor{row: &fakeRow{err: errors.New("conn reset")}}, schema: "rmq"}

	_, err := repo.InsertOutbox(context.Background(), "ledger", "transaction.created", []byte(`{}`), nil)
	require.Error(t, err)

	var serr *merrors.StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestTryClaimInbox_InsertedWhenRowInserted(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{
		pool: &fakeExecutor{execResults: []execResult{
			{tag: pgconn.NewCommandTag("INSERT 0 1")},
		}},
		schema: "rmq",
	}

	result, err := repo.TryClaimInbox(context.Background(), "msg-1", "transaction", "pod-1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimInserted, result)
}

func TestTryClaimInbox_ClaimedWhenUpdateAffectsOneRow(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{
		pool: &fakeExecutor{execResults: []execResult{
			{tag: pgconn.NewCommandTag("INSERT 0 0")},
			{tag: pgconn.NewCommandTag("UPDATE 1")},
		}},
		schema: "rmq",
	}

	result, err := repo.TryClaimInbox(context.Background(), "msg-1", "transaction", "pod-1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimClaimed, result)
}

func TestTryClaimInbox_RejectedWhenRowOwnedElsewhere(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{
		pool: &fakeExecutor{execResults: []execResult{
			{tag: pgconn.NewCommandTag("INSERT 0 0")},
			{tag: pgconn.NewCommandTag("UPDATE 0")},
		}},
		schema: "rmq",
	}

	result, err := repo.TryClaimInbox(context.Background(), "msg-1", "transaction", "pod-1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimRejected, result)
}

func TestTryClaimInbox_PropagatesInsertError(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{
		pool: &fakeExecutor{execResults: []execResult{
			{err: errors.New("deadlock detected")},
		}},
		schema: "rmq",
	}

	_, err := repo.TryClaimInbox(context.Background(), "msg-1", "transaction", "pod-1", 300*time.Second)
	require.Error(t, err)

	var serr *merrors.StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestMarkOutboxProcessed_WrapsError(t *testing.T) {
	t.Parallel()

	repo := &PostgresRepository{
		pool:   &fakeExecutor{execResults: []execResult{{err: errors.New("conn closed")}}},
		schema: "rmq",
	}

	err := repo.MarkOutboxProcessed(context.Background(), 1)
	require.Error(t, err)

	var serr *merrors.StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestDBTX_ContextWithTxNilReturnsUnmodifiedContext(t *testing.T) {
	t.Parallel()

	ctx := ContextWithTx(context.Background(), nil)
	assert.Nil(t, TxFromContext(ctx))
}

func TestDBTX_GetExecutorWithoutTxReturnsPool(t *testing.T) {
	t.Parallel()

	pool := &fakeExecutor{}
	executor := GetExecutor(context.Background(), pool)

	assert.Same(t, pool, executor)
}
