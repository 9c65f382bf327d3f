package consumer

import (
	"math"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

func TestGetRetryCount_ReturnsZeroForFirstDelivery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, getRetryCount(amqp.Table{}))
	assert.Equal(t, 0, getRetryCount(nil))
}

func TestGetRetryCount_HandlesInt32AndInt64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, getRetryCount(amqp.Table{retryCountHeader: int32(3)}))
	assert.Equal(t, 5, getRetryCount(amqp.Table{retryCountHeader: int64(5)}))
}

func TestSafeIncrementRetryCount_IncrementsCorrectly(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(3), safeIncrementRetryCount(2))
}

func TestSafeIncrementRetryCount_HandlesOverflow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(math.MaxInt32), safeIncrementRetryCount(math.MaxInt32))
}

func TestCopyHeadersSafe_ReturnsEmptyTableForNilInput(t *testing.T) {
	t.Parallel()

	result := copyHeadersSafe(nil)
	assert.NotNil(t, result)
	assert.Len(t, result, 0)
}

func TestCopyHeadersSafe_CopiesOnlyAllowlistedHeaders(t *testing.T) {
	t.Parallel()

	original := amqp.Table{
		"x-correlation-id": "value1",
		"content-type":     "application/json",
		"sensitive-token":  "should-be-filtered",
	}

	result := copyHeadersSafe(original)

	assert.Equal(t, original["x-correlation-id"], result["x-correlation-id"])
	assert.Equal(t, original["content-type"], result["content-type"])
	assert.NotContains(t, result, "sensitive-token")

	result["x-new-header"] = "new"
	_, exists := original["x-new-header"]
	assert.False(t, exists, "modifying the copy must not affect the original")
}

func TestBuildDLQName_AppendsSuffix(t *testing.T) {
	t.Parallel()

	result, err := buildDLQName("transactions")
	require.NoError(t, err)
	assert.Equal(t, "transactions.dlq", result)
}

func TestBuildDLQName_RejectsEmptyQueue(t *testing.T) {
	t.Parallel()

	_, err := buildDLQName("")
	require.Error(t, err)

	var verr *merrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestClampDelayMs_CapsAtMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(maxDelayMs), clampDelayMs(10_000_000))
	assert.Equal(t, int32(500), clampDelayMs(500))
}
