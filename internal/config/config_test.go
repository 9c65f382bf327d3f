package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

func validOverrides() map[string]string {
	return map[string]string{
		"RMQ_HOST":         "localhost",
		"RMQ_USER":         "guest",
		"RMQ_PASS":         "guest",
		"RMQ_VHOST":        "/",
		"RMQ_PROJECT":      "ledger",
		"RMQ_SERVICE_NAME": "transaction",
		"RMQ_DB_HOST":      "localhost",
		"RMQ_DB_NAME":      "ledger",
		"RMQ_DB_USER":      "postgres",
		"RMQ_DB_SCHEMA":    "rmq",
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(validOverrides())
	require.NoError(t, err)

	assert.Equal(t, defaultTries, cfg.Tries)
	assert.Equal(t, defaultPrefetch, cfg.Prefetch)
	assert.Equal(t, defaultInboxLockStaleThresholdSec, cfg.InboxLockStaleThresholdSec)
	assert.Equal(t, defaultOutageSleepSec, cfg.OutageSleepSec)
	assert.Equal(t, time.Second, cfg.Backoff)
	assert.NotEmpty(t, cfg.PodName)
}

func TestLoad_OverridesTakePrecedenceOverDefaults(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_TRIES"] = "7"
	overrides["RMQ_PREFETCH"] = "20"
	overrides["RMQ_POD_NAME"] = "pod-1234"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Tries)
	assert.Equal(t, 20, cfg.Prefetch)
	assert.Equal(t, "pod-1234", cfg.PodName)
}

func TestLoad_BackoffAcceptsScalarSeconds(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_BACKOFF"] = "2.5"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Backoff)
}

func TestLoad_BackoffAcceptsSequenceUsingFirstValue(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_BACKOFF"] = "2,4,8"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Backoff)
}

func TestLoad_BackoffSequenceParsesFullList(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_BACKOFF"] = "2,4,8"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, cfg.BackoffSequence)
}

func TestBackoffForAttempt_ClampsToSequenceBounds(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_BACKOFF"] = "2,4,8"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.BackoffForAttempt(1))
	assert.Equal(t, 4*time.Second, cfg.BackoffForAttempt(2))
	assert.Equal(t, 8*time.Second, cfg.BackoffForAttempt(3))
	assert.Equal(t, 8*time.Second, cfg.BackoffForAttempt(10), "attempts beyond sequence length clamp to the last delay")
	assert.Equal(t, 2*time.Second, cfg.BackoffForAttempt(0), "attempt below 1 clamps to the first delay")
}

func TestLoad_BackoffRejectsGarbage(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_BACKOFF"] = "not-a-number"

	_, err := Load(overrides)
	require.Error(t, err)

	var cfgErr *merrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_StatsDEnabledOnlyOnLiteralTrue(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_STATSD_ENABLED"] = "1"

	cfg, err := Load(overrides)
	require.NoError(t, err)
	assert.False(t, cfg.StatsDEnabled, `only the literal string "true" enables statsd`)

	overrides["RMQ_STATSD_ENABLED"] = "true"
	cfg, err = Load(overrides)
	require.NoError(t, err)
	assert.True(t, cfg.StatsDEnabled)
}

func TestValidate_MissingRequiredFieldFails(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	delete(overrides, "RMQ_HOST")

	cfg, err := Load(overrides)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)

	var cfgErr *merrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "RMQ_HOST", cfgErr.Field)
}

func TestValidate_StatsDEnabledRequiresHostAndPort(t *testing.T) {
	t.Parallel()

	overrides := validOverrides()
	overrides["RMQ_STATSD_ENABLED"] = "true"

	cfg, err := Load(overrides)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
}

func TestValidate_PassesWithCompleteConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(validOverrides())
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestAppID_JoinsProjectAndService(t *testing.T) {
	t.Parallel()

	cfg, err := Load(validOverrides())
	require.NoError(t, err)
	assert.Equal(t, "ledger.transaction", cfg.AppID())
}
