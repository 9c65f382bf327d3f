// Package mretry provides the jittered-exponential-backoff configuration
// shared by the publisher's outbox-insert retry (spec.md §4.1's "50ms ×2
// max 5 attempts"), the outbox dispatcher's relay retry and the
// repository's failed-row rescheduling (DefaultMetadataOutboxConfig).
package mretry

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultJitterFactor   = 0.25
	DLQInitialBackoff     = 1 * time.Minute
)

// Config describes a bounded exponential backoff schedule with jitter.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultMetadataOutboxConfig is the schedule used when dispatching
// pending outbox rows to the broker.
func DefaultMetadataOutboxConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// DefaultDLQConfig is the schedule used for messages that have already
// exhausted the consumer's retry budget and need reprocessing, with a
// longer initial delay than live-message retry.
func DefaultDLQConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DLQInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

func (c Config) WithInitialBackoff(d time.Duration) Config {
	c.InitialBackoff = d
	return c
}

func (c Config) WithMaxBackoff(d time.Duration) Config {
	c.MaxBackoff = d
	return c
}

func (c Config) WithJitterFactor(f float64) Config {
	c.JitterFactor = f
	return c
}

// ConfigValidationError reports an invalid Config field.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("mretry: invalid %s: %s", e.Field, e.Message)
}

// Validate rejects non-positive durations/counts and an inverted
// initial/max backoff pair.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return ConfigValidationError{Field: "MaxRetries", Message: "must be >= 1"}
	}

	if c.InitialBackoff <= 0 {
		return ConfigValidationError{Field: "InitialBackoff", Message: "must be > 0"}
	}

	if c.MaxBackoff <= 0 {
		return ConfigValidationError{Field: "MaxBackoff", Message: "must be > 0"}
	}

	if c.MaxBackoff < c.InitialBackoff {
		return ConfigValidationError{Field: "MaxBackoff", Message: "must be >= InitialBackoff"}
	}

	if c.JitterFactor < 0.0 || c.JitterFactor > 1.0 {
		return ConfigValidationError{Field: "JitterFactor", Message: "must be in range [0.0, 1.0]"}
	}

	return nil
}

// SecureRandomFloat64 returns a uniform value in [0.0, 1.0) sourced from
// crypto/rand, used as the jitter multiplier so backoff timing cannot be
// predicted by an adversary racing the claim protocol.
func SecureRandomFloat64() float64 {
	const precision = 1 << 53

	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}

	return float64(n.Int64()) / float64(precision)
}

// Backoff computes the delay before retry attempt, 1-indexed, applying
// exponential growth capped at MaxBackoff and ±JitterFactor jitter.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if base > float64(c.MaxBackoff) || base <= 0 {
		base = float64(c.MaxBackoff)
	}

	jitterRange := base * c.JitterFactor
	jitter := (SecureRandomFloat64()*2 - 1) * jitterRange

	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}

	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}

	return d
}

// BackoffPolicy adapts Config to a cenkalti/backoff.BackOff, for callers
// that want to drive retries with backoff.Retry/backoff.RetryNotify
// directly instead of calling Backoff per attempt themselves.
func (c Config) BackoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = c.JitterFactor
	b.Multiplier = 2

	return backoff.WithMaxRetries(b, uint64(c.MaxRetries))
}
