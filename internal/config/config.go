// Package config resolves the library's runtime configuration (spec.md
// §6.1) from a constructor map, falling back to environment variables, and
// validates it before any connection is attempted. Grounded on
// components/consumer/internal/bootstrap/config.go's field naming and on
// common/os.go's reflection-based env-tag reader (reimplemented here since
// the teacher's SetConfigFromEnvVars lives in the monorepo's common package,
// not this module — see DESIGN.md).
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

// Config is every option spec.md §6.1 recognizes. Zero values are replaced
// by their documented defaults in Load; Validate then enforces the
// required-field set.
type Config struct {
	// Broker
	Host        string `env:"RMQ_HOST"`
	Port        string `env:"RMQ_PORT"`
	User        string `env:"RMQ_USER"`
	Pass        string `env:"RMQ_PASS"`
	VHost       string `env:"RMQ_VHOST"`
	Project     string `env:"RMQ_PROJECT"`
	ServiceName string `env:"RMQ_SERVICE_NAME"`

	// Database (outbox/inbox)
	DBHost   string `env:"RMQ_DB_HOST"`
	DBPort   string `env:"RMQ_DB_PORT"`
	DBName   string `env:"RMQ_DB_NAME"`
	DBUser   string `env:"RMQ_DB_USER"`
	DBPass   string `env:"RMQ_DB_PASS"`
	DBSchema string `env:"RMQ_DB_SCHEMA"`

	// Consumer behavior
	Tries           int             `env:"RMQ_TRIES"`
	Backoff         time.Duration   `env:"-"`
	BackoffSequence []time.Duration `env:"-"`
	Prefetch        int             `env:"RMQ_PREFETCH"`
	HandlerTimeoutSec          int           `env:"RMQ_HANDLER_TIMEOUT_SEC"`
	MaxJobsPerConnection       int           `env:"RMQ_MAX_JOBS_PER_CONNECTION"`
	InboxLockStaleThresholdSec int           `env:"RMQ_INBOX_LOCK_STALE_THRESHOLD_SEC"`
	OutageSleepSec             int           `env:"RMQ_OUTAGE_SLEEP_SEC"`

	// Metrics
	StatsDEnabled       bool    `env:"RMQ_STATSD_ENABLED"`
	StatsDHost          string  `env:"RMQ_STATSD_HOST"`
	StatsDPort          string  `env:"RMQ_STATSD_PORT"`
	StatsDNamespace     string  `env:"RMQ_STATSD_NAMESPACE"`
	StatsDSampleOK      float64 `env:"-"`
	StatsDSamplePayload float64 `env:"-"`

	// Worker identity
	PodName string `env:"RMQ_POD_NAME"`
}

const (
	defaultTries                      = 3
	defaultPrefetch                   = 1
	defaultInboxLockStaleThresholdSec = 300
	defaultOutageSleepSec             = 30
)

// Load resolves Config from the supplied constructor map first, then from
// environment variables for any field the map left unset, then fills
// spec.md §6.1's defaults into fields still zero, and finally applies the
// backoff and statsd sample-rate values (setScalarOverrides) on top.
// overrides keys match the struct field's env tag name (e.g. "RMQ_HOST").
func Load(overrides map[string]string) (*Config, error) {
	cfg := &Config{}

	if err := setFromEnvTags(cfg, overrides); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := setScalarOverrides(cfg, overrides); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setFromEnvTags(cfg *Config, overrides map[string]string) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag, ok := field.Tag.Lookup("env")
		if !ok || tag == "-" {
			continue
		}

		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		raw, present := overrides[tag]
		if !present {
			raw, present = os.LookupEnv(tag)
		}

		if !present {
			continue
		}

		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(strings.EqualFold(raw, "true"))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return &merrors.ConfigError{Field: tag, Message: "not a valid integer: " + raw}
			}

			fv.SetInt(n)
		default:
			fv.SetString(raw)
		}
	}

	return nil
}

// setScalarOverrides handles fields whose shape (duration, float, sequence)
// doesn't fit the generic reflect loop above: backoff and the statsd
// sample rates.
func setScalarOverrides(cfg *Config, overrides map[string]string) error {
	if raw, ok := lookup(overrides, "RMQ_BACKOFF"); ok {
		d, err := parseBackoffSeconds(raw)
		if err != nil {
			return err
		}

		cfg.Backoff = d

		seq, err := parseBackoffSequence(raw)
		if err != nil {
			return err
		}

		cfg.BackoffSequence = seq
	}

	if raw, ok := lookup(overrides, "RMQ_STATSD_SAMPLE_OK"); ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &merrors.ConfigError{Field: "RMQ_STATSD_SAMPLE_OK", Message: "not a valid float: " + raw}
		}

		cfg.StatsDSampleOK = f
	}

	if raw, ok := lookup(overrides, "RMQ_STATSD_SAMPLE_PAYLOAD"); ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &merrors.ConfigError{Field: "RMQ_STATSD_SAMPLE_PAYLOAD", Message: "not a valid float: " + raw}
		}

		cfg.StatsDSamplePayload = f
	}

	return nil
}

func lookup(overrides map[string]string, key string) (string, bool) {
	if v, ok := overrides[key]; ok {
		return v, true
	}

	return os.LookupEnv(key)
}

// parseBackoffSeconds accepts either a scalar number of seconds ("2") or
// the first entry of a comma-separated sequence ("2,4,8") as the base
// delay, Config.Backoff; parseBackoffSequence keeps the full sequence in
// Config.BackoffSequence.
func parseBackoffSeconds(raw string) (time.Duration, error) {
	first := strings.SplitN(raw, ",", 2)[0]

	secs, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0, &merrors.ConfigError{Field: "RMQ_BACKOFF", Message: "not a valid backoff: " + raw}
	}

	return time.Duration(secs * float64(time.Second)), nil
}

// parseBackoffSequence parses the full comma-separated RMQ_BACKOFF sequence
// per spec.md §4.2.4: "[d1, d2, ..., dn] -- the delay for attempt k is
// d_min(k, n)". A bare scalar yields a single-element sequence.
func parseBackoffSequence(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	seq := make([]time.Duration, 0, len(parts))

	for _, p := range parts {
		secs, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &merrors.ConfigError{Field: "RMQ_BACKOFF", Message: "not a valid backoff: " + raw}
		}

		seq = append(seq, time.Duration(secs*float64(time.Second)))
	}

	return seq, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Tries == 0 {
		cfg.Tries = defaultTries
	}

	if cfg.Prefetch == 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.InboxLockStaleThresholdSec == 0 {
		cfg.InboxLockStaleThresholdSec = defaultInboxLockStaleThresholdSec
	}

	if cfg.OutageSleepSec == 0 {
		cfg.OutageSleepSec = defaultOutageSleepSec
	}

	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}

	if len(cfg.BackoffSequence) == 0 {
		cfg.BackoffSequence = []time.Duration{cfg.Backoff}
	}

	if cfg.PodName == "" {
		cfg.PodName = syntheticPodName()
	}
}

func syntheticPodName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + ":" + strconv.Itoa(os.Getpid())
}

// Validate enforces spec.md §6.1's required fields, returning the first
// violation found as a *merrors.ConfigError. Call once at construction;
// a failure here is fatal per spec.md §7.
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"RMQ_HOST", c.Host},
		{"RMQ_USER", c.User},
		{"RMQ_VHOST", c.VHost},
		{"RMQ_PROJECT", c.Project},
		{"RMQ_SERVICE_NAME", c.ServiceName},
		{"RMQ_DB_HOST", c.DBHost},
		{"RMQ_DB_NAME", c.DBName},
		{"RMQ_DB_USER", c.DBUser},
		{"RMQ_DB_SCHEMA", c.DBSchema},
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &merrors.ConfigError{Field: r.field, Message: "required"}
		}
	}

	if c.Tries < 1 {
		return &merrors.ConfigError{Field: "RMQ_TRIES", Message: "must be >= 1"}
	}

	if c.Prefetch < 1 {
		return &merrors.ConfigError{Field: "RMQ_PREFETCH", Message: "must be >= 1"}
	}

	if c.StatsDEnabled && (c.StatsDHost == "" || c.StatsDPort == "") {
		return &merrors.ConfigError{Field: "RMQ_STATSD_HOST", Message: "required when RMQ_STATSD_ENABLED=true"}
	}

	return nil
}

// AppID is the AMQP "app_id" property value, "project.service" per
// spec.md §6.2.
func (c *Config) AppID() string {
	return c.Project + "." + c.ServiceName
}

// BackoffForAttempt returns the configured delay for retry attempt k
// (1-indexed), per spec.md §4.2.4: "the delay for attempt k is d_min(k,n)".
func (c *Config) BackoffForAttempt(k int) time.Duration {
	seq := c.BackoffSequence
	if len(seq) == 0 {
		return c.Backoff
	}

	if k < 1 {
		k = 1
	}

	if k > len(seq) {
		k = len(seq)
	}

	return seq[k-1]
}
