package mmetrics

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
)

// StatsDConfig configures the UDP StatsD transport (spec.md §6.1/§6.4).
type StatsDConfig struct {
	Host          string
	Port          string
	Namespace     string
	DefaultTags   Tags
	SampleOK      float64
	SamplePayload float64
}

// StatsDSink sends metrics over UDP via github.com/DataDog/datadog-go.
// Sends are fire-and-forget: any client error only logs and trips a local
// circuit breaker (threshold 3 consecutive failures, 60s cool-off per
// spec.md §4.6) so a dead collector never adds latency to the hot path.
type StatsDSink struct {
	client *statsd.Client
	logger mlog.Logger
	tags   Tags

	mu              sync.Mutex
	consecutiveFail int
	openUntil       time.Time
}

const (
	breakerFailureThreshold = 3
	breakerCoolOff          = 60 * time.Second
)

// NewStatsDSink dials the collector at host:port (UDP, non-blocking).
func NewStatsDSink(cfg StatsDConfig, logger mlog.Logger) (*StatsDSink, error) {
	client, err := statsd.New(cfg.Host+":"+cfg.Port, statsd.WithNamespace(cfg.Namespace+"."))
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &StatsDSink{client: client, logger: logger, tags: cfg.DefaultTags}, nil
}

func (s *StatsDSink) allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consecutiveFail < breakerFailureThreshold {
		return true
	}

	if time.Now().After(s.openUntil) {
		s.consecutiveFail = 0
		return true
	}

	return false
}

func (s *StatsDSink) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.consecutiveFail++

		if s.consecutiveFail >= breakerFailureThreshold {
			s.openUntil = time.Now().Add(breakerCoolOff)
		}

		return
	}

	s.consecutiveFail = 0
}

func (s *StatsDSink) mergedTags(tags Tags) []string {
	merged := make([]string, 0, len(tags)+len(s.tags))

	for k, v := range s.tags {
		merged = append(merged, k+":"+v)
	}

	for k, v := range SanitizeTags(tags) {
		merged = append(merged, k+":"+v)
	}

	return merged
}

func (s *StatsDSink) Counter(name string, tags Tags, sampleRate float64) {
	if !s.allow() {
		return
	}

	err := s.client.Count(name, 1, s.mergedTags(tags), sampleRate)
	s.record(err)

	if err != nil {
		s.logger.Warnf("mmetrics: counter send failed for %s: %v", name, err)
	}
}

func (s *StatsDSink) Gauge(name string, value float64, tags Tags) {
	if !s.allow() {
		return
	}

	err := s.client.Gauge(name, value, s.mergedTags(tags), 1.0)
	s.record(err)

	if err != nil {
		s.logger.Warnf("mmetrics: gauge send failed for %s: %v", name, err)
	}
}

func (s *StatsDSink) Timing(name string, ms float64, tags Tags) {
	if !s.allow() {
		return
	}

	err := s.client.Timing(name, time.Duration(ms)*time.Millisecond, s.mergedTags(tags), 1.0)
	s.record(err)

	if err != nil {
		s.logger.Warnf("mmetrics: timing send failed for %s: %v", name, err)
	}
}

func (s *StatsDSink) Histogram(name string, value float64, tags Tags) {
	if !s.allow() {
		return
	}

	err := s.client.Histogram(name, value, s.mergedTags(tags), 1.0)
	s.record(err)

	if err != nil {
		s.logger.Warnf("mmetrics: histogram send failed for %s: %v", name, err)
	}
}

// Close flushes and closes the underlying UDP client.
func (s *StatsDSink) Close() error {
	return s.client.Close()
}
