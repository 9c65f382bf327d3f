// Package pool implements the connection & channel pool of spec.md §4.3: one
// shared AMQP connection per process, channels handed out on demand, and a
// health check usable by the consumer's circuit-breaker outage mode.
// Grounded on common/mrabbitmq/rabbitmq.go's Connect/GetChannel/healthCheck,
// generalized from a single hardcoded queue check to the pooled contract
// healthcheck_test.go's RabbitMQHealthChecker interface implies, and
// migrated from the teacher's streadway/amqp to amqp091-go (see DESIGN.md).
package pool

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/midaz-rmq/internal/config"
	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
)

// Sentinel errors surfaced by the health check adapter, grounded on
// healthcheck_test.go's ErrRabbitMQUnhealthy/ErrRabbitMQChannelUnavailable.
var (
	ErrRabbitMQUnhealthy          = errors.New("pool: rabbitmq connection unhealthy")
	ErrRabbitMQChannelUnavailable = errors.New("pool: rabbitmq channel unavailable")
)

// RabbitMQHealthChecker is the surface a health-check adapter needs: a
// cheap liveness probe plus a way to force a channel open under a context
// deadline. Satisfied by *ConnectionPool.
type RabbitMQHealthChecker interface {
	HealthCheck() bool
	EnsureChannelWithContext(ctx context.Context) error
}

// ConnectionPool holds a single shared *amqp.Connection and hands out
// *amqp.Channel values to publishers and consumers. Connection creation is
// lazy and guarded by one mutex so concurrent callers never dial twice.
type ConnectionPool struct {
	dsn     string
	logger  mlog.Logger
	metrics mmetrics.Sink

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New builds a pool from resolved broker configuration. No dial happens
// until the first Channel/DedicatedChannel/EnsureChannelWithContext call. metrics
// defaults to a no-op sink so callers never need to special-case tests;
// it drives the rmq_connection_active/rmq_channel_active gauges and the
// rmq_connection_errors_total/rmq_channel_errors_total counters of
// spec.md §4.6.
func New(cfg *config.Config, logger mlog.Logger, metrics mmetrics.Sink) *ConnectionPool {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	if metrics == nil {
		metrics = mmetrics.NoopSink{}
	}

	return &ConnectionPool{dsn: dsn(cfg), logger: logger, metrics: metrics}
}

func dsn(cfg *config.Config) string {
	return "amqp://" + cfg.User + ":" + cfg.Pass + "@" + cfg.Host + ":" + cfg.Port + cfg.VHost
}

// connect dials if there is no live connection, or the existing one has
// closed in the background.
func (p *ConnectionPool) connect() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	p.logger.Info("pool: dialing rabbitmq")

	conn, err := amqp.Dial(p.dsn)
	if err != nil {
		p.logger.Errorf("pool: dial failed: %v", err)
		p.metrics.Gauge(mmetrics.ConnectionActive, 0, nil)
		p.metrics.Counter(mmetrics.ConnectionErrorsTotal, mmetrics.Tags{"error_type": string(merrors.Classify(err))}, 1.0)

		return nil, err
	}

	p.conn = conn
	p.metrics.Gauge(mmetrics.ConnectionActive, 1, nil)

	return conn, nil
}

// Channel returns the shared channel if it is open, or opens and caches a
// new one on the shared connection otherwise (spec.md §4.3). Every caller
// of Channel shares the same *amqp.Channel and must not close it; the pool
// owns its lifecycle and closes it on Shutdown.
func (p *ConnectionPool) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := p.connect()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		p.logger.Errorf("pool: channel open failed: %v", err)
		p.metrics.Gauge(mmetrics.ChannelActive, 0, nil)
		p.metrics.Counter(mmetrics.ChannelErrorsTotal, mmetrics.Tags{"error_type": string(merrors.Classify(err))}, 1.0)

		return nil, err
	}

	p.ch = ch
	p.metrics.Gauge(mmetrics.ChannelActive, 1, nil)

	return ch, nil
}

// DedicatedChannel always opens a brand-new *amqp.Channel on the shared
// connection, bypassing the Channel cache. Consumer workers need exclusive
// ownership of their channel (their own Qos/Consume/Close lifecycle, one
// per goroutine) rather than the single shared channel Channel hands out,
// so they call this instead.
func (p *ConnectionPool) DedicatedChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := p.connect()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		p.logger.Errorf("pool: dedicated channel open failed: %v", err)
		p.metrics.Counter(mmetrics.ChannelErrorsTotal, mmetrics.Tags{"error_type": string(merrors.Classify(err))}, 1.0)

		return nil, err
	}

	return ch, nil
}

// EnsureChannelWithContext opens and immediately closes a dedicated probe
// channel, respecting ctx cancellation, to prove the connection is
// genuinely usable beyond IsClosed()'s cheap flag check. It must not use
// the shared Channel cache: closing that channel here would tear it down
// out from under every other caller.
func (p *ConnectionPool) EnsureChannelWithContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		ch, err := p.DedicatedChannel(ctx)
		if err != nil {
			done <- err
			return
		}

		done <- ch.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// HealthCheck reports whether the shared connection is currently open.
// It never dials — a closed connection is simply unhealthy until the next
// Channel or DedicatedChannel call reconnects it.
func (p *ConnectionPool) HealthCheck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conn != nil && !p.conn.IsClosed()
}

// IsHealthy is an alias kept for symmetry with spec.md §8's
// rmq_connection_active gauge wording.
func (p *ConnectionPool) IsHealthy() bool {
	return p.HealthCheck()
}

// Shutdown closes the shared connection. Safe to call on a pool that never
// connected.
func (p *ConnectionPool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		_ = p.ch.Close()
	}

	p.ch = nil
	p.metrics.Gauge(mmetrics.ChannelActive, 0, nil)

	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}

	err := p.conn.Close()
	p.conn = nil
	p.metrics.Gauge(mmetrics.ConnectionActive, 0, nil)

	return err
}

// NewRabbitMQHealthCheckFunc adapts a RabbitMQHealthChecker into the
// context-aware probe function shape spec.md §4.2.7's outage mode expects,
// grounded on healthcheck_test.go's NewRabbitMQHealthCheckFunc contract.
func NewRabbitMQHealthCheckFunc(conn RabbitMQHealthChecker) func(context.Context) error {
	return func(ctx context.Context) error {
		if conn == nil {
			return ErrRabbitMQUnhealthy
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !conn.HealthCheck() {
			return ErrRabbitMQUnhealthy
		}

		if err := conn.EnsureChannelWithContext(ctx); err != nil {
			return errors.Join(ErrRabbitMQChannelUnavailable, err)
		}

		return nil
	}
}
