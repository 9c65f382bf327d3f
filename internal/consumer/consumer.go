// Package consumer implements the per-delivery state machine of
// spec.md §4.2: claim, handle, and ack/retry/dead-letter a delivery while
// degrading gracefully during broker or database outages.
// Grounded on components/transaction/internal/adapters/rabbitmq's
// ConsumerRoutes/QueueHandlerFunc registration surface and worker/prefetch
// calculation (consumer.rabbitmq_test.go), its retry/DLQ helpers
// (consumer_retry_test.go, consumer_dlq_test.go), and its health-check
// adapter (healthcheck_test.go) — minus the StateAwareHealthChecker
// subsystem, which depends on the teacher's unavailable lib-commons
// circuit breaker and is reimplemented directly from spec.md §4.2.7's
// literal ensureHealthyOrSleep description instead (see DESIGN.md).
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/LerianStudio/midaz-rmq/internal/config"
	"github.com/LerianStudio/midaz-rmq/internal/outbox"
	"github.com/LerianStudio/midaz-rmq/internal/pool"
	"github.com/LerianStudio/midaz-rmq/pkg/mcircuitbreaker"
	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
	"github.com/LerianStudio/midaz-rmq/pkg/mmetrics"
)

const (
	defaultWorkers  = 5
	defaultPrefetch = 10
)

var tracer = otel.Tracer("github.com/LerianStudio/midaz-rmq/internal/consumer")

// QueueHandlerFunc is the user callable spec.md §4.2.5 describes:
// fn(envelope) -> error. It receives the raw envelope body; handlers
// decode it with pkg/envelope themselves.
type QueueHandlerFunc func(ctx context.Context, body []byte) error

// ConsumerRepository is the registration/run surface consumer owners
// depend on, kept narrow so alternate transports could satisfy it.
type ConsumerRepository interface {
	Register(queue string, fn QueueHandlerFunc)
	RunConsumers() error
}

// amqpChannel is the subset of *amqp.Channel the consumer drives: queue
// topology declaration, delivery fetch, and retry/dead-letter republish.
type amqpChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type channelSource interface {
	Channel(ctx context.Context) (amqpChannel, error)
	IsHealthy() bool
}

// poolAdapter bridges *pool.ConnectionPool to channelSource. Workers need a
// channel they exclusively own (their own Qos/Consume/Close lifecycle), so
// this calls DedicatedChannel rather than the shared, cached Channel
// internal/publisher's poolAdapter uses.
type poolAdapter struct{ p *pool.ConnectionPool }

func (a poolAdapter) Channel(ctx context.Context) (amqpChannel, error) {
	return a.p.DedicatedChannel(ctx)
}
func (a poolAdapter) IsHealthy() bool { return a.p.IsHealthy() }

// ConsumerRoutes is the registration and dispatch surface of spec.md
// §4.2: callers Register one handler per queue, then RunConsumers spawns
// NumbersOfWorkers goroutines per queue, each holding its own channel
// with Qos set to the per-worker prefetch,
// NumbersOfPrefetch/NumbersOfWorkers (NumbersOfPrefetch holds the aggregate).
type ConsumerRoutes struct {
	routes      map[string]QueueHandlerFunc
	debugRoutes map[string]QueueHandlerFunc

	Logger  mlog.Logger
	Metrics mmetrics.Sink

	cfg     *config.Config
	pool    channelSource
	repo    outbox.Repository
	breaker *mcircuitbreaker.CircuitBreaker
	health  func(context.Context) error

	NumbersOfWorkers  int
	NumbersOfPrefetch int

	onOutageEntered func()
	onOutageExited  func()
	outage          outageState

	jobCount   atomic.Int64
	shutdownCh chan struct{}
	shutdownWG sync.WaitGroup
	shutdownMu sync.Mutex
	isShutdown bool
}

// New wires a ConsumerRoutes from its collaborators. workers/prefetch
// default to 5/10 (per-worker prefetch, not the aggregate — teacher's
// NumbersOfPrefetch stores workers*prefetch) when the caller passes 0,
// matching consumer.rabbitmq_test.go's TestNewConsumerRoutes_DefaultValues.
func New(cfg *config.Config, p *pool.ConnectionPool, repo outbox.Repository, workers, prefetch int, metrics mmetrics.Sink, logger mlog.Logger) *ConsumerRoutes {
	if workers == 0 {
		workers = defaultWorkers
	}

	if prefetch == 0 {
		prefetch = defaultPrefetch
	}

	if metrics == nil {
		metrics = mmetrics.NoopSink{}
	}

	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	adapter := poolAdapter{p: p}

	return &ConsumerRoutes{
		routes:            make(map[string]QueueHandlerFunc),
		debugRoutes:       make(map[string]QueueHandlerFunc),
		Logger:            logger,
		Metrics:           metrics,
		cfg:               cfg,
		pool:              adapter,
		repo:              repo,
		breaker:           mcircuitbreaker.New(mcircuitbreaker.DefaultConfig(cfg.ServiceName)),
		health:            pool.NewRabbitMQHealthCheckFunc(p),
		NumbersOfWorkers:  workers,
		NumbersOfPrefetch: workers * prefetch,
		shutdownCh:        make(chan struct{}),
	}
}

// Register binds a handler to a queue name. Re-registering a queue
// overwrites its previous handler. Not concurrency-safe by design:
// registration happens at startup before RunConsumers runs.
func (cr *ConsumerRoutes) Register(queue string, fn QueueHandlerFunc) {
	cr.routes[queue] = fn
}

// RegisterDebug binds a debug handler for queue, routed to instead of the
// normal handler when an envelope's is_debug flag is set (spec.md §4.2.5).
func (cr *ConsumerRoutes) RegisterDebug(queue string, fn QueueHandlerFunc) {
	cr.debugRoutes[queue] = fn
}

// RunConsumers spawns NumbersOfWorkers goroutines per registered queue
// (each worker declares its queue's topology after opening its channel),
// then returns immediately — consumption runs in the background until
// Shutdown is called.
func (cr *ConsumerRoutes) RunConsumers() error {
	for queue, handler := range cr.routes {
		if err := cr.startQueue(queue, handler); err != nil {
			return err
		}
	}

	return nil
}

func (cr *ConsumerRoutes) startQueue(queue string, handler QueueHandlerFunc) error {
	for w := 0; w < cr.NumbersOfWorkers; w++ {
		workerID := w

		cr.shutdownWG.Add(1)

		go func() {
			defer cr.shutdownWG.Done()
			cr.runWorker(queue, handler, workerID)
		}()
	}

	return nil
}

// runWorker is the outer loop: ensure broker health (sleeping through
// outages), declare topology, open a dedicated channel, and consume until
// shutdown.
func (cr *ConsumerRoutes) runWorker(queue string, handler QueueHandlerFunc, workerID int) {
	ctx := context.Background()

	for {
		select {
		case <-cr.shutdownCh:
			return
		default:
		}

		if err := cr.ensureHealthyOrSleep(ctx, time.Duration(cr.cfg.OutageSleepSec)*time.Second); err != nil {
			return
		}

		ch, err := cr.pool.Channel(ctx)
		if err != nil {
			cr.Logger.Errorf("consumer: channel open failed queue=%s worker=%d err=%v", queue, workerID, err)
			continue
		}

		if err := declareTopology(ch, cr.cfg, queue); err != nil {
			cr.Logger.Errorf("consumer: topology declare failed queue=%s err=%v", queue, err)
			ch.Close()

			continue
		}

		if err := ch.Qos(cr.NumbersOfPrefetch/cr.NumbersOfWorkers, 0, false); err != nil {
			cr.Logger.Errorf("consumer: qos failed queue=%s err=%v", queue, err)
			ch.Close()

			continue
		}

		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			cr.Logger.Errorf("consumer: consume failed queue=%s err=%v", queue, err)
			ch.Close()

			continue
		}

		cr.drain(ctx, ch, queue, handler, workerID, deliveries)
	}
}

// drain processes deliveries until the channel closes (connection
// recycled, broker hiccup) or shutdown is requested.
func (cr *ConsumerRoutes) drain(ctx context.Context, ch amqpChannel, queue string, handler QueueHandlerFunc, workerID int, deliveries <-chan amqp.Delivery) {
	defer ch.Close()

	for {
		select {
		case <-cr.shutdownCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			cr.handleDelivery(ctx, ch, queue, handler, workerID, toRawDelivery(d))

			if cr.recycleIfNeeded() {
				return
			}
		}
	}
}

func toRawDelivery(d amqp.Delivery) rawDelivery {
	return rawDelivery{
		body:    d.Body,
		headers: d.Headers,
		ack:     d.Ack,
		nack:    d.Nack,
	}
}

// recycleIfNeeded implements spec.md §4.2.8: after MaxJobsPerConnection
// processed messages, tear the channel down so runWorker reopens a fresh
// one, and start counting again from zero. Only the worker's channel is
// recycled: DedicatedChannel reopens it on the pool's existing shared
// connection, and the repository's database handle is left as it is.
func (cr *ConsumerRoutes) recycleIfNeeded() bool {
	if cr.cfg.MaxJobsPerConnection <= 0 {
		return false
	}

	n := cr.jobCount.Add(1)
	if int(n) < cr.cfg.MaxJobsPerConnection {
		return false
	}

	cr.jobCount.Store(0)

	return true
}

// Shutdown signals every worker to stop pulling new deliveries and waits
// for in-flight handlers (subject to their own timeout) to finish.
func (cr *ConsumerRoutes) Shutdown(ctx context.Context) error {
	cr.shutdownMu.Lock()
	if cr.isShutdown {
		cr.shutdownMu.Unlock()
		return nil
	}

	cr.isShutdown = true
	close(cr.shutdownCh)
	cr.shutdownMu.Unlock()

	done := make(chan struct{})

	go func() {
		cr.shutdownWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ConsumerRepository = (*ConsumerRoutes)(nil)
