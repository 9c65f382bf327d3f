package consumer

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/midaz-rmq/internal/config"
)

const (
	dlxTypeHeader = "x-dead-letter-exchange"
	delayedType   = "x-delayed-type"

	failedQueueTTLMs   = 7 * 24 * 60 * 60 * 1000
	failedQueueMaxLen  = 100000
	failedQueueOverflow = "drop-head"
)

// declareTopology creates, if missing, everything spec.md §4.2.1
// describes for queue: the delayed-message exchange retries publish
// through (sharing queue's name, per spec.md's literal wording), the
// durable main queue (whose dead-letter-exchange argument names the
// delayed exchange, and which is bound to it under queue's own name so
// scheduleRetry's republishes reach it), and the terminal failed queue.
func declareTopology(ch amqpChannel, cfg *config.Config, queue string) error {
	if err := ch.ExchangeDeclare(queue, "x-delayed-message", true, false, false, false, amqp.Table{
		delayedType: "topic",
	}); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		dlxTypeHeader: queue,
	}); err != nil {
		return err
	}

	if err := ch.QueueBind(queue, queue, cfg.Project+"."+mainExchangeSuffix, false, nil); err != nil {
		return err
	}

	if err := ch.QueueBind(queue, queue, queue, false, nil); err != nil {
		return err
	}

	failedQueue, err := buildDLQName(queue)
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(failedQueue, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(failedQueueTTLMs),
		"x-max-length":  int32(failedQueueMaxLen),
		"x-overflow":    failedQueueOverflow,
	})

	return err
}

// mainExchangeSuffix matches internal/publisher's identical constant:
// domain events publish to "<project>.events".
const mainExchangeSuffix = "events"
