package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/midaz-rmq/pkg/envelope"
	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

const defaultHandlerTimeout = 300 * time.Second

// invokeHandler runs fn (or the queue's debug handler, when msg carries
// is_debug=true and one is registered) under a bounded timeout, converting
// a timeout or a recovered panic into a *merrors.HandlerError so the
// delivery state machine sees one uniform failure shape, per spec.md
// §4.2.5's "any fatal language-level error ... must be converted to a
// handler failure" rule.
func (cr *ConsumerRoutes) invokeHandler(ctx context.Context, queue string, fn QueueHandlerFunc, msg *envelope.Message, body []byte) error {
	if msg.IsDebug() {
		if debugFn, ok := cr.debugRoutes[queue]; ok {
			fn = debugFn
		}
	}

	timeout := time.Duration(cr.cfg.HandlerTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- &merrors.HandlerError{Err: fmt.Errorf("handler panic: %v", r)}
			}
		}()

		result <- fn(ctx, body)
	}()

	select {
	case err := <-result:
		if err != nil {
			return &merrors.HandlerError{Err: err}
		}

		return nil
	case <-ctx.Done():
		return &merrors.HandlerError{Err: ctx.Err()}
	}
}
