package consumer

import (
	"context"
	"sync"
	"time"
)

// outageTickInterval is how often the sleep loop re-checks for a shutdown
// signal while the broker is unreachable, per spec.md §4.2.7's
// "must not starve shutdown signals ... at least once per second".
const outageTickInterval = 1 * time.Second

// outageState tracks whether the consumer currently believes itself to be
// in an outage, so the entered/exited callbacks set via SetOutageCallbacks
// each fire exactly once per transition rather than on every
// failed/successful probe.
type outageState struct {
	mu sync.Mutex
	in bool
}

// SetOutageCallbacks registers entered, invoked once when
// ensureHealthyOrSleep first observes an unhealthy broker, and exited,
// invoked once when a later probe succeeds. Either may be nil.
func (cr *ConsumerRoutes) SetOutageCallbacks(entered, exited func()) {
	cr.onOutageEntered = entered
	cr.onOutageExited = exited
}

// ensureHealthyOrSleep is spec.md §4.2.7's outage-mode guard: called before
// every attempted fetch, it probes the broker connection through cr.health
// and sleeps through an outage instead of spinning the consume loop
// against a dead broker. The inbox database is not probed here, so a
// database outage alone does not enter outage mode. Returns a non-nil
// error only when ctx/shutdown ends the sleep early.
func (cr *ConsumerRoutes) ensureHealthyOrSleep(ctx context.Context, sleep time.Duration) error {
	if sleep <= 0 {
		sleep = time.Duration(cr.cfg.OutageSleepSec) * time.Second
	}

	for {
		err := cr.health(ctx)

		cr.outage.mu.Lock()
		wasIn := cr.outage.in
		cr.outage.mu.Unlock()

		if err == nil {
			if wasIn {
				cr.outage.mu.Lock()
				cr.outage.in = false
				cr.outage.mu.Unlock()

				if cr.onOutageExited != nil {
					cr.onOutageExited()
				}
			}

			return nil
		}

		if !wasIn {
			cr.outage.mu.Lock()
			cr.outage.in = true
			cr.outage.mu.Unlock()

			cr.Logger.Warnf("consumer: entering outage mode: %v", err)

			if cr.onOutageEntered != nil {
				cr.onOutageEntered()
			}
		}

		if waitErr := cr.interruptibleSleep(ctx, sleep); waitErr != nil {
			return waitErr
		}
	}
}

// interruptibleSleep waits for sleep to elapse, ticking every
// outageTickInterval so shutdown/ctx cancellation is observed promptly
// instead of only after the full sleep duration.
func (cr *ConsumerRoutes) interruptibleSleep(ctx context.Context, sleep time.Duration) error {
	deadline := time.Now().Add(sleep)

	ticker := time.NewTicker(outageTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cr.shutdownCh:
			return context.Canceled
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}
