// Package mcircuitbreaker implements the circuit breaker used to guard
// broker publish attempts (§4.1) and the consumer's dead-letter and retry
// republishes, plus the state-change listener contract other components
// observe it through.
package mcircuitbreaker

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts tracks request outcomes within the current state window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) reset() { *c = Counts{} }

// StateChangeEvent describes a circuit breaker transition.
type StateChangeEvent struct {
	ServiceName string
	FromState   State
	ToState     State
	Counts      Counts
}

// StateListener observes circuit breaker state transitions, e.g. to feed
// the rmq_connection_errors_total / outage-entered callbacks of §4.2.7.
type StateListener interface {
	OnCircuitBreakerStateChange(event StateChangeEvent)
}
