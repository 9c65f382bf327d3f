package outbox

import "testing"

import "github.com/stretchr/testify/assert"

func TestValidOutboxTransitions_Defined(t *testing.T) {
	t.Parallel()

	for _, s := range []OutboxStatus{StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusDLQ} {
		_, exists := ValidOutboxTransitions[s]
		assert.True(t, exists, "status %s must be in ValidOutboxTransitions", s)
	}
}

func TestOutboxStatus_CanTransitionTo_Valid(t *testing.T) {
	t.Parallel()

	cases := []struct{ from, to OutboxStatus }{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusPublished},
		{StatusProcessing, StatusFailed},
		{StatusFailed, StatusProcessing},
		{StatusFailed, StatusDLQ},
	}

	for _, c := range cases {
		assert.True(t, c.from.CanTransitionTo(c.to), "%s -> %s should be valid", c.from, c.to)
	}
}

func TestOutboxStatus_CanTransitionTo_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct{ from, to OutboxStatus }{
		{StatusPending, StatusPublished},
		{StatusPending, StatusDLQ},
		{StatusProcessing, StatusPending},
		{StatusProcessing, StatusDLQ},
		{StatusPublished, StatusPending},
		{StatusDLQ, StatusProcessing},
		{StatusFailed, StatusPublished},
	}

	for _, c := range cases {
		assert.False(t, c.from.CanTransitionTo(c.to), "%s -> %s should be invalid", c.from, c.to)
	}
}

func TestOutboxStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.True(t, StatusPublished.IsTerminal())
	assert.True(t, StatusDLQ.IsTerminal())
}

func TestInboxStatus_Transitions(t *testing.T) {
	t.Parallel()

	assert.True(t, InboxProcessing.CanTransitionTo(InboxProcessed))
	assert.True(t, InboxProcessing.CanTransitionTo(InboxFailed))
	assert.True(t, InboxFailed.CanTransitionTo(InboxProcessing))
	assert.False(t, InboxProcessed.CanTransitionTo(InboxProcessing))
	assert.True(t, InboxProcessed.IsTerminal())
	assert.False(t, InboxFailed.IsTerminal())
}
