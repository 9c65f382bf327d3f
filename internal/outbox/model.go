package outbox

import "time"

// OutboxRow mirrors one row of the outbox table (spec.md §6.3). Go field
// names follow the teacher's ToEntity/FromEntity round-trip convention
// from MetadataOutboxPostgreSQLModel, generalized to the messaging
// library's column set.
type OutboxRow struct {
	ID              int64
	ProducerService string
	EventType       string
	MessageBody     []byte
	PartitionKey    *string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
	Status          OutboxStatus

	// Attempts and NextRetryAt track the dispatcher's bounded-backoff
	// redelivery schedule (spec.md §3.2's "failed -> pending is permitted
	// after bounded backoff"). Not part of spec.md §6.3's literal column
	// list; added because that transition cannot be honored without
	// per-row attempt/deadline bookkeeping (see DESIGN.md).
	Attempts    int
	NextRetryAt *time.Time
}

// InboxRow mirrors one row of the inbox table (spec.md §6.3), the unit of
// idempotent-consumption bookkeeping keyed by (message_id, consumer_service).
type InboxRow struct {
	MessageID       string
	ConsumerService string
	EventName       string
	Status          InboxStatus
	Attempts        int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	LockedAt        *time.Time
	LockedBy        *string
	Metadata        []byte
}
