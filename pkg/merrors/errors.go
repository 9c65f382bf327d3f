// Package merrors implements the library-facing error taxonomy of
// spec.md §4.7/§7: a discriminated set of error kinds plus a classifier
// that maps an arbitrary error to one of them.
package merrors

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind is one of the classification buckets a consumer/publisher uses to
// decide retry/dead-letter/fatal behavior.
type Kind string

const (
	KindConnection Kind = "connection"
	KindChannel    Kind = "channel"
	KindTimeout    Kind = "timeout"
	KindEncoding   Kind = "encoding"
	KindConfig     Kind = "config"
	KindHandler    Kind = "handler"
	KindInbox      Kind = "inbox"
	KindStorage    Kind = "storage"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// ConfigError signals missing or invalid configuration. It is fatal at
// construction/startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// ValidationError signals an invalid event name or an oversized envelope.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Message }

// StorageError wraps a database failure; the publisher's outbox insert
// retries these with bounded backoff.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage error during " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// HandlerError wraps a user handler failure (including timeouts and
// recovered panics, per spec.md §4.2.5).
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return "handler error: " + e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// Classify maps err to a Kind using, in order: identity checks against
// well-known broker/IO/JSON/context/DB error types, then a case-folded
// word-boundary substring fallback over the error message, defaulting to
// KindUnknown. This mirrors spec.md §4.7's ordered rules.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		configErr     *ConfigError
		validationErr *ValidationError
		storageErr    *StorageError
		handlerErr    *HandlerError
		amqpErr       *amqp.Error
		jsonSyntax    *json.SyntaxError
		jsonType      *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &handlerErr):
		return KindHandler
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &jsonSyntax), errors.As(err, &jsonType):
		return KindEncoding
	case errors.As(err, &amqpErr):
		return classifyAMQP(amqpErr)
	case errors.As(err, &storageErr):
		return classifyStorage(storageErr)
	}

	return classifyByMessage(err.Error())
}

// classifyStorage implements spec.md §4.7 rule 2: a database error
// subclass (identified by pgconn.PgError, not message sniffing) that
// originated from an inbox-claim operation classifies as KindInbox;
// every other storage failure, database or not, stays KindStorage.
func classifyStorage(e *StorageError) Kind {
	var pgErr *pgconn.PgError

	if errors.As(e.Err, &pgErr) && (strings.Contains(e.Op, "inbox") || strings.Contains(e.Op, "claim")) {
		return KindInbox
	}

	return KindStorage
}

// classifyAMQP classifies an amqp091-go error by its reply text alone: a
// Reason mentioning "channel" is KindChannel, anything else is
// KindConnection. The Code and Server fields are not consulted.
func classifyAMQP(e *amqp.Error) Kind {
	if e == nil {
		return KindUnknown
	}

	text := strings.ToLower(e.Reason)
	if strings.Contains(text, "channel") {
		return KindChannel
	}

	return KindConnection
}

var messageRules = []struct {
	kind     Kind
	patterns []*regexp.Regexp
}{
	{KindTimeout, wordPatterns("timeout", "timed out", "deadline exceeded")},
	{KindEncoding, wordPatterns("json", "encode", "decode", "invalid utf-8", "utf8")},
	{KindChannel, wordPatterns("channel")},
	{KindConnection, wordPatterns("connection", "socket", "dial", "exchange", "routing", "broker")},
	{KindInbox, wordPatterns("inbox", "claim")},
	{KindStorage, wordPatterns("database", "postgres", "sql", "storage")},
}

// wordPatterns compiles each word into a \b-bounded, case-insensitive-ready
// regexp (callers lower-case the haystack first) so a pattern like "dial"
// matches "failed to dial broker" but not "invalid dialect for driver".
func wordPatterns(words ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))

	for i, w := range words {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
	}

	return out
}

// classifyByMessage is the last-resort, case-folded word-boundary match
// used when an error carries no distinguishing type, per spec.md §4.7
// rule 3.
func classifyByMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	for _, rule := range messageRules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(lower) {
				return rule.kind
			}
		}
	}

	return KindUnknown
}
