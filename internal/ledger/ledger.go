// Package ledger defines the append-only audit trail for sync attempts and
// webhook receipts. The ledger is the source of truth for "did we already do
// this?": idempotent resubmission and webhook de-duplication both resolve
// against it.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrDuplicateEvent indicates a webhook event id has already been journaled.
var ErrDuplicateEvent = errors.New("webhook event already journaled")

// ErrorClass buckets a failed sync attempt for diagnostics.
type ErrorClass string

const (
	ErrorClassNone      ErrorClass = ""
	ErrorClassMapping   ErrorClass = "mapping"
	ErrorClassTransport ErrorClass = "transport"
	ErrorClassGateway   ErrorClass = "gateway"
)

// Outcome records how an entry was resolved.
type Outcome string

const (
	// Sync attempt outcomes.
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"

	// Webhook processing outcomes.
	OutcomeReceived          Outcome = "received"
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeStale             Outcome = "stale"
	OutcomeInvalidTransition Outcome = "rejected: invalid_transition"
	OutcomeSignatureInvalid  Outcome = "rejected: signature_invalid"
	OutcomeUnknownOrder      Outcome = "rejected: unknown_order"
	OutcomeMalformed         Outcome = "rejected: malformed_payload"
	OutcomeAcknowledged      Outcome = "acknowledged"
	OutcomeDeferredFailed    Outcome = "deferred_failed"
)

// SyncAttempt is one push of an order payload to the POS. Rows are keyed by
// (order_id, attempt_number) and never updated or deleted.
type SyncAttempt struct {
	OrderID        string
	Attempt        int
	IdempotencyKey string
	ResponseStatus int
	ExternalRef    string
	Outcome        Outcome
	ErrorClass     ErrorClass
	ErrorDetail    string
	CreatedAt      time.Time
}

// WebhookEvent is one inbound callback receipt, keyed by the sender's
// external event id for replay suppression.
type WebhookEvent struct {
	ExternalEventID   string
	Provider          string
	Family            string
	RawPayload        []byte
	SignatureVerified bool
	Outcome           Outcome
	ReceivedAt        time.Time
}

// SyncLedger journals order push attempts.
type SyncLedger interface {
	// Append writes one attempt row. Appends for the same order are serialized
	// by the caller's per-order lock.
	Append(ctx context.Context, a SyncAttempt) error
	// LastSuccess returns the most recent successful attempt for the given
	// idempotency key, or nil when none exists.
	LastSuccess(ctx context.Context, idempotencyKey string) (*SyncAttempt, error)
	// AttemptCount returns how many attempts have been journaled for an order.
	AttemptCount(ctx context.Context, orderID string) (int, error)
}

// WebhookLedger journals inbound webhook receipts.
type WebhookLedger interface {
	// Append writes one receipt row; ErrDuplicateEvent if the external event
	// id is already present.
	Append(ctx context.Context, e WebhookEvent) error
	Find(ctx context.Context, externalEventID string) (*WebhookEvent, error)
	// SetOutcome records the processing result on the receipt row. Written
	// once, when the received entry reaches its final outcome.
	SetOutcome(ctx context.Context, externalEventID string, outcome Outcome) error
	// Pending returns journaled receipts still at OutcomeReceived that were
	// received before olderThan, oldest first. The receiver acks 200 on the
	// journal write, so these rows are the recovery queue after a crash or
	// restart.
	Pending(ctx context.Context, olderThan time.Time, limit int) ([]WebhookEvent, error)
}
