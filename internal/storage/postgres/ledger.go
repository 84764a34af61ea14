package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feastly/possync/internal/ledger"
)

const (
	appendSyncAttemptSQL = `INSERT INTO sync_attempts (order_id, attempt, idempotency_key,
		response_status, external_ref, outcome, error_class, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	lastSuccessSQL = `SELECT order_id, attempt, idempotency_key, response_status,
		external_ref, outcome, error_class, error_detail, created_at
		FROM sync_attempts
		WHERE idempotency_key = $1 AND outcome = $2
		ORDER BY created_at DESC LIMIT 1`

	attemptCountSQL = `SELECT count(*) FROM sync_attempts WHERE order_id = $1`

	appendWebhookEventSQL = `INSERT INTO webhook_events (external_event_id, provider, family,
		raw_payload, signature_verified, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	findWebhookEventSQL = `SELECT external_event_id, provider, family, raw_payload,
		signature_verified, outcome, received_at
		FROM webhook_events WHERE external_event_id = $1`

	setWebhookOutcomeSQL = `UPDATE webhook_events SET outcome = $2 WHERE external_event_id = $1`

	pendingWebhookEventsSQL = `SELECT external_event_id, provider, family, raw_payload,
		signature_verified, outcome, received_at
		FROM webhook_events
		WHERE outcome = $1 AND received_at < $2
		ORDER BY received_at
		LIMIT $3`

	recentEventIDsSQL = `SELECT external_event_id FROM webhook_events
		ORDER BY received_at DESC LIMIT $1`
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

var _ ledger.SyncLedger = (*SyncLedgerRepository)(nil)

// SyncLedgerRepository implements the append-only push ledger backed by
// PostgreSQL.
type SyncLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewSyncLedgerRepository returns a SyncLedgerRepository that uses the given pool.
func NewSyncLedgerRepository(pool *pgxpool.Pool) *SyncLedgerRepository {
	return &SyncLedgerRepository{pool: pool}
}

// Append writes one sync attempt row.
func (r *SyncLedgerRepository) Append(ctx context.Context, a ledger.SyncAttempt) error {
	_, err := r.pool.Exec(ctx, appendSyncAttemptSQL,
		a.OrderID, a.Attempt, a.IdempotencyKey,
		a.ResponseStatus, a.ExternalRef, string(a.Outcome), string(a.ErrorClass), a.ErrorDetail, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending attempt %d for order %q: %w", a.Attempt, a.OrderID, err)
	}
	return nil
}

// LastSuccess returns the most recent successful attempt for the idempotency
// key, or nil when none exists.
func (r *SyncLedgerRepository) LastSuccess(ctx context.Context, idempotencyKey string) (*ledger.SyncAttempt, error) {
	rows, err := r.pool.Query(ctx, lastSuccessSQL, idempotencyKey, string(ledger.OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("finding last success for key %q: %w", idempotencyKey, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanSyncAttempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding last success for key %q: %w", idempotencyKey, err)
	}
	return &a, nil
}

// AttemptCount returns how many attempts have been journaled for an order.
func (r *SyncLedgerRepository) AttemptCount(ctx context.Context, orderID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, attemptCountSQL, orderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attempts for order %q: %w", orderID, err)
	}
	return n, nil
}

var _ ledger.WebhookLedger = (*WebhookLedgerRepository)(nil)

// WebhookLedgerRepository implements the webhook receipt journal backed by
// PostgreSQL.
type WebhookLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookLedgerRepository returns a WebhookLedgerRepository that uses the given pool.
func NewWebhookLedgerRepository(pool *pgxpool.Pool) *WebhookLedgerRepository {
	return &WebhookLedgerRepository{pool: pool}
}

// Append writes one webhook receipt row. A primary-key collision on the
// external event id maps to ledger.ErrDuplicateEvent.
func (r *WebhookLedgerRepository) Append(ctx context.Context, e ledger.WebhookEvent) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, appendWebhookEventSQL,
		e.ExternalEventID, e.Provider, e.Family,
		e.RawPayload, e.SignatureVerified, string(e.Outcome), e.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.ErrDuplicateEvent
		}
		return fmt.Errorf("appending webhook event %q: %w", e.ExternalEventID, err)
	}
	return nil
}

// Find returns the receipt for an external event id, or nil when absent.
func (r *WebhookLedgerRepository) Find(ctx context.Context, externalEventID string) (*ledger.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, findWebhookEventSQL, externalEventID)
	if err != nil {
		return nil, fmt.Errorf("finding webhook event %q: %w", externalEventID, err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanWebhookEvent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding webhook event %q: %w", externalEventID, err)
	}
	return &e, nil
}

// SetOutcome records the processing result on the receipt row.
func (r *WebhookLedgerRepository) SetOutcome(ctx context.Context, externalEventID string, outcome ledger.Outcome) error {
	_, err := r.pool.Exec(ctx, setWebhookOutcomeSQL, externalEventID, string(outcome))
	if err != nil {
		return fmt.Errorf("setting outcome for event %q: %w", externalEventID, err)
	}
	return nil
}

// Pending returns receipts still at OutcomeReceived that landed before
// olderThan, oldest first. These are events the process acked but never
// finished applying, typically after a crash or restart.
func (r *WebhookLedgerRepository) Pending(ctx context.Context, olderThan time.Time, limit int) ([]ledger.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, pendingWebhookEventsSQL, string(ledger.OutcomeReceived), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending webhook events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanWebhookEvent)
	if err != nil {
		return nil, fmt.Errorf("listing pending webhook events: %w", err)
	}
	return events, nil
}

// RecentEventIDs returns up to limit of the most recently received event ids,
// used to seed the in-memory dedup index at startup.
func (r *WebhookLedgerRepository) RecentEventIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, recentEventIDsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent event ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent event ids: %w", err)
	}
	return ids, nil
}

func scanSyncAttempt(row pgx.CollectableRow) (ledger.SyncAttempt, error) {
	var (
		a          ledger.SyncAttempt
		outcome    string
		errorClass string
	)
	err := row.Scan(
		&a.OrderID, &a.Attempt, &a.IdempotencyKey, &a.ResponseStatus,
		&a.ExternalRef, &outcome, &errorClass, &a.ErrorDetail, &a.CreatedAt,
	)
	a.Outcome = ledger.Outcome(outcome)
	a.ErrorClass = ledger.ErrorClass(errorClass)
	return a, err
}

func scanWebhookEvent(row pgx.CollectableRow) (ledger.WebhookEvent, error) {
	var (
		e       ledger.WebhookEvent
		outcome string
	)
	err := row.Scan(
		&e.ExternalEventID, &e.Provider, &e.Family, &e.RawPayload,
		&e.SignatureVerified, &outcome, &e.ReceivedAt,
	)
	e.Outcome = ledger.Outcome(outcome)
	return e, err
}
