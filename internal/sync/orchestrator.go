// Package sync owns the order push state machine: when to push, how often to
// retry, and how every attempt is journaled.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/posclient"
	"github.com/feastly/possync/internal/transform"
	"github.com/feastly/possync/pkg/keymutex"
)

// ErrOrderTerminal indicates a submit against an order that already reached
// a terminal state. A corrected order must be submitted as a new order, not
// by mutating the failed one.
var ErrOrderTerminal = errors.New("order is in a terminal state")

// GatewayRejectionError is a permanent rejection from the POS. The caller
// can correct and resubmit; retrying the same payload cannot succeed.
type GatewayRejectionError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayRejectionError) Error() string {
	return fmt.Sprintf("pos rejected order (status %d): %s", e.StatusCode, e.Reason)
}

// Result is the terminal outcome of a submit call.
type Result struct {
	OrderID     string
	Status      order.Status
	ExternalRef string
	Attempts    int
	// Deduplicated is set when a prior successful push for the same payload
	// hash short-circuited the call.
	Deduplicated bool
}

// Orchestrator drives order pushes. All mutation of a given order is
// serialized through a per-order lock; unrelated orders proceed in parallel.
type Orchestrator struct {
	orders  order.Repository
	ledger  ledger.SyncLedger
	creds   credential.Store
	client  posclient.Deliverer
	locks   *keymutex.Map
	backoff Backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires an Orchestrator with the default backoff policy.
func NewOrchestrator(
	orders order.Repository,
	lg ledger.SyncLedger,
	creds credential.Store,
	client posclient.Deliverer,
) *Orchestrator {
	return &Orchestrator{
		orders:  orders,
		ledger:  lg,
		creds:   creds,
		client:  client,
		locks:   keymutex.New(),
		backoff: NewBackoff(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IdempotencyKey derives the stable key for a payload: a SHA-256 over the
// deterministic encoding, so byte-identical payloads collapse to one push.
func IdempotencyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Submit pushes a fully validated, priced order to the POS. Transient
// failures are retried internally with exponential backoff and never
// surfaced; the caller sees a terminal Status of PUSHED or PUSH_FAILED.
// Permanent failures (mapping, gateway rejection) return a typed error.
func (o *Orchestrator) Submit(ctx context.Context, ord *order.Order, items []order.Item, total order.Total) (Result, error) {
	o.locks.Lock(ord.ID)
	defer o.locks.Unlock(ord.ID)

	lg := zctx.From(ctx).With(
		zap.String("order_id", ord.ID),
		zap.String("restaurant_id", ord.RestaurantID),
	)

	// First submission persists the aggregate; a resubmission adopts the
	// stored record so status and version reflect reality.
	stored, err := o.orders.Get(ctx, ord.ID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		ord.Status = order.StatusCreated
		ord.Version = 1
		if ord.CreatedAt.IsZero() {
			ord.CreatedAt = o.now()
		}
		if cerr := o.orders.Create(ctx, ord, items, total); cerr != nil {
			return Result{}, errors.Wrap(cerr, "persist order")
		}
	case err != nil:
		return Result{}, errors.Wrap(err, "load order")
	default:
		ord = stored
	}

	if !statusPushable(ord.Status) {
		if ord.ExternalRef != "" {
			// Already on the POS (pushed, or further advanced by webhooks).
			return Result{OrderID: ord.ID, Status: ord.Status, ExternalRef: ord.ExternalRef, Deduplicated: true}, nil
		}
		return Result{OrderID: ord.ID, Status: ord.Status}, errors.Wrapf(ErrOrderTerminal, "order %s is %s", ord.ID, ord.Status)
	}

	creds, err := o.creds.Get(ctx, ord.RestaurantID)
	if err != nil {
		return Result{}, errors.Wrapf(err, "credentials for restaurant %s", ord.RestaurantID)
	}

	payload, err := transform.ToExternalOrder(ord, items, total, creds)
	if err != nil {
		// Journal the failed construction, then surface it: mapping failures
		// are permanent and happen before any network call.
		o.journalMappingFailure(ctx, ord.ID, err)
		return Result{OrderID: ord.ID, Status: ord.Status}, err
	}
	body := payload.Encode()
	key := IdempotencyKey(body)

	// Has this exact payload already succeeded? Then the push happened,
	// whatever the caller saw last time.
	prior, err := o.ledger.LastSuccess(ctx, key)
	if err != nil {
		return Result{}, errors.Wrap(err, "check idempotency ledger")
	}
	if prior != nil {
		if uerr := o.markPushed(ctx, ord, prior.ExternalRef); uerr != nil {
			return Result{}, uerr
		}
		lg.Info("Push deduplicated by idempotency key", zap.String("external_ref", prior.ExternalRef))
		return Result{
			OrderID:      ord.ID,
			Status:       order.StatusPushed,
			ExternalRef:  prior.ExternalRef,
			Deduplicated: true,
		}, nil
	}

	if ord.Status == order.StatusCreated {
		if uerr := o.orders.UpdateStatus(ctx, ord.ID, ord.Version, order.StatusPushPending, o.now()); uerr != nil {
			return Result{}, errors.Wrap(uerr, "mark push pending")
		}
		ord.Status = order.StatusPushPending
		ord.Version++
	}

	return o.push(ctx, lg, ord, body, key, creds)
}

func statusPushable(s order.Status) bool {
	return s == order.StatusCreated || s == order.StatusPushPending
}

// push runs the bounded retry loop. Exactly one SyncAttempt row is appended
// per delivery call.
func (o *Orchestrator) push(
	ctx context.Context,
	lg *zap.Logger,
	ord *order.Order,
	body []byte,
	key string,
	creds *credential.Credentials,
) (Result, error) {
	attemptBase, err := o.ledger.AttemptCount(ctx, ord.ID)
	if err != nil {
		return Result{}, errors.Wrap(err, "count prior attempts")
	}

	// The attempt budget is per order, not per call: attempts journaled by an
	// interrupted earlier submit still count against it.
	budget := o.backoff.MaxAttempts - attemptBase
	if budget <= 0 {
		if uerr := o.markFailed(ctx, ord); uerr != nil {
			return Result{}, uerr
		}
		lg.Error("Push retry budget already exhausted", zap.Int("attempts", attemptBase))
		return Result{OrderID: ord.ID, Status: order.StatusPushFailed}, nil
	}

	for i := 1; i <= budget; i++ {
		res := o.client.Deliver(ctx, body, creds)
		attempt := attemptBase + i

		entry := ledger.SyncAttempt{
			OrderID:        ord.ID,
			Attempt:        attempt,
			IdempotencyKey: key,
			ResponseStatus: res.StatusCode,
			ExternalRef:    res.ExternalRef,
			CreatedAt:      o.now(),
		}
		switch res.Kind {
		case posclient.Success:
			entry.Outcome = ledger.OutcomeSuccess
		case posclient.RetryableFailure:
			entry.Outcome = ledger.OutcomeRetryableFailure
			entry.ErrorClass = ledger.ErrorClassTransport
			entry.ErrorDetail = res.Reason
		case posclient.PermanentFailure:
			entry.Outcome = ledger.OutcomePermanentFailure
			entry.ErrorClass = ledger.ErrorClassGateway
			entry.ErrorDetail = res.Reason
		}
		if aerr := o.ledger.Append(ctx, entry); aerr != nil {
			return Result{}, errors.Wrap(aerr, "journal sync attempt")
		}

		switch res.Kind {
		case posclient.Success:
			if uerr := o.markPushed(ctx, ord, res.ExternalRef); uerr != nil {
				return Result{}, uerr
			}
			lg.Info("Order pushed", zap.String("external_ref", res.ExternalRef), zap.Int("attempt", attempt))
			return Result{OrderID: ord.ID, Status: order.StatusPushed, ExternalRef: res.ExternalRef, Attempts: i}, nil

		case posclient.PermanentFailure:
			if uerr := o.markFailed(ctx, ord); uerr != nil {
				return Result{}, uerr
			}
			lg.Warn("Order rejected by POS", zap.Int("status", res.StatusCode), zap.String("reason", res.Reason))
			return Result{OrderID: ord.ID, Status: order.StatusPushFailed, Attempts: i},
				&GatewayRejectionError{StatusCode: res.StatusCode, Reason: res.Reason}

		case posclient.RetryableFailure:
			lg.Warn("Push attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("status", res.StatusCode),
				zap.String("reason", res.Reason),
			)
			if i == budget {
				break
			}
			if serr := o.sleep(ctx, o.backoff.Delay(i)); serr != nil {
				return Result{}, serr
			}
		}
	}

	// Retry budget exhausted: terminal, surfaced for reconciliation, but not
	// an error to the caller.
	if uerr := o.markFailed(ctx, ord); uerr != nil {
		return Result{}, uerr
	}
	lg.Error("Push retry budget exhausted", zap.Int("attempts", attemptBase+budget))
	return Result{OrderID: ord.ID, Status: order.StatusPushFailed, Attempts: budget}, nil
}

func (o *Orchestrator) markPushed(ctx context.Context, ord *order.Order, externalRef string) error {
	if err := o.orders.SetPushed(ctx, ord.ID, ord.Version, externalRef, o.now()); err != nil {
		return errors.Wrap(err, "mark pushed")
	}
	ord.Status = order.StatusPushed
	ord.ExternalRef = externalRef
	ord.Version++
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, ord *order.Order) error {
	if err := o.orders.UpdateStatus(ctx, ord.ID, ord.Version, order.StatusPushFailed, o.now()); err != nil {
		return errors.Wrap(err, "mark push failed")
	}
	ord.Status = order.StatusPushFailed
	ord.Version++
	return nil
}

// journalMappingFailure appends the one attempt row a submit call owes even
// when no payload could be built.
func (o *Orchestrator) journalMappingFailure(ctx context.Context, orderID string, merr error) {
	attempts, err := o.ledger.AttemptCount(ctx, orderID)
	if err != nil {
		zctx.From(ctx).Error("Count attempts for mapping failure", zap.Error(err))
		return
	}
	entry := ledger.SyncAttempt{
		OrderID:     orderID,
		Attempt:     attempts + 1,
		Outcome:     ledger.OutcomePermanentFailure,
		ErrorClass:  ledger.ErrorClassMapping,
		ErrorDetail: merr.Error(),
		CreatedAt:   o.now(),
	}
	if err := o.ledger.Append(ctx, entry); err != nil {
		zctx.From(ctx).Error("Journal mapping failure", zap.Error(err))
	}
}
