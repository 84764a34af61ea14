// Package reconcile applies normalized webhook events to order state under
// ordering and validity constraints. Events are applied in occurredAt order,
// not arrival order: a delayed "confirmed" can never overwrite a later
// "cancelled".
package reconcile

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/transform"
	"github.com/feastly/possync/pkg/keymutex"
)

// Applier atomically records a status transition together with the ledger
// outcome for the event that caused it. Implemented by the postgres order
// repository as a single transaction.
type Applier interface {
	ApplyEvent(
		ctx context.Context,
		orderID string,
		fromVersion int64,
		to order.Status,
		occurredAt time.Time,
		externalEventID string,
		outcome ledger.Outcome,
	) error
}

// OrderLookup resolves the order an event refers to.
type OrderLookup interface {
	GetByExternalRef(ctx context.Context, ref string) (*order.Order, error)
}

// Reconciler serializes event application per order and enforces the status
// machine.
type Reconciler struct {
	orders  OrderLookup
	applier Applier
	locks   *keymutex.Map
}

// New creates a Reconciler.
func New(orders OrderLookup, applier Applier) *Reconciler {
	return &Reconciler{
		orders:  orders,
		applier: applier,
		locks:   keymutex.New(),
	}
}

// Apply resolves the event's order and applies the transition. The returned
// outcome is what the webhook ledger records for the event; an error means
// the outcome could not be determined and the caller should retry.
func (r *Reconciler) Apply(ctx context.Context, ev *transform.NormalizedEvent) (ledger.Outcome, error) {
	if ev.Family == transform.FamilyMenuPush {
		return ledger.OutcomeAcknowledged, nil
	}

	ord, err := r.orders.GetByExternalRef(ctx, ev.OrderExternalID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return ledger.OutcomeUnknownOrder, nil
		}
		return "", errors.Wrapf(err, "resolve order %s", ev.OrderExternalID)
	}

	r.locks.Lock(ord.ID)
	defer r.locks.Unlock(ord.ID)

	// Re-read under the lock; another event may have advanced the order.
	ord, err = r.orders.GetByExternalRef(ctx, ev.OrderExternalID)
	if err != nil {
		return "", errors.Wrapf(err, "reload order %s", ev.OrderExternalID)
	}

	lg := zctx.From(ctx).With(
		zap.String("order_id", ord.ID),
		zap.String("event_id", ev.ExternalEventID),
		zap.String("new_status", string(ev.NewStatus)),
	)

	// Stale webhook: happened before the transition that produced the
	// current status. Journaled, never applied.
	if ev.OccurredAt.Before(ord.StatusChangedAt) {
		lg.Info("Stale webhook ignored",
			zap.Time("occurred_at", ev.OccurredAt),
			zap.Time("status_changed_at", ord.StatusChangedAt),
		)
		return ledger.OutcomeStale, nil
	}

	if !order.CanTransition(ord.Status, ev.NewStatus) {
		lg.Warn("Invalid transition rejected", zap.String("current", string(ord.Status)))
		return ledger.OutcomeInvalidTransition, nil
	}

	err = r.applier.ApplyEvent(ctx, ord.ID, ord.Version, ev.NewStatus, ev.OccurredAt, ev.ExternalEventID, ledger.OutcomeApplied)
	if err != nil {
		return "", errors.Wrapf(err, "apply %s to order %s", ev.NewStatus, ord.ID)
	}
	lg.Info("Webhook applied", zap.String("from", string(ord.Status)))
	return ledger.OutcomeApplied, nil
}
