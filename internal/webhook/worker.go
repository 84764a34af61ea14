package webhook

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/transform"
)

// applyAttempts bounds internal reconciliation retries for one event. The
// receipt already acked 200, so failures are never bounced to the sender.
const applyAttempts = 3

// drainTimeout bounds how long shutdown spends applying events still sitting
// in the in-memory queue. Anything left past it stays journaled at
// "received" and is picked up by the sweeper on the next start.
const drainTimeout = 10 * time.Second

// sweepGrace keeps the sweeper off receipts the in-memory queue is about to
// apply anyway; only rows older than this are re-queued.
const sweepGrace = time.Minute

// sweepBatch caps how many stuck receipts one sweep pass reloads.
const sweepBatch = 100

// RunWorkers consumes the deferred-event queue with n goroutines until ctx
// is cancelled, then drains whatever is still queued so an acked event is
// either applied or left journaled for the sweeper. The HTTP response path
// only pays ledger-write latency; the actual state transitions happen here.
func (h *Handler) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		n = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case ev := <-h.queue:
					h.applyNow(gctx, zctx.From(gctx), ev)
				}
			}
		})
	}
	err := g.Wait()
	h.drain(ctx)
	return err
}

// drain applies queued events with a context detached from the cancelled
// server context, bounded by drainTimeout.
func (h *Handler) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	lg := zctx.From(dctx)

	for {
		select {
		case <-dctx.Done():
			lg.Warn("Shutdown drain timed out, remaining events stay journaled")
			return
		case ev := <-h.queue:
			h.applyNow(dctx, lg, ev)
		default:
			return
		}
	}
}

// RunSweeper re-queues journaled receipts stuck at "received": events acked
// before a crash, left behind by a drain timeout, or applied-but-unstamped.
// It sweeps once immediately, then every interval until ctx is cancelled.
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	lg := zctx.From(ctx)
	h.sweep(ctx, lg)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sweep(ctx, lg)
		}
	}
}

// sweep reloads one batch of stuck receipts and applies them inline.
// Reconciliation is safe to repeat: the reconciler re-reads order state
// under the per-order lock, so an event applied concurrently by a worker
// resolves as stale or invalid rather than double-applied.
func (h *Handler) sweep(ctx context.Context, lg *zap.Logger) {
	events, err := h.ledger.Pending(ctx, time.Now().Add(-sweepGrace), sweepBatch)
	if err != nil {
		lg.Error("List pending webhook events", zap.Error(err))
		return
	}
	for _, e := range events {
		ev, perr := transform.FromExternalEvent(transform.Family(e.Family), e.RawPayload)
		if perr != nil {
			// A journaled receipt that no longer parses cannot be applied,
			// stamp it so the sweeper stops reloading it.
			lg.Error("Journaled webhook payload no longer parses",
				zap.String("event_id", e.ExternalEventID),
				zap.Error(perr),
			)
			if serr := h.ledger.SetOutcome(ctx, e.ExternalEventID, ledger.OutcomeMalformed); serr != nil {
				lg.Error("Record webhook outcome", zap.String("event_id", e.ExternalEventID), zap.Error(serr))
			}
			continue
		}
		lg.Info("Re-applying journaled webhook event",
			zap.String("event_id", e.ExternalEventID),
			zap.String("family", e.Family),
		)
		h.applyNow(ctx, lg, ev)
	}
}

// applyNow reconciles one event and records its final outcome on the
// receipt row. Used by the workers, the sweeper, and as the inline fallback
// when the queue is saturated.
func (h *Handler) applyNow(ctx context.Context, lg *zap.Logger, ev *transform.NormalizedEvent) {
	var (
		outcome ledger.Outcome
		err     error
	)
	for i := 0; i < applyAttempts; i++ {
		outcome, err = h.rec.Apply(ctx, ev)
		if err == nil {
			break
		}
		lg.Warn("Reconciliation attempt failed",
			zap.String("event_id", ev.ExternalEventID),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	if err != nil {
		outcome = ledger.OutcomeDeferredFailed
	}

	if serr := h.ledger.SetOutcome(ctx, ev.ExternalEventID, outcome); serr != nil {
		lg.Error("Record webhook outcome",
			zap.String("event_id", ev.ExternalEventID),
			zap.Error(serr),
		)
	}
}
