// Package webhook accepts inbound POS callbacks: verifies authenticity,
// journals every receipt, suppresses replays, and hands normalized events to
// the reconciler. The receiver never mutates order state itself.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/transform"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body keyed
// by the restaurant's webhook secret.
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes caps inbound payload size (menu pushes can be large).
const maxBodyBytes = 4 << 20

// OrderLookup resolves the order a webhook refers to.
type OrderLookup interface {
	GetByExternalRef(ctx context.Context, ref string) (*order.Order, error)
}

// Reconciler applies a normalized event to state.
type Reconciler interface {
	Apply(ctx context.Context, ev *transform.NormalizedEvent) (ledger.Outcome, error)
}

// Handler serves the four webhook families. It always answers 200 once the
// event is durably journaled; reconciliation failures are retried by the
// worker, never by forcing sender-side redelivery.
type Handler struct {
	creds  credential.Store
	orders OrderLookup
	ledger ledger.WebhookLedger
	dedup  *ledger.DedupIndex
	rec    Reconciler
	queue  chan *transform.NormalizedEvent
}

// NewHandler creates a webhook Handler with the given queue capacity.
func NewHandler(
	creds credential.Store,
	orders OrderLookup,
	wl ledger.WebhookLedger,
	dedup *ledger.DedupIndex,
	rec Reconciler,
	queueSize int,
) *Handler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Handler{
		creds:  creds,
		orders: orders,
		ledger: wl,
		dedup:  dedup,
		rec:    rec,
		queue:  make(chan *transform.NormalizedEvent, queueSize),
	}
}

// Register mounts the webhook routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{provider}/order-status", h.family(transform.FamilyOrderStatus))
	mux.HandleFunc("POST /webhooks/{provider}/delivery-status", h.family(transform.FamilyDeliveryStatus))
	mux.HandleFunc("POST /webhooks/{provider}/order-cancellation", h.family(transform.FamilyOrderCancellation))
	mux.HandleFunc("POST /webhooks/{provider}/pushmenu", h.family(transform.FamilyMenuPush))
}

// ackResponse is the wire acknowledgment envelope.
type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ackResponse{Success: success, Message: message})
}

// envelope is the minimal unauthenticated peek needed to find the webhook
// secret and event id. Nothing else is trusted before verification.
type envelope struct {
	EventID string `json:"event_id"`
	RestID  string `json:"restID"`
}

func (h *Handler) family(family transform.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		provider := r.PathValue("provider")
		lg := zctx.From(ctx).With(
			zap.String("provider", provider),
			zap.String("family", string(family)),
		)

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respond(w, http.StatusBadRequest, false, "unreadable body")
			return
		}

		var env envelope
		_ = json.Unmarshal(raw, &env)

		if !h.verifySignature(ctx, r.Header.Get(SignatureHeader), raw, env.RestID) {
			h.journal(ctx, lg, ledger.WebhookEvent{
				ExternalEventID:   journalID(env.EventID),
				Provider:          provider,
				Family:            string(family),
				RawPayload:        raw,
				SignatureVerified: false,
				Outcome:           ledger.OutcomeSignatureInvalid,
			})
			lg.Warn("Webhook signature verification failed", zap.String("event_id", env.EventID))
			respond(w, http.StatusBadRequest, false, "signature verification failed")
			return
		}

		// Replay suppression: the sender redelivers until acknowledged, so a
		// known event id is acked immediately without reprocessing.
		if env.EventID != "" && h.dedup.MaybeSeen(env.EventID) {
			if prior, ferr := h.ledger.Find(ctx, env.EventID); ferr == nil && prior != nil {
				lg.Info("Duplicate webhook acknowledged", zap.String("event_id", env.EventID))
				respond(w, http.StatusOK, true, "event already processed")
				return
			}
		}

		ev, err := transform.FromExternalEvent(family, raw)
		if err != nil {
			h.journal(ctx, lg, ledger.WebhookEvent{
				ExternalEventID:   journalID(env.EventID),
				Provider:          provider,
				Family:            string(family),
				RawPayload:        raw,
				SignatureVerified: true,
				Outcome:           ledger.OutcomeMalformed,
			})
			respond(w, http.StatusBadRequest, false, err.Error())
			return
		}

		if family != transform.FamilyMenuPush {
			if _, err := h.orders.GetByExternalRef(ctx, ev.OrderExternalID); err != nil {
				if errors.Is(err, order.ErrNotFound) {
					h.journal(ctx, lg, ledger.WebhookEvent{
						ExternalEventID:   ev.ExternalEventID,
						Provider:          provider,
						Family:            string(family),
						RawPayload:        raw,
						SignatureVerified: true,
						Outcome:           ledger.OutcomeUnknownOrder,
					})
					respond(w, http.StatusNotFound, false, "unknown order "+ev.OrderExternalID)
					return
				}
				lg.Error("Order lookup failed", zap.Error(err))
				respond(w, http.StatusInternalServerError, false, "temporary failure")
				return
			}
		}

		// Durable receipt, then ack. Everything past this point is deferred.
		err = h.ledger.Append(ctx, ledger.WebhookEvent{
			ExternalEventID:   ev.ExternalEventID,
			Provider:          provider,
			Family:            string(family),
			RawPayload:        raw,
			SignatureVerified: true,
			Outcome:           ledger.OutcomeReceived,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateEvent) {
				h.dedup.Add(ev.ExternalEventID)
				respond(w, http.StatusOK, true, "event already processed")
				return
			}
			lg.Error("Journal webhook receipt", zap.Error(err))
			respond(w, http.StatusInternalServerError, false, "temporary failure")
			return
		}
		h.dedup.Add(ev.ExternalEventID)

		select {
		case h.queue <- ev:
		default:
			// Queue full: apply inline rather than dropping the event.
			h.applyNow(ctx, lg, ev)
		}
		respond(w, http.StatusOK, true, "event received")
	}
}

// journal writes a receipt row, tolerating duplicate ids from replayed
// unverifiable requests.
func (h *Handler) journal(ctx context.Context, lg *zap.Logger, e ledger.WebhookEvent) {
	if err := h.ledger.Append(ctx, e); err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
		lg.Error("Journal webhook event", zap.Error(err))
	}
}

// journalID substitutes a synthetic id when the payload carries none, so
// rejected receipts still land in the ledger.
func journalID(eventID string) string {
	if eventID != "" {
		return eventID
	}
	return "synthetic-" + uuid.New().String()
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// restaurant's webhook secret in constant time.
func (h *Handler) verifySignature(ctx context.Context, header string, body []byte, restaurantID string) bool {
	if header == "" || restaurantID == "" {
		return false
	}
	creds, err := h.creds.Get(ctx, restaurantID)
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(creds.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
