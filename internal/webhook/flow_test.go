package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/posclient"
	"github.com/feastly/possync/internal/reconcile"
	syncpkg "github.com/feastly/possync/internal/sync"
)

// flowStore is a shared in-memory order store implementing the repository,
// the reconciler's applier, and the webhook handler's order lookup.
type flowStore struct {
	orders map[string]*order.Order
}

func newFlowStore() *flowStore {
	return &flowStore{orders: make(map[string]*order.Order)}
}

func (s *flowStore) Create(_ context.Context, o *order.Order, _ []order.Item, _ order.Total) error {
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *flowStore) Get(_ context.Context, id string) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *flowStore) GetByExternalRef(_ context.Context, ref string) (*order.Order, error) {
	for _, o := range s.orders {
		if o.ExternalRef == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (s *flowStore) Items(_ context.Context, _ string) ([]order.Item, error) { return nil, nil }

func (s *flowStore) Total(_ context.Context, _ string) (order.Total, error) {
	return order.Total{}, nil
}

func (s *flowStore) UpdateStatus(_ context.Context, id string, fromVersion int64, to order.Status, at time.Time) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Version != fromVersion {
		return order.ErrVersionConflict
	}
	o.Status = to
	o.Version++
	o.StatusChangedAt = at
	return nil
}

func (s *flowStore) SetPushed(_ context.Context, id string, fromVersion int64, externalRef string, at time.Time) error {
	if err := s.UpdateStatus(context.Background(), id, fromVersion, order.StatusPushed, at); err != nil {
		return err
	}
	s.orders[id].ExternalRef = externalRef
	return nil
}

func (s *flowStore) History(_ context.Context, _ string) ([]order.StatusChange, error) {
	return nil, nil
}

func (s *flowStore) ApplyEvent(ctx context.Context, orderID string, fromVersion int64, to order.Status, occurredAt time.Time, _ string, _ ledger.Outcome) error {
	return s.UpdateStatus(ctx, orderID, fromVersion, to, occurredAt)
}

type flowSyncLedger struct {
	attempts []ledger.SyncAttempt
}

func (l *flowSyncLedger) Append(_ context.Context, a ledger.SyncAttempt) error {
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *flowSyncLedger) LastSuccess(_ context.Context, key string) (*ledger.SyncAttempt, error) {
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if l.attempts[i].IdempotencyKey == key && l.attempts[i].Outcome == ledger.OutcomeSuccess {
			return &l.attempts[i], nil
		}
	}
	return nil, nil
}

func (l *flowSyncLedger) AttemptCount(_ context.Context, orderID string) (int, error) {
	n := 0
	for _, a := range l.attempts {
		if a.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

type flowPOS struct{}

func (flowPOS) Deliver(_ context.Context, _ []byte, _ *credential.Credentials) posclient.Result {
	return posclient.Result{Kind: posclient.Success, ExternalRef: "ext-9", StatusCode: 200}
}

type flowCreds struct{}

func (flowCreds) Get(_ context.Context, restaurantID string) (*credential.Credentials, error) {
	return &credential.Credentials{
		RestaurantID:  restaurantID,
		AppKey:        "key",
		AppSecret:     "secret",
		AccessToken:   "token",
		WebhookSecret: webhookSecret,
		Mode:          credential.ModeSandbox,
	}, nil
}

// TestOrderLifecycleEndToEnd walks an order through the full pipeline:
// submit, push, webhook-driven confirmation, dispatch, delivery, and a
// replayed webhook after the terminal state.
func TestOrderLifecycleEndToEnd(t *testing.T) {
	store := newFlowStore()
	wl := newFakeWebhookLedger()
	orch := syncpkg.NewOrchestrator(store, &flowSyncLedger{}, flowCreds{}, flowPOS{})
	rec := reconcile.New(store, store)

	// The webhook handler needs rest-1 creds; flowCreds serves any id.
	h := NewHandler(flowCreds{}, store, wl, ledger.NewDedupIndex(1000, 0.001), rec, 16)
	mux := http.NewServeMux()
	h.Register(mux)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ord := &order.Order{
		ID:           "ord-1",
		RestaurantID: "rest-1",
		Type:         order.TypeDelivery,
		PaymentMode:  "online",
		Customer:     order.Customer{Name: "Asha", Phone: "9999999999", Address: "12 Hill Road"},
		CreatedAt:    t0,
	}
	items := []order.Item{{
		ID: "item-1", OrderID: "ord-1", CatalogID: "cat-1", Name: "Thali",
		Price: decimal.RequireFromString("280.00"), Quantity: 2,
	}}
	total := order.Total{
		OrderID:     "ord-1",
		Subtotal:    decimal.RequireFromString("560.00"),
		FinalAmount: decimal.RequireFromString("560.00"),
	}

	// Submit: order is pushed and receives external id ext-9.
	res, err := orch.Submit(context.Background(), ord, items, total)
	require.NoError(t, err)
	require.Equal(t, order.StatusPushed, res.Status)
	require.Equal(t, "ext-9", res.ExternalRef)

	deliver := func(eventID, path, status, ts string) {
		t.Helper()
		body := []byte(`{"event_id":"` + eventID + `","restID":"rest-1","orderID":"ext-9","status":"` + status + `","timestamp":"` + ts + `"}`)
		resp := post(mux, path, body, sign(body))
		require.Equal(t, http.StatusOK, resp.Code)
		drain(t, h)
	}

	deliver("evt-accept", "/webhooks/petpooja/order-status", "accepted", "2026-03-01T12:01:00Z")
	assert.Equal(t, order.StatusConfirmed, store.orders["ord-1"].Status)

	deliver("evt-dispatch", "/webhooks/petpooja/delivery-status", "dispatched", "2026-03-01T12:10:00Z")
	assert.Equal(t, order.StatusDispatched, store.orders["ord-1"].Status)

	deliver("evt-deliver", "/webhooks/petpooja/order-status", "delivered", "2026-03-01T12:30:00Z")
	assert.Equal(t, order.StatusDelivered, store.orders["ord-1"].Status)

	// Replay of the acceptance webhook after the terminal state: journaled
	// (already present) and acknowledged, no state change.
	deliver("evt-accept", "/webhooks/petpooja/order-status", "accepted", "2026-03-01T12:01:00Z")
	assert.Equal(t, order.StatusDelivered, store.orders["ord-1"].Status)
	assert.Equal(t, ledger.OutcomeApplied, wl.outcomes["evt-accept"], "original outcome untouched")

	// A brand-new event carrying an old timestamp is journaled as stale.
	deliver("evt-late", "/webhooks/petpooja/order-status", "accepted", "2026-03-01T12:02:00Z")
	assert.Equal(t, order.StatusDelivered, store.orders["ord-1"].Status)
	assert.Equal(t, ledger.OutcomeStale, wl.outcomes["evt-late"])
}
