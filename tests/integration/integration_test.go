//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/domain/payment"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "possync",
				"POSTGRES_PASSWORD": "possync",
				"POSTGRES_DB":       "possync_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}

	url := fmt.Sprintf("postgres://possync:possync@%s:%s/possync_test?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, url)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func newOrder(id string, at time.Time) *order.Order {
	return &order.Order{
		ID:              id,
		RestaurantID:    "rest-1",
		Type:            order.TypeDelivery,
		Status:          order.StatusCreated,
		Version:         1,
		PaymentMode:     "online",
		Customer:        order.Customer{Name: "Asha", Phone: "555-0101", Address: "12 Hill Rd"},
		StatusChangedAt: at,
		CreatedAt:       at,
	}
}

func TestOrderRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	items := []order.Item{{
		ID:        "it-int-1",
		OrderID:   "ord-int-1",
		CatalogID: "cat-9",
		Name:      "Thali",
		Price:     decimal.RequireFromString("250.00"),
		Quantity:  2,
		Addons: []order.Addon{
			{CatalogID: "ad-1", GroupID: "grp-1", Name: "Raita", Price: decimal.RequireFromString("30.00"), Quantity: 1},
		},
	}}
	total := order.Total{
		OrderID:     "ord-int-1",
		Subtotal:    decimal.RequireFromString("500.00"),
		Charges:     decimal.RequireFromString("35.00"),
		Tax:         decimal.RequireFromString("25.00"),
		FinalAmount: decimal.RequireFromString("560.00"),
	}
	require.NoError(t, repo.Create(ctx, newOrder("ord-int-1", at), items, total))

	got, err := repo.Get(ctx, "ord-int-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, got.Status)
	assert.EqualValues(t, 1, got.Version)
	assert.Equal(t, "Asha", got.Customer.Name)

	gotItems, err := repo.Items(ctx, "ord-int-1")
	require.NoError(t, err)
	require.Len(t, gotItems, 1)
	require.Len(t, gotItems[0].Addons, 1)
	assert.Equal(t, "Raita", gotItems[0].Addons[0].Name)
	assert.True(t, gotItems[0].Price.Equal(decimal.RequireFromString("250.00")))

	gotTotal, err := repo.Total(ctx, "ord-int-1")
	require.NoError(t, err)
	assert.True(t, gotTotal.FinalAmount.Equal(decimal.RequireFromString("560.00")))
}

func TestOrderRepositoryVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.Create(ctx, newOrder("ord-int-2", at), nil, order.Total{
		OrderID: "ord-int-2", Subtotal: decimal.Zero, FinalAmount: decimal.Zero,
	}))

	require.NoError(t, repo.UpdateStatus(ctx, "ord-int-2", 1, order.StatusPushPending, at.Add(time.Second)))

	// The same prior version again loses the race.
	err := repo.UpdateStatus(ctx, "ord-int-2", 1, order.StatusPushFailed, at.Add(2*time.Second))
	assert.ErrorIs(t, err, order.ErrVersionConflict)

	require.NoError(t, repo.SetPushed(ctx, "ord-int-2", 2, "ext-int-2", at.Add(3*time.Second)))

	got, err := repo.GetByExternalRef(ctx, "ext-int-2")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPushed, got.Status)
	assert.EqualValues(t, 3, got.Version)

	history, err := repo.History(ctx, "ord-int-2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, order.StatusCreated, history[0].Status)
	assert.Equal(t, order.StatusPushed, history[2].Status)
}

func TestApplyEventTransactional(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	wl := postgres.NewWebhookLedgerRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	o := newOrder("ord-int-3", at)
	o.Status = order.StatusPushed
	require.NoError(t, repo.Create(ctx, o, nil, order.Total{
		OrderID: "ord-int-3", Subtotal: decimal.Zero, FinalAmount: decimal.Zero,
	}))
	require.NoError(t, wl.Append(ctx, ledger.WebhookEvent{
		ExternalEventID: "evt-int-3",
		Provider:        "petpooja",
		Family:          "order-status",
		RawPayload:      []byte(`{}`),
		Outcome:         ledger.OutcomeReceived,
		ReceivedAt:      at,
	}))

	require.NoError(t, repo.ApplyEvent(ctx, "ord-int-3", 1, order.StatusConfirmed, at.Add(time.Minute), "evt-int-3", ledger.OutcomeApplied))

	got, err := repo.Get(ctx, "ord-int-3")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.EqualValues(t, 2, got.Version)

	ev, err := wl.Find(ctx, "evt-int-3")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, ledger.OutcomeApplied, ev.Outcome)

	// A stale version leaves both the order and the receipt untouched.
	err = repo.ApplyEvent(ctx, "ord-int-3", 1, order.StatusPreparing, at.Add(2*time.Minute), "evt-int-3", ledger.OutcomeApplied)
	assert.ErrorIs(t, err, order.ErrVersionConflict)
}

func TestSyncLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	sl := postgres.NewSyncLedgerRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	for i, outcome := range []ledger.Outcome{ledger.OutcomeRetryableFailure, ledger.OutcomeSuccess} {
		require.NoError(t, sl.Append(ctx, ledger.SyncAttempt{
			OrderID:        "ord-int-4",
			Attempt:        i + 1,
			IdempotencyKey: "key-int-4",
			ResponseStatus: 200,
			ExternalRef:    "ext-int-4",
			Outcome:        outcome,
			CreatedAt:      at.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := sl.AttemptCount(ctx, "ord-int-4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := sl.LastSuccess(ctx, "key-int-4")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Attempt)
	assert.Equal(t, "ext-int-4", last.ExternalRef)

	missing, err := sl.LastSuccess(ctx, "key-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWebhookLedgerDedup(t *testing.T) {
	ctx := context.Background()
	wl := postgres.NewWebhookLedgerRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	ev := ledger.WebhookEvent{
		ExternalEventID: "evt-int-5",
		Provider:        "petpooja",
		Family:          "order-status",
		RawPayload:      []byte(`{"status":"2"}`),
		Outcome:         ledger.OutcomeReceived,
		ReceivedAt:      at,
	}
	require.NoError(t, wl.Append(ctx, ev))

	err := wl.Append(ctx, ev)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	ids, err := wl.RecentEventIDs(ctx, 100)
	require.NoError(t, err)
	assert.Contains(t, ids, "evt-int-5")
}

func TestWebhookLedgerPending(t *testing.T) {
	ctx := context.Background()
	wl := postgres.NewWebhookLedgerRepository(pool)
	at := time.Now().UTC().Add(-10 * time.Minute)

	require.NoError(t, wl.Append(ctx, ledger.WebhookEvent{
		ExternalEventID: "evt-int-6",
		Provider:        "petpooja",
		Family:          "order-status",
		RawPayload:      []byte(`{"status":"2"}`),
		Outcome:         ledger.OutcomeReceived,
		ReceivedAt:      at,
	}))
	require.NoError(t, wl.Append(ctx, ledger.WebhookEvent{
		ExternalEventID: "evt-int-7",
		Provider:        "petpooja",
		Family:          "order-status",
		RawPayload:      []byte(`{"status":"3"}`),
		Outcome:         ledger.OutcomeApplied,
		ReceivedAt:      at,
	}))

	pendingIDs := func(olderThan time.Time) []string {
		events, err := wl.Pending(ctx, olderThan, 100)
		require.NoError(t, err)
		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ExternalEventID)
		}
		return ids
	}

	ids := pendingIDs(time.Now().UTC().Add(-time.Minute))
	assert.Contains(t, ids, "evt-int-6", "acked but unprocessed receipt is recoverable")
	assert.NotContains(t, ids, "evt-int-7", "resolved receipts are not reloaded")

	// Receipts newer than the cutoff stay with the in-memory queue.
	assert.NotContains(t, pendingIDs(at.Add(-time.Minute)), "evt-int-6")

	require.NoError(t, wl.SetOutcome(ctx, "evt-int-6", ledger.OutcomeApplied))
	assert.NotContains(t, pendingIDs(time.Now().UTC().Add(-time.Minute)), "evt-int-6")
}

func TestCredentialStoreRotateAndGet(t *testing.T) {
	ctx := context.Background()
	cipher, err := postgres.NewSecretCipher(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	store := postgres.NewCredentialStore(pool, cipher)

	creds := &credential.Credentials{
		RestaurantID:  "rest-int-1",
		AppKey:        "app-key",
		AppSecret:     "app-secret",
		AccessToken:   "access-token",
		WebhookSecret: "whsec-test",
		Mode:          credential.ModeSandbox,
	}
	require.NoError(t, store.Rotate(ctx, creds))
	assert.Equal(t, 1, creds.Version)

	got, err := store.Get(ctx, "rest-int-1")
	require.NoError(t, err)
	assert.Equal(t, "whsec-test", got.WebhookSecret)
	assert.Equal(t, credential.ModeSandbox, got.Mode)

	// Rotation supersedes the old secrets.
	creds.WebhookSecret = "whsec-rotated"
	require.NoError(t, store.Rotate(ctx, creds))

	got, err = store.Get(ctx, "rest-int-1")
	require.NoError(t, err)
	assert.Equal(t, "whsec-rotated", got.WebhookSecret)
	assert.Equal(t, 2, got.Version)

	_, err = store.Get(ctx, "rest-unknown")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestPaymentRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	orders := postgres.NewOrderRepository(pool)
	repo := postgres.NewPaymentRepository(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, orders.Create(ctx, newOrder("ord-int-6", at), nil, order.Total{
		OrderID: "ord-int-6", Subtotal: decimal.Zero, FinalAmount: decimal.RequireFromString("560.00"),
	}))

	po := &payment.Order{
		ID:          "pay-int-1",
		OrderID:     "ord-int-6",
		Status:      payment.StatusPending,
		Amount:      decimal.RequireFromString("560.00"),
		MaxAttempts: 3,
		CreatedAt:   at,
	}
	require.NoError(t, repo.CreateOrder(ctx, po))

	txn := &payment.Transaction{
		ID:             "txn-int-1",
		PaymentOrderID: "pay-int-1",
		Amount:         decimal.RequireFromString("560.00"),
		Status:         payment.StatusProcessing,
		CreatedAt:      at,
	}
	require.NoError(t, repo.CreateTransaction(ctx, txn))

	// Creating the transaction consumed one attempt.
	gotPO, err := repo.GetOrder(ctx, "pay-int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gotPO.Attempts)

	require.NoError(t, repo.UpdateTransactionStatus(ctx, "txn-int-1", payment.StatusSuccess, []byte(`{"ok":true}`)))

	// Terminal rows are immutable.
	err = repo.UpdateTransactionStatus(ctx, "txn-int-1", payment.StatusFailed, nil)
	assert.ErrorIs(t, err, payment.ErrTransactionTerminal)

	require.NoError(t, repo.CreateRefund(ctx, &payment.Refund{
		ID:            "ref-int-1",
		TransactionID: "txn-int-1",
		Amount:        decimal.RequireFromString("200.00"),
		Status:        payment.RefundPending,
		CreatedAt:     at,
	}))
	require.NoError(t, repo.CreateRefund(ctx, &payment.Refund{
		ID:            "ref-int-2",
		TransactionID: "txn-int-1",
		Amount:        decimal.RequireFromString("100.00"),
		Status:        payment.RefundRejected,
		CreatedAt:     at,
	}))

	// Rejected refunds release their reservation.
	total, err := repo.RefundedTotal(ctx, "txn-int-1")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("200.00")))
}
