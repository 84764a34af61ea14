package payment

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockRepo struct {
	orders  map[string]*Order
	txns    map[string]*Transaction
	refunds map[string]*Refund
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		orders:  make(map[string]*Order),
		txns:    make(map[string]*Transaction),
		refunds: make(map[string]*Refund),
	}
}

func (m *mockRepo) CreateOrder(_ context.Context, po *Order) error {
	m.orders[po.ID] = po
	return nil
}

func (m *mockRepo) GetOrder(_ context.Context, id string) (*Order, error) {
	po, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *po
	return &cp, nil
}

func (m *mockRepo) UpdateOrderStatus(_ context.Context, id string, status Status) error {
	m.orders[id].Status = status
	return nil
}

func (m *mockRepo) CreateTransaction(_ context.Context, txn *Transaction) error {
	m.txns[txn.ID] = txn
	m.orders[txn.PaymentOrderID].Attempts++
	return nil
}

func (m *mockRepo) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *mockRepo) Transactions(_ context.Context, paymentOrderID string) ([]Transaction, error) {
	var out []Transaction
	for _, txn := range m.txns {
		if txn.PaymentOrderID == paymentOrderID {
			out = append(out, *txn)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateTransactionStatus(_ context.Context, id string, status Status, resp []byte) error {
	txn := m.txns[id]
	if txn.Terminal() {
		return ErrTransactionTerminal
	}
	txn.Status = status
	txn.GatewayResponse = resp
	return nil
}

func (m *mockRepo) CreateRefund(_ context.Context, r *Refund) error {
	m.refunds[r.ID] = r
	return nil
}

func (m *mockRepo) GetRefund(_ context.Context, id string) (*Refund, error) {
	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) UpdateRefundStatus(_ context.Context, id string, status RefundStatus) error {
	m.refunds[id].Status = status
	return nil
}

func (m *mockRepo) RefundedTotal(_ context.Context, transactionID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range m.refunds {
		if r.TransactionID != transactionID {
			continue
		}
		if r.Status == RefundFailed || r.Status == RefundRejected {
			continue
		}
		total = total.Add(r.Amount)
	}
	return total, nil
}

type mockGateway struct {
	captureStatus Status
	captureErr    error
	refundStatus  RefundStatus
	refundErr     error
	refundCalls   int
	captureCalls  int
}

func (m *mockGateway) Capture(_ context.Context, _ *Order) (string, Status, []byte, error) {
	m.captureCalls++
	if m.captureErr != nil {
		return "", StatusFailed, nil, m.captureErr
	}
	return "gw-txn-1", m.captureStatus, []byte(`{"ok":true}`), nil
}

func (m *mockGateway) Refund(_ context.Context, _ *Transaction, _ decimal.Decimal) (RefundStatus, error) {
	m.refundCalls++
	return m.refundStatus, m.refundErr
}

// --- Helpers ---

func newTestService(gw *mockGateway) (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, gw), repo
}

func successfulTransaction(t *testing.T, svc *Service, repo *mockRepo, amount string) *Transaction {
	t.Helper()
	po, err := svc.CreateOrder(context.Background(), "order-1", decimal.RequireFromString(amount))
	require.NoError(t, err)
	txn, err := svc.Capture(context.Background(), po.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, txn.Status)
	_ = repo
	return txn
}

// --- Tests ---

func TestCaptureRetryBudget(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusFailed}
	svc, _ := newTestService(gw)

	po, err := svc.CreateOrder(context.Background(), "order-1", decimal.RequireFromString("560.00"))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		txn, err := svc.Capture(context.Background(), po.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, txn.Status)
	}

	_, err = svc.Capture(context.Background(), po.ID)
	require.ErrorIs(t, err, ErrRetryBudget)
	assert.Equal(t, DefaultMaxAttempts, gw.captureCalls, "no gateway call past the budget")
}

func TestCaptureGatewayTransportError(t *testing.T) {
	gw := &mockGateway{captureErr: errors.New("connection reset")}
	svc, _ := newTestService(gw)

	po, err := svc.CreateOrder(context.Background(), "order-1", decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	txn, err := svc.Capture(context.Background(), po.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, txn.Status, "transport error counts as a failed attempt")
}

func TestTerminalTransactionIsImmutable(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusSuccess}
	svc, repo := newTestService(gw)
	txn := successfulTransaction(t, svc, repo, "250.00")

	err := svc.RecordTransactionStatus(context.Background(), txn.ID, StatusFailed, nil)
	require.ErrorIs(t, err, ErrTransactionTerminal)
}

func TestRecordTransactionStatusInvalidEdge(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusPending}
	svc, _ := newTestService(gw)

	po, err := svc.CreateOrder(context.Background(), "order-1", decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	txn, err := svc.Capture(context.Background(), po.ID)
	require.NoError(t, err)

	err = svc.RecordTransactionStatus(context.Background(), txn.ID, StatusRefunded, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundCeiling(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusSuccess, refundStatus: RefundCompleted}
	svc, repo := newTestService(gw)
	txn := successfulTransaction(t, svc, repo, "560.00")

	_, err := svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("600.00"), "too much")
	require.ErrorIs(t, err, ErrRefundExceedsAmount)
	assert.Zero(t, gw.refundCalls, "ceiling is enforced before any gateway call")
}

func TestRefundCeilingAccumulates(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusSuccess, refundStatus: RefundCompleted}
	svc, repo := newTestService(gw)
	txn := successfulTransaction(t, svc, repo, "560.00")

	r1, err := svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("400.00"), "partial")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(context.Background(), r1.ID)
	require.NoError(t, err)

	// 160.00 remains; a 200.00 request must be rejected.
	_, err = svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("200.00"), "second")
	require.ErrorIs(t, err, ErrRefundExceedsAmount)

	r2, err := svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("160.00"), "rest")
	require.NoError(t, err)
	_, err = svc.ApproveRefund(context.Background(), r2.ID)
	require.NoError(t, err)

	po, err := repo.GetOrder(context.Background(), txn.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, po.Status, "fully refunded order settles to REFUNDED")
}

func TestPartialRefundSettlesOrder(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusSuccess, refundStatus: RefundCompleted}
	svc, repo := newTestService(gw)
	txn := successfulTransaction(t, svc, repo, "560.00")

	r, err := svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("60.00"), "late delivery")
	require.NoError(t, err)
	got, err := svc.ApproveRefund(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundCompleted, got.Status)

	po, err := repo.GetOrder(context.Background(), txn.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialRefund, po.Status)
}

func TestRejectRefundBeforeApproval(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusSuccess}
	svc, repo := newTestService(gw)
	txn := successfulTransaction(t, svc, repo, "100.00")

	r, err := svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("50.00"), "dup charge")
	require.NoError(t, err)
	require.NoError(t, svc.RejectRefund(context.Background(), r.ID))

	// A rejected refund releases its reservation.
	_, err = svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("100.00"), "full")
	require.NoError(t, err)
}

func TestRefundRequiresSuccessfulTransaction(t *testing.T) {
	gw := &mockGateway{captureStatus: StatusFailed}
	svc, _ := newTestService(gw)

	po, err := svc.CreateOrder(context.Background(), "order-1", decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	txn, err := svc.Capture(context.Background(), po.ID)
	require.NoError(t, err)

	_, err = svc.RequestRefund(context.Background(), txn.ID, decimal.RequireFromString("10.00"), "nope")
	require.ErrorIs(t, err, ErrTransactionNotFinal)
}
