package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMaxAttempts bounds how many transactions a payment order may spawn.
const DefaultMaxAttempts = 3

// Service drives the payment and refund state machines.
type Service struct {
	repo    Repository
	gateway Gateway
	now     func() time.Time
}

// NewService creates a payment Service.
func NewService(repo Repository, gateway Gateway) *Service {
	return &Service{
		repo:    repo,
		gateway: gateway,
		now:     time.Now,
	}
}

// CreateOrder opens a payment intent for a platform order.
func (s *Service) CreateOrder(ctx context.Context, orderID string, amount decimal.Decimal) (*Order, error) {
	po := &Order{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Status:      StatusPending,
		Amount:      amount,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   s.now(),
	}
	if err := s.repo.CreateOrder(ctx, po); err != nil {
		return nil, errors.Wrap(err, "create payment order")
	}
	return po, nil
}

// Capture attempts to collect the payment order's amount, spawning a new
// transaction. Each call consumes one retry attempt; once the budget is
// spent, ErrRetryBudget is returned without touching the gateway.
func (s *Service) Capture(ctx context.Context, paymentOrderID string) (*Transaction, error) {
	po, err := s.repo.GetOrder(ctx, paymentOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "get payment order")
	}
	if po.Status.Terminal() && po.Status != StatusFailed {
		return nil, errors.Wrapf(ErrInvalidTransition, "payment order %s is %s", po.ID, po.Status)
	}
	if po.Attempts >= po.MaxAttempts {
		return nil, ErrRetryBudget
	}

	txn := &Transaction{
		ID:             uuid.New().String(),
		PaymentOrderID: po.ID,
		Amount:         po.Amount,
		Status:         StatusPending,
		CreatedAt:      s.now(),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, errors.Wrap(err, "create transaction")
	}

	ref, status, resp, err := s.gateway.Capture(ctx, po)
	if err != nil {
		// Transport-level failure: the attempt was made, journal it as failed
		// so the retry cap still counts it.
		status = StatusFailed
		resp = []byte(err.Error())
	}
	txn.GatewayTxnRef = ref
	txn.Status = status
	if uerr := s.repo.UpdateTransactionStatus(ctx, txn.ID, status, resp); uerr != nil {
		return nil, errors.Wrap(uerr, "record transaction outcome")
	}
	if uerr := s.repo.UpdateOrderStatus(ctx, po.ID, status); uerr != nil {
		return nil, errors.Wrap(uerr, "record payment order status")
	}
	return txn, nil
}

// RecordTransactionStatus applies a gateway-reported status change to a
// transaction, enforcing terminal immutability and edge validity.
func (s *Service) RecordTransactionStatus(ctx context.Context, transactionID string, to Status, gatewayResponse []byte) error {
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return errors.Wrap(err, "get transaction")
	}
	if txn.Terminal() {
		return errors.Wrapf(ErrTransactionTerminal, "transaction %s is %s", txn.ID, txn.Status)
	}
	if !CanTransition(txn.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "transaction %s: %s -> %s", txn.ID, txn.Status, to)
	}
	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, to, gatewayResponse); err != nil {
		return errors.Wrap(err, "update transaction status")
	}
	return s.repo.UpdateOrderStatus(ctx, txn.PaymentOrderID, to)
}

// RequestRefund opens a refund against a successful transaction. The amount
// is checked against the transaction's remaining unrefunded total before any
// gateway call is attempted; in-flight refunds count against the ceiling.
func (s *Service) RequestRefund(ctx context.Context, transactionID string, amount decimal.Decimal, reason string) (*Refund, error) {
	if !amount.IsPositive() {
		return nil, errors.Wrap(ErrRefundExceedsAmount, "refund amount must be positive")
	}

	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	if txn.Status != StatusSuccess {
		return nil, errors.Wrapf(ErrTransactionNotFinal, "transaction %s is %s", txn.ID, txn.Status)
	}

	refunded, err := s.repo.RefundedTotal(ctx, txn.ID)
	if err != nil {
		return nil, errors.Wrap(err, "sum prior refunds")
	}
	remaining := txn.Amount.Sub(refunded)
	if amount.GreaterThan(remaining) {
		return nil, errors.Wrapf(ErrRefundExceedsAmount,
			"requested %s, remaining %s on transaction %s", amount, remaining, txn.ID)
	}

	r := &Refund{
		ID:            uuid.New().String(),
		TransactionID: txn.ID,
		Amount:        amount,
		Status:        RefundInitiated,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateRefund(ctx, r); err != nil {
		return nil, errors.Wrap(err, "create refund")
	}
	if err := s.transitionRefund(ctx, r, RefundPending); err != nil {
		return nil, err
	}
	return r, nil
}

// ApproveRefund moves a pending refund to APPROVED and submits it to the
// gateway; the gateway outcome drives the remaining transitions.
func (s *Service) ApproveRefund(ctx context.Context, refundID string) (*Refund, error) {
	r, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return nil, errors.Wrap(err, "get refund")
	}
	if err := s.transitionRefund(ctx, r, RefundApproved); err != nil {
		return nil, err
	}
	if err := s.transitionRefund(ctx, r, RefundProcessing); err != nil {
		return nil, err
	}

	txn, err := s.repo.GetTransaction(ctx, r.TransactionID)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	status, err := s.gateway.Refund(ctx, txn, r.Amount)
	if err != nil {
		status = RefundFailed
	}
	if terr := s.transitionRefund(ctx, r, status); terr != nil {
		return nil, terr
	}
	if status == RefundCompleted {
		if err := s.settleRefundedOrder(ctx, txn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RejectRefund declines a refund that has not yet been approved.
func (s *Service) RejectRefund(ctx context.Context, refundID string) error {
	r, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return errors.Wrap(err, "get refund")
	}
	return s.transitionRefund(ctx, r, RefundRejected)
}

func (s *Service) transitionRefund(ctx context.Context, r *Refund, to RefundStatus) error {
	if !CanTransitionRefund(r.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "refund %s: %s -> %s", r.ID, r.Status, to)
	}
	if err := s.repo.UpdateRefundStatus(ctx, r.ID, to); err != nil {
		return errors.Wrapf(err, "update refund %s", r.ID)
	}
	r.Status = to
	return nil
}

// settleRefundedOrder marks the payment order REFUNDED or PARTIAL_REFUND
// depending on whether the completed refunds cover the captured amount.
func (s *Service) settleRefundedOrder(ctx context.Context, txn *Transaction) error {
	refunded, err := s.repo.RefundedTotal(ctx, txn.ID)
	if err != nil {
		return errors.Wrap(err, "sum refunds")
	}
	status := StatusPartialRefund
	if refunded.GreaterThanOrEqual(txn.Amount) {
		status = StatusRefunded
	}
	return s.repo.UpdateOrderStatus(ctx, txn.PaymentOrderID, status)
}
