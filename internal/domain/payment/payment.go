package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for payment lifecycle violations.
var (
	ErrNotFound            = errors.New("payment not found")
	ErrTransactionTerminal = errors.New("transaction is terminal and immutable")
	ErrInvalidTransition   = errors.New("invalid payment transition")
	ErrRetryBudget         = errors.New("payment retry attempts exhausted")
	ErrRefundExceedsAmount = errors.New("refund exceeds remaining captured amount")
	ErrTransactionNotFinal = errors.New("transaction has not succeeded")
)

// Status is the lifecycle state of a PaymentOrder or PaymentTransaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	// Post-settlement states, reached only through the refund workflow.
	StatusRefunded      Status = "REFUNDED"
	StatusPartialRefund Status = "PARTIAL_REFUND"
)

// Terminal reports whether a transaction in this status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var paymentEdges = map[Status][]Status{
	StatusPending:       {StatusProcessing, StatusCancelled, StatusExpired},
	StatusProcessing:    {StatusAuthorized, StatusSuccess, StatusFailed, StatusCancelled, StatusExpired},
	StatusAuthorized:    {StatusSuccess, StatusFailed, StatusCancelled, StatusExpired},
	StatusSuccess:       {StatusRefunded, StatusPartialRefund},
	StatusPartialRefund: {StatusRefunded, StatusPartialRefund},
}

// CanTransition reports whether from -> to is a valid payment edge.
func CanTransition(from, to Status) bool {
	for _, next := range paymentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RefundStatus is the state of a refund request, a nested machine independent
// of the original payment's lifecycle.
type RefundStatus string

const (
	RefundInitiated  RefundStatus = "INITIATED"
	RefundPending    RefundStatus = "PENDING"
	RefundApproved   RefundStatus = "APPROVED"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
	RefundRejected   RefundStatus = "REJECTED"
)

var refundEdges = map[RefundStatus][]RefundStatus{
	RefundInitiated:  {RefundPending, RefundRejected},
	RefundPending:    {RefundApproved, RefundRejected},
	RefundApproved:   {RefundProcessing, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
}

// CanTransitionRefund reports whether from -> to is a valid refund edge.
func CanTransitionRefund(from, to RefundStatus) bool {
	for _, next := range refundEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the gateway-facing payment intent for a single platform order.
// It may spawn several transactions before one succeeds.
type Order struct {
	ID              string
	OrderID         string
	GatewayOrderRef string
	Status          Status
	Amount          decimal.Decimal
	Attempts        int
	MaxAttempts     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transaction is one attempt to move money. Once terminal it is never
// mutated; corrections happen via new transactions or refunds.
type Transaction struct {
	ID              string
	PaymentOrderID  string
	GatewayTxnRef   string
	Amount          decimal.Decimal
	Status          Status
	GatewayResponse []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the transaction is immutable.
func (t *Transaction) Terminal() bool { return t.Status.Terminal() }

// Refund reverses part or all of a specific successful transaction.
type Refund struct {
	ID            string
	TransactionID string
	Amount        decimal.Decimal
	Status        RefundStatus
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Repository defines persistence for payment orders, transactions and refunds.
type Repository interface {
	CreateOrder(ctx context.Context, po *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status Status) error

	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	Transactions(ctx context.Context, paymentOrderID string) ([]Transaction, error)
	// UpdateTransactionStatus must refuse to touch a terminal row.
	UpdateTransactionStatus(ctx context.Context, id string, status Status, gatewayResponse []byte) error

	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, id string) (*Refund, error)
	UpdateRefundStatus(ctx context.Context, id string, status RefundStatus) error
	// RefundedTotal sums all refunds against a transaction that are not in
	// FAILED or REJECTED state (in-flight refunds reserve their amount).
	RefundedTotal(ctx context.Context, transactionID string) (decimal.Decimal, error)
}

// Gateway abstracts the external payment provider calls.
type Gateway interface {
	Capture(ctx context.Context, po *Order) (gatewayTxnRef string, status Status, response []byte, err error)
	Refund(ctx context.Context, txn *Transaction, amount decimal.Decimal) (status RefundStatus, err error)
}
