package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/feastly/possync/internal/domain/payment"
)

const (
	createPaymentOrderSQL = `INSERT INTO payment_orders (id, order_id, gateway_order_ref,
		status, amount, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

	getPaymentOrderSQL = `SELECT id, order_id, gateway_order_ref, status, amount,
		attempts, max_attempts, created_at, updated_at
		FROM payment_orders WHERE id = $1`

	updatePaymentOrderStatusSQL = `UPDATE payment_orders
		SET status = $2, updated_at = now() WHERE id = $1`

	// Creating a transaction consumes one attempt from the payment order's
	// budget in the same statement batch.
	createPaymentTxnSQL = `INSERT INTO payment_transactions (id, payment_order_id,
		gateway_txn_ref, amount, status, gateway_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	incrementAttemptsSQL = `UPDATE payment_orders
		SET attempts = attempts + 1, updated_at = now() WHERE id = $1`

	getPaymentTxnSQL = `SELECT id, payment_order_id, gateway_txn_ref, amount, status,
		gateway_response, created_at, updated_at
		FROM payment_transactions WHERE id = $1`

	listPaymentTxnsSQL = `SELECT id, payment_order_id, gateway_txn_ref, amount, status,
		gateway_response, created_at, updated_at
		FROM payment_transactions WHERE payment_order_id = $1 ORDER BY created_at`

	// Terminal rows are immutable; the status guard makes the update a no-op
	// for SUCCESS, FAILED, CANCELLED and EXPIRED transactions.
	updatePaymentTxnStatusSQL = `UPDATE payment_transactions
		SET status = $2, gateway_response = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED', 'EXPIRED')`

	createRefundSQL = `INSERT INTO payment_refunds (id, transaction_id, amount, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	getRefundSQL = `SELECT id, transaction_id, amount, status, reason, created_at, updated_at
		FROM payment_refunds WHERE id = $1`

	updateRefundStatusSQL = `UPDATE payment_refunds
		SET status = $2, updated_at = now() WHERE id = $1`

	// In-flight refunds reserve their amount, so only FAILED and REJECTED
	// rows are excluded from the sum.
	refundedTotalSQL = `SELECT COALESCE(SUM(amount), 0) FROM payment_refunds
		WHERE transaction_id = $1 AND status NOT IN ('FAILED', 'REJECTED')`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// CreateOrder persists a new payment order.
func (r *PaymentRepository) CreateOrder(ctx context.Context, po *payment.Order) error {
	_, err := r.pool.Exec(ctx, createPaymentOrderSQL,
		po.ID, po.OrderID, po.GatewayOrderRef,
		string(po.Status), po.Amount, po.Attempts, po.MaxAttempts, po.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating payment order %q: %w", po.ID, err)
	}
	return nil
}

// GetOrder returns the payment order by id, or payment.ErrNotFound.
func (r *PaymentRepository) GetOrder(ctx context.Context, id string) (*payment.Order, error) {
	rows, err := r.pool.Query(ctx, getPaymentOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting payment order %q: %w", id, err)
	}
	po, err := pgx.CollectExactlyOneRow(rows, scanPaymentOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting payment order %q: %w", id, err)
	}
	return &po, nil
}

// UpdateOrderStatus moves the payment order to the given status.
func (r *PaymentRepository) UpdateOrderStatus(ctx context.Context, id string, status payment.Status) error {
	_, err := r.pool.Exec(ctx, updatePaymentOrderStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("updating payment order %q: %w", id, err)
	}
	return nil
}

// CreateTransaction persists a new transaction and consumes one attempt from
// the owning payment order in the same database transaction.
func (r *PaymentRepository) CreateTransaction(ctx context.Context, txn *payment.Transaction) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction create %q: %w", txn.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, createPaymentTxnSQL,
		txn.ID, txn.PaymentOrderID, txn.GatewayTxnRef,
		txn.Amount, string(txn.Status), txn.GatewayResponse, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating transaction %q: %w", txn.ID, err)
	}
	_, err = tx.Exec(ctx, incrementAttemptsSQL, txn.PaymentOrderID)
	if err != nil {
		return fmt.Errorf("consuming attempt for payment order %q: %w", txn.PaymentOrderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction create %q: %w", txn.ID, err)
	}
	return nil
}

// GetTransaction returns the transaction by id, or payment.ErrNotFound.
func (r *PaymentRepository) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, getPaymentTxnSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting transaction %q: %w", id, err)
	}
	txn, err := pgx.CollectExactlyOneRow(rows, scanPaymentTxn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting transaction %q: %w", id, err)
	}
	return &txn, nil
}

// Transactions lists all transactions of a payment order, oldest first.
func (r *PaymentRepository) Transactions(ctx context.Context, paymentOrderID string) ([]payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, listPaymentTxnsSQL, paymentOrderID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for %q: %w", paymentOrderID, err)
	}
	txns, err := pgx.CollectRows(rows, scanPaymentTxn)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for %q: %w", paymentOrderID, err)
	}
	return txns, nil
}

// UpdateTransactionStatus moves a non-terminal transaction to the given
// status. Returns payment.ErrTransactionTerminal when the row is immutable.
func (r *PaymentRepository) UpdateTransactionStatus(ctx context.Context, id string, status payment.Status, gatewayResponse []byte) error {
	tag, err := r.pool.Exec(ctx, updatePaymentTxnStatusSQL, id, string(status), gatewayResponse)
	if err != nil {
		return fmt.Errorf("updating transaction %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		txn, err := r.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.Terminal() {
			return payment.ErrTransactionTerminal
		}
		return fmt.Errorf("updating transaction %q: no row updated", id)
	}
	return nil
}

// CreateRefund persists a new refund request.
func (r *PaymentRepository) CreateRefund(ctx context.Context, ref *payment.Refund) error {
	_, err := r.pool.Exec(ctx, createRefundSQL,
		ref.ID, ref.TransactionID, ref.Amount, string(ref.Status), ref.Reason, ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating refund %q: %w", ref.ID, err)
	}
	return nil
}

// GetRefund returns the refund by id, or payment.ErrNotFound.
func (r *PaymentRepository) GetRefund(ctx context.Context, id string) (*payment.Refund, error) {
	rows, err := r.pool.Query(ctx, getRefundSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting refund %q: %w", id, err)
	}
	ref, err := pgx.CollectExactlyOneRow(rows, scanRefund)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting refund %q: %w", id, err)
	}
	return &ref, nil
}

// UpdateRefundStatus moves the refund to the given status.
func (r *PaymentRepository) UpdateRefundStatus(ctx context.Context, id string, status payment.RefundStatus) error {
	_, err := r.pool.Exec(ctx, updateRefundStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("updating refund %q: %w", id, err)
	}
	return nil
}

// RefundedTotal sums all refunds against the transaction that still reserve
// their amount.
func (r *PaymentRepository) RefundedTotal(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, refundedTotalSQL, transactionID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing refunds for transaction %q: %w", transactionID, err)
	}
	return total, nil
}

func scanPaymentOrder(row pgx.CollectableRow) (payment.Order, error) {
	var (
		po     payment.Order
		status string
	)
	err := row.Scan(
		&po.ID, &po.OrderID, &po.GatewayOrderRef, &status, &po.Amount,
		&po.Attempts, &po.MaxAttempts, &po.CreatedAt, &po.UpdatedAt,
	)
	po.Status = payment.Status(status)
	return po, err
}

func scanPaymentTxn(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		txn    payment.Transaction
		status string
	)
	err := row.Scan(
		&txn.ID, &txn.PaymentOrderID, &txn.GatewayTxnRef, &txn.Amount, &status,
		&txn.GatewayResponse, &txn.CreatedAt, &txn.UpdatedAt,
	)
	txn.Status = payment.Status(status)
	return txn, err
}

func scanRefund(row pgx.CollectableRow) (payment.Refund, error) {
	var (
		ref    payment.Refund
		status string
	)
	err := row.Scan(
		&ref.ID, &ref.TransactionID, &ref.Amount, &status, &ref.Reason,
		&ref.CreatedAt, &ref.UpdatedAt,
	)
	ref.Status = payment.RefundStatus(status)
	return ref, err
}
