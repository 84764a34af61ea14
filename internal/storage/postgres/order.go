package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/ledger"
)

const (
	createOrderSQL = `INSERT INTO orders (id, external_ref, restaurant_id, order_type, status,
		version, payment_mode, advanced_order, table_no, person_count,
		customer_name, customer_phone, customer_email, customer_address,
		status_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`

	createOrderItemSQL = `INSERT INTO order_items (id, order_id, catalog_id, variation_id,
		name, price, quantity, tax_amount, addons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	createOrderTotalSQL = `INSERT INTO order_totals (order_id, subtotal, charges, discount, tax, final_amount)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertStatusHistorySQL = `INSERT INTO order_status_history (order_id, version, status, changed_at)
		VALUES ($1, $2, $3, $4)`

	getOrderSQL = `SELECT id, external_ref, restaurant_id, order_type, status, version,
		payment_mode, advanced_order, table_no, person_count,
		customer_name, customer_phone, customer_email, customer_address,
		status_changed_at, created_at, updated_at
		FROM orders WHERE id = $1`

	getOrderByExternalRefSQL = `SELECT id, external_ref, restaurant_id, order_type, status, version,
		payment_mode, advanced_order, table_no, person_count,
		customer_name, customer_phone, customer_email, customer_address,
		status_changed_at, created_at, updated_at
		FROM orders WHERE external_ref = $1`

	getOrderItemsSQL = `SELECT id, order_id, catalog_id, variation_id, name, price, quantity, tax_amount, addons
		FROM order_items WHERE order_id = $1 ORDER BY id`

	getOrderTotalSQL = `SELECT order_id, subtotal, charges, discount, tax, final_amount
		FROM order_totals WHERE order_id = $1`

	// Version-checked transition. Affects zero rows when the caller's version
	// is stale, which surfaces as order.ErrVersionConflict.
	updateOrderStatusSQL = `UPDATE orders
		SET status = $3, version = version + 1, status_changed_at = $4, updated_at = now()
		WHERE id = $1 AND version = $2`

	setOrderPushedSQL = `UPDATE orders
		SET status = $3, version = version + 1, external_ref = $4, status_changed_at = $5, updated_at = now()
		WHERE id = $1 AND version = $2`

	getStatusHistorySQL = `SELECT status, version, changed_at
		FROM order_status_history WHERE order_id = $1 ORDER BY version`

	setWebhookOutcomeTxSQL = `UPDATE webhook_events SET outcome = $2 WHERE external_event_id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order, its item snapshots, the total and the initial
// history row in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, items []order.Item, total order.Total) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning create for order %q: %w", o.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, createOrderSQL,
		o.ID, o.ExternalRef, o.RestaurantID, string(o.Type), string(o.Status),
		o.Version, o.PaymentMode, o.AdvancedOrder, o.TableNo, o.PersonCount,
		o.Customer.Name, o.Customer.Phone, o.Customer.Email, o.Customer.Address,
		o.StatusChangedAt, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	for i := range items {
		it := &items[i]
		addonsJSON, err := json.Marshal(it.Addons)
		if err != nil {
			return fmt.Errorf("marshaling addons for item %q: %w", it.ID, err)
		}
		_, err = tx.Exec(ctx, createOrderItemSQL,
			it.ID, o.ID, it.CatalogID, it.VariationID,
			it.Name, it.Price, it.Quantity, it.TaxAmount, addonsJSON,
		)
		if err != nil {
			return fmt.Errorf("creating item %q for order %q: %w", it.ID, o.ID, err)
		}
	}

	_, err = tx.Exec(ctx, createOrderTotalSQL,
		o.ID, total.Subtotal, total.Charges, total.Discount, total.Tax, total.FinalAmount,
	)
	if err != nil {
		return fmt.Errorf("creating total for order %q: %w", o.ID, err)
	}

	_, err = tx.Exec(ctx, insertStatusHistorySQL, o.ID, o.Version, string(o.Status), o.StatusChangedAt)
	if err != nil {
		return fmt.Errorf("recording initial status for order %q: %w", o.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing create for order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns the order by id, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// GetByExternalRef resolves an order by the reference assigned by the POS.
func (r *OrderRepository) GetByExternalRef(ctx context.Context, ref string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByExternalRefSQL, ref)
	if err != nil {
		return nil, fmt.Errorf("getting order by ref %q: %w", ref, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order by ref %q: %w", ref, err)
	}
	return &o, nil
}

// Items returns the item snapshots for an order.
func (r *OrderRepository) Items(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := r.pool.Query(ctx, getOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing items for order %q: %w", orderID, err)
	}
	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("listing items for order %q: %w", orderID, err)
	}
	return items, nil
}

// Total returns the money aggregate for an order.
func (r *OrderRepository) Total(ctx context.Context, orderID string) (order.Total, error) {
	var t order.Total
	err := r.pool.QueryRow(ctx, getOrderTotalSQL, orderID).Scan(
		&t.OrderID, &t.Subtotal, &t.Charges, &t.Discount, &t.Tax, &t.FinalAmount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Total{}, order.ErrNotFound
		}
		return order.Total{}, fmt.Errorf("getting total for order %q: %w", orderID, err)
	}
	return t, nil
}

// UpdateStatus transitions the order with a version check and appends the
// history row in one transaction.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, fromVersion int64, to order.Status, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning status update for order %q: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := execVersioned(ctx, tx, id, fromVersion, to, at, updateOrderStatusSQL, string(to), at); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing status update for order %q: %w", id, err)
	}
	return nil
}

// SetPushed records the external reference and moves the order to PUSHED in
// one version-checked write.
func (r *OrderRepository) SetPushed(ctx context.Context, id string, fromVersion int64, externalRef string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pushed update for order %q: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := execVersioned(ctx, tx, id, fromVersion, order.StatusPushed, at, setOrderPushedSQL, string(order.StatusPushed), externalRef, at); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing pushed update for order %q: %w", id, err)
	}
	return nil
}

// History returns the full status history in version order.
func (r *OrderRepository) History(ctx context.Context, orderID string) ([]order.StatusChange, error) {
	rows, err := r.pool.Query(ctx, getStatusHistorySQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing history for order %q: %w", orderID, err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.StatusChange, error) {
		var (
			sc     order.StatusChange
			status string
		)
		err := row.Scan(&status, &sc.Version, &sc.ChangedAt)
		sc.Status = order.Status(status)
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing history for order %q: %w", orderID, err)
	}
	return history, nil
}

// ApplyEvent transitions the order and finalizes the webhook receipt outcome
// in a single transaction, so an applied event can never be journaled as
// anything else.
func (r *OrderRepository) ApplyEvent(
	ctx context.Context,
	orderID string,
	fromVersion int64,
	to order.Status,
	occurredAt time.Time,
	externalEventID string,
	outcome ledger.Outcome,
) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning event apply for order %q: %w", orderID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := execVersioned(ctx, tx, orderID, fromVersion, to, occurredAt, updateOrderStatusSQL, string(to), occurredAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, setWebhookOutcomeTxSQL, externalEventID, string(outcome)); err != nil {
		return fmt.Errorf("finalizing event %q: %w", externalEventID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing event apply for order %q: %w", orderID, err)
	}
	return nil
}

// execVersioned runs a version-guarded order UPDATE plus the matching history
// insert. Zero affected rows means either a missing order or a lost race;
// both surface to the caller, who re-reads under its lock.
func execVersioned(ctx context.Context, tx pgx.Tx, id string, fromVersion int64, to order.Status, at time.Time, sql string, extra ...any) error {
	args := append([]any{id, fromVersion}, extra...)
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrVersionConflict
	}
	_, err = tx.Exec(ctx, insertStatusHistorySQL, id, fromVersion+1, string(to), at)
	if err != nil {
		return fmt.Errorf("recording status history for order %q: %w", id, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		orderType string
		status    string
	)
	err := row.Scan(
		&o.ID, &o.ExternalRef, &o.RestaurantID, &orderType, &status, &o.Version,
		&o.PaymentMode, &o.AdvancedOrder, &o.TableNo, &o.PersonCount,
		&o.Customer.Name, &o.Customer.Phone, &o.Customer.Email, &o.Customer.Address,
		&o.StatusChangedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Type = order.Type(orderType)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it         order.Item
		addonsJSON []byte
	)
	err := row.Scan(
		&it.ID, &it.OrderID, &it.CatalogID, &it.VariationID,
		&it.Name, &it.Price, &it.Quantity, &it.TaxAmount, &addonsJSON,
	)
	if err != nil {
		return it, err
	}
	if err := json.Unmarshal(addonsJSON, &it.Addons); err != nil {
		return it, fmt.Errorf("unmarshaling addons for item %q: %w", it.ID, err)
	}
	return it, nil
}
