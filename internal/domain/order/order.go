package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order persistence and concurrency control.
var (
	ErrNotFound        = errors.New("order not found")
	ErrVersionConflict = errors.New("order version conflict")
)

// Type classifies how the order reaches the customer.
type Type string

const (
	TypeDelivery Type = "delivery"
	TypePickup   Type = "pickup"
	TypeDineIn   Type = "dine_in"
)

// Order is the synchronization pipeline's view of a placed order. Once
// submitted it is owned by the sync orchestrator and mutated only through
// version-checked status transitions.
type Order struct {
	ID           string
	ExternalRef  string
	RestaurantID string
	Type         Type
	Status       Status
	// Version increases on every mutation; writes carry the expected prior
	// version and fail with ErrVersionConflict on mismatch.
	Version int64
	// StatusChangedAt is the occurredAt of the event that produced the
	// current status, used to reject stale webhooks.
	StatusChangedAt time.Time

	// PaymentMode is how the customer pays: "cod", "card", "online" or
	// "wallet". Snapshotted at placement.
	PaymentMode string
	// AdvancedOrder marks an order scheduled for later preparation.
	AdvancedOrder bool
	TableNo       string
	PersonCount   int

	Customer  Customer
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Customer is the order-time snapshot of the customer contact details.
type Customer struct {
	Name    string
	Phone   string
	Email   string
	Address string
}

// Item is a single line of an order. Prices and taxes are snapshotted at
// order time and never re-read from the catalog, so the order total stays
// immutable after placement.
type Item struct {
	ID          string
	OrderID     string
	CatalogID   string
	VariationID string
	Name        string
	Price       decimal.Decimal
	Quantity    int
	TaxAmount   decimal.Decimal
	Addons      []Addon
}

// Addon is an item-level extra chosen at order time.
type Addon struct {
	CatalogID string
	GroupID   string
	Name      string
	Price     decimal.Decimal
	Quantity  int
}

// Total is the derived money aggregate, computed once at order creation.
// Adjustments after placement are recorded as refunds or ledger entries,
// never by rewriting these fields.
type Total struct {
	OrderID     string
	Subtotal    decimal.Decimal
	Charges     decimal.Decimal
	Discount    decimal.Decimal
	Tax         decimal.Decimal
	FinalAmount decimal.Decimal
}

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status    Status
	Version   int64
	ChangedAt time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order, items []Item, total Total) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByExternalRef(ctx context.Context, ref string) (*Order, error)
	Items(ctx context.Context, orderID string) ([]Item, error)
	Total(ctx context.Context, orderID string) (Total, error)
	// UpdateStatus transitions the order, bumping its version. fromVersion is
	// the caller's last-observed version; ErrVersionConflict on mismatch.
	UpdateStatus(ctx context.Context, id string, fromVersion int64, to Status, at time.Time) error
	// SetPushed records the external reference and moves the order to PUSHED
	// in one version-checked write.
	SetPushed(ctx context.Context, id string, fromVersion int64, externalRef string, at time.Time) error
	History(ctx context.Context, orderID string) ([]StatusChange, error)
}
