// Package transform holds the pure mapping layer between the internal order
// model and the external POS wire format. Functions here never touch the
// network or the database, and the same input always produces byte-identical
// output.
package transform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/domain/order"
)

// MappingError indicates a payload cannot be constructed from the given
// order. It is permanent: the caller must correct the order and resubmit
// rather than retry.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s: %s", e.Field, e.Reason)
}

// Order-type single-letter codes on the wire.
var orderTypeCodes = map[order.Type]string{
	order.TypeDelivery: "H",
	order.TypePickup:   "P",
	order.TypeDineIn:   "D",
}

// Payment-type codes on the wire.
var paymentTypeCodes = map[string]string{
	"cod":    "COD",
	"card":   "CARD",
	"online": "ONLINE",
	"wallet": "WALLET",
}

const createdOnLayout = "2006-01-02 15:04:05"

// yn renders the external boolean sentinel.
func yn(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

// ToExternalOrder builds the external save_order payload from the internal
// order aggregate. Missing required fields produce a MappingError before any
// partial payload is emitted.
func ToExternalOrder(o *order.Order, items []order.Item, total order.Total, creds *credential.Credentials) (*Payload, error) {
	if o.RestaurantID == "" {
		return nil, &MappingError{Field: "restaurant_id", Reason: "required"}
	}
	if len(items) == 0 {
		return nil, &MappingError{Field: "items", Reason: "at least one item required"}
	}

	orderType, ok := orderTypeCodes[o.Type]
	if !ok {
		return nil, &MappingError{Field: "order_type", Reason: fmt.Sprintf("unknown order type %q", o.Type)}
	}
	if o.Type == order.TypeDelivery && o.Customer.Address == "" {
		return nil, &MappingError{Field: "customer.address", Reason: "required for delivery orders"}
	}
	if o.Type == order.TypeDineIn && o.TableNo == "" {
		return nil, &MappingError{Field: "table_no", Reason: "required for dine-in orders"}
	}

	paymentType, ok := paymentTypeCodes[o.PaymentMode]
	if !ok {
		return nil, &MappingError{Field: "payment_type", Reason: fmt.Sprintf("unknown payment mode %q", o.PaymentMode)}
	}
	if total.FinalAmount.IsNegative() {
		return nil, &MappingError{Field: "total", Reason: "final amount is negative"}
	}

	wireItems := make([]WireItem, len(items))
	for i := range items {
		it := &items[i]
		if it.Quantity <= 0 {
			return nil, &MappingError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Reason: "must be greater than 0",
			}
		}
		if it.CatalogID == "" {
			return nil, &MappingError{
				Field:  fmt.Sprintf("items[%d].catalog_id", i),
				Reason: "required",
			}
		}
		wireItems[i] = toWireItem(it)
	}

	p := &Payload{
		AppKey:      creds.AppKey,
		AppSecret:   creds.AppSecret,
		AccessToken: creds.AccessToken,
		Restaurant: WireRestaurant{
			RestID: o.RestaurantID,
		},
		Customer: WireCustomer{
			Name:    o.Customer.Name,
			Address: o.Customer.Address,
			Phone:   o.Customer.Phone,
			Email:   o.Customer.Email,
		},
		Order: WireOrder{
			OrderID:         o.ID,
			OrderType:       orderType,
			PaymentType:     paymentType,
			AdvancedOrder:   yn(o.AdvancedOrder),
			TableNo:         o.TableNo,
			NoOfPersons:     strconv.Itoa(o.PersonCount),
			DiscountTotal:   total.Discount.StringFixed(2),
			TaxTotal:        total.Tax.StringFixed(2),
			DeliveryCharges: total.Charges.StringFixed(2),
			PackingCharges:  "0.00",
			Total:           total.FinalAmount.StringFixed(2),
			CreatedOn:       o.CreatedAt.UTC().Format(createdOnLayout),
		},
		Items:      wireItems,
		DeviceType: "Web",
	}
	if total.Tax.IsPositive() {
		p.Taxes = []WireTax{{
			ID:    "1",
			Title: "Tax",
			Type:  "P",
			Price: total.Subtotal.StringFixed(2),
			Tax:   total.Tax.StringFixed(2),
		}}
	}
	if total.Discount.IsPositive() {
		p.Discounts = []WireDiscount{{
			ID:    "1",
			Title: "Discount",
			Type:  "F",
			Price: total.Discount.StringFixed(2),
		}}
	}
	return p, nil
}

func toWireItem(it *order.Item) WireItem {
	addons := make([]WireAddon, len(it.Addons))
	for j := range it.Addons {
		ad := &it.Addons[j]
		addons[j] = WireAddon{
			ID:        ad.CatalogID,
			Name:      ad.Name,
			GroupID:   ad.GroupID,
			GroupName: "",
			Price:     ad.Price.StringFixed(2),
			Quantity:  strconv.Itoa(ad.Quantity),
		}
	}
	return WireItem{
		ID:            it.CatalogID,
		Name:          it.Name,
		Price:         it.Price.StringFixed(2),
		FinalPrice:    it.Price.StringFixed(2),
		Quantity:      strconv.Itoa(it.Quantity),
		VariationID:   it.VariationID,
		VariationName: "",
		Addons:        addons,
	}
}

// parseEventTime accepts the two timestamp layouts the POS is known to send.
func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(createdOnLayout, s)
}
