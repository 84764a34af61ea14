package transform

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"github.com/feastly/possync/internal/domain/order"
)

// Family is the webhook event family, taken from the endpoint path.
type Family string

const (
	FamilyOrderStatus       Family = "order-status"
	FamilyDeliveryStatus    Family = "delivery-status"
	FamilyOrderCancellation Family = "order-cancellation"
	FamilyMenuPush          Family = "pushmenu"
)

// NormalizedEvent is the internal form of an inbound webhook, ready for the
// reconciler. Menu-push events carry no status change.
type NormalizedEvent struct {
	ExternalEventID string
	RestaurantID    string
	OrderExternalID string
	Family          Family
	NewStatus       order.Status
	OccurredAt      time.Time
	Reason          string
}

// rawEvent is the common external callback envelope.
type rawEvent struct {
	EventID      string `json:"event_id"`
	RestID       string `json:"restID"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	CancelReason string `json:"cancel_reason"`
}

// External order-status values to internal statuses.
var orderStatusMap = map[string]order.Status{
	"accepted":   order.StatusConfirmed,
	"confirmed":  order.StatusConfirmed,
	"preparing":  order.StatusPreparing,
	"food_ready": order.StatusReady,
	"ready":      order.StatusReady,
	"delivered":  order.StatusDelivered,
	"rejected":   order.StatusRejected,
	"cancelled":  order.StatusCancelled,
}

// External delivery-status values to internal statuses.
var deliveryStatusMap = map[string]order.Status{
	"rider_assigned": order.StatusReady,
	"dispatched":     order.StatusDispatched,
	"on_the_way":     order.StatusDispatched,
	"delivered":      order.StatusDelivered,
}

// FromExternalEvent decodes and normalizes a raw webhook payload of the
// given family. The inverse half of the transformer: stringly external
// values become typed internal ones, unknown values are MappingErrors.
func FromExternalEvent(family Family, raw []byte) (*NormalizedEvent, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, errors.Wrap(err, "decode webhook payload")
	}
	if re.EventID == "" {
		return nil, &MappingError{Field: "event_id", Reason: "required"}
	}
	if family != FamilyMenuPush && re.OrderID == "" {
		return nil, &MappingError{Field: "orderID", Reason: "required"}
	}

	occurredAt, err := parseEventTime(re.Timestamp)
	if err != nil {
		return nil, &MappingError{Field: "timestamp", Reason: "unrecognized format " + re.Timestamp}
	}

	ev := &NormalizedEvent{
		ExternalEventID: re.EventID,
		RestaurantID:    re.RestID,
		OrderExternalID: re.OrderID,
		Family:          family,
		OccurredAt:      occurredAt,
		Reason:          re.CancelReason,
	}

	switch family {
	case FamilyOrderStatus:
		status, ok := orderStatusMap[re.Status]
		if !ok {
			return nil, &MappingError{Field: "status", Reason: "unknown order status " + re.Status}
		}
		ev.NewStatus = status
	case FamilyDeliveryStatus:
		status, ok := deliveryStatusMap[re.Status]
		if !ok {
			return nil, &MappingError{Field: "status", Reason: "unknown delivery status " + re.Status}
		}
		ev.NewStatus = status
	case FamilyOrderCancellation:
		ev.NewStatus = order.StatusCancelled
	case FamilyMenuPush:
		// Receipt only; no status to apply.
	default:
		return nil, &MappingError{Field: "family", Reason: "unknown event family " + string(family)}
	}
	return ev, nil
}
