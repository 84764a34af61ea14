package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feastly/possync/internal/domain/order"
)

func TestFromExternalEventOrderStatus(t *testing.T) {
	raw := []byte(`{"event_id":"evt-1","restID":"rest-1","orderID":"ext-9","status":"accepted","timestamp":"2026-03-01T12:31:00Z"}`)

	ev, err := FromExternalEvent(FamilyOrderStatus, raw)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", ev.ExternalEventID)
	assert.Equal(t, "ext-9", ev.OrderExternalID)
	assert.Equal(t, order.StatusConfirmed, ev.NewStatus)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC), ev.OccurredAt)
}

func TestFromExternalEventDeliveryStatus(t *testing.T) {
	raw := []byte(`{"event_id":"evt-2","orderID":"ext-9","status":"dispatched","timestamp":"2026-03-01 12:40:00"}`)

	ev, err := FromExternalEvent(FamilyDeliveryStatus, raw)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDispatched, ev.NewStatus)
}

func TestFromExternalEventCancellation(t *testing.T) {
	raw := []byte(`{"event_id":"evt-3","orderID":"ext-9","timestamp":"2026-03-01T13:00:00Z","cancel_reason":"kitchen closed"}`)

	ev, err := FromExternalEvent(FamilyOrderCancellation, raw)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, ev.NewStatus)
	assert.Equal(t, "kitchen closed", ev.Reason)
}

func TestFromExternalEventMenuPush(t *testing.T) {
	raw := []byte(`{"event_id":"evt-4","restID":"rest-1","timestamp":"2026-03-01T13:00:00Z"}`)

	ev, err := FromExternalEvent(FamilyMenuPush, raw)
	require.NoError(t, err)
	assert.Empty(t, ev.NewStatus, "menu push carries no status change")
}

func TestFromExternalEventErrors(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		raw    string
		field  string
	}{
		{"missing event id", FamilyOrderStatus, `{"orderID":"x","status":"accepted","timestamp":"2026-03-01T12:00:00Z"}`, "event_id"},
		{"missing order id", FamilyOrderStatus, `{"event_id":"e","status":"accepted","timestamp":"2026-03-01T12:00:00Z"}`, "orderID"},
		{"unknown status", FamilyOrderStatus, `{"event_id":"e","orderID":"x","status":"teleported","timestamp":"2026-03-01T12:00:00Z"}`, "status"},
		{"unknown delivery status", FamilyDeliveryStatus, `{"event_id":"e","orderID":"x","status":"lost","timestamp":"2026-03-01T12:00:00Z"}`, "status"},
		{"bad timestamp", FamilyOrderStatus, `{"event_id":"e","orderID":"x","status":"accepted","timestamp":"yesterday"}`, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromExternalEvent(tt.family, []byte(tt.raw))
			var merr *MappingError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tt.field, merr.Field)
		})
	}
}

func TestFromExternalEventMalformedJSON(t *testing.T) {
	_, err := FromExternalEvent(FamilyOrderStatus, []byte(`{not json`))
	require.Error(t, err)
}
