package order

// Status is the order lifecycle state. The push half (CREATED through PUSHED
// or PUSH_FAILED) is driven by the orchestrator; everything after PUSHED is
// advanced by webhooks from the POS.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusPushPending Status = "PUSH_PENDING"
	StatusPushed      Status = "PUSHED"
	StatusPushFailed  Status = "PUSH_FAILED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusPreparing   Status = "PREPARING"
	StatusReady       Status = "READY"
	StatusDispatched  Status = "DISPATCHED"
	StatusDelivered   Status = "DELIVERED"
	StatusCancelled   Status = "CANCELLED"
	StatusRejected    Status = "REJECTED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRejected, StatusPushFailed:
		return true
	}
	return false
}

// forward holds the strictly forward edges of the lifecycle. CANCELLED and
// REJECTED are handled separately: any non-terminal state may divert there.
var forward = map[Status][]Status{
	StatusCreated:     {StatusPushPending},
	StatusPushPending: {StatusPushed, StatusPushFailed},
	StatusPushed:      {StatusConfirmed},
	StatusConfirmed:   {StatusPreparing, StatusReady, StatusDispatched, StatusDelivered},
	StatusPreparing:   {StatusReady, StatusDispatched, StatusDelivered},
	StatusReady:       {StatusDispatched, StatusDelivered},
	StatusDispatched:  {StatusDelivered},
}

// CanTransition reports whether from -> to is a valid lifecycle edge.
// Skipping intermediate webhook states is allowed (a POS may report READY
// without ever reporting PREPARING), going backwards is not.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled || to == StatusRejected {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}
