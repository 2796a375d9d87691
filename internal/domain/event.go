package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventOrderExecuted  EventType = "order_executed"
	EventOrderFailed    EventType = "order_failed"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderExpired   EventType = "order_expired"
)

// OrderEvent is pushed to users when an order reaches a notable state.
type OrderEvent struct {
	ID              string              `json:"id"`
	Type            EventType           `json:"type"`
	OrderID         string              `json:"order_id"`
	OwnerID         string              `json:"owner_id"`
	Pair            string              `json:"pair"`
	Status          OrderStatus         `json:"status"`
	TransactionHash string              `json:"transaction_hash,omitempty"`
	ExecutedPrice   decimal.NullDecimal `json:"executed_price"`
	FailureReason   string              `json:"failure_reason,omitempty"`
	RetryCount      int                 `json:"retry_count"`
	OccurredAt      time.Time           `json:"occurred_at"`
}

// EventFor builds the notification for the order's current status. ok is
// false for statuses that are not announced (active, executing).
func EventFor(o DCAOrder, now time.Time) (OrderEvent, bool) {
	var t EventType
	switch o.Status {
	case StatusExecuted:
		t = EventOrderExecuted
	case StatusFailed:
		t = EventOrderFailed
	case StatusCancelled:
		t = EventOrderCancelled
	case StatusExpired:
		t = EventOrderExpired
	default:
		return OrderEvent{}, false
	}

	return OrderEvent{
		ID:              uuid.NewString(),
		Type:            t,
		OrderID:         o.ID,
		OwnerID:         o.OwnerID,
		Pair:            o.Pair().String(),
		Status:          o.Status,
		TransactionHash: o.TransactionHash,
		ExecutedPrice:   o.ExecutedPrice,
		FailureReason:   o.FailureReason,
		RetryCount:      o.RetryCount,
		OccurredAt:      now.UTC(),
	}, true
}
