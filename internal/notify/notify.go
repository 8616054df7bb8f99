package notify

import (
	"context"
	"time"

	"TablePay/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatch is the single downstream request emitted for an applied
// payment outcome.
type Dispatch struct {
	ID              string                 `json:"id"`
	OrderID         string                 `json:"orderId"`
	PaymentID       string                 `json:"paymentId"`
	PaymentStatus   models.PaymentStatus   `json:"paymentStatus"`
	LifecycleStatus models.LifecycleStatus `json:"lifecycleStatus"`
	Source          models.ClaimSource     `json:"source"`
	At              time.Time              `json:"at"`
}

func NewDispatch(orderID, paymentID string, payment models.PaymentStatus, lifecycle models.LifecycleStatus, source models.ClaimSource, at time.Time) Dispatch {
	return Dispatch{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		PaymentID:       paymentID,
		PaymentStatus:   payment,
		LifecycleStatus: lifecycle,
		Source:          source,
		At:              at,
	}
}

// RoutesToKitchen reports whether the order should be sent to the kitchen.
func (d Dispatch) RoutesToKitchen() bool {
	return d.PaymentStatus == models.PaymentConfirmed
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d Dispatch) error
}

// LogDispatcher only records dispatches. Used when Kafka is not configured.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (l *LogDispatcher) Dispatch(ctx context.Context, d Dispatch) error {
	l.log.Info().
		Str("dispatch_id", d.ID).
		Str("order_id", d.OrderID).
		Str("payment_id", d.PaymentID).
		Str("payment_status", string(d.PaymentStatus)).
		Str("lifecycle_status", string(d.LifecycleStatus)).
		Bool("kitchen", d.RoutesToKitchen()).
		Msg("dispatch")
	return nil
}
