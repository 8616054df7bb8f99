package realtime

import (
	"context"
	"sync"

	"TablePay/internal/models"
	"TablePay/internal/poller"
	"TablePay/internal/reconcile"

	"github.com/rs/zerolog"
)

// Source delivers committed change events for one order.
type Source interface {
	Subscribe(ctx context.Context, orderID string, fn func(models.ChangeEvent)) (func(), error)
}

// Canceller stops poll loops running for an order.
type Canceller interface {
	Cancel(orderID string) int
}

// Listener short-circuits polling once a settled change is observed.
type Listener struct {
	source Source
	poller Canceller
	log    zerolog.Logger
}

func NewListener(source Source, poller Canceller, log zerolog.Logger) *Listener {
	return &Listener{source: source, poller: poller, log: log}
}

// Watch subscribes to orderID. On the first settled event it cancels any
// poll loop for the order and fires the matching callback. The returned
// func unsubscribes.
func (l *Listener) Watch(ctx context.Context, orderID string, cb poller.Callbacks) (func(), error) {
	var once sync.Once
	return l.source.Subscribe(ctx, orderID, func(evt models.ChangeEvent) {
		if evt.OrderID != orderID || !evt.Settled() {
			return
		}
		once.Do(func() {
			cancelled := 0
			if l.poller != nil {
				cancelled = l.poller.Cancel(orderID)
			}
			l.log.Info().
				Str("order_id", orderID).
				Str("payment_status", string(evt.PaymentStatus)).
				Str("lifecycle_status", string(evt.LifecycleStatus)).
				Int("poll_loops_cancelled", cancelled).
				Msg("order settled")

			res := resultFromEvent(evt)
			if evt.PaymentStatus == models.PaymentConfirmed {
				if cb.OnSuccess != nil {
					cb.OnSuccess(res)
				}
				return
			}
			if cb.OnFailure != nil {
				cb.OnFailure(res)
			}
		})
	})
}

func resultFromEvent(evt models.ChangeEvent) reconcile.Result {
	res := reconcile.Result{
		Outcome:         reconcile.OutcomeDuplicate,
		PaymentStatus:   evt.PaymentStatus,
		LifecycleStatus: evt.LifecycleStatus,
		Reason:          "settled by another path",
	}
	if !evt.PaymentStatus.Terminal() {
		res.Outcome = reconcile.OutcomeClosed
		res.Reason = "order " + string(evt.LifecycleStatus)
	}
	return res
}
