package worker

import (
	"context"
	"sync"
	"time"

	"TablePay/internal/models"
	"TablePay/internal/services"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Expirer interface {
	ExpireStale(ctx context.Context) ([]string, error)
}

type AwaitingLister interface {
	ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]models.Snapshot, error)
}

type Syncer interface {
	Sync(ctx context.Context, paymentID, expectedOrderID string, source models.ClaimSource) (services.SyncResult, error)
}

// Worker settles orders nobody is watching: it expires unpaid orders past
// their deadline and re-polls the gateway for payments stuck in pending.
type Worker struct {
	Orders      AwaitingLister
	Reconciler  Expirer
	Payments    Syncer
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	Log         zerolog.Logger
}

type Summary struct {
	Expired int
	Checked int
	Settled int
	Failed  int
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		sum, err := w.SweepOnce(ctx)
		if err != nil {
			w.Log.Error().Err(err).Msg("sweep failed")
		} else if sum.Expired > 0 || sum.Checked > 0 {
			w.Log.Info().
				Int("expired", sum.Expired).
				Int("checked", sum.Checked).
				Int("settled", sum.Settled).
				Int("failed", sum.Failed).
				Msg("sweep done")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SweepOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	expired, err := w.Reconciler.ExpireStale(ctx)
	if err != nil {
		return sum, err
	}
	sum.Expired = len(expired)

	stale, err := w.Orders.ListAwaitingPayment(ctx, time.Now().UTC().Add(-w.StaleAfter), w.BatchSize)
	if err != nil {
		return sum, err
	}
	sum.Checked = len(stale)

	limit := w.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, snap := range stale {
		snap := snap // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			res, err := w.Payments.Sync(gctx, snap.ExternalPaymentID, snap.OrderID, models.SourcePoll)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				w.Log.Warn().Err(err).
					Str("order_id", snap.OrderID).
					Str("payment_id", snap.ExternalPaymentID).
					Msg("stale payment check failed")
				return nil
			}
			if res.Applied {
				sum.Settled++
			}
			return nil
		})
	}
	_ = g.Wait()
	return sum, nil
}
