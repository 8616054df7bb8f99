package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"TablePay/internal/models"
	"TablePay/internal/notify"
	"TablePay/internal/store"
)

var ErrMockStore = errors.New("mock store error")

// RecordingDispatcher collects every dispatch it receives.
type RecordingDispatcher struct {
	mu         sync.Mutex
	Dispatches []notify.Dispatch
	Err        error
}

func (r *RecordingDispatcher) Dispatch(ctx context.Context, d notify.Dispatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dispatches = append(r.Dispatches, d)
	return r.Err
}

func (r *RecordingDispatcher) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Dispatches)
}

// FailingStore fails every call with ErrMockStore.
type FailingStore struct{}

func (FailingStore) GetOrderSnapshot(ctx context.Context, orderID string) (models.Snapshot, error) {
	return models.Snapshot{}, ErrMockStore
}

func (FailingStore) AttachExternalPaymentIDIfAbsent(ctx context.Context, orderID, paymentID string) (bool, error) {
	return false, ErrMockStore
}

func (FailingStore) CompareAndSetPaymentStatus(ctx context.Context, orderID string, t models.Transition) (bool, error) {
	return false, ErrMockStore
}

func (FailingStore) ExpireStale(ctx context.Context, now time.Time) ([]models.ChangeEvent, error) {
	return nil, ErrMockStore
}

func (FailingStore) NotifyChange(ctx context.Context, evt models.ChangeEvent) error {
	return ErrMockStore
}

// CancelOnWinStore cancels the caller's context right after a winning
// compare-and-set, as a client hanging up mid-request would.
type CancelOnWinStore struct {
	*store.Memory
	Cancel context.CancelFunc
}

func (c *CancelOnWinStore) CompareAndSetPaymentStatus(ctx context.Context, orderID string, t models.Transition) (bool, error) {
	won, err := c.Memory.CompareAndSetPaymentStatus(ctx, orderID, t)
	if won {
		c.Cancel()
	}
	return won, err
}

// ContextDispatcher fails with the context's error once it is done, the way
// a kafka writer does.
type ContextDispatcher struct {
	RecordingDispatcher
	Failed int
}

func (c *ContextDispatcher) Dispatch(ctx context.Context, d notify.Dispatch) error {
	if err := ctx.Err(); err != nil {
		c.mu.Lock()
		c.Failed++
		c.mu.Unlock()
		return err
	}
	return c.RecordingDispatcher.Dispatch(ctx, d)
}
