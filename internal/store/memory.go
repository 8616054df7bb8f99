package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"TablePay/internal/models"

	"github.com/pkg/errors"
)

// Memory is an in-process store with the same conditional-write semantics as
// the Postgres store. Used by tests and local runs.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	events map[string]models.WebhookEvent
	hub    *Hub
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*models.Order),
		events: make(map[string]models.WebhookEvent),
		hub:    NewHub(),
	}
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.OrderID]; ok {
		return errors.Errorf("order %s already exists", order.OrderID)
	}
	cp := copyOrder(order)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.orders[order.OrderID] = cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *Memory) GetOrderSnapshot(ctx context.Context, orderID string) (models.Snapshot, error) {
	o, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return o.Snapshot(), nil
}

func (m *Memory) AttachExternalPaymentIDIfAbsent(ctx context.Context, orderID, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.ExternalPaymentID != nil || !o.Status.AwaitingPayment() {
		return false, nil
	}
	id := paymentID
	o.ExternalPaymentID = &id
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) CompareAndSetPaymentStatus(ctx context.Context, orderID string, t models.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	if o.PaymentStatus != t.ExpectedPayment || !o.Status.AwaitingPayment() {
		return false, nil
	}
	if o.ExternalPaymentID == nil || *o.ExternalPaymentID != t.ExternalPaymentID {
		return false, nil
	}
	at := t.At
	o.PaymentStatus = t.Payment
	o.Status = t.Lifecycle
	if t.Payment == models.PaymentConfirmed {
		o.PaymentConfirmedAt = &at
	}
	if t.Lifecycle == models.OrderCancelled {
		o.CancelledAt = &at
	}
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) ExpireStale(ctx context.Context, now time.Time) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChangeEvent
	for _, o := range m.orders {
		if !o.Status.AwaitingPayment() || o.PaymentStatus != models.PaymentPending {
			continue
		}
		if o.ExpiresAt == nil || !o.ExpiresAt.Before(now) {
			continue
		}
		o.Status = models.OrderExpired
		o.UpdatedAt = time.Now().UTC()
		out = append(out, models.ChangeEvent{
			OrderID:         o.OrderID,
			PaymentStatus:   o.PaymentStatus,
			LifecycleStatus: o.Status,
			At:              o.UpdatedAt,
		})
	}
	return out, nil
}

func (m *Memory) ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Order
	for _, o := range m.orders {
		if !o.Status.AwaitingPayment() || o.PaymentStatus != models.PaymentPending {
			continue
		}
		if o.ExternalPaymentID == nil || !o.CreatedAt.Before(olderThan) {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]models.Snapshot, 0, len(all))
	for _, o := range all {
		out = append(out, o.Snapshot())
	}
	return out, nil
}

func (m *Memory) RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[evt.DeliveryID]; !ok {
		m.events[evt.DeliveryID] = evt
	}
	return nil
}

func (m *Memory) WebhookEvents() []models.WebhookEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WebhookEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (m *Memory) NotifyChange(ctx context.Context, evt models.ChangeEvent) error {
	m.hub.Publish(evt)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, orderID string, fn func(models.ChangeEvent)) (func(), error) {
	return m.hub.Subscribe(orderID, fn), nil
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	if o.ExternalPaymentID != nil {
		v := *o.ExternalPaymentID
		cp.ExternalPaymentID = &v
	}
	if o.ExpiresAt != nil {
		v := *o.ExpiresAt
		cp.ExpiresAt = &v
	}
	if o.PaymentConfirmedAt != nil {
		v := *o.PaymentConfirmedAt
		cp.PaymentConfirmedAt = &v
	}
	if o.CancelledAt != nil {
		v := *o.CancelledAt
		cp.CancelledAt = &v
	}
	return &cp
}
