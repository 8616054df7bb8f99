package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TablePay/internal/models"
)

func newPendingOrder(id string) *models.Order {
	return &models.Order{
		OrderID:       id,
		TotalCents:    2500,
		Status:        models.OrderPendingPayment,
		PaymentStatus: models.PaymentPending,
	}
}

func TestMemoryGetOrderNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetOrderSnapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryAttachIsFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateOrder(ctx, newPendingOrder("ORD-1")); err != nil {
		t.Fatal(err)
	}

	ok, err := m.AttachExternalPaymentIDIfAbsent(ctx, "ORD-1", "PAY-1")
	if err != nil || !ok {
		t.Fatalf("first attach = %v, %v", ok, err)
	}
	ok, err = m.AttachExternalPaymentIDIfAbsent(ctx, "ORD-1", "PAY-2")
	if err != nil || ok {
		t.Fatalf("second attach = %v, %v; want false", ok, err)
	}
	snap, _ := m.GetOrderSnapshot(ctx, "ORD-1")
	if snap.ExternalPaymentID != "PAY-1" {
		t.Errorf("external id = %q, want PAY-1", snap.ExternalPaymentID)
	}
}

func TestMemoryCompareAndSetSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateOrder(ctx, newPendingOrder("ORD-1"))
	_, _ = m.AttachExternalPaymentIDIfAbsent(ctx, "ORD-1", "PAY-1")

	tr := models.Transition{
		ExpectedPayment:   models.PaymentPending,
		ExternalPaymentID: "PAY-1",
		Payment:           models.PaymentConfirmed,
		Lifecycle:         models.OrderInPreparation,
		At:                time.Now().UTC(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.CompareAndSetPaymentStatus(ctx, "ORD-1", tr)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	o, _ := m.GetOrder(ctx, "ORD-1")
	if o.PaymentStatus != models.PaymentConfirmed || o.Status != models.OrderInPreparation {
		t.Errorf("order = %s/%s", o.Status, o.PaymentStatus)
	}
	if o.PaymentConfirmedAt == nil {
		t.Error("payment confirmed timestamp not set")
	}
}

func TestMemoryCompareAndSetRejectsWrongPaymentID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateOrder(ctx, newPendingOrder("ORD-1"))
	_, _ = m.AttachExternalPaymentIDIfAbsent(ctx, "ORD-1", "PAY-1")

	ok, _ := m.CompareAndSetPaymentStatus(ctx, "ORD-1", models.Transition{
		ExpectedPayment:   models.PaymentPending,
		ExternalPaymentID: "PAY-OTHER",
		Payment:           models.PaymentFailed,
		Lifecycle:         models.OrderCancelled,
	})
	if ok {
		t.Fatal("write with a foreign payment id must not apply")
	}
}

func TestMemoryExpireStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	stale := newPendingOrder("ORD-STALE")
	stale.ExpiresAt = &past
	fresh := newPendingOrder("ORD-FRESH")
	fresh.ExpiresAt = &future
	_ = m.CreateOrder(ctx, stale)
	_ = m.CreateOrder(ctx, fresh)

	events, err := m.ExpireStale(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].OrderID != "ORD-STALE" || events[0].LifecycleStatus != models.OrderExpired {
		t.Fatalf("events = %+v", events)
	}
	again, _ := m.ExpireStale(ctx, time.Now())
	if len(again) != 0 {
		t.Errorf("second sweep expired %d orders", len(again))
	}
}

func TestMemoryAttachRefusesClosedOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, status := range []models.LifecycleStatus{models.OrderExpired, models.OrderCancelled} {
		o := newPendingOrder("ORD-" + string(status))
		o.Status = status
		_ = m.CreateOrder(ctx, o)

		ok, err := m.AttachExternalPaymentIDIfAbsent(ctx, o.OrderID, "PAY-1")
		if err != nil || ok {
			t.Fatalf("%s: attach = %v, %v; want false", status, ok, err)
		}
		snap, _ := m.GetOrderSnapshot(ctx, o.OrderID)
		if snap.ExternalPaymentID != "" {
			t.Errorf("%s: external id = %q", status, snap.ExternalPaymentID)
		}
	}
}

func TestMemoryListAwaitingPayment(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	withID := newPendingOrder("ORD-A")
	withID.CreatedAt = time.Now().Add(-10 * time.Minute)
	noID := newPendingOrder("ORD-B")
	noID.CreatedAt = time.Now().Add(-10 * time.Minute)
	_ = m.CreateOrder(ctx, withID)
	_ = m.CreateOrder(ctx, noID)
	_, _ = m.AttachExternalPaymentIDIfAbsent(ctx, "ORD-A", "PAY-A")

	list, err := m.ListAwaitingPayment(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].OrderID != "ORD-A" {
		t.Fatalf("list = %+v", list)
	}
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	h := NewHub()
	var got []models.ChangeEvent
	unsub := h.Subscribe("ORD-1", func(e models.ChangeEvent) { got = append(got, e) })
	h.Subscribe("ORD-2", func(models.ChangeEvent) { t.Error("wrong order delivered") })

	h.Publish(models.ChangeEvent{OrderID: "ORD-1", PaymentStatus: models.PaymentConfirmed})
	unsub()
	unsub()
	h.Publish(models.ChangeEvent{OrderID: "ORD-1", PaymentStatus: models.PaymentConfirmed})

	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if h.Subscribers("ORD-1") != 0 {
		t.Errorf("subscribers left = %d", h.Subscribers("ORD-1"))
	}
}
