package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TablePay/internal/models"
	"TablePay/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	store      *store.Memory
	dispatcher *RecordingDispatcher
	svc        *Service

	mu      sync.Mutex
	changes []models.ChangeEvent
}

func newFixture(t *testing.T, approved models.LifecycleStatus, orders ...*models.Order) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), dispatcher: &RecordingDispatcher{}}
	ctx := context.Background()
	for _, o := range orders {
		if err := f.store.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
		unsub, _ := f.store.Subscribe(ctx, o.OrderID, func(e models.ChangeEvent) {
			f.mu.Lock()
			f.changes = append(f.changes, e)
			f.mu.Unlock()
		})
		t.Cleanup(unsub)
	}
	f.svc = New(f.store, f.dispatcher, approved, zerolog.Nop())
	return f
}

func (f *fixture) changeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

func pendingOrder(id string, totalCents int64) *models.Order {
	return &models.Order{
		OrderID:       id,
		TotalCents:    totalCents,
		Status:        models.OrderPendingPayment,
		PaymentStatus: models.PaymentPending,
	}
}

func claim(paymentID string, status models.ProviderStatus, source models.ClaimSource) models.PaymentClaim {
	return models.PaymentClaim{
		ExternalPaymentID: paymentID,
		ProviderStatus:    status,
		ObservedAt:        time.Now(),
		Source:            source,
	}
}

func TestApprovedWebhookThenDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 2500))
	c := claim("PAY-9", models.ProviderApproved, models.SourceWebhook)
	c.AmountCents = 2500

	first, err := f.svc.Reconcile(ctx, "ORD-1", c)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Applied || first.Pending || first.Outcome != OutcomeApplied {
		t.Fatalf("first = %+v", first)
	}
	if first.PaymentStatus != models.PaymentConfirmed || first.LifecycleStatus != models.OrderInPreparation {
		t.Fatalf("first statuses = %s/%s", first.PaymentStatus, first.LifecycleStatus)
	}

	second, err := f.svc.Reconcile(ctx, "ORD-1", c)
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied || second.Pending || second.Outcome != OutcomeDuplicate {
		t.Fatalf("second = %+v", second)
	}

	o, _ := f.store.GetOrder(ctx, "ORD-1")
	if o.Status != models.OrderInPreparation || o.PaymentStatus != models.PaymentConfirmed {
		t.Errorf("order = %s/%s", o.Status, o.PaymentStatus)
	}
	if o.PaymentConfirmedAt == nil {
		t.Error("payment confirmed timestamp not set")
	}
	if n := f.dispatcher.Count(); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
	if n := f.changeCount(); n != 1 {
		t.Errorf("change events = %d, want 1", n)
	}
	d := f.dispatcher.Dispatches[0]
	if d.OrderID != "ORD-1" || d.PaymentID != "PAY-9" || d.Source != models.SourceWebhook {
		t.Errorf("dispatch = %+v", d)
	}
}

func TestApprovedMapsToPaidWhenConfigured(t *testing.T) {
	f := newFixture(t, models.OrderPaid, pendingOrder("ORD-1", 100))
	res, err := f.svc.Reconcile(context.Background(), "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourcePoll))
	if err != nil {
		t.Fatal(err)
	}
	if res.LifecycleStatus != models.OrderPaid {
		t.Fatalf("lifecycle = %s, want paid", res.LifecycleStatus)
	}
}

func TestMismatchedPaymentIDNeverMutates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 100))
	_, _ = f.store.AttachExternalPaymentIDIfAbsent(ctx, "ORD-1", "PAY-1")

	for _, status := range []models.ProviderStatus{models.ProviderApproved, models.ProviderRejected} {
		res, err := f.svc.Reconcile(ctx, "ORD-1", claim("PAY-STALE", status, models.SourceWebhook))
		if err != nil {
			t.Fatal(err)
		}
		if res.Applied || res.Outcome != OutcomeMismatched {
			t.Fatalf("%s: result = %+v", status, res)
		}
	}
	o, _ := f.store.GetOrder(ctx, "ORD-1")
	if o.Status != models.OrderPendingPayment || o.PaymentStatus != models.PaymentPending {
		t.Errorf("order = %s/%s", o.Status, o.PaymentStatus)
	}
	if *o.ExternalPaymentID != "PAY-1" {
		t.Errorf("external id = %s", *o.ExternalPaymentID)
	}
	if f.dispatcher.Count() != 0 || f.changeCount() != 0 {
		t.Errorf("dispatches=%d changes=%d, want none", f.dispatcher.Count(), f.changeCount())
	}
}

func TestNonTerminalClaimsAreTransparent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 100))

	for _, status := range []models.ProviderStatus{
		models.ProviderInProcess,
		models.ProviderPending,
		models.ProviderAuthorized,
		models.ProviderInMediation,
	} {
		res, err := f.svc.Reconcile(ctx, "ORD-1", claim("PAY-1", status, models.SourcePoll))
		if err != nil {
			t.Fatal(err)
		}
		if !res.Pending || res.Applied || res.Outcome != OutcomePending {
			t.Fatalf("%s: result = %+v", status, res)
		}
		if res.LifecycleStatus != models.OrderPendingPayment {
			t.Fatalf("%s: lifecycle = %s", status, res.LifecycleStatus)
		}
	}
	if f.dispatcher.Count() != 0 {
		t.Errorf("dispatches = %d", f.dispatcher.Count())
	}
}

func TestConcurrentApprovedClaimsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 100))

	results := make([]Result, 16)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		source := models.SourceWebhook
		if i%2 == 1 {
			source = models.SourcePoll
		}
		g.Go(func() error {
			res, err := f.svc.Reconcile(gctx, "ORD-1", claim("PAY-9", models.ProviderApproved, source))
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
			continue
		}
		if r.Outcome != OutcomeDuplicate || r.Pending {
			t.Errorf("loser result = %+v", r)
		}
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if n := f.dispatcher.Count(); n != 1 {
		t.Fatalf("dispatches = %d, want 1", n)
	}
	o, _ := f.store.GetOrder(ctx, "ORD-1")
	if o.Status != models.OrderInPreparation || o.PaymentStatus != models.PaymentConfirmed {
		t.Errorf("order = %s/%s", o.Status, o.PaymentStatus)
	}
}

func TestPollPendingThenRejectedThenLateWebhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-2", 100))

	for i := 0; i < 2; i++ {
		res, err := f.svc.Reconcile(ctx, "ORD-2", claim("PAY-2", models.ProviderPending, models.SourcePoll))
		if err != nil || !res.Pending {
			t.Fatalf("poll %d = %+v, %v", i+1, res, err)
		}
	}
	res, err := f.svc.Reconcile(ctx, "ORD-2", claim("PAY-2", models.ProviderRejected, models.SourcePoll))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.PaymentStatus != models.PaymentFailed || res.LifecycleStatus != models.OrderCancelled {
		t.Fatalf("third poll = %+v", res)
	}

	late, err := f.svc.Reconcile(ctx, "ORD-2", claim("PAY-2", models.ProviderRejected, models.SourceWebhook))
	if err != nil {
		t.Fatal(err)
	}
	if late.Applied || late.Outcome != OutcomeDuplicate {
		t.Fatalf("late webhook = %+v", late)
	}
	o, _ := f.store.GetOrder(ctx, "ORD-2")
	if o.CancelledAt == nil {
		t.Error("cancelled timestamp not set")
	}
	if n := f.dispatcher.Count(); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestApprovedClaimForExpiredOrderIsClosed(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	o := pendingOrder("ORD-3", 100)
	o.ExpiresAt = &past
	f := newFixture(t, models.OrderInPreparation, o)
	_, _ = f.store.AttachExternalPaymentIDIfAbsent(ctx, "ORD-3", "PAY-3")

	ids, err := f.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "ORD-3" {
		t.Fatalf("expired = %v", ids)
	}
	if f.changeCount() != 1 {
		t.Errorf("change events = %d, want 1", f.changeCount())
	}

	res, err := f.svc.Reconcile(ctx, "ORD-3", claim("PAY-3", models.ProviderApproved, models.SourceWebhook))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.Pending || res.Outcome != OutcomeClosed {
		t.Fatalf("result = %+v", res)
	}
	if res.LifecycleStatus != models.OrderExpired {
		t.Errorf("lifecycle = %s", res.LifecycleStatus)
	}
	if f.dispatcher.Count() != 0 {
		t.Errorf("dispatches = %d", f.dispatcher.Count())
	}
}

func TestDispatchFailureDoesNotUndoWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 100))
	f.dispatcher.Err = errors.New("broker down")

	res, err := f.svc.Reconcile(ctx, "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourceWebhook))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	again, _ := f.svc.Reconcile(ctx, "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourceWebhook))
	if again.Applied {
		t.Fatal("replay applied after failed dispatch")
	}
	if f.dispatcher.Count() != 1 {
		t.Errorf("dispatch attempts = %d, want 1", f.dispatcher.Count())
	}
}

func TestAmountMismatchStillApplies(t *testing.T) {
	f := newFixture(t, models.OrderInPreparation, pendingOrder("ORD-1", 2500))
	c := claim("PAY-1", models.ProviderApproved, models.SourceWebhook)
	c.AmountCents = 100
	res, err := f.svc.Reconcile(context.Background(), "ORD-1", c)
	if err != nil || !res.Applied {
		t.Fatalf("result = %+v, %v", res, err)
	}
}

func TestReconcileErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.OrderInPreparation)

	if _, err := f.svc.Reconcile(ctx, "missing", claim("PAY-1", models.ProviderApproved, models.SourceWebhook)); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order err = %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, "ORD-1", claim("", models.ProviderApproved, models.SourceWebhook)); !errors.Is(err, ErrInvalidClaim) {
		t.Errorf("empty payment id err = %v", err)
	}

	broken := New(FailingStore{}, &RecordingDispatcher{}, models.OrderInPreparation, zerolog.Nop())
	if _, err := broken.Reconcile(ctx, "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourcePoll)); !errors.Is(err, ErrMockStore) {
		t.Errorf("store failure err = %v", err)
	}
	if _, err := broken.ExpireStale(ctx); !errors.Is(err, ErrMockStore) {
		t.Errorf("expire err = %v", err)
	}
}

func TestWinnerDispatchesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	if err := mem.CreateOrder(ctx, pendingOrder("ORD-1", 100)); err != nil {
		t.Fatal(err)
	}
	var changes int32
	unsub, _ := mem.Subscribe(ctx, "ORD-1", func(models.ChangeEvent) { atomic.AddInt32(&changes, 1) })
	defer unsub()

	dispatcher := &ContextDispatcher{}
	svc := New(&CancelOnWinStore{Memory: mem, Cancel: cancel}, dispatcher, models.OrderInPreparation, zerolog.Nop())

	res, err := svc.Reconcile(ctx, "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourcePoll))
	if err != nil || !res.Applied {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not cancelled after the winning write")
	}
	if n := dispatcher.Count(); n != 1 {
		t.Errorf("dispatches sent = %d, want 1", n)
	}
	if dispatcher.Failed != 0 {
		t.Errorf("dispatches failed = %d, want 0", dispatcher.Failed)
	}
	if n := atomic.LoadInt32(&changes); n != 1 {
		t.Errorf("change events = %d, want 1", n)
	}

	replay, _ := svc.Reconcile(context.Background(), "ORD-1", claim("PAY-1", models.ProviderApproved, models.SourceWebhook))
	if replay.Outcome != OutcomeDuplicate || dispatcher.Count() != 1 {
		t.Fatalf("replay = %+v, dispatches = %d", replay, dispatcher.Count())
	}
}

func TestApprovedClaimDoesNotAttachToClosedOrder(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	o := pendingOrder("ORD-4", 100)
	o.ExpiresAt = &past
	f := newFixture(t, models.OrderInPreparation, o)
	if _, err := f.svc.ExpireStale(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Reconcile(ctx, "ORD-4", claim("PAY-4", models.ProviderApproved, models.SourceWebhook))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClosed || res.Applied {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.store.GetOrder(ctx, "ORD-4")
	if got.ExternalPaymentID != nil {
		t.Errorf("closed order got payment id %q", *got.ExternalPaymentID)
	}
}
