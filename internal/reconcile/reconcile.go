package reconcile

import (
	"context"
	"time"

	"TablePay/internal/metrics"
	"TablePay/internal/models"
	"TablePay/internal/notify"
	"TablePay/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidClaim  = errors.New("invalid payment claim")
)

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomePending    Outcome = "pending"
	OutcomeMismatched Outcome = "mismatched"
	OutcomeClosed     Outcome = "closed"
)

// Result describes what a reconcile call did. Business non-applicability
// is reported here, never as an error.
type Result struct {
	Outcome         Outcome                `json:"outcome"`
	Applied         bool                   `json:"applied"`
	Pending         bool                   `json:"pending"`
	PaymentStatus   models.PaymentStatus   `json:"paymentStatus"`
	LifecycleStatus models.LifecycleStatus `json:"lifecycleStatus"`
	Reason          string                 `json:"reason,omitempty"`
}

// Store is the subset of the order store the reconciler writes through.
type Store interface {
	GetOrderSnapshot(ctx context.Context, orderID string) (models.Snapshot, error)
	AttachExternalPaymentIDIfAbsent(ctx context.Context, orderID, paymentID string) (bool, error)
	CompareAndSetPaymentStatus(ctx context.Context, orderID string, t models.Transition) (bool, error)
	ExpireStale(ctx context.Context, now time.Time) ([]models.ChangeEvent, error)
	NotifyChange(ctx context.Context, evt models.ChangeEvent) error
}

const afterWriteTimeout = 15 * time.Second

type Service struct {
	store      Store
	dispatcher notify.Dispatcher
	approved   models.LifecycleStatus
	log        zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New builds the reconciler. approved is the lifecycle status an approved
// payment moves the order to: in_preparation or paid.
func New(st Store, dispatcher notify.Dispatcher, approved models.LifecycleStatus, log zerolog.Logger) *Service {
	if approved == "" {
		approved = models.OrderInPreparation
	}
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		approved:   approved,
		log:        log,
		tracer:     otel.Tracer("tablepay/reconcile"),
		now:        time.Now,
	}
}

// Reconcile applies claim to the order at most once. Only the caller whose
// conditional write succeeds triggers the change notification and the
// downstream dispatch.
func (s *Service) Reconcile(ctx context.Context, orderID string, claim models.PaymentClaim) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.id", claim.ExternalPaymentID),
		attribute.String("payment.provider_status", string(claim.ProviderStatus)),
		attribute.String("claim.source", string(claim.Source)),
	)

	res, err := s.reconcile(ctx, orderID, claim)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReconcileOutcomes.WithLabelValues(string(claim.Source), "error").Inc()
		return Result{}, err
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))
	metrics.ReconcileOutcomes.WithLabelValues(string(claim.Source), string(res.Outcome)).Inc()
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, orderID string, claim models.PaymentClaim) (Result, error) {
	if orderID == "" || claim.ExternalPaymentID == "" {
		return Result{}, ErrInvalidClaim
	}
	log := s.log.With().
		Str("order_id", orderID).
		Str("payment_id", claim.ExternalPaymentID).
		Str("source", string(claim.Source)).
		Logger()

	snap, err := s.snapshot(ctx, orderID)
	if err != nil {
		return Result{}, err
	}

	if snap.ExternalPaymentID == "" {
		if _, err := s.store.AttachExternalPaymentIDIfAbsent(ctx, orderID, claim.ExternalPaymentID); err != nil {
			return Result{}, errors.Wrap(err, "attach payment id")
		}
		// Re-read either way: a concurrent claim may have attached first.
		if snap, err = s.snapshot(ctx, orderID); err != nil {
			return Result{}, err
		}
	}

	if res, done := s.noop(log, snap, claim); done {
		return res, nil
	}

	payment, lifecycle, terminal := s.target(claim.ProviderStatus)
	if !terminal {
		return Result{
			Outcome:         OutcomePending,
			Pending:         true,
			PaymentStatus:   snap.PaymentStatus,
			LifecycleStatus: snap.Status,
			Reason:          "provider status " + string(claim.ProviderStatus),
		}, nil
	}

	if claim.AmountCents > 0 && snap.TotalCents > 0 && claim.AmountCents != snap.TotalCents {
		metrics.AmountMismatches.Inc()
		log.Warn().
			Int64("claim_amount_cents", claim.AmountCents).
			Int64("order_total_cents", snap.TotalCents).
			Msg("payment amount differs from order total")
	}

	at := s.now().UTC()
	won, err := s.store.CompareAndSetPaymentStatus(ctx, orderID, models.Transition{
		ExpectedPayment:   models.PaymentPending,
		ExternalPaymentID: claim.ExternalPaymentID,
		Payment:           payment,
		Lifecycle:         lifecycle,
		At:                at,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "compare-and-set payment status")
	}
	if !won {
		snap, err = s.snapshot(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		if res, done := s.noop(log, snap, claim); done {
			return res, nil
		}
		// Lost the write but nothing settled the order; let the caller retry.
		return Result{
			Outcome:         OutcomePending,
			Pending:         true,
			PaymentStatus:   snap.PaymentStatus,
			LifecycleStatus: snap.Status,
			Reason:          "conditional write not applied",
		}, nil
	}

	log.Info().
		Str("payment_status", string(payment)).
		Str("lifecycle_status", string(lifecycle)).
		Msg("payment reconciled")
	s.afterWrite(ctx, log, orderID, claim, payment, lifecycle, at)

	return Result{
		Outcome:         OutcomeApplied,
		Applied:         true,
		PaymentStatus:   payment,
		LifecycleStatus: lifecycle,
	}, nil
}

// noop reports the outcomes that leave the order untouched. A closed order
// never gets a payment id attached, so an empty stored id is not a mismatch.
func (s *Service) noop(log zerolog.Logger, snap models.Snapshot, claim models.PaymentClaim) (Result, bool) {
	res := Result{PaymentStatus: snap.PaymentStatus, LifecycleStatus: snap.Status}
	switch {
	case snap.ExternalPaymentID != "" && snap.ExternalPaymentID != claim.ExternalPaymentID:
		log.Warn().
			Str("stored_payment_id", snap.ExternalPaymentID).
			Str("signal", "possible_duplicate_or_fraud").
			Msg("claim payment id does not match order")
		res.Outcome = OutcomeMismatched
		res.Reason = "payment id mismatch"
		return res, true
	case snap.PaymentStatus.Terminal():
		res.Outcome = OutcomeDuplicate
		res.Reason = "payment already " + string(snap.PaymentStatus)
		return res, true
	case !snap.Status.AwaitingPayment():
		if claim.ProviderStatus == models.ProviderApproved {
			log.Warn().
				Str("lifecycle_status", string(snap.Status)).
				Bool("needs_refund", true).
				Msg("approved payment for closed order")
		}
		res.Outcome = OutcomeClosed
		res.Reason = "order " + string(snap.Status)
		return res, true
	}
	return res, false
}

func (s *Service) target(status models.ProviderStatus) (models.PaymentStatus, models.LifecycleStatus, bool) {
	switch status {
	case models.ProviderApproved:
		return models.PaymentConfirmed, s.approved, true
	case models.ProviderRejected, models.ProviderCancelled, models.ProviderRefunded:
		return models.PaymentFailed, models.OrderCancelled, true
	default:
		return "", "", false
	}
}

// afterWrite runs once the conditional write has committed. It is detached
// from the caller's cancellation: a client that hangs up after winning must
// not leave the order settled with no dispatch.
func (s *Service) afterWrite(ctx context.Context, log zerolog.Logger, orderID string, claim models.PaymentClaim, payment models.PaymentStatus, lifecycle models.LifecycleStatus, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), afterWriteTimeout)
	defer cancel()

	evt := models.ChangeEvent{
		OrderID:         orderID,
		PaymentStatus:   payment,
		LifecycleStatus: lifecycle,
		At:              at,
	}
	if err := s.store.NotifyChange(ctx, evt); err != nil {
		log.Error().Err(err).Msg("change notification failed")
	}

	d := notify.NewDispatch(orderID, claim.ExternalPaymentID, payment, lifecycle, claim.Source, at)
	if err := s.dispatcher.Dispatch(ctx, d); err != nil {
		metrics.SideEffects.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("dispatch_id", d.ID).Msg("side effect dispatch failed")
		return
	}
	metrics.SideEffects.WithLabelValues("sent").Inc()
}

func (s *Service) snapshot(ctx context.Context, orderID string) (models.Snapshot, error) {
	snap, err := s.store.GetOrderSnapshot(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Snapshot{}, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
		}
		return models.Snapshot{}, errors.Wrap(err, "load order")
	}
	return snap, nil
}

// ExpireStale closes unpaid orders past their deadline and announces each
// change. It returns the expired order ids.
func (s *Service) ExpireStale(ctx context.Context) ([]string, error) {
	events, err := s.store.ExpireStale(ctx, s.now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "expire stale orders")
	}
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		ids = append(ids, evt.OrderID)
		if err := s.store.NotifyChange(ctx, evt); err != nil {
			s.log.Error().Err(err).Str("order_id", evt.OrderID).Msg("change notification failed")
		}
		s.log.Info().Str("order_id", evt.OrderID).Msg("order expired")
	}
	return ids, nil
}
