package services

import (
	"context"
	"time"

	"TablePay/internal/models"
	"TablePay/internal/reconcile"

	"github.com/pkg/errors"
)

var (
	ErrMissingPaymentID = errors.New("missing payment id")
	ErrNoOrderReference = errors.New("payment carries no order reference")
)

type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (models.ProviderPayment, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, orderID string, claim models.PaymentClaim) (reconcile.Result, error)
}

// PaymentService turns a payment id into a verified claim: it always
// re-fetches the gateway's canonical state before reconciling.
type PaymentService struct {
	Provider   PaymentFetcher
	Reconciler Reconciler
}

type SyncResult struct {
	reconcile.Result
	OrderID string                 `json:"orderId"`
	Payment models.ProviderPayment `json:"-"`
}

// Sync fetches paymentID and reconciles it against the order named in the
// payment's metadata. When expectedOrderID is set and the payment belongs
// to another order, nothing is reconciled and the outcome is mismatched.
func (s PaymentService) Sync(ctx context.Context, paymentID, expectedOrderID string, source models.ClaimSource) (SyncResult, error) {
	if paymentID == "" {
		return SyncResult{}, ErrMissingPaymentID
	}

	payment, err := s.Provider.GetPayment(ctx, paymentID)
	if err != nil {
		return SyncResult{}, err
	}

	orderID := payment.ResolveOrderID()
	out := SyncResult{OrderID: orderID, Payment: payment}
	if orderID == "" {
		return out, ErrNoOrderReference
	}
	if expectedOrderID != "" && expectedOrderID != orderID {
		out.OrderID = expectedOrderID
		out.Result = reconcile.Result{
			Outcome: reconcile.OutcomeMismatched,
			Reason:  "payment belongs to order " + orderID,
		}
		return out, nil
	}

	observed := payment.UpdatedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	res, err := s.Reconciler.Reconcile(ctx, orderID, models.PaymentClaim{
		ExternalPaymentID: payment.ID,
		ProviderStatus:    payment.Status,
		AmountCents:       payment.AmountCents,
		ObservedAt:        observed,
		Source:            source,
	})
	if err != nil {
		return out, errors.Wrapf(err, "reconcile payment %s", payment.ID)
	}
	out.Result = res
	return out, nil
}
