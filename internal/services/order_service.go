package services

import (
	"context"
	"time"

	"TablePay/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrInvalidTotal = errors.New("order total must be positive")

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// OrderService opens orders awaiting payment. Everything after creation is
// written by the reconciler.
type OrderService struct {
	Store OrderStore
	TTL   time.Duration
}

func (s OrderService) CreateOrder(ctx context.Context, totalCents int64) (*models.Order, error) {
	if totalCents <= 0 {
		return nil, ErrInvalidTotal
	}

	now := time.Now().UTC()
	expires := now.Add(s.TTL)
	order := &models.Order{
		OrderID:       uuid.NewString(),
		TotalCents:    totalCents,
		Status:        models.OrderPendingPayment,
		PaymentStatus: models.PaymentPending,
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}
