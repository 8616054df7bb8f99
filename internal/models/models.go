package models

import "time"

type LifecycleStatus string

const (
	OrderCreated        LifecycleStatus = "created"
	OrderPendingPayment LifecycleStatus = "pending_payment"
	OrderPaid           LifecycleStatus = "paid"
	OrderInPreparation  LifecycleStatus = "in_preparation"
	OrderReady          LifecycleStatus = "ready"
	OrderCompleted      LifecycleStatus = "completed"
	OrderCancelled      LifecycleStatus = "cancelled"
	OrderExpired        LifecycleStatus = "expired"
)

// AwaitingPayment reports whether a payment outcome may still move the order.
func (s LifecycleStatus) AwaitingPayment() bool {
	return s == OrderCreated || s == OrderPendingPayment
}

func (s LifecycleStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentRefunded
}

type Order struct {
	OrderID            string
	TotalCents         int64
	Status             LifecycleStatus
	PaymentStatus      PaymentStatus
	ExternalPaymentID  *string
	ExpiresAt          *time.Time
	PaymentConfirmedAt *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Snapshot is the subset of an order the reconciler decides on.
type Snapshot struct {
	OrderID           string
	TotalCents        int64
	Status            LifecycleStatus
	PaymentStatus     PaymentStatus
	ExternalPaymentID string
}

func (o *Order) Snapshot() Snapshot {
	s := Snapshot{
		OrderID:       o.OrderID,
		TotalCents:    o.TotalCents,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
	}
	if o.ExternalPaymentID != nil {
		s.ExternalPaymentID = *o.ExternalPaymentID
	}
	return s
}

type ClaimSource string

const (
	SourceWebhook ClaimSource = "webhook"
	SourcePoll    ClaimSource = "poll"
)

// PaymentClaim is an unverified assertion that a payment reached some status.
type PaymentClaim struct {
	ExternalPaymentID string
	ProviderStatus    ProviderStatus
	AmountCents       int64
	ObservedAt        time.Time
	Source            ClaimSource
}

type ProviderStatus string

const (
	ProviderPending     ProviderStatus = "pending"
	ProviderApproved    ProviderStatus = "approved"
	ProviderAuthorized  ProviderStatus = "authorized"
	ProviderInProcess   ProviderStatus = "in_process"
	ProviderInMediation ProviderStatus = "in_mediation"
	ProviderRejected    ProviderStatus = "rejected"
	ProviderCancelled   ProviderStatus = "cancelled"
	ProviderRefunded    ProviderStatus = "refunded"
)

// ProviderPayment is the gateway's canonical view of a payment.
type ProviderPayment struct {
	ID                string
	Status            ProviderStatus
	AmountCents       int64
	OrderID           string
	ExternalReference string
	UpdatedAt         time.Time
}

// ResolveOrderID prefers the metadata order id over the external reference.
func (p ProviderPayment) ResolveOrderID() string {
	if p.OrderID != "" {
		return p.OrderID
	}
	return p.ExternalReference
}

// Transition is a conditional write applied by CompareAndSetPaymentStatus.
type Transition struct {
	ExpectedPayment   PaymentStatus
	ExternalPaymentID string
	Payment           PaymentStatus
	Lifecycle         LifecycleStatus
	At                time.Time
}

// ChangeEvent is broadcast on every committed write to an order.
type ChangeEvent struct {
	OrderID         string          `json:"orderId"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	LifecycleStatus LifecycleStatus `json:"lifecycleStatus"`
	At              time.Time       `json:"at"`
}

// Settled reports whether the event carries a terminal payment outcome.
func (e ChangeEvent) Settled() bool {
	return e.PaymentStatus.Terminal() || e.LifecycleStatus.Terminal()
}

type WebhookEvent struct {
	DeliveryID string
	EventType  string
	PaymentID  string
	OrderID    string
	Outcome    string
	ReceivedAt time.Time
}
