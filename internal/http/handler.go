package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"TablePay/internal/dedupe"
	"TablePay/internal/logger"
	"TablePay/internal/models"
	"TablePay/internal/provider"
	"TablePay/internal/reconcile"
	"TablePay/internal/services"
	"TablePay/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type PaymentSyncer interface {
	Sync(ctx context.Context, paymentID, expectedOrderID string, source models.ClaimSource) (services.SyncResult, error)
}

type WebhookAuditor interface {
	RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent) error
}

type OrderStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, orderID string) error
}

type Handler struct {
	Orders        services.OrderService
	Payments      PaymentSyncer
	Audit         WebhookAuditor
	Dedupe        dedupe.Deduper
	Stream        OrderStreamer
	WebhookSecret string
	Log           zerolog.Logger
}

type createOrderRequest struct {
	TotalCents int64 `json:"totalCents"`
}

type orderResponse struct {
	OrderID            string `json:"orderId"`
	TotalCents         int64  `json:"totalCents"`
	Status             string `json:"status"`
	PaymentStatus      string `json:"paymentStatus"`
	ExternalPaymentID  string `json:"externalPaymentId,omitempty"`
	ExpiresAt          string `json:"expiresAt,omitempty"`
	PaymentConfirmedAt string `json:"paymentConfirmedAt,omitempty"`
	CancelledAt        string `json:"cancelledAt,omitempty"`
}

func newOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:       order.OrderID,
		TotalCents:    order.TotalCents,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
	}
	if order.ExternalPaymentID != nil {
		resp.ExternalPaymentID = *order.ExternalPaymentID
	}
	if order.ExpiresAt != nil {
		resp.ExpiresAt = order.ExpiresAt.Format(time.RFC3339)
	}
	if order.PaymentConfirmedAt != nil {
		resp.PaymentConfirmedAt = order.PaymentConfirmedAt.Format(time.RFC3339)
	}
	if order.CancelledAt != nil {
		resp.CancelledAt = order.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), req.TotalCents)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTotal) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Msg("create order failed")
		writeError(w, http.StatusInternalServerError, "create order failed")
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Str("order_id", orderID).Msg("get order failed")
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *Handler) StreamOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if err := h.Stream.Serve(w, r, orderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Str("order_id", orderID).Msg("order stream failed")
		writeError(w, http.StatusInternalServerError, "order stream failed")
	}
}

type pollRequest struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
}

// PollPayment is the proxy behind the client poll loop. It runs the same
// fetch-then-reconcile path as the webhook.
func (h *Handler) PollPayment(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.PaymentID == "" || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "paymentId and orderId are required")
		return
	}

	res, err := h.Payments.Sync(r.Context(), req.PaymentID, req.OrderID, models.SourcePoll)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoOrderReference):
			writeJSON(w, http.StatusOK, services.SyncResult{
				OrderID: req.OrderID,
				Result:  reconcile.Result{Outcome: reconcile.OutcomeMismatched, Reason: err.Error()},
			})
		case errors.Is(err, provider.ErrNotFound):
			writeError(w, http.StatusNotFound, "payment not found")
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		default:
			logger.Ctx(r.Context()).Error().Err(err).
				Str("payment_id", req.PaymentID).
				Str("order_id", req.OrderID).
				Msg("poll sync failed")
			writeError(w, http.StatusBadGateway, "payment status unavailable")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
