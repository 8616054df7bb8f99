package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"TablePay/internal/dedupe"
	"TablePay/internal/logger"
	"TablePay/internal/metrics"
	"TablePay/internal/models"
	"TablePay/internal/provider"
	"TablePay/internal/reconcile"
	"TablePay/internal/services"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const maxWebhookBody = 1 << 20

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
)

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type webhookPayload struct {
	ID     flexID `json:"id"`
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

type webhookEvent struct {
	deliveryID string
	eventType  string
	paymentID  string
}

// parseWebhook reads the event from a JSON body, falling back to the
// query-string form some gateways use.
func parseWebhook(r *http.Request) (webhookEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return webhookEvent{}, err
	}

	var p webhookPayload
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return webhookEvent{}, errors.Wrap(err, "invalid json body")
		}
	}

	q := r.URL.Query()
	evt := webhookEvent{
		deliveryID: string(p.ID),
		eventType:  firstNonEmpty(p.Type, p.Topic, q.Get("type"), q.Get("topic")),
		paymentID:  firstNonEmpty(string(p.Data.ID), q.Get("data.id")),
	}
	if evt.paymentID == "" && q.Get("topic") != "" {
		evt.paymentID = q.Get("id")
	}
	if evt.eventType == "" {
		return webhookEvent{}, errors.New("missing event type")
	}
	if evt.deliveryID == "" {
		evt.deliveryID = firstNonEmpty(r.Header.Get("X-Request-Id"), uuid.NewString())
	}
	return evt, nil
}

// PaymentWebhook answers 200 for every handled event, including no-ops and
// rejected claims. Only malformed input, bad signatures and infrastructure
// failures produce other statuses.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer("tablepay/http").Start(ctx, "webhook.payment")
	defer span.End()
	log := logger.Ctx(r.Context())

	evt, err := parseWebhook(r)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.String("webhook.type", evt.eventType), attribute.String("payment.id", evt.paymentID))

	if evt.eventType != "payment" {
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		log.Info().Str("event_id", evt.deliveryID).Str("type", evt.eventType).Msg("webhook ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if evt.paymentID == "" {
		metrics.WebhookRequests.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}

	if h.WebhookSecret != "" {
		if err := verifySignature(h.WebhookSecret, r.Header.Get("X-Signature"), r.Header.Get("X-Request-Id"), evt.paymentID); err != nil {
			metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
			log.Warn().Err(err).Str("event_id", evt.deliveryID).Str("payment_id", evt.paymentID).Msg("webhook signature rejected")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	key := dedupe.Key(evt.deliveryID, evt.paymentID)
	if h.Dedupe != nil {
		seen, err := h.Dedupe.Seen(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("dedupe lookup failed")
		}
		if seen {
			h.finishWebhook(w, r, evt, "", "duplicate_delivery", http.StatusOK)
			return
		}
	}

	res, err := h.Payments.Sync(ctx, evt.paymentID, "", models.SourceWebhook)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNotFound):
			h.finishWebhook(w, r, evt, "", "payment_not_found", http.StatusOK)
		case errors.Is(err, services.ErrNoOrderReference):
			h.finishWebhook(w, r, evt, "", "unresolved_order", http.StatusOK)
		case errors.Is(err, reconcile.ErrOrderNotFound):
			h.finishWebhook(w, r, evt, res.OrderID, "order_not_found", http.StatusOK)
		default:
			span.RecordError(err)
			log.Error().Err(err).Str("event_id", evt.deliveryID).Str("payment_id", evt.paymentID).Msg("webhook sync failed")
			h.finishWebhook(w, r, evt, res.OrderID, "error", http.StatusInternalServerError)
		}
		return
	}

	if !res.Pending && h.Dedupe != nil {
		if err := h.Dedupe.Mark(ctx, key); err != nil {
			log.Warn().Err(err).Msg("dedupe mark failed")
		}
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))
	h.finishWebhook(w, r, evt, res.OrderID, string(res.Outcome), http.StatusOK)
}

// finishWebhook audits and logs the delivery, then writes the response.
func (h *Handler) finishWebhook(w http.ResponseWriter, r *http.Request, evt webhookEvent, orderID, outcome string, status int) {
	log := logger.Ctx(r.Context())
	if h.Audit != nil {
		err := h.Audit.RecordWebhookEvent(r.Context(), models.WebhookEvent{
			DeliveryID: evt.deliveryID,
			EventType:  evt.eventType,
			PaymentID:  evt.paymentID,
			OrderID:    orderID,
			Outcome:    outcome,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Error().Err(err).Str("event_id", evt.deliveryID).Msg("webhook audit failed")
		}
	}

	metrics.WebhookRequests.WithLabelValues(outcome).Inc()
	log.Info().
		Str("event_id", evt.deliveryID).
		Str("payment_id", evt.paymentID).
		Str("order_id", orderID).
		Str("outcome", outcome).
		Int("status", status).
		Msg("payment webhook")

	if status != http.StatusOK {
		writeError(w, status, outcome)
		return
	}
	writeJSON(w, status, map[string]string{"status": "ok", "outcome": outcome})
}

// verifySignature checks "ts=<unix>,v1=<hex hmac>" over the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func verifySignature(secret, header, requestID, dataID string) error {
	if header == "" {
		return errMissingSignature
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return errMissingSignature
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return errBadSignature
	}
	if !hmac.Equal(got, signManifest(secret, dataID, requestID, ts)) {
		return errBadSignature
	}
	return nil
}

func signManifest(secret, dataID, requestID, ts string) []byte {
	manifest := "id:" + strings.ToLower(dataID) + ";request-id:" + requestID + ";ts:" + ts + ";"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
