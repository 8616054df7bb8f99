package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"TablePay/internal/metrics"
	"TablePay/internal/models"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotFound = errors.New("payment not found")

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider http status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("provider http status %d", e.Code)
}

// IsTransient reports whether a fetch failure is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// HTTPClient talks to a single gateway endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	tracer  trace.Tracer
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("tablepay/provider"),
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// GetPayment fetches the canonical payment by id.
func (c *HTTPClient) GetPayment(ctx context.Context, paymentID string) (models.ProviderPayment, error) {
	ctx, span := c.tracer.Start(ctx, "provider.GetPayment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID), attribute.String("provider.endpoint", c.baseURL))

	start := time.Now()
	p, err := c.getPayment(ctx, paymentID)
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(resultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.ProviderPayment{}, err
	}
	metrics.ProviderRequests.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("payment.status", string(p.Status)))
	return p, nil
}

func (c *HTTPClient) getPayment(ctx context.Context, paymentID string) (models.ProviderPayment, error) {
	endpoint := c.baseURL + "/v1/payments/" + url.PathEscape(paymentID)
	var resp paymentResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return models.ProviderPayment{}, errors.Wrapf(ErrNotFound, "payment %s", paymentID)
		}
		return models.ProviderPayment{}, err
	}
	return resp.toModel(paymentID)
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// Gateway response types

type paymentResponse struct {
	ID                json.RawMessage `json:"id"`
	Status            string          `json:"status"`
	Amount            *float64        `json:"amount"`
	TransactionAmount *float64        `json:"transaction_amount"`
	ExternalReference string          `json:"external_reference"`
	Metadata          struct {
		OrderID      string `json:"order_id"`
		OrderIDCamel string `json:"orderId"`
	} `json:"metadata"`
	DateLastUpdated string `json:"date_last_updated"`
}

func (r paymentResponse) toModel(requestedID string) (models.ProviderPayment, error) {
	id := strings.Trim(strings.TrimSpace(string(r.ID)), `"`)
	if id == "" || id == "null" {
		id = requestedID
	}
	if r.Status == "" {
		return models.ProviderPayment{}, errors.Errorf("payment %s: empty status", id)
	}

	p := models.ProviderPayment{
		ID:                id,
		Status:            models.ProviderStatus(strings.ToLower(r.Status)),
		ExternalReference: r.ExternalReference,
		OrderID:           r.Metadata.OrderID,
	}
	if p.OrderID == "" {
		p.OrderID = r.Metadata.OrderIDCamel
	}
	switch {
	case r.TransactionAmount != nil:
		p.AmountCents = toCents(*r.TransactionAmount)
	case r.Amount != nil:
		p.AmountCents = toCents(*r.Amount)
	}
	if ts, err := time.Parse(time.RFC3339, r.DateLastUpdated); err == nil {
		p.UpdatedAt = ts.UTC()
	}
	return p, nil
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
