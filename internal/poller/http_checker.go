package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"TablePay/internal/reconcile"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPChecker calls the server's poll proxy, which fetches the payment from
// the gateway and reconciles it.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type pollRequest struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
}

func (c *HTTPChecker) Check(ctx context.Context, paymentID, orderID string) (reconcile.Result, error) {
	body, err := json.Marshal(pollRequest{PaymentID: paymentID, OrderID: orderID})
	if err != nil {
		return reconcile.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments/poll", bytes.NewReader(body))
	if err != nil {
		return reconcile.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return reconcile.Result{}, errors.Errorf("poll proxy status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out reconcile.Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return reconcile.Result{}, err
	}
	return out, nil
}
