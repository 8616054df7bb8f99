package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"TablePay/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Options struct {
	Token             string
	Timeout           time.Duration
	MaxRetries        int
	FailoverThreshold int
	Backoff           time.Duration
}

// MultiClient spreads fetches over several gateway endpoints. Transient
// failures count against the active endpoint and rotate it once the
// threshold is reached; every call is retried up to MaxRetries times.
type MultiClient struct {
	clients       []*HTTPClient
	index         int
	failCount     int
	failThreshold int
	maxRetries    int
	backoff       time.Duration
	log           zerolog.Logger
	mu            sync.Mutex
}

func NewMultiClient(endpoints []string, opts Options, log zerolog.Logger) (*MultiClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("provider endpoints is empty")
	}
	if opts.FailoverThreshold <= 0 {
		opts.FailoverThreshold = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	clients := make([]*HTTPClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewHTTPClient(ep, opts.Token, opts.Timeout))
	}
	return &MultiClient{
		clients:       clients,
		failThreshold: opts.FailoverThreshold,
		maxRetries:    opts.MaxRetries,
		backoff:       opts.Backoff,
		log:           log,
	}, nil
}

func (m *MultiClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiClient) GetPayment(ctx context.Context, paymentID string) (models.ProviderPayment, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		client, idx := m.currentClient()
		out, err := client.GetPayment(ctx, paymentID)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return models.ProviderPayment{}, err
		}
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		m.log.Warn().Err(err).
			Str("payment_id", paymentID).
			Str("endpoint", client.baseURL).
			Int("attempt", attempt+1).
			Msg("provider fetch failed")

		if attempt == m.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return models.ProviderPayment{}, ctx.Err()
		case <-time.After(m.backoff << attempt):
		}
	}
	return models.ProviderPayment{}, errors.Wrapf(lastErr, "fetch payment %s", paymentID)
}

func (m *MultiClient) currentClient() (*HTTPClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
