package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"TablePay/internal/models"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WSSource subscribes to the api's order stream over websocket and
// reconnects until unsubscribed.
type WSSource struct {
	baseURL   string
	dialer    websocket.Dialer
	reconnect time.Duration
	log       zerolog.Logger
}

func NewWSSource(baseURL string, log zerolog.Logger) *WSSource {
	return &WSSource{
		baseURL:   toWSURL(baseURL),
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: 2 * time.Second,
		log:       log,
	}
}

func toWSURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

type wsSubscription struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscription) set(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *wsSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Subscribe dials once synchronously so connection errors surface to the
// caller; later drops are retried in the background.
func (w *WSSource) Subscribe(ctx context.Context, orderID string, fn func(models.ChangeEvent)) (func(), error) {
	endpoint := w.baseURL + "/ws/orders/" + url.PathEscape(orderID)
	conn, _, err := w.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{conn: conn}
	go func() {
		<-ctx.Done()
		sub.close()
	}()
	go w.run(ctx, endpoint, sub, conn, fn)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (w *WSSource) run(ctx context.Context, endpoint string, sub *wsSubscription, conn *websocket.Conn, fn func(models.ChangeEvent)) {
	for {
		w.read(ctx, conn, fn)
		_ = conn.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.reconnect):
			}
			next, _, err := w.dialer.DialContext(ctx, endpoint, nil)
			if err != nil {
				w.log.Warn().Err(err).Str("endpoint", endpoint).Msg("ws reconnect failed")
				continue
			}
			conn = next
			sub.set(conn)
			if ctx.Err() != nil {
				_ = conn.Close()
				return
			}
			w.log.Info().Str("endpoint", endpoint).Msg("ws reconnected")
			break
		}
	}
}

func (w *WSSource) read(ctx context.Context, conn *websocket.Conn, fn func(models.ChangeEvent)) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("ws read failed")
			}
			return
		}
		var evt models.ChangeEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			w.log.Warn().Err(err).Msg("ws parse failed")
			continue
		}
		fn(evt)
	}
}
