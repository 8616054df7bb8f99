package realtime

import (
	"context"
	"net/http"
	"time"

	"TablePay/internal/models"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 16
)

type SnapshotReader interface {
	GetOrderSnapshot(ctx context.Context, orderID string) (models.Snapshot, error)
}

// Hub streams an order's change events to websocket clients. The first
// frame is always the current snapshot.
type Hub struct {
	source   Source
	orders   SnapshotReader
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(source Source, orders SnapshotReader, log zerolog.Logger) *Hub {
	return &Hub{
		source: source,
		orders: orders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and streams events for orderID until the
// client disconnects. Errors are only returned before the upgrade, so the
// caller can still answer with a plain HTTP status.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orderID string) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan models.ChangeEvent, sendBuffer)
	unsub, err := h.source.Subscribe(ctx, orderID, func(evt models.ChangeEvent) {
		select {
		case events <- evt:
		default:
			h.log.Warn().Str("order_id", orderID).Msg("subscriber too slow, event dropped")
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	defer unsub()

	snap, err := h.orders.GetOrderSnapshot(ctx, orderID)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("order_id", orderID).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	first := models.ChangeEvent{
		OrderID:         snap.OrderID,
		PaymentStatus:   snap.PaymentStatus,
		LifecycleStatus: snap.Status,
		At:              time.Now().UTC(),
	}
	if err := writeFrame(conn, first); err != nil {
		return nil
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case evt := <-events:
			if err := writeFrame(conn, evt); err != nil {
				h.log.Debug().Err(err).Str("order_id", orderID).Msg("websocket write failed")
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}

// readPump drains client frames so control messages are processed.
func (h *Hub) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, evt models.ChangeEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}
