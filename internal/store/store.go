package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"TablePay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const changeChannel = "order_changes"

var ErrNotFound = errors.New("order not found")

type Store struct {
	Pool *pgxpool.Pool
	hub  *Hub
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{Pool: pool, hub: NewHub(), log: log}
}

const orderColumns = `order_id, total_cents, status, payment_status, external_payment_id,
	expires_at, payment_confirmed_at, cancelled_at, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, total_cents, status, payment_status, external_payment_id, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6)
	`,
		order.OrderID,
		order.TotalCents,
		order.Status,
		order.PaymentStatus,
		order.ExternalPaymentID,
		order.ExpiresAt,
	)
	return errors.Wrapf(err, "insert order %s", order.OrderID)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	return order, nil
}

func (s *Store) GetOrderSnapshot(ctx context.Context, orderID string) (models.Snapshot, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return order.Snapshot(), nil
}

// AttachExternalPaymentIDIfAbsent sets the id only while none is stored and
// the order still awaits payment.
func (s *Store) AttachExternalPaymentIDIfAbsent(ctx context.Context, orderID, paymentID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET external_payment_id=$2, updated_at=now()
		WHERE order_id=$1 AND external_payment_id IS NULL
			AND status IN ('created','pending_payment')
	`, orderID, paymentID)
	if err != nil {
		return false, errors.Wrapf(err, "attach payment id to order %s", orderID)
	}
	return res.RowsAffected() > 0, nil
}

// CompareAndSetPaymentStatus applies t only if the stored row still matches
// its expectations. It reports whether this call performed the write.
func (s *Store) CompareAndSetPaymentStatus(ctx context.Context, orderID string, t models.Transition) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET payment_status=$3::text,
			status=$4::text,
			payment_confirmed_at=CASE WHEN $3::text='confirmed' THEN $5 ELSE payment_confirmed_at END,
			cancelled_at=CASE WHEN $4::text='cancelled' THEN $5 ELSE cancelled_at END,
			updated_at=now()
		WHERE order_id=$1
			AND payment_status=$2
			AND external_payment_id=$6
			AND status IN ('created','pending_payment')
	`, orderID, t.ExpectedPayment, string(t.Payment), string(t.Lifecycle), t.At, t.ExternalPaymentID)
	if err != nil {
		return false, errors.Wrapf(err, "compare-and-set order %s", orderID)
	}
	return res.RowsAffected() > 0, nil
}

// ExpireStale moves unpaid orders past their deadline to expired.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]models.ChangeEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE orders
		SET status='expired', updated_at=now()
		WHERE status IN ('created','pending_payment')
			AND payment_status='pending'
			AND expires_at < $1
		RETURNING order_id, payment_status, status, updated_at
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "expire stale orders")
	}
	defer rows.Close()

	var out []models.ChangeEvent
	for rows.Next() {
		var evt models.ChangeEvent
		if err := rows.Scan(&evt.OrderID, &evt.PaymentStatus, &evt.LifecycleStatus, &evt.At); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// ListAwaitingPayment returns orders with an attached payment id that are
// still unsettled and were created before olderThan.
func (s *Store) ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]models.Snapshot, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('created','pending_payment')
			AND payment_status='pending'
			AND external_payment_id IS NOT NULL
			AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list awaiting payment")
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order.Snapshot())
	}
	return out, rows.Err()
}

func (s *Store) RecordWebhookEvent(ctx context.Context, evt models.WebhookEvent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO webhook_events (
			delivery_id, event_type, payment_id, order_id, outcome, received_at
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (delivery_id) DO NOTHING
	`,
		evt.DeliveryID,
		evt.EventType,
		evt.PaymentID,
		evt.OrderID,
		evt.Outcome,
		evt.ReceivedAt,
	)
	return errors.Wrap(err, "record webhook event")
}

// NotifyChange broadcasts evt to every process listening on order_changes.
func (s *Store) NotifyChange(ctx context.Context, evt models.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(payload))
	return errors.Wrapf(err, "notify change for order %s", evt.OrderID)
}

// Subscribe registers fn for change events of orderID. Events are delivered
// only while Listen is running.
func (s *Store) Subscribe(ctx context.Context, orderID string, fn func(models.ChangeEvent)) (func(), error) {
	return s.hub.Subscribe(orderID, fn), nil
}

// Listen holds a dedicated connection on LISTEN order_changes and feeds the
// hub until ctx is done, reconnecting on failure.
func (s *Store) Listen(ctx context.Context) {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("change listener failed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire listener connection")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return errors.Wrap(err, "listen")
	}
	s.log.Info().Str("channel", changeChannel).Msg("change listener connected")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var evt models.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
			s.log.Warn().Err(err).Str("payload", n.Payload).Msg("bad change payload")
			continue
		}
		s.hub.Publish(evt)
	}
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var externalID sql.NullString
	var expiresAt, confirmedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&order.OrderID,
		&order.TotalCents,
		&order.Status,
		&order.PaymentStatus,
		&externalID,
		&expiresAt,
		&confirmedAt,
		&cancelledAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if externalID.Valid {
		order.ExternalPaymentID = &externalID.String
	}
	if expiresAt.Valid {
		order.ExpiresAt = &expiresAt.Time
	}
	if confirmedAt.Valid {
		order.PaymentConfirmedAt = &confirmedAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = &cancelledAt.Time
	}
	return &order, nil
}
