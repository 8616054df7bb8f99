package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"TablePay/internal/models"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaDispatcherRoutesConfirmedToKitchen(t *testing.T) {
	notes, kitchen := &fakeWriter{}, &fakeWriter{}
	k := &KafkaDispatcher{notifications: notes, kitchen: kitchen}

	d := NewDispatch("ORD-1", "PAY-9", models.PaymentConfirmed, models.OrderInPreparation, models.SourceWebhook, time.Now())
	if err := k.Dispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(notes.messages) != 1 || len(kitchen.messages) != 1 {
		t.Fatalf("notifications=%d kitchen=%d", len(notes.messages), len(kitchen.messages))
	}
	msg := notes.messages[0]
	if string(msg.Key) != "ORD-1" {
		t.Errorf("key = %s", msg.Key)
	}
	var got Dispatch
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != d.ID || got.PaymentStatus != models.PaymentConfirmed {
		t.Errorf("payload = %+v", got)
	}
}

func TestKafkaDispatcherSkipsKitchenOnFailure(t *testing.T) {
	notes, kitchen := &fakeWriter{}, &fakeWriter{}
	k := &KafkaDispatcher{notifications: notes, kitchen: kitchen}

	d := NewDispatch("ORD-2", "PAY-2", models.PaymentFailed, models.OrderCancelled, models.SourcePoll, time.Now())
	if err := k.Dispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(notes.messages) != 1 || len(kitchen.messages) != 0 {
		t.Fatalf("notifications=%d kitchen=%d", len(notes.messages), len(kitchen.messages))
	}
}

func TestKafkaDispatcherReturnsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	k := &KafkaDispatcher{notifications: &fakeWriter{err: boom}, kitchen: &fakeWriter{}}
	d := NewDispatch("ORD-3", "PAY-3", models.PaymentConfirmed, models.OrderPaid, models.SourceWebhook, time.Now())
	if err := k.Dispatch(context.Background(), d); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestKafkaDispatcherInjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer span.End()

	notes := &fakeWriter{}
	k := &KafkaDispatcher{notifications: notes, kitchen: &fakeWriter{}}
	d := NewDispatch("ORD-4", "PAY-4", models.PaymentFailed, models.OrderCancelled, models.SourcePoll, time.Now())
	if err := k.Dispatch(ctx, d); err != nil {
		t.Fatal(err)
	}
	carrier := headerCarrier{msg: &notes.messages[0]}
	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent header missing, keys = %v", carrier.Keys())
	}
}

func TestNewDispatchAssignsUniqueIDs(t *testing.T) {
	a := NewDispatch("ORD-1", "PAY-1", models.PaymentConfirmed, models.OrderPaid, models.SourcePoll, time.Now())
	b := NewDispatch("ORD-1", "PAY-1", models.PaymentConfirmed, models.OrderPaid, models.SourcePoll, time.Now())
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q", a.ID, b.ID)
	}
}
