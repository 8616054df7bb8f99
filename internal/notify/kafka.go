package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes every dispatch to the notification topic and,
// for confirmed payments, to the kitchen routing topic.
type KafkaDispatcher struct {
	notifications messageWriter
	kitchen       messageWriter
}

func NewKafkaDispatcher(brokers []string, notificationTopic, kitchenTopic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		notifications: newWriter(brokers, notificationTopic),
		kitchen:       newWriter(brokers, kitchenTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (k *KafkaDispatcher) Dispatch(ctx context.Context, d Dispatch) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(d.OrderID), Value: body}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	if err := k.notifications.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish notification for order %s", d.OrderID)
	}
	if d.RoutesToKitchen() {
		if err := k.kitchen.WriteMessages(ctx, msg); err != nil {
			return errors.Wrapf(err, "publish kitchen routing for order %s", d.OrderID)
		}
	}
	return nil
}

func (k *KafkaDispatcher) Close() error {
	err1 := k.notifications.Close()
	err2 := k.kitchen.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// headerCarrier adapts kafka headers to the otel propagation carrier.
type headerCarrier struct {
	msg *kafka.Message
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	out := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		out = append(out, h.Key)
	}
	return out
}
