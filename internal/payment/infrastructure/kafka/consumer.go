package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/pkg/outbox"
	"github.com/dmehra2102/payment-orchestrator/pkg/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, cmd application.ProcessCommand) (domain.Payment, error)
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
}

type Consumer struct {
	log    *slog.Logger
	reader Reader
	svc    PaymentProcessor
	idem   Deduper
	tracer trace.Tracer
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, reader Reader, svc PaymentProcessor, idem Deduper) *Consumer {
	return &Consumer{
		log:    log,
		reader: reader,
		svc:    svc,
		idem:   idem,
		tracer: otel.Tracer("payment-consumer"),
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed,
// whatever the payment outcome.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.Handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) {
	if t := headerValue(msg.Headers, outbox.HeaderEventType); t != domain.EventOrderCreated {
		c.log.Debug("event ignored", "event_type", t, "offset", msg.Offset)
		return
	}

	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	switch {
	case err != nil:
		// The service dedupes by order as well, so handling is still safe.
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	case seen:
		c.log.Info("duplicate message skipped", "key", key)
		return
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderCreated")
	defer span.End()

	var event domain.OrderCreated
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.log.Error("unmarshal failed", "offset", msg.Offset, "err", err)
		span.SetStatus(codes.Error, "bad payload")
		return
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	headers := map[string]string{"source": "payment-service"}
	cmd, err := ToCommand(event, headers, headerValue(msg.Headers, tracing.TraceparentHeader))
	if err != nil {
		c.log.Error("order event rejected", "order_id", event.OrderID, "err", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	p, err := c.svc.ProcessPayment(msgCtx, cmd)
	if err != nil {
		c.log.Error("payment process failed", "order_id", event.OrderID, "payment_id", p.ID, "kind", domain.Kind(err), "err", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	c.log.Info("payment processed", "order_id", event.OrderID, "payment_id", p.ID, "status", p.Status)
}

// ToCommand maps an OrderCreated event to a payment command. Explicit legs
// are taken as given; otherwise the legs follow PaymentMethod.
func ToCommand(ev domain.OrderCreated, headers map[string]string, traceparent string) (application.ProcessCommand, error) {
	cmd := application.ProcessCommand{
		OrderID:     ev.OrderID,
		MemberID:    ev.MemberID,
		TotalAmount: ev.TotalAmount,
		Headers:     headers,
		Traceparent: traceparent,
	}
	if ev.OrderID == "" {
		return cmd, errors.New("missing order_id")
	}

	if len(ev.Legs) > 0 {
		for _, l := range ev.Legs {
			m, err := domain.ParseMethod(l.Method)
			if err != nil {
				return cmd, err
			}
			cmd.Legs = append(cmd.Legs, application.LegCommand{Method: m, Amount: l.Amount, Metadata: l.Metadata})
		}
		return cmd, nil
	}

	m, err := domain.ParseMethod(ev.PaymentMethod)
	if err != nil {
		return cmd, err
	}
	cmd.Legs, err = application.DefaultLegs(m, ev.TotalAmount, ev.Metadata)
	return cmd, err
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
