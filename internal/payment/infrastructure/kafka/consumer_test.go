package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCommandDerivesLegs(t *testing.T) {
	tests := []struct {
		name   string
		method string
		total  int64
		want   []application.LegCommand
	}{
		{
			name: "card", method: "card", total: 10_000,
			want: []application.LegCommand{{Method: domain.MethodCard, Amount: 10_000}},
		},
		{
			name: "composite splits 70/30", method: "composite", total: 10_000,
			want: []application.LegCommand{
				{Method: domain.MethodCard, Amount: 7_000},
				{Method: domain.MethodPoints, Amount: 3_000},
			},
		},
		{
			name: "composite rounds points down", method: "composite", total: 10_001,
			want: []application.LegCommand{
				{Method: domain.MethodCard, Amount: 7_001},
				{Method: domain.MethodPoints, Amount: 3_000},
			},
		},
		{
			name: "deferred defaults installments", method: "deferred", total: 50_000,
			want: []application.LegCommand{{Method: domain.MethodDeferred, Amount: 50_000,
				Metadata: map[string]string{domain.MetaInstallmentMonths: "3"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ToCommand(domain.OrderCreated{OrderID: "o-1", MemberID: "m-1", TotalAmount: tt.total, PaymentMethod: tt.method}, nil, "")
			require.NoError(t, err)
			assert.Equal(t, "o-1", cmd.OrderID)
			assert.Equal(t, tt.total, cmd.TotalAmount)
			assert.Equal(t, tt.want, cmd.Legs)
		})
	}
}

func TestToCommandKeepsExplicitLegs(t *testing.T) {
	ev := domain.OrderCreated{
		OrderID: "o-2", MemberID: "m-1", TotalAmount: 10_000, PaymentMethod: "composite",
		Legs: []domain.OrderLeg{
			{Method: "card", Amount: 9_000},
			{Method: "coupon", Amount: 1_000, Metadata: map[string]string{"coupon_code": "WELCOME1000"}},
		},
	}
	cmd, err := ToCommand(ev, map[string]string{"source": "x"}, "tp")
	require.NoError(t, err)
	require.Len(t, cmd.Legs, 2)
	assert.Equal(t, domain.MethodCoupon, cmd.Legs[1].Method)
	assert.Equal(t, "WELCOME1000", cmd.Legs[1].Metadata["coupon_code"])
	assert.Equal(t, "tp", cmd.Traceparent)
}

func TestToCommandRejects(t *testing.T) {
	_, err := ToCommand(domain.OrderCreated{OrderID: "o-3", PaymentMethod: "cash"}, nil, "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedMethod)

	_, err = ToCommand(domain.OrderCreated{PaymentMethod: "card"}, nil, "")
	assert.Error(t, err)
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *fakeDeduper) Key(topic string, partition int, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}

func (d *fakeDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	was := d.seen[key]
	d.seen[key] = true
	return was, nil
}

type fakeService struct {
	mu   sync.Mutex
	cmds []application.ProcessCommand
	err  error
}

func (s *fakeService) ProcessPayment(ctx context.Context, cmd application.ProcessCommand) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return domain.Payment{ID: "p-1", OrderID: cmd.OrderID}, s.err
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func orderMessage(t *testing.T, offset int64, eventType string, ev domain.OrderCreated) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{
		Topic:  "order.events",
		Offset: offset,
		Value:  b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "traceparent", Value: []byte("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")},
		},
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunHandlesOrderCreatedAndCommitsEverything(t *testing.T) {
	ev := domain.OrderCreated{OrderID: "o-1", MemberID: "m-1", TotalAmount: 10_000, PaymentMethod: "card"}
	reader := &fakeReader{msgs: []kafka.Message{
		orderMessage(t, 1, "OrderCreated", ev),
		orderMessage(t, 2, "OrderShipped", ev),
		{Topic: "order.events", Offset: 3, Value: []byte("{"), Headers: []kafka.Header{{Key: "event_type", Value: []byte("OrderCreated")}}},
		orderMessage(t, 1, "OrderCreated", ev),
	}}
	svc := &fakeService{}
	c := NewConsumer(quiet(), reader, svc, &fakeDeduper{})

	require.NoError(t, c.Run(context.Background()))

	require.Len(t, svc.cmds, 1)
	assert.Equal(t, "o-1", svc.cmds[0].OrderID)
	assert.Contains(t, svc.cmds[0].Traceparent, "0af7651916cd43dd8448eb211c80319c")
	assert.Equal(t, []int64{1, 2, 3, 1}, reader.committed)
	assert.True(t, reader.closed)
}

func TestHandleProceedsWhenDedupeUnavailable(t *testing.T) {
	ev := domain.OrderCreated{OrderID: "o-9", MemberID: "m-1", TotalAmount: 10_000, PaymentMethod: "card"}
	svc := &fakeService{err: &domain.LegFailure{Method: domain.MethodCard, Reason: "declined"}}
	c := NewConsumer(quiet(), &fakeReader{}, svc, &fakeDeduper{err: errors.New("redis down")})

	c.Handle(context.Background(), orderMessage(t, 5, "OrderCreated", ev))

	assert.Len(t, svc.cmds, 1)
}

func TestRunReturnsReaderErrors(t *testing.T) {
	r := &errReader{err: io.ErrUnexpectedEOF}
	c := NewConsumer(quiet(), r, &fakeService{}, &fakeDeduper{})
	assert.ErrorIs(t, c.Run(context.Background()), io.ErrUnexpectedEOF)
}

type errReader struct {
	fakeReader
	err error
}

func (r *errReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return kafka.Message{}, r.err
}
