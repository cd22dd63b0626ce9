package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu          sync.Mutex
	seq         int
	byID        map[string]domain.Payment
	order       []string
	outbox      []OutboxEvent
	saveErr     error
	outboxFails int // next n SaveWithOutbox calls fail
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]domain.Payment{}}
}

func clone(p domain.Payment) domain.Payment {
	p.Legs = slices.Clone(p.Legs)
	for i := range p.Legs {
		p.Legs[i].Metadata = maps.Clone(p.Legs[i].Metadata)
	}
	return p
}

func (r *memRepo) Save(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return domain.Payment{}, r.saveErr
	}
	if p.ID == "" {
		r.seq++
		p.ID = fmt.Sprintf("pay-%d", r.seq)
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = clone(p)
	return clone(p), nil
}

func (r *memRepo) SaveWithOutbox(ctx context.Context, p domain.Payment, ev OutboxEvent) (domain.Payment, error) {
	r.mu.Lock()
	if r.outboxFails > 0 {
		r.outboxFails--
		r.mu.Unlock()
		return domain.Payment{}, errors.New("db blip")
	}
	r.mu.Unlock()
	saved, err := r.Save(ctx, p)
	if err != nil {
		return saved, err
	}
	r.mu.Lock()
	r.outbox = append(r.outbox, ev)
	r.mu.Unlock()
	return saved, nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clone(p), nil
}

func (r *memRepo) FindByOrderID(ctx context.Context, orderID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if p := r.byID[r.order[i]]; p.OrderID == orderID {
			return clone(p), nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r *memRepo) FindStale(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, id := range r.order {
		p := r.byID[id]
		if !p.Status.Terminal() && p.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (r *memRepo) events() []OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.outbox)
}

type spy struct {
	processor.Processor
	mu          sync.Mutex
	executes    int
	compensates int
}

func (s *spy) Execute(ctx context.Context, req processor.ExecuteRequest) (processor.LegResult, error) {
	s.mu.Lock()
	s.executes++
	s.mu.Unlock()
	return s.Processor.Execute(ctx, req)
}

func (s *spy) Compensate(ctx context.Context, req processor.CompensateRequest) (processor.LegResult, error) {
	s.mu.Lock()
	s.compensates++
	s.mu.Unlock()
	return s.Processor.Compensate(ctx, req)
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	points *gateway.Points
	card   *spy
	all    []*spy
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cardOpts []gateway.Option, svcOpts ...Option) *fixture {
	t.Helper()
	log := discard()
	points := gateway.NewPoints(log)
	f := &fixture{repo: newMemRepo(), points: points}

	wrap := func(p processor.Processor) processor.Processor {
		s := &spy{Processor: processor.Chain(p, processor.WithLogging(log), processor.WithTimeout(time.Second))}
		f.all = append(f.all, s)
		return s
	}
	card := wrap(processor.NewCard(gateway.NewCardNetwork(log, cardOpts...)))
	f.card = card.(*spy)
	reg, err := processor.NewRegistry(
		card,
		wrap(processor.NewPoints(points)),
		wrap(processor.NewCoupon(gateway.NewCoupons(log, gateway.DefaultCoupons()))),
		wrap(processor.NewDeferred(gateway.NewCreditLine(log, gateway.FixedScore(720)))),
	)
	require.NoError(t, err)
	f.svc = NewService(log, f.repo, reg, svcOpts...)
	return f
}

func (f *fixture) executes() int {
	n := 0
	for _, s := range f.all {
		n += s.executes
	}
	return n
}

func cmd(orderID string, total int64, legs ...LegCommand) ProcessCommand {
	return ProcessCommand{OrderID: orderID, MemberID: "m-1", TotalAmount: total, Legs: legs}
}

func legCmd(m domain.Method, amount int64) LegCommand {
	return LegCommand{Method: m, Amount: amount}
}

func TestScenarioA_SingleCard(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-a", 10_000, legCmd(domain.MethodCard, 10_000)))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.Equal(t, domain.MethodCard, p.Method)
	require.NotNil(t, p.CompletedAt)
	require.Len(t, p.Legs, 1)
	assert.Equal(t, domain.LegSuccess, p.Legs[0].Status)
	assert.True(t, strings.HasPrefix(p.Legs[0].TransactionID, "PG-"))

	evs := f.repo.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventPaymentCompleted, evs[0].Type)
	var ev domain.PaymentCompleted
	require.NoError(t, json.Unmarshal(evs[0].Payload, &ev))
	assert.Equal(t, p.ID, ev.PaymentID)
	assert.Equal(t, int64(10_000), ev.TotalAmount)
	assert.Equal(t, domain.StatusCompleted, ev.Status)
}

func TestScenarioB_CouponAlone(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-b", 10_000, legCmd(domain.MethodCoupon, 10_000)))

	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, "coupon cannot be sole payment method", p.FailureReason)
	assert.Zero(t, f.executes())
	assert.Equal(t, domain.EventPaymentFailed, f.repo.events()[0].Type)
}

func TestScenarioC_CardAndPoints(t *testing.T) {
	f := newFixture(t, nil)
	f.points.Seed("m-1", 3_000)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-c", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.Equal(t, domain.MethodComposite, p.Method)
	for _, l := range p.Legs {
		assert.Equal(t, domain.LegSuccess, l.Status)
	}
	assert.Equal(t, int64(10_000), p.ProcessedAmount())

	bal, err := f.points.Balance(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestScenarioD_InsufficientPoints(t *testing.T) {
	f := newFixture(t, nil)
	f.points.Seed("m-1", 1_000)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-d", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "preflight", verr.Rule)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "insufficient points")
	assert.Zero(t, f.card.executes)
	assert.Zero(t, f.executes())
}

func TestScenarioE_CardFailsAfterPoints(t *testing.T) {
	f := newFixture(t, []gateway.Option{gateway.WithFaults(gateway.DeclineOps("issuer declined", gateway.OpAuthorize))})
	f.points.Seed("m-1", 3_000)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-e", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))

	require.ErrorIs(t, err, domain.ErrLegExecution)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, "card declined: issuer declined", p.FailureReason)

	card, points := p.Legs[0], p.Legs[1]
	assert.Equal(t, domain.LegFailed, card.Status)
	assert.Equal(t, domain.LegCancelled, points.Status)
	assert.True(t, strings.HasPrefix(points.CompensationTxID, "POINT_CANCEL_"))

	bal, err := f.points.Balance(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), bal)

	stored, err := f.svc.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegCancelled, stored.Legs[1].Status)
}

func TestDeferredBillingAlone(t *testing.T) {
	f := newFixture(t, nil)

	c := cmd("o-bnpl", 50_000, LegCommand{Method: domain.MethodDeferred, Amount: 50_000,
		Metadata: map[string]string{domain.MetaInstallmentMonths: "6"}})
	p, err := f.svc.ProcessPayment(context.Background(), c)

	require.NoError(t, err)
	assert.Equal(t, domain.MethodDeferred, p.Method)
	assert.Equal(t, "6", p.Legs[0].Metadata["installment_months"])
	assert.NotEmpty(t, p.Legs[0].Metadata["due_date"])
}

func TestCompositeWithCoupon(t *testing.T) {
	f := newFixture(t, nil)
	f.points.Seed("m-1", 5_000)

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-cp", 10_000,
		legCmd(domain.MethodCard, 7_000),
		legCmd(domain.MethodPoints, 2_000),
		LegCommand{Method: domain.MethodCoupon, Amount: 1_000, Metadata: map[string]string{domain.MetaCouponCode: "WELCOME1000"}},
	))

	require.NoError(t, err)
	assert.Equal(t, "COUPON-o-cp-WELCOME1000", p.Legs[2].TransactionID)
}

func TestRepeatedOrderReturnsExistingPayment(t *testing.T) {
	f := newFixture(t, nil)
	c := cmd("o-dup", 10_000, legCmd(domain.MethodCard, 10_000))

	first, err := f.svc.ProcessPayment(context.Background(), c)
	require.NoError(t, err)
	second, err := f.svc.ProcessPayment(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.card.executes)
	assert.Len(t, f.repo.events(), 1)
}

func TestConcurrentCallsForOneOrderExecuteOnce(t *testing.T) {
	f := newFixture(t, nil)
	c := cmd("o-race", 10_000, legCmd(domain.MethodCard, 10_000))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.svc.ProcessPayment(context.Background(), c)
			if err == nil {
				ids[i] = p.ID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.card.executes)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestFailedPaymentCanBeRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.points.Seed("m-1", 1_000)
	c := cmd("o-retry", 10_000, legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000))

	failed, err := f.svc.ProcessPayment(context.Background(), c)
	require.Error(t, err)

	f.points.Seed("m-1", 3_000)
	ok, err := f.svc.ProcessPayment(context.Background(), c)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, ok.ID)

	latest, err := f.svc.GetPaymentByOrder(context.Background(), "o-retry")
	require.NoError(t, err)
	assert.Equal(t, ok.ID, latest.ID)
}

func TestInProgressPaymentIsNotReprocessed(t *testing.T) {
	f := newFixture(t, nil)
	p := domain.NewPayment("o-busy", "m-1", 10_000, []domain.Leg{domain.NewLeg(domain.MethodCard, 10_000, nil)})
	require.NoError(t, p.TransitionTo(domain.StatusProcessing))
	_, err := f.repo.Save(context.Background(), p)
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(context.Background(), cmd("o-busy", 10_000, legCmd(domain.MethodCard, 10_000)))
	assert.ErrorIs(t, err, domain.ErrPaymentInProgress)
	assert.Zero(t, f.card.executes)
}

func TestAttemptDeadlineFailsPaymentAndPersists(t *testing.T) {
	f := newFixture(t, []gateway.Option{gateway.WithLatency(500 * time.Millisecond)}, WithAttemptTimeout(20*time.Millisecond))

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-slow", 10_000, legCmd(domain.MethodCard, 10_000)))

	require.ErrorIs(t, err, domain.ErrLegExecution)
	assert.Equal(t, domain.StatusFailed, p.Status)

	stored, err := f.svc.GetPaymentByOrder(context.Background(), "o-slow")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestUnsupportedMethodFailsFast(t *testing.T) {
	log := discard()
	reg, err := processor.NewRegistry(processor.NewCard(gateway.NewCardNetwork(log)))
	require.NoError(t, err)
	svc := NewService(log, newMemRepo(), reg)

	p, err := svc.ProcessPayment(context.Background(), cmd("o-x", 50_000, legCmd(domain.MethodDeferred, 50_000)))
	assert.ErrorIs(t, err, domain.ErrUnsupportedMethod)
	assert.Equal(t, domain.StatusFailed, p.Status)
}

func TestCancelCompletedPayment(t *testing.T) {
	f := newFixture(t, nil)
	f.points.Seed("m-1", 3_000)
	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-cancel", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))
	require.NoError(t, err)

	cancelled, err := f.svc.CancelPayment(context.Background(), p.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	for _, l := range cancelled.Legs {
		assert.Equal(t, domain.LegCancelled, l.Status)
		assert.NotEmpty(t, l.CompensationTxID)
	}
	bal, _ := f.points.Balance(context.Background(), "m-1")
	assert.Equal(t, int64(3_000), bal)

	evs := f.repo.events()
	assert.Equal(t, domain.EventPaymentCancelled, evs[len(evs)-1].Type)

	_, err = f.svc.CancelPayment(context.Background(), p.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelUnknownPayment(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CancelPayment(context.Background(), "missing", "")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestSaveFailureSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.saveErr = errors.New("db down")

	_, err := f.svc.ProcessPayment(context.Background(), cmd("o-db", 10_000, legCmd(domain.MethodCard, 10_000)))
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.Kind(err))
	assert.Zero(t, f.card.executes)
}

func TestOutcomeSaveIsRetried(t *testing.T) {
	f := newFixture(t, nil, WithSaveRetry(3, 0))
	f.repo.outboxFails = 1

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-blip", 10_000, legCmd(domain.MethodCard, 10_000)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)

	stored, err := f.svc.GetPaymentByOrder(context.Background(), "o-blip")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, f.card.executes)
	require.Len(t, f.repo.events(), 1)
	assert.Equal(t, domain.EventPaymentCompleted, f.repo.events()[0].Type)
}

func TestUnsavedCompletionIsVoidedAndFailed(t *testing.T) {
	f := newFixture(t, nil, WithSaveRetry(2, 0))
	f.points.Seed("m-1", 3_000)
	f.repo.outboxFails = 2

	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-void", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.Kind(err))
	assert.Equal(t, domain.StatusFailed, p.Status)
	for _, l := range p.Legs {
		assert.Equal(t, domain.LegCancelled, l.Status)
	}
	assert.Equal(t, 1, f.card.compensates)
	bal, _ := f.points.Balance(context.Background(), "m-1")
	assert.Equal(t, int64(3_000), bal)

	stored, err := f.svc.GetPaymentByOrder(context.Background(), "o-void")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)

	retry, err := f.svc.ProcessPayment(context.Background(), cmd("o-void", 10_000,
		legCmd(domain.MethodCard, 7_000), legCmd(domain.MethodPoints, 3_000)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, retry.Status)
}

func TestStaleProcessingPaymentIsRecovered(t *testing.T) {
	f := newFixture(t, nil, WithSaveRetry(3, 0))
	f.repo.outboxFails = 6

	_, err := f.svc.ProcessPayment(context.Background(), cmd("o-stuck", 10_000, legCmd(domain.MethodCard, 10_000)))
	require.Error(t, err)
	stuck, err := f.svc.GetPaymentByOrder(context.Background(), "o-stuck")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, stuck.Status)

	_, err = f.svc.ProcessPayment(context.Background(), cmd("o-stuck", 10_000, legCmd(domain.MethodCard, 10_000)))
	require.ErrorIs(t, err, domain.ErrPaymentInProgress)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	p, err := f.svc.ProcessPayment(context.Background(), cmd("o-stuck", 10_000, legCmd(domain.MethodCard, 10_000)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.NotEqual(t, stuck.ID, p.ID)

	old, err := f.svc.GetPayment(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, old.Status)
	assert.Equal(t, staleReason, old.FailureReason)
}

func TestReapStaleReversesRecordedLegs(t *testing.T) {
	f := newFixture(t, nil, WithSaveRetry(1, 0))
	f.points.Seed("m-1", 3_000)
	ctx := context.Background()

	debit, err := f.points.Debit(ctx, "m-1", 3_000, "o-crash")
	require.NoError(t, err)
	p := domain.NewPayment("o-crash", "m-1", 10_000, []domain.Leg{
		domain.NewLeg(domain.MethodCard, 7_000, nil),
		domain.NewLeg(domain.MethodPoints, 3_000, nil),
	})
	require.NoError(t, p.TransitionTo(domain.StatusProcessing))
	require.NoError(t, p.Legs[1].Succeed(debit.TxID, 3_000, nil))
	crashed, err := f.repo.Save(ctx, p)
	require.NoError(t, err)

	n, err := f.svc.ReapStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.svc.ReapStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetPayment(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.LegPending, got.Legs[0].Status)
	assert.Equal(t, domain.LegCancelled, got.Legs[1].Status)
	assert.Zero(t, f.card.compensates)
	bal, _ := f.points.Balance(ctx, "m-1")
	assert.Equal(t, int64(3_000), bal)

	evs := f.repo.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventPaymentFailed, evs[0].Type)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.RunReaper(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
