package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	orchestrator "github.com/dmehra2102/payment-orchestrator/internal/orchestrator/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/processor"
	"github.com/dmehra2102/payment-orchestrator/pkg/keylock"
)

type LegCommand struct {
	Method   domain.Method
	Amount   int64
	Metadata map[string]string
}

type ProcessCommand struct {
	OrderID     string
	MemberID    string
	TotalAmount int64
	Legs        []LegCommand
	Headers     map[string]string
	Traceparent string
}

const (
	defaultStaleGrace   = 30 * time.Second
	defaultSaveAttempts = 3
	defaultSaveBackoff  = 100 * time.Millisecond

	staleReason  = "payment attempt abandoned"
	voidedReason = "payment could not be recorded"
)

type Option func(*Service)

func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Service) { s.attemptTimeout = d }
}

// WithStaleGrace sets how long past the attempt timeout a payment may sit in
// processing before it is treated as abandoned.
func WithStaleGrace(d time.Duration) Option {
	return func(s *Service) { s.staleGrace = d }
}

// WithSaveRetry bounds the retries of the save that records an outcome.
// The delay doubles after each failed try.
func WithSaveRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.saveAttempts = attempts
		}
		s.saveBackoff = backoff
	}
}

func WithPolicy(p domain.Policy) Option {
	return func(s *Service) { s.chain = domain.DefaultChain(p) }
}

type Service struct {
	log            *slog.Logger
	repo           PaymentRepository
	procs          ProcessorResolver
	coord          *orchestrator.Coordinator
	chain          *domain.Chain
	orders         *keylock.Map
	attemptTimeout time.Duration
	staleGrace     time.Duration
	saveAttempts   int
	saveBackoff    time.Duration
	now            func() time.Time
}

func NewService(log *slog.Logger, repo PaymentRepository, procs ProcessorResolver, opts ...Option) *Service {
	s := &Service{
		log:    log,
		repo:   repo,
		procs:  procs,
		coord:  orchestrator.NewCoordinator(log, procs),
		chain:  domain.DefaultChain(domain.DefaultPolicy()),
		orders: keylock.New(),

		staleGrace:   defaultStaleGrace,
		saveAttempts: defaultSaveAttempts,
		saveBackoff:  defaultSaveBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessPayment runs one payment attempt for an order. On failure the
// returned payment is the persisted failed payment and err explains why.
// An order that already has a live or finished payment gets that payment
// back without side effects; only a failed attempt can be retried. A payment
// left in processing past the stale threshold is failed first, with its
// recorded legs reversed, and then a new attempt runs.
func (s *Service) ProcessPayment(ctx context.Context, cmd ProcessCommand) (domain.Payment, error) {
	unlock := s.orders.Lock(cmd.OrderID)
	defer unlock()

	existing, err := s.repo.FindByOrderID(ctx, cmd.OrderID)
	switch {
	case err == nil && existing.Status == domain.StatusFailed:
		s.log.Info("retrying failed payment", "order_id", cmd.OrderID, "previous_id", existing.ID)
	case err == nil && !existing.Status.Terminal():
		if !s.stale(existing) {
			return existing, fmt.Errorf("order %s: %w", cmd.OrderID, domain.ErrPaymentInProgress)
		}
		if recovered, err := s.recoverStale(ctx, existing); err != nil {
			return recovered, fmt.Errorf("recover stale payment for order %s: %w", cmd.OrderID, err)
		}
	case err == nil:
		s.log.Info("payment already exists for order", "order_id", cmd.OrderID, "payment_id", existing.ID, "status", existing.Status)
		return existing, nil
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return domain.Payment{}, fmt.Errorf("lookup payment for order %s: %w", cmd.OrderID, err)
	}

	legs := make([]domain.Leg, 0, len(cmd.Legs))
	for _, l := range cmd.Legs {
		legs = append(legs, domain.NewLeg(l.Method, l.Amount, l.Metadata))
	}
	p := domain.NewPayment(cmd.OrderID, cmd.MemberID, cmd.TotalAmount, legs)
	if err := p.TransitionTo(domain.StatusProcessing); err != nil {
		return domain.Payment{}, err
	}
	p, err = s.repo.Save(ctx, p)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("save payment for order %s: %w", cmd.OrderID, err)
	}

	// The outcome is always persisted, even if the caller gave up.
	persistCtx := context.WithoutCancel(ctx)
	if s.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
	}

	if err := s.chain.Validate(validationRequest(p)); err != nil {
		return s.fail(persistCtx, p, cmd, err)
	}
	if err := s.preflight(ctx, p); err != nil {
		return s.fail(persistCtx, p, cmd, err)
	}

	if p.IsComposite() {
		out, sg := s.coord.Run(ctx, &p)
		s.log.Debug("composite saga finished", "order_id", p.OrderID, "state", sg.State, "steps", len(sg.Steps))
		if !out.Success {
			return s.fail(persistCtx, p, cmd, out.Err)
		}
	} else if err := s.executeSingle(ctx, &p); err != nil {
		return s.fail(persistCtx, p, cmd, err)
	}

	return s.complete(persistCtx, p, cmd)
}

func validationRequest(p domain.Payment) domain.ValidationRequest {
	req := domain.ValidationRequest{
		OrderID:     p.OrderID,
		MemberID:    p.MemberID,
		TotalAmount: p.TotalAmount,
		Legs:        make([]domain.LegRequest, 0, len(p.Legs)),
	}
	for _, l := range p.Legs {
		req.Legs = append(req.Legs, domain.LegRequest{Method: l.Method, Amount: l.Amount, Metadata: l.Metadata})
	}
	return req
}

// preflight asks each leg's processor whether it can fund its amount. No
// collaborator state changes here.
func (s *Service) preflight(ctx context.Context, p domain.Payment) error {
	procs := make([]processor.Processor, len(p.Legs))
	for i, l := range p.Legs {
		proc, err := s.procs.Resolve(l.Method)
		if err != nil {
			return err
		}
		procs[i] = proc
	}
	for i, l := range p.Legs {
		res, err := procs[i].Validate(ctx, processor.ValidateRequest{
			MemberID:   p.MemberID,
			Amount:     l.Amount,
			OrderTotal: p.TotalAmount,
			Metadata:   l.Metadata,
		})
		if err != nil {
			return fmt.Errorf("validate %s leg: %w", l.Method, err)
		}
		if !res.OK {
			return &domain.ValidationError{Rule: "preflight", Reason: res.Reason}
		}
	}
	return nil
}

func (s *Service) executeSingle(ctx context.Context, p *domain.Payment) error {
	leg := &p.Legs[0]
	proc, err := s.procs.Resolve(leg.Method)
	if err != nil {
		return err
	}
	res, err := proc.Execute(ctx, processor.ExecuteRequest{
		OrderID:    p.OrderID,
		MemberID:   p.MemberID,
		Amount:     leg.Amount,
		OrderTotal: p.TotalAmount,
		Metadata:   leg.Metadata,
	})
	reason := res.Message
	if err != nil {
		reason = err.Error()
	}
	if err != nil || !res.Success {
		_ = leg.Fail(reason)
		return &domain.LegFailure{Method: leg.Method, Reason: reason}
	}
	return leg.Succeed(res.TxID, res.ProcessedAmount, res.Metadata)
}

func failureReason(err error) string {
	var verr *domain.ValidationError
	var lerr *domain.LegFailure
	switch {
	case errors.As(err, &verr):
		return verr.Reason
	case errors.As(err, &lerr):
		return lerr.Reason
	default:
		return err.Error()
	}
}

func (s *Service) fail(ctx context.Context, p domain.Payment, cmd ProcessCommand, cause error) (domain.Payment, error) {
	reason := failureReason(cause)
	if err := p.Fail(reason); err != nil {
		return p, errors.Join(cause, err)
	}

	payload, err := json.Marshal(domain.PaymentFailed{PaymentID: p.ID, OrderID: p.OrderID, Reason: reason})
	if err != nil {
		return p, errors.Join(cause, err)
	}
	saved, err := s.persist(ctx, p, OutboxEvent{
		Type:        domain.EventPaymentFailed,
		Payload:     payload,
		Headers:     cmd.Headers,
		Traceparent: cmd.Traceparent,
	})
	if err != nil {
		s.log.Error("persist failed payment", "order_id", p.OrderID, "payment_id", p.ID, "err", err)
		return p, errors.Join(cause, fmt.Errorf("save failed payment: %w", err))
	}

	s.log.Warn("payment failed", "order_id", p.OrderID, "payment_id", p.ID, "reason", reason)
	return saved, cause
}

func (s *Service) complete(ctx context.Context, p domain.Payment, cmd ProcessCommand) (domain.Payment, error) {
	attempt := p
	if err := p.Complete(s.now()); err != nil {
		return p, err
	}
	payload, err := json.Marshal(domain.PaymentCompleted{
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		MemberID:    p.MemberID,
		TotalAmount: p.TotalAmount,
		Method:      p.Method,
		Status:      p.Status,
		Legs:        domain.Summarize(p.Legs),
	})
	if err != nil {
		return p, err
	}
	saved, err := s.persist(ctx, p, OutboxEvent{
		Type:        domain.EventPaymentCompleted,
		Payload:     payload,
		Headers:     cmd.Headers,
		Traceparent: cmd.Traceparent,
	})
	if err != nil {
		s.log.Error("persist completed payment", "order_id", p.OrderID, "payment_id", p.ID, "err", err)
		return s.void(ctx, attempt, cmd, fmt.Errorf("save completed payment: %w", err))
	}

	s.log.Info("payment completed", "order_id", p.OrderID, "payment_id", p.ID, "method", p.Method, "amount", p.TotalAmount)
	return saved, nil
}

// persist writes a terminal payment and its event, retrying with a doubling
// delay. A lost race for the order is not retried.
func (s *Service) persist(ctx context.Context, p domain.Payment, ev OutboxEvent) (domain.Payment, error) {
	delay := s.saveBackoff
	for try := 1; ; try++ {
		saved, err := s.repo.SaveWithOutbox(ctx, p, ev)
		if err == nil {
			return saved, nil
		}
		if try >= s.saveAttempts || errors.Is(err, domain.ErrPaymentInProgress) {
			return p, err
		}
		s.log.Warn("save payment failed, retrying", "order_id", p.OrderID, "payment_id", p.ID,
			"status", p.Status, "try", try, "err", err)
		select {
		case <-ctx.Done():
			return p, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// void reverses the legs of an attempt whose completion could not be saved
// and records the attempt as failed. A leg that cannot be reversed keeps the
// payment in processing, saved with its leg states, for stale recovery to
// retry.
func (s *Service) void(ctx context.Context, p domain.Payment, cmd ProcessCommand, cause error) (domain.Payment, error) {
	s.coord.Unwind(ctx, &p, voidedReason)
	if cerr := unreversed(p); cerr != nil {
		if _, err := s.repo.Save(ctx, p); err != nil {
			s.log.Error("save unreversed payment", "order_id", p.OrderID, "payment_id", p.ID, "err", err)
		}
		return p, errors.Join(cause, cerr)
	}
	return s.fail(ctx, p, cmd, cause)
}

func unreversed(p domain.Payment) error {
	for _, l := range p.Legs {
		if l.Status == domain.LegSuccess {
			return &domain.CompensationError{Method: l.Method, Reason: "leg could not be reversed"}
		}
	}
	return nil
}

func (s *Service) staleAfter() time.Duration {
	return s.attemptTimeout + s.staleGrace
}

func (s *Service) stale(p domain.Payment) bool {
	return !p.Status.Terminal() && s.now().Sub(p.UpdatedAt) > s.staleAfter()
}

// recoverStale fails an abandoned attempt. Legs recorded as successful are
// reversed first; if one cannot be, the payment stays in processing.
func (s *Service) recoverStale(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	ctx = context.WithoutCancel(ctx)
	s.log.Warn("recovering stale payment", "order_id", p.OrderID, "payment_id", p.ID,
		"status", p.Status, "updated_at", p.UpdatedAt)

	if p.Status == domain.StatusPending {
		if err := p.TransitionTo(domain.StatusProcessing); err != nil {
			return p, err
		}
	}
	s.coord.Unwind(ctx, &p, staleReason)
	if cerr := unreversed(p); cerr != nil {
		if _, err := s.repo.Save(ctx, p); err != nil {
			return p, errors.Join(cerr, err)
		}
		return p, cerr
	}

	if err := p.Fail(staleReason); err != nil {
		return p, err
	}
	payload, err := json.Marshal(domain.PaymentFailed{PaymentID: p.ID, OrderID: p.OrderID, Reason: staleReason})
	if err != nil {
		return p, err
	}
	return s.persist(ctx, p, OutboxEvent{Type: domain.EventPaymentFailed, Payload: payload})
}

// ReapStale recovers up to limit payments stuck in processing past the stale
// threshold and reports how many it failed.
func (s *Service) ReapStale(ctx context.Context, limit int) (int, error) {
	stuck, err := s.repo.FindStale(ctx, s.now().Add(-s.staleAfter()), limit)
	if err != nil {
		return 0, fmt.Errorf("find stale payments: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, p := range stuck {
		ok, err := s.reap(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Service) reap(ctx context.Context, candidate domain.Payment) (bool, error) {
	unlock := s.orders.Lock(candidate.OrderID)
	defer unlock()

	p, err := s.repo.FindByID(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if !s.stale(p) {
		return false, nil
	}
	if _, err := s.recoverStale(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// RunReaper calls ReapStale every interval until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.ReapStale(ctx, 100)
			if err != nil {
				s.log.Error("reap stale payments", "err", err)
			}
			if n > 0 {
				s.log.Warn("stale payments failed", "count", n)
			}
		}
	}
}

func (s *Service) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return s.repo.FindByOrderID(ctx, orderID)
}

// CancelPayment reverses every leg of a completed payment. If any leg cannot
// be reversed the payment stays completed, the legs that were reversed are
// saved as cancelled, and a CompensationError is returned.
func (s *Service) CancelPayment(ctx context.Context, id, reason string) (domain.Payment, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return domain.Payment{}, err
	}

	unlock := s.orders.Lock(p.OrderID)
	defer unlock()

	// Re-read under the order lock.
	if p, err = s.repo.FindByID(ctx, id); err != nil {
		return domain.Payment{}, err
	}
	if p.Status != domain.StatusCompleted {
		return p, fmt.Errorf("cancel payment %s in status %s: %w", id, p.Status, domain.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "payment cancelled"
	}

	s.coord.Unwind(context.WithoutCancel(ctx), &p, reason)
	if cerr := unreversed(p); cerr != nil {
		saved, err := s.repo.Save(context.WithoutCancel(ctx), p)
		if err != nil {
			return p, fmt.Errorf("save partially cancelled payment: %w", err)
		}
		return saved, cerr
	}

	if err := p.TransitionTo(domain.StatusCancelled); err != nil {
		return p, err
	}
	payload, err := json.Marshal(domain.PaymentCancelled{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Reason:    reason,
		Legs:      domain.Summarize(p.Legs),
	})
	if err != nil {
		return p, err
	}
	saved, err := s.repo.SaveWithOutbox(context.WithoutCancel(ctx), p, OutboxEvent{Type: domain.EventPaymentCancelled, Payload: payload})
	if err != nil {
		return p, fmt.Errorf("save cancelled payment: %w", err)
	}
	s.log.Info("payment cancelled", "order_id", p.OrderID, "payment_id", p.ID, "reason", reason)
	return saved, nil
}
