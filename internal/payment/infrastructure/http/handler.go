package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PaymentService interface {
	ProcessPayment(ctx context.Context, cmd application.ProcessCommand) (domain.Payment, error)
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	CancelPayment(ctx context.Context, id, reason string) (domain.Payment, error)
}

type Handler struct {
	log     *slog.Logger
	service PaymentService
	tracer  trace.Tracer
	metrics MetricsCollector
}

type HandlerOption func(*Handler)

// WithMetrics exposes the collector's current readings on /debug/metrics.
func WithMetrics(c MetricsCollector) HandlerOption {
	return func(h *Handler) { h.metrics = c }
}

func NewHandler(log *slog.Logger, service PaymentService, opts ...HandlerOption) *Handler {
	h := &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("payment-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type legReq struct {
	Method   string            `json:"method"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createPaymentReq struct {
	OrderID       string            `json:"order_id"`
	MemberID      string            `json:"member_id"`
	TotalAmount   int64             `json:"total_amount"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Legs          []legReq          `json:"legs,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type legResp struct {
	Method           domain.Method     `json:"method"`
	Amount           int64             `json:"amount"`
	Status           domain.LegStatus  `json:"status"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	ProcessedAmount  int64             `json:"processed_amount"`
	CompensationTxID string            `json:"compensation_tx_id,omitempty"`
	Message          string            `json:"message,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type paymentResp struct {
	ID              string        `json:"id"`
	OrderID         string        `json:"order_id"`
	MemberID        string        `json:"member_id"`
	TotalAmount     int64         `json:"total_amount"`
	ProcessedAmount int64         `json:"processed_amount"`
	Method          domain.Method `json:"method"`
	Status          domain.Status `json:"status"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Legs            []legResp     `json:"legs"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

type errorResp struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Payment *paymentResp     `json:"payment,omitempty"`
}

func toResp(p domain.Payment) *paymentResp {
	out := &paymentResp{
		ID:              p.ID,
		OrderID:         p.OrderID,
		MemberID:        p.MemberID,
		TotalAmount:     p.TotalAmount,
		ProcessedAmount: p.ProcessedAmount(),
		Method:          p.Method,
		Status:          p.Status,
		FailureReason:   p.FailureReason,
		Legs:            make([]legResp, 0, len(p.Legs)),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		CompletedAt:     p.CompletedAt,
	}
	for _, l := range p.Legs {
		out.Legs = append(out.Legs, legResp{
			Method:           l.Method,
			Amount:           l.Amount,
			Status:           l.Status,
			TransactionID:    l.TransactionID,
			ProcessedAmount:  l.ProcessedAmount,
			CompensationTxID: l.CompensationTxID,
			Message:          l.Message,
			Metadata:         l.Metadata,
		})
	}
	return out
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	if h.metrics != nil {
		r.Get("/debug/metrics", h.debugMetrics)
	}
	r.Route("/api/payments", func(r chi.Router) {
		r.Post("/", h.createPayment)
		r.Get("/{id}", h.getPayment)
		r.Get("/order/{orderID}", h.getPaymentByOrder)
		r.Post("/{id}/cancel", h.cancelPayment)
	})
	return r
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreatePayment")
	defer span.End()

	var req createPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Kind: "bad_request", Message: "invalid body"})
		return
	}
	if req.OrderID == "" || req.MemberID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Kind: "bad_request", Message: "order_id and member_id are required"})
		return
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	cmd, err := toCommand(req)
	if err != nil {
		h.writeError(w, span, domain.Payment{}, err)
		return
	}

	traceparent := r.Header.Get("traceparent")
	if traceparent == "" {
		carrier := map[string]string{}
		otel.GetTextMapPropagator().Inject(ctx, propagationMapCarrier(carrier))
		traceparent = carrier["traceparent"]
	}
	cmd.Traceparent = traceparent
	cmd.Headers = req.Headers
	if id := middleware.GetReqID(ctx); id != "" {
		if cmd.Headers == nil {
			cmd.Headers = map[string]string{}
		}
		cmd.Headers["request_id"] = id
	}

	p, err := h.service.ProcessPayment(ctx, cmd)
	if err != nil {
		h.writeError(w, span, p, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResp(p))
}

func toCommand(req createPaymentReq) (application.ProcessCommand, error) {
	cmd := application.ProcessCommand{
		OrderID:     req.OrderID,
		MemberID:    req.MemberID,
		TotalAmount: req.TotalAmount,
	}
	if len(req.Legs) == 0 {
		m, err := domain.ParseMethod(req.PaymentMethod)
		if err != nil {
			return cmd, err
		}
		cmd.Legs, err = application.DefaultLegs(m, req.TotalAmount, req.Metadata)
		return cmd, err
	}
	for _, l := range req.Legs {
		m, err := domain.ParseMethod(l.Method)
		if err != nil {
			return cmd, err
		}
		cmd.Legs = append(cmd.Legs, application.LegCommand{Method: m, Amount: l.Amount, Metadata: l.Metadata})
	}
	return cmd, nil
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, nil, domain.Payment{}, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(p))
}

func (h *Handler) getPaymentByOrder(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPaymentByOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, nil, domain.Payment{}, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(p))
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelPayment")
	defer span.End()

	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Kind: "bad_request", Message: "invalid body"})
			return
		}
	}

	p, err := h.service.CancelPayment(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, span, p, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(p))
}

// StatusFor maps an error to its HTTP status by kind.
func StatusFor(err error) int {
	switch domain.Kind(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindUnsupported:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindDeclined:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, span trace.Span, p domain.Payment, err error) {
	status := StatusFor(err)
	kind := domain.Kind(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		h.log.Error("request failed", "err", err)
		if !errors.Is(err, domain.ErrCompensation) {
			msg = "internal error"
		}
	}
	if span != nil {
		span.SetStatus(codes.Error, msg)
	}

	resp := errorResp{Kind: kind, Message: msg}
	if p.ID != "" {
		resp.Payment = toResp(p)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type propagationMapCarrier map[string]string

func (c propagationMapCarrier) Get(key string) string { return c[key] }
func (c propagationMapCarrier) Set(key, val string)   { c[key] = val }
func (c propagationMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
