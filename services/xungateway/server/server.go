package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/observability"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/orders"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/recon"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/wallet"
)

const maxBodyBytes = 1 << 20

// Checkout registers orders at checkout completion.
type Checkout interface {
	Create(ctx context.Context, req orders.CreateRequest) (*orders.Order, error)
}

// OrderBook reads and cancels stored orders.
type OrderBook interface {
	Get(ctx context.Context, id uint64) (*orders.Order, error)
	Cancel(ctx context.Context, id uint64, reason string) error
	Events(ctx context.Context, id uint64) ([]orders.Event, error)
}

// Reconciler drives reconciliation cycles and manual resolution.
type Reconciler interface {
	RunCycle(ctx context.Context) (*recon.Result, error)
	LastResult() *recon.Result
	Resolve(ctx context.Context, orderID uint64) (*recon.Resolution, error)
}

// Wallet exposes the market wallet.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (decimal.NullDecimal, error)
	Transfer(ctx context.Context, destination, amount string) (string, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Checkout   Checkout
	Orders     OrderBook
	Reconciler Reconciler
	Wallet     Wallet
	Auth       *Authenticator
	RateLimit  RateLimit
	Metrics    *observability.GatewayMetrics
	Logger     *slog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	checkout   Checkout
	orders     OrderBook
	reconciler Reconciler
	wallet     Wallet
	auth       *Authenticator
	limiter    *RateLimiter
	metrics    *observability.GatewayMetrics
	logger     *slog.Logger
	tracer     trace.Tracer

	router http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Checkout == nil || cfg.Orders == nil {
		return nil, fmt.Errorf("server: order services required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("server: reconciler required")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("server: wallet required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	srv := &Server{
		checkout:   cfg.Checkout,
		orders:     cfg.Orders,
		reconciler: cfg.Reconciler,
		wallet:     cfg.Wallet,
		auth:       cfg.Auth,
		limiter:    NewRateLimiter(cfg.RateLimit),
		metrics:    cfg.Metrics,
		logger:     logger,
		tracer:     tp.Tracer("xun-gateway/server"),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Post("/orders", s.handleCreateOrder)
		api.Get("/orders/{id}", s.handleGetOrder)
		api.Post("/orders/{id}/resolve", s.handleResolve)
		api.Post("/orders/{id}/cancel", s.handleCancel)
		api.With(s.limiter.Middleware).Post("/recon/run", s.handleRunCycle)
		api.Get("/recon/status", s.handleStatus)
		api.Get("/wallet/balance", s.handleBalance)
		api.With(s.limiter.Middleware).Post("/wallet/transfer", s.handleTransfer)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.tracer.Start(r.Context(), r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		// Raw paths carry order ids; only the matched pattern is a safe name.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		s.metrics.ObserveHTTP(route, r.Method, recorder.status, time.Since(start))
	})
}

type orderResponse struct {
	*orders.Order
	Events []eventView `json:"events,omitempty"`
}

type eventView struct {
	Action  string    `json:"action"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := s.checkout.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: order})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	events, err := s.orders.Events(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := orderResponse{Order: order}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventView{Action: ev.Action, Details: ev.Details, At: ev.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	resolution, err := s.reconciler.Resolve(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.orders.Cancel(r.Context(), id, req.Reason); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	result, err := s.reconciler.RunCycle(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]*recon.Result{"last_cycle": s.reconciler.LastResult()})
}

type balanceResponse struct {
	Address string           `json:"address"`
	Balance *decimal.Decimal `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallet.Balance(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "balance lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, fmt.Errorf("balance unavailable"))
		return
	}
	resp := balanceResponse{Address: s.wallet.Address()}
	if balance.Valid {
		resp.Balance = &balance.Decimal
	}
	writeJSON(w, http.StatusOK, resp)
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hash, err := s.wallet.Transfer(r.Context(), req.Destination, req.Amount)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{TxHash: hash})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, wallet.ErrInsufficientBalance):
		status = http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orders.ErrOrderExists),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, recon.ErrCycleInProgress),
		errors.Is(err, recon.ErrNotResolvable):
		status = http.StatusConflict
	case errors.Is(err, wallet.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, status, fmt.Errorf("internal error"))
		return
	}
	writeError(w, status, err)
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid order id"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body required")
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
