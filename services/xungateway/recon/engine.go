package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/observability"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/daemonrpc"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/notify"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/orders"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/scanstate"
)

var (
	// ErrCycleInProgress is returned when another cycle holds the lock.
	ErrCycleInProgress = errors.New("recon: cycle already in progress")
	// ErrNotResolvable indicates a manual resolution request cannot be honoured.
	ErrNotResolvable = errors.New("recon: order not resolvable")
)

// Cycle outcomes reported in Result and metrics.
const (
	OutcomeOK       = "ok"
	OutcomeIdle     = "idle"
	OutcomeDegraded = "degraded"
	OutcomeAborted  = "aborted"
	OutcomeFailed   = "failed"
)

const (
	persistTimeout = 10 * time.Second
	notifyTimeout  = 15 * time.Second
)

// ChainClient is the subset of the daemon client used for scanning.
type ChainClient interface {
	Status(ctx context.Context) (uint64, error)
	ListTransactions(ctx context.Context, firstBlockIndex, blockCount uint64) ([]daemonrpc.Transaction, error)
}

// StateStore persists scan progress.
type StateStore interface {
	Load(ctx context.Context) (scanstate.State, error)
	Save(ctx context.Context, state scanstate.State) error
}

// OrderGateway exposes pending orders and the paid transition.
type OrderGateway interface {
	AwaitingPayment(ctx context.Context) ([]orders.PendingOrder, error)
	MarkPaid(ctx context.Context, id uint64, paid decimal.Decimal) (bool, error)
	MarkResolved(ctx context.Context, id uint64, paid decimal.Decimal) (bool, error)
}

// Repricer assigns expected amounts to orders created without a rate.
type Repricer interface {
	Reprice(ctx context.Context) (int, error)
}

// Notifier is told about every order the engine marks paid.
type Notifier interface {
	Notify(ctx context.Context, p notify.Payment) error
}

// Config wires the engine's collaborators.
type Config struct {
	Chain             ChainClient
	State             StateStore
	Orders            OrderGateway
	Repricer          Repricer
	Notifier          Notifier
	Locker            Locker
	Metrics           *observability.GatewayMetrics
	Logger            *slog.Logger
	MaxBlocksPerCycle uint64
	MaxCycleDuration  time.Duration
	Now               func() time.Time
}

// Result summarises a reconciliation cycle.
type Result struct {
	Outcome       string             `json:"outcome"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	FromHeight    uint64             `json:"from_height"`
	ToHeight      uint64             `json:"to_height"`
	Retrieved     int                `json:"retrieved"`
	Matched       []uint64           `json:"matched"`
	Unpriced      []uint64           `json:"unpriced,omitempty"`
	Collisions    []amount.Collision `json:"collisions,omitempty"`
	Unconsumed    int                `json:"unconsumed"`
	DegradedCause string             `json:"degraded_cause,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Resolution reports a manually attributed payment.
type Resolution struct {
	OrderID    uint64          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Unconsumed int             `json:"unconsumed"`
}

// Engine runs reconciliation cycles. At most one cycle or resolution runs at
// a time.
type Engine struct {
	chain     ChainClient
	state     StateStore
	orders    OrderGateway
	repricer  Repricer
	notifier  Notifier
	local     LocalLocker
	locker    Locker
	metrics   *observability.GatewayMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	maxBlocks uint64
	maxCycle  time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	last *Result
}

// NewEngine validates cfg and constructs the engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("recon: chain client required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("recon: state store required")
	}
	if cfg.Orders == nil {
		return nil, fmt.Errorf("recon: order gateway required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		chain:     cfg.Chain,
		state:     cfg.State,
		orders:    cfg.Orders,
		repricer:  cfg.Repricer,
		notifier:  cfg.Notifier,
		locker:    cfg.Locker,
		metrics:   cfg.Metrics,
		logger:    logger.With(slog.String("component", "recon")),
		tracer:    otel.Tracer("xun-gateway/recon"),
		maxBlocks: cfg.MaxBlocksPerCycle,
		maxCycle:  cfg.MaxCycleDuration,
		now:       now,
	}, nil
}

// LastResult returns the outcome of the most recent cycle, if any.
func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	copied := *e.last
	return &copied
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	releaseLocal, ok, _ := e.local.TryLock(ctx)
	if !ok {
		return nil, ErrCycleInProgress
	}
	if e.locker == nil {
		return releaseLocal, nil
	}
	releaseShared, ok, err := e.locker.TryLock(ctx)
	if err != nil {
		releaseLocal()
		return nil, err
	}
	if !ok {
		releaseLocal()
		return nil, ErrCycleInProgress
	}
	return func() {
		releaseShared()
		releaseLocal()
	}, nil
}

// RunCycle executes one reconciliation cycle: advance the scan window,
// checkpoint the retrieved amounts, match them against pending orders, then
// persist the consumed amounts.
func (e *Engine) RunCycle(ctx context.Context) (*Result, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.maxCycle > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.maxCycle)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "recon.cycle")
	defer span.End()

	result := &Result{Outcome: OutcomeOK, StartedAt: e.now().UTC()}
	err = e.runCycle(ctx, result)
	result.FinishedAt = e.now().UTC()
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("recon.outcome", result.Outcome),
		attribute.Int64("recon.from", int64(result.FromHeight)),
		attribute.Int64("recon.to", int64(result.ToHeight)),
		attribute.Int("recon.matched", len(result.Matched)),
	)
	e.metrics.ObserveCycle(result.Outcome, result.FinishedAt.Sub(result.StartedAt))

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()

	attrs := []any{
		slog.String("outcome", result.Outcome),
		slog.Uint64("from", result.FromHeight),
		slog.Uint64("to", result.ToHeight),
		slog.Int("retrieved", result.Retrieved),
		slog.Int("matched", len(result.Matched)),
		slog.Int("unconsumed", result.Unconsumed),
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "reconciliation cycle failed", append(attrs, slog.String("error", err.Error()))...)
		return result, err
	}
	e.logger.InfoContext(ctx, "reconciliation cycle finished", attrs...)
	return result, nil
}

func (e *Engine) runCycle(ctx context.Context, result *Result) error {
	if e.repricer != nil {
		if n, err := e.repricer.Reprice(ctx); err != nil {
			e.logger.WarnContext(ctx, "repricing unpriced orders failed",
				slog.Int("count", n),
				slog.String("error", err.Error()))
		} else if n > 0 {
			e.logger.InfoContext(ctx, "repriced orders", slog.Int("count", n))
		}
	}

	state, err := e.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("recon: load scan state: %w", err)
	}
	from := state.LastScannedHeight
	result.FromHeight = from
	result.ToHeight = from
	unconsumed := amount.NewMultiset(state.Unconsumed...)

	if e.retrieve(ctx, from, unconsumed, result) {
		state.LastScannedHeight = result.ToHeight
		state.Unconsumed = unconsumed.Values()
		if err := e.state.Save(ctx, state); err != nil {
			return fmt.Errorf("recon: checkpoint scan state: %w", err)
		}
	}
	result.Unconsumed = unconsumed.Len()
	e.metrics.SetScanState(state.LastScannedHeight, unconsumed.Len())

	pending, err := e.orders.AwaitingPayment(ctx)
	if err != nil {
		return fmt.Errorf("recon: load pending orders: %w", err)
	}

	colliding := e.collisions(ctx, pending, result)
	consumed := false
	var payments []notify.Payment
	for _, order := range pending {
		if ctx.Err() != nil {
			result.Outcome = OutcomeAborted
			e.logger.WarnContext(ctx, "reconciliation cycle aborted before matching finished", slog.String("error", ctx.Err().Error()))
			break
		}
		if !order.Priced() {
			result.Unpriced = append(result.Unpriced, order.ID)
			continue
		}
		if _, held := colliding[order.ID]; held {
			continue
		}
		expected := order.ExpectedAmount.Decimal
		if !unconsumed.Contains(expected) {
			continue
		}
		transitioned, err := e.orders.MarkPaid(ctx, order.ID, expected)
		if err != nil {
			e.logger.ErrorContext(ctx, "mark order paid failed",
				slog.Uint64("order_id", order.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !transitioned {
			continue
		}
		unconsumed.Remove(expected)
		consumed = true
		result.Matched = append(result.Matched, order.ID)
		e.metrics.RecordPaid("chain")
		e.logger.InfoContext(ctx, "order paid",
			slog.Uint64("order_id", order.ID),
			slog.String("amount", expected.String()))
		payments = append(payments, notify.Payment{
			OrderID:        order.ID,
			Amount:         expected,
			MessageAddress: order.MessageAddress,
			PaidAt:         e.now().UTC(),
		})
	}
	e.metrics.SetUnpriced(len(result.Unpriced))

	if consumed {
		state.Unconsumed = unconsumed.Values()
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.state.Save(persistCtx, state); err != nil {
			return fmt.Errorf("recon: persist consumed amounts: %w", err)
		}
	}
	result.Unconsumed = unconsumed.Len()
	e.metrics.SetScanState(state.LastScannedHeight, unconsumed.Len())
	for _, p := range payments {
		e.notify(ctx, p)
	}
	return nil
}

// retrieve pulls transactions for [from, to) into unconsumed and reports
// whether the scan height advanced.
func (e *Engine) retrieve(ctx context.Context, from uint64, unconsumed *amount.Multiset, result *Result) bool {
	height, err := e.chain.Status(ctx)
	if err != nil {
		e.degrade(ctx, result, "getStatus", err)
		return false
	}
	if height <= from {
		result.Outcome = OutcomeIdle
		return false
	}
	to := height
	if e.maxBlocks > 0 && to-from > e.maxBlocks {
		to = from + e.maxBlocks
	}
	txs, err := e.chain.ListTransactions(ctx, from, to-from)
	if err != nil {
		e.degrade(ctx, result, "getTransactions", err)
		return false
	}
	for _, tx := range txs {
		if tx.AmountMicro <= 0 {
			continue
		}
		unconsumed.Add(tx.Amount())
		result.Retrieved++
	}
	result.ToHeight = to
	return true
}

func (e *Engine) degrade(ctx context.Context, result *Result, method string, err error) {
	result.Outcome = OutcomeDegraded
	result.DegradedCause = fmt.Sprintf("%s: %v", method, err)
	e.metrics.RecordDaemonFailure(method)
	e.logger.WarnContext(ctx, "daemon call failed, matching existing amounts only",
		slog.String("method", method),
		slog.String("error", err.Error()))
}

func (e *Engine) collisions(ctx context.Context, pending []orders.PendingOrder, result *Result) map[uint64]struct{} {
	amounts := make(map[uint64]decimal.Decimal, len(pending))
	for _, order := range pending {
		if order.Priced() {
			amounts[order.ID] = order.ExpectedAmount.Decimal
		}
	}
	held := make(map[uint64]struct{})
	for _, collision := range amount.DetectCollisions(amounts) {
		result.Collisions = append(result.Collisions, collision)
		e.metrics.RecordCollision("recon")
		e.logger.ErrorContext(ctx, "expected amount collision, holding orders for manual resolution",
			slog.String("amount", collision.Amount.String()),
			slog.Any("order_ids", collision.OrderIDs),
			slog.String("error", collision.Error()))
		for _, id := range collision.OrderIDs {
			held[id] = struct{}{}
		}
	}
	return held
}

func (e *Engine) notify(ctx context.Context, p notify.Payment) {
	if e.notifier == nil {
		return
	}
	// Deliveries outlive the cycle deadline; each gets its own budget.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(notifyCtx, p); err != nil {
		e.logger.WarnContext(ctx, "payment notification failed",
			slog.Uint64("order_id", p.OrderID),
			slog.String("error", err.Error()))
	}
}

// Resolve attributes one unconsumed occurrence of an order's expected amount
// to that order. Operators use it for orders held back by a collision.
func (e *Engine) Resolve(ctx context.Context, orderID uint64) (*Resolution, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	pending, err := e.orders.AwaitingPayment(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load pending orders: %w", err)
	}
	var target *orders.PendingOrder
	for i := range pending {
		if pending[i].ID == orderID {
			target = &pending[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: order %d is not awaiting payment", ErrNotResolvable, orderID)
	}
	if !target.Priced() {
		return nil, fmt.Errorf("%w: order %d has no expected amount", ErrNotResolvable, orderID)
	}

	state, err := e.state.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load scan state: %w", err)
	}
	unconsumed := amount.NewMultiset(state.Unconsumed...)
	expected := target.ExpectedAmount.Decimal
	if !unconsumed.Contains(expected) {
		return nil, fmt.Errorf("%w: no unconsumed payment of %s", ErrNotResolvable, expected)
	}
	transitioned, err := e.orders.MarkResolved(ctx, orderID, expected)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, fmt.Errorf("%w: order %d already paid", ErrNotResolvable, orderID)
	}
	unconsumed.Remove(expected)
	state.Unconsumed = unconsumed.Values()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.state.Save(persistCtx, state); err != nil {
		return nil, fmt.Errorf("recon: persist consumed amounts: %w", err)
	}
	e.metrics.RecordPaid("manual")
	e.metrics.SetScanState(state.LastScannedHeight, unconsumed.Len())
	e.logger.InfoContext(ctx, "order resolved manually",
		slog.Uint64("order_id", orderID),
		slog.String("amount", expected.String()))
	e.notify(ctx, notify.Payment{
		OrderID:        orderID,
		Amount:         expected,
		MessageAddress: target.MessageAddress,
		PaidAt:         e.now().UTC(),
		Manual:         true,
	})
	return &Resolution{OrderID: orderID, Amount: expected, Unconsumed: unconsumed.Len()}, nil
}
