package execution

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/schema"
	"github.com/unendless314/hl-follower/pkg/exception"
)

// Store is the subset of the store's execution-facing API the executor
// needs. Intent persistence itself happens upstream, atomically with the
// event that produced it (store.RecordEvent) — by the time an intent
// reaches Submit it is already durable, so the executor only ever reads
// and writes results.
type Store interface {
	UpsertResult(result schema.OrderResult, nowMs int64) error
	IncrementRetryCount(correlationID string) (int, error)
	LoadResult(correlationID string) (schema.OrderResult, bool, error)
	NonTerminalIntents() ([]schema.OrderIntent, error)
}

// Config governs submission concurrency and the lifecycle timers and
// retry budget spec.md's Execution component specifies.
type Config struct {
	WorkerCount                int
	QueueCapacity              int
	TIFSeconds                 int64
	OrderPollIntervalSec       int64
	UnknownPollIntervalSec     int64
	MarketFallbackEnabled      bool
	MarketFallbackThresholdPct float64
	MarketSlippageCapPct       float64
	RetryBudgetMaxAttempts     int
	RetryBudgetWindowSec       int64
	RetryBudgetMode            string // armed_safe | halt
}

// ReasonRetryBudgetExceeded is the safety transition reason recorded when
// an order stuck in UNKNOWN exhausts its retry budget.
const ReasonRetryBudgetExceeded = "EXECUTION_RETRY_BUDGET_EXCEEDED"

// Executor runs a bounded worker pool that submits OrderIntents through
// the Gateway and drives each one through TIF expiry, market fallback,
// and UNKNOWN recovery, adapted from the teacher's order.Usecase worker
// pool but routed by retry-budget window instead of by venue platform.
type Executor struct {
	cfg     Config
	gateway *Gateway
	venue   Venue
	store   Store
	safety  *safety.Service

	running atomic.Bool
	queue   chan schema.OrderIntent

	windowStartMs    atomic.Int64
	attemptsInWindow atomic.Int32

	lastSuccessMs   atomic.Int64
	lastExceptionMs atomic.Int64
}

// NewExecutor builds an executor over gateway/venue/store/safety.
func NewExecutor(cfg Config, gateway *Gateway, venue Venue, store Store, safetySvc *safety.Service) *Executor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Executor{
		cfg:     cfg,
		gateway: gateway,
		venue:   venue,
		store:   store,
		safety:  safetySvc,
		queue:   make(chan schema.OrderIntent, cfg.QueueCapacity),
	}
}

// Submit enqueues an already-persisted intent for a worker to pick up.
// Returns an error instead of blocking if the queue is saturated; the bus
// consumer draining Decision's output logs that error and does not retry
// the intent.
func (e *Executor) Submit(intent schema.OrderIntent, nowMs int64) error {
	select {
	case e.queue <- intent:
		return nil
	default:
		return errors.New("execution: submit queue full")
	}
}

// Health reports the executor's most recent venue/gateway success and
// exception timestamps, for Safety's execution-adapter-healthy precondition.
func (e *Executor) Health() safety.ExecutionHealth {
	return safety.ExecutionHealth{
		LastSuccessMs:   e.lastSuccessMs.Load(),
		LastExceptionMs: e.lastExceptionMs.Load(),
	}
}

func (e *Executor) markSuccess() {
	e.lastSuccessMs.Store(time.Now().UTC().UnixMilli())
}

func (e *Executor) markException() {
	e.lastExceptionMs.Store(time.Now().UTC().UnixMilli())
}

// Run starts the worker pool and returns at once; each worker exits when
// ctx is canceled. A second call is a no-op.
func (e *Executor) Run(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}
	for i := 0; i < e.cfg.WorkerCount; i++ {
		go e.worker(ctx)
	}
}

// RecoverNonTerminal re-queries every non-terminal intent from the venue
// on restart, per the spec's idempotency protocol, bypassing Submit's
// worker queue (the intent is already persisted). Each intent is
// first seeded into the gateway's state machine from its last known result
// so Gateway.Send recognizes it as already-known and queries the venue
// instead of submitting it again — the in-memory state machine starts
// every process empty, so without seeding, recovery would look identical
// to a brand-new intent and resubmit it.
func (e *Executor) RecoverNonTerminal(ctx context.Context) error {
	intents, err := e.store.NonTerminalIntents()
	if err != nil {
		return errors.Wrap(err, "execution: load non-terminal intents")
	}
	for _, intent := range intents {
		e.gateway.Seed(e.seedOrder(intent))
		ack, err := e.gateway.Send(ctx, intent)
		if err != nil {
			e.markException()
			logs.Errorf("execution: recovery query failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
			continue
		}
		e.markSuccess()
		e.persistAck(intent.CorrelationID, ack)
	}
	return nil
}

// seedOrder builds the state-machine snapshot RecoverNonTerminal installs
// before re-querying the venue: the last persisted result if one exists,
// otherwise a bare PENDING order carrying only what was durable when the
// intent itself committed (the venue may still know about it even if this
// process crashed before ever recording an ack).
func (e *Executor) seedOrder(intent schema.OrderIntent) *Order {
	o := &Order{
		CorrelationID: intent.CorrelationID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Intent:        intent,
		Status:        schema.OrderStatusPending,
	}
	result, ok, err := e.store.LoadResult(intent.CorrelationID)
	if err != nil {
		logs.Errorf("execution: load result for recovery seed failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
		return o
	}
	if !ok {
		return o
	}
	o.ExchangeOrderID = result.ExchangeOrderID
	o.Status = result.Status
	o.FilledQty = result.FilledQty
	if result.AvgPrice != nil {
		o.AvgPrice = *result.AvgPrice
	}
	return o
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-e.queue:
			e.process(ctx, intent)
		}
	}
}

// process drives one intent through submit, TIF wait, fallback, and
// UNKNOWN recovery until it reaches a terminal state or ctx is canceled.
func (e *Executor) process(ctx context.Context, intent schema.OrderIntent) {
	ack, err := e.gateway.Send(ctx, intent)
	if err != nil {
		e.markException()
		e.handleSubmitError(ctx, intent, err)
		return
	}
	e.markSuccess()
	e.persistAck(intent.CorrelationID, ack)

	status := ack.Status
	if status == schema.OrderStatusUnknown {
		status = e.resolveUnknown(ctx, intent)
	}
	if status != schema.OrderStatusPartiallyFilled && status != schema.OrderStatusSubmitted {
		return
	}

	status = e.waitForTIF(ctx, intent, ack)
	if status == schema.OrderStatusExpired && e.cfg.MarketFallbackEnabled {
		e.attemptMarketFallback(ctx, intent, ack)
	}
}

func (e *Executor) handleSubmitError(ctx context.Context, intent schema.OrderIntent, err error) {
	switch {
	case stderrors.Is(err, ErrGatewayDisconnected):
		logs.Warnf("execution: submit deferred, gateway disconnected correlation_id=%s", intent.CorrelationID)
	case stderrors.Is(err, exception.ErrConnectionClose):
		e.trackUnknown(ctx, intent.CorrelationID)
	default:
		logs.Errorf("execution: submit failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
		e.persistAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusRejected, ErrorMessage: err.Error()})
	}
}

// waitForTIF polls the order at order_poll_interval_sec until it leaves
// the book (terminal, or TIF expiry triggers a cancel).
func (e *Executor) waitForTIF(ctx context.Context, intent schema.OrderIntent, ack VenueAck) schema.OrderStatus {
	deadline := time.Duration(e.cfg.TIFSeconds) * time.Second
	pollInterval := time.Duration(e.cfg.OrderPollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	status := ack.Status
	for {
		select {
		case <-ctx.Done():
			return status
		case <-timer.C:
			return e.cancelForExpiry(ctx, intent)
		case <-ticker.C:
			queried, err := e.venue.QueryOrder(ctx, intent.ClientOrderID)
			if err != nil {
				e.markException()
				continue
			}
			e.markSuccess()
			e.persistAck(intent.CorrelationID, queried)
			status = queried.Status
			if IsTerminal(status) {
				return status
			}
		}
	}
}

func (e *Executor) cancelForExpiry(ctx context.Context, intent schema.OrderIntent) schema.OrderStatus {
	ack, err := e.venue.CancelOrder(ctx, intent.ClientOrderID)
	if err != nil {
		e.markException()
		logs.Errorf("execution: cancel on TIF expiry failed correlation_id=%s, err: %+v", intent.CorrelationID, err)
		return schema.OrderStatusUnknown
	}
	e.markSuccess()
	if ack.Status == schema.OrderStatusCanceled || ack.Status == schema.OrderStatusFilled {
		e.persistAck(intent.CorrelationID, ack)
		if ack.Status == schema.OrderStatusCanceled {
			return schema.OrderStatusExpired
		}
		return ack.Status
	}
	e.persistAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusExpired, FilledQty: ack.FilledQty, AvgPrice: ack.AvgPrice})
	return schema.OrderStatusExpired
}

// attemptMarketFallback submits the remaining quantity as a MARKET order
// under a fresh correlation suffix, re-checking slippage against the
// fallback-time mark price before submitting.
func (e *Executor) attemptMarketFallback(ctx context.Context, intent schema.OrderIntent, ack VenueAck) {
	result, ok, err := e.store.LoadResult(intent.CorrelationID)
	if err != nil || !ok {
		return
	}
	remaining := intent.Qty.Sub(result.FilledQty)
	if remaining.IsNegative() || remaining.IsZero() {
		return
	}
	threshold := intent.Qty.Mul(decimal.NewFromFloat(e.cfg.MarketFallbackThresholdPct))
	if remaining.GreaterThan(threshold) {
		return
	}

	mark, _, err := e.venue.FetchMarkPrice(ctx, intent.Symbol)
	if err != nil {
		e.markException()
		logs.Warnf("execution: fallback mark price unavailable correlation_id=%s, err: %+v", intent.CorrelationID, err)
		return
	}
	e.markSuccess()
	if intent.Price != nil && e.cfg.MarketSlippageCapPct > 0 {
		denominator := *intent.Price
		floor := decimal.NewFromFloat(1e-9)
		if denominator.LessThan(floor) {
			denominator = floor
		}
		diff := mark.Sub(*intent.Price).Abs()
		slippage := diff.Div(denominator)
		if slippage.GreaterThan(decimal.NewFromFloat(e.cfg.MarketSlippageCapPct)) {
			logs.Warnf("execution: fallback slippage exceeded correlation_id=%s slippage=%v", intent.CorrelationID, slippage)
			return
		}
	}

	fallback := intent
	fallback.CorrelationID = intent.CorrelationID + "-fallback"
	fallback.ClientOrderID = fallback.CorrelationID
	fallback.OrderType = schema.OrderTypeMarket
	fallback.Qty = remaining
	fallback.Price = nil

	fallbackAck, err := e.gateway.Send(ctx, fallback)
	if err != nil {
		e.markException()
		logs.Errorf("execution: market fallback submit failed correlation_id=%s, err: %+v", fallback.CorrelationID, err)
		return
	}
	e.markSuccess()
	merged := Order{FilledQty: result.FilledQty}
	if result.AvgPrice != nil {
		merged.AvgPrice = *result.AvgPrice
	}
	MergeFallbackFill(&merged, fallbackAck.FilledQty, fallbackAck.AvgPrice)
	e.persistAck(intent.CorrelationID, VenueAck{
		Status:    schema.OrderStatusFilled,
		FilledQty: merged.FilledQty,
		AvgPrice:  merged.AvgPrice,
	})
}

// resolveUnknown polls the venue at unknown_poll_interval_sec and tracks
// retry-budget consumption; on budget exhaustion it triggers the
// configured safety transition and returns UNKNOWN to the caller, leaving
// the order's fate to an operator or a later reconciliation pass.
func (e *Executor) resolveUnknown(ctx context.Context, intent schema.OrderIntent) schema.OrderStatus {
	pollInterval := time.Duration(e.cfg.UnknownPollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return schema.OrderStatusUnknown
		case <-ticker.C:
			if e.trackUnknown(ctx, intent.CorrelationID) {
				return schema.OrderStatusUnknown
			}
			queried, err := e.venue.QueryOrder(ctx, intent.ClientOrderID)
			if err != nil {
				e.markException()
				continue
			}
			e.markSuccess()
			e.persistAck(intent.CorrelationID, queried)
			if queried.Status != schema.OrderStatusUnknown {
				return queried.Status
			}
		}
	}
}

// trackUnknown bumps the retry counter and, on exceeding the budget,
// transitions safety mode; it returns true when the budget has just been
// exhausted so the caller can stop polling. When RetryBudgetWindowSec is
// set, the budget is evaluated against attempts counted in a fixed window
// instead of the store's cumulative per-order count: the window restarts
// at the current attempt once it is older than RetryBudgetWindowSec, and
// its one counter is shared by every order this executor polls.
func (e *Executor) trackUnknown(ctx context.Context, correlationID string) bool {
	nowMs := time.Now().UTC().UnixMilli()
	count, err := e.store.IncrementRetryCount(correlationID)
	if err != nil {
		logs.Errorf("execution: increment retry count failed correlation_id=%s, err: %+v", correlationID, err)
		return false
	}

	attempts := count
	if e.cfg.RetryBudgetWindowSec > 0 {
		windowMs := e.cfg.RetryBudgetWindowSec * 1000
		start := e.windowStartMs.Load()
		if start == 0 || nowMs-start > windowMs {
			e.windowStartMs.Store(nowMs)
			e.attemptsInWindow.Store(0)
		}
		attempts = int(e.attemptsInWindow.Add(1))
	}

	if e.cfg.RetryBudgetMaxAttempts <= 0 || attempts < e.cfg.RetryBudgetMaxAttempts {
		return false
	}

	mode := schema.SafetyArmedSafe
	if e.cfg.RetryBudgetMode == "halt" {
		mode = schema.SafetyHalt
	}
	if err := e.safety.Transition(mode, ReasonRetryBudgetExceeded, nil, 0, nowMs); err != nil {
		logs.Errorf("execution: retry budget safety transition failed, err: %+v", err)
	}
	return true
}

func (e *Executor) persistAck(correlationID string, ack VenueAck) {
	result := schema.OrderResult{
		CorrelationID:   correlationID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Status:          ack.Status,
		FilledQty:       ack.FilledQty,
		AvgPrice:        &ack.AvgPrice,
		ErrorCode:       ack.ErrorCode,
		ErrorMessage:    ack.ErrorMessage,
		ContractVersion: schema.ContractVersion,
	}
	if err := e.store.UpsertResult(result, time.Now().UTC().UnixMilli()); err != nil {
		logs.Errorf("execution: persist result failed correlation_id=%s, err: %+v", correlationID, err)
	}
}
