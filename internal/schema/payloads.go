package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yanun0323/decimal"
)

// ContractVersion is the wire-contract version carried on every intent,
// event and result so a downstream consumer can detect a producer running
// an incompatible schema before it ever touches a field.
const ContractVersion = "1.0"

// NormalizeSymbol converts a leader-venue symbol into the dash-free form
// used internally and inside correlation ids. Hyphens are the only
// character Hyperliquid symbols are known to carry that a client order id
// sanitizer would otherwise strip.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "_")
}

// NormalizeExecutionSymbol strips both separators, producing the compact
// form most centralized venues expect for a spot/perp ticker (e.g. BTCUSDT).
func NormalizeExecutionSymbol(symbol string) string {
	symbol = strings.ReplaceAll(symbol, "-", "")
	return strings.ReplaceAll(symbol, "_", "")
}

// CorrelationID builds the deterministic idempotency key shared by a
// position-delta event, its derived order intent(s), and the resulting
// order result. suffix distinguishes the close-leg of a FLIP from the
// open-leg when a single event produces two intents.
func CorrelationID(txHash string, eventIndex int, symbol, suffix string) string {
	base := fmt.Sprintf("hl-%s-%d-%s", txHash, eventIndex, NormalizeSymbol(symbol))
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// ParseCorrelationID recovers the tx hash and event index from a
// correlation id produced by CorrelationID. It is used by dedup sweeps and
// audit tooling that only have the id to work from.
func ParseCorrelationID(correlationID string) (txHash string, eventIndex int, err error) {
	parts := strings.Split(correlationID, "-")
	if len(parts) < 4 || parts[0] != "hl" {
		return "", 0, fmt.Errorf("invalid correlation_id: %s", correlationID)
	}
	eventIndex, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid correlation_id: %s", correlationID)
	}
	return parts[1], eventIndex, nil
}

// ActionType classifies the net effect of a leader position change.
type ActionType string

const (
	ActionIncrease ActionType = "INCREASE"
	ActionDecrease ActionType = "DECREASE"
	ActionFlip     ActionType = "FLIP"
)

// Fill is a single leader-venue execution report, shaped after
// Hyperliquid's userFills payload. Aggregated by (TxHash, Coin) and sorted
// by (TimeMs, Tid) to derive PositionDeltaEvent.
type Fill struct {
	Coin           string
	Px             decimal.Decimal
	Sz             decimal.Decimal
	Side           string
	TimeMs         int64
	StartPosition  decimal.Decimal
	Dir            string
	ClosedPnl      decimal.Decimal
	TxHash         string
	Oid            int64
	Crossed        bool
	Fee            decimal.Decimal
	Tid            int64
	FeeToken       string
}

// PositionDeltaEvent is the normalized output of Ingest's fill aggregation:
// one event per (tx_hash, coin) group, carrying the net position delta and
// enough context for Decision to size and classify an order without
// re-reading the raw fills.
type PositionDeltaEvent struct {
	Symbol                   string
	TimestampMs              int64
	TxHash                   string
	EventIndex               int
	IsReplay                 bool
	PrevTargetNetPosition    decimal.Decimal
	NextTargetNetPosition    decimal.Decimal
	DeltaTargetNetPosition   decimal.Decimal
	ActionType               ActionType
	OpenComponent            *decimal.Decimal
	CloseComponent           *decimal.Decimal
	ExpectedPrice            *decimal.Decimal
	ExpectedPriceTimestampMs *int64
	ContractVersion          string
}

// OrderSide is the execution-venue order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution-venue order style.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce mirrors the execution venue's TIF vocabulary.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderIntent is Decision's output: a fully-sized, fully-classified order
// ready for Execution to submit, keyed by a correlation id that is stable
// across retries and process restarts.
type OrderIntent struct {
	CorrelationID   string
	ClientOrderID   string
	Symbol          string
	Side            OrderSide
	OrderType       OrderType
	Qty             decimal.Decimal
	Price           *decimal.Decimal
	ReduceOnly      bool
	TimeInForce     TimeInForce
	IsReplay        bool
	StrategyVersion string
	RiskNotes       string
	ContractVersion string
}

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// OrderResult is the terminal-or-in-flight record of what the execution
// venue actually did with an OrderIntent.
type OrderResult struct {
	CorrelationID   string
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        *decimal.Decimal
	ErrorCode       string
	ErrorMessage    string
	ContractVersion string
}

// PriceSnapshot is a single point-in-time mark price reading used by risk
// checks and sizing.
type PriceSnapshot struct {
	Price       decimal.Decimal
	TimestampMs int64
	Source      string
}

// SafetyMode is the pipeline-wide gate on order submission.
type SafetyMode string

const (
	SafetyArmedLive SafetyMode = "ARMED_LIVE"
	SafetyArmedSafe SafetyMode = "ARMED_SAFE"
	SafetyHalt      SafetyMode = "HALT"
)

// SafetyState is the persisted, singleton record of the pipeline's current
// safety posture and the reconciliation evidence behind it.
type SafetyState struct {
	Mode              SafetyMode
	Reason            string
	DriftSymbol       string
	DriftQty          *decimal.Decimal
	LastReconcileMs   int64
	TransitionedAtMs  int64
}

// Baseline is an operator-approved starting position snapshot used as the
// reference point the first time reconciliation runs against a symbol.
type Baseline struct {
	Symbol      string
	Qty         decimal.Decimal
	ApprovedAtMs int64
	ApprovedBy  string
}

// Cursor is the persisted read position into the leader's fill stream.
type Cursor struct {
	LastProcessedTimeMs int64
	LastProcessedTid    int64
}

// RiskReason is a coarse, machine-matchable reason code for a risk denial.
type RiskReason string

const (
	RiskReasonNone              RiskReason = ""
	RiskReasonKillSwitch        RiskReason = "kill_switch"
	RiskReasonSafetyNotLive     RiskReason = "safety_not_live"
	RiskReasonStalePrice        RiskReason = "stale_price"
	RiskReasonSlippage          RiskReason = "slippage_exceeded"
	RiskReasonMaxQty            RiskReason = "filter_min_qty"
	RiskReasonStepSize          RiskReason = "filter_step_size"
	RiskReasonTickSize          RiskReason = "filter_tick_size"
	RiskReasonMinNotional       RiskReason = "filter_min_notional"
	RiskReasonMaxNotional       RiskReason = "max_notional"
	RiskReasonMaxPosition       RiskReason = "max_position"
	RiskReasonRateLimit         RiskReason = "rate_limit"
	RiskReasonSchemaIncompatible RiskReason = "schema_incompatible"
)

// AuditRecord is an append-only note attached to a decision or execution
// outcome, used for operator review and incident reconstruction.
type AuditRecord struct {
	ID            int64
	CorrelationID string
	TsMs          int64
	Component     string
	Action        string
	Detail        string
	TraceID       uint64
}

// DedupRecord marks a (tx_hash, event_index, symbol) triple as already
// processed by Ingest, preventing duplicate PositionDeltaEvents from a
// replayed or re-delivered fill stream.
type DedupRecord struct {
	TxHash     string
	EventIndex int
	Symbol     string
	ProcessedAtMs int64
}
