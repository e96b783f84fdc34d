package risk

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

// Config defines the static limits Decision's hard-risk-check step
// evaluates an OrderIntent against.
type Config struct {
	KillSwitch           bool          `json:"killSwitch"`
	MaxOrderQty          float64       `json:"maxOrderQty"`
	MaxOrderNotional      float64      `json:"maxOrderNotional"`
	MaxPosition           float64      `json:"maxPosition"`
	OrderRateLimit        int          `json:"orderRateLimit"`
	OrderRateWindow       time.Duration `json:"orderRateWindow"`
	SlippageCapBps        int64        `json:"slippageCapBps"`
	MaxPriceStalenessMs   int64        `json:"maxPriceStalenessMs"`
}

// SymbolFilters are the exchange's exact-multiple constraints for a
// symbol, read live from the execution venue (or cached briefly).
type SymbolFilters struct {
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// StateView is the position and pricing context Evaluate needs, supplied
// fresh by the caller on every call so the engine itself stays pure.
type StateView struct {
	Position       decimal.Decimal
	ReferencePrice decimal.Decimal
	PriceTsMs      int64
	Now            int64
	Filters        SymbolFilters
}

// Engine evaluates an OrderIntent against static risk limits and
// exchange filters, returning Allow/Deny plus a machine-matchable reason.
type Engine struct {
	cfg             Config
	rateWindowStart int64
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allow  bool
	Reason schema.RiskReason
	Detail string
}

// Evaluate applies the kill switch, rate limit, max order qty,
// price-staleness, slippage, exchange-filter, max notional and max
// position checks in that order —
// the first failing check determines the denial reason, matching
// Decision's "strict decision order" contract.
func (e *Engine) Evaluate(intent schema.OrderIntent, state StateView) Decision {
	if e.cfg.KillSwitch {
		return deny(schema.RiskReasonKillSwitch, "operator kill switch engaged")
	}

	now := state.Now
	if now == 0 {
		now = time.Now().UTC().UnixMilli()
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		window := int64(e.cfg.OrderRateWindow / time.Millisecond)
		if e.rateWindowStart == 0 || now-e.rateWindowStart >= window {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return deny(schema.RiskReasonRateLimit, "order rate limit exceeded")
		}
	}

	qty := intent.Qty
	if e.cfg.MaxOrderQty > 0 && qty.GreaterThan(decimal.NewFromFloat(e.cfg.MaxOrderQty)) {
		return deny(schema.RiskReasonMaxQty, "intent qty exceeds max order qty")
	}

	if e.cfg.MaxPriceStalenessMs > 0 && state.PriceTsMs > 0 {
		age := now - state.PriceTsMs
		if age > e.cfg.MaxPriceStalenessMs {
			return deny(schema.RiskReasonStalePrice, "reference price older than staleness budget")
		}
	}

	if intent.Price != nil && e.cfg.SlippageCapBps > 0 && !state.ReferencePrice.IsZero() {
		diff := intent.Price.Sub(state.ReferencePrice).Abs()
		capAmount := state.ReferencePrice.Mul(decimal.NewFromInt(e.cfg.SlippageCapBps)).Div(decimal.NewFromInt(10000))
		if diff.GreaterThan(capAmount) {
			return deny(schema.RiskReasonSlippage, "intent price deviates beyond slippage cap")
		}
	}

	if reason, detail := checkFilters(intent, state.Filters); reason != schema.RiskReasonNone {
		return deny(reason, detail)
	}

	notional := qty.Mul(effectivePrice(intent, state))
	if e.cfg.MaxOrderNotional > 0 && notional.GreaterThan(decimal.NewFromFloat(e.cfg.MaxOrderNotional)) {
		return deny(schema.RiskReasonMaxNotional, "intent notional exceeds max order notional")
	}

	nextPos := applySide(state.Position, intent.Side, qty)
	if e.cfg.MaxPosition > 0 && nextPos.Abs().GreaterThan(decimal.NewFromFloat(e.cfg.MaxPosition)) {
		return deny(schema.RiskReasonMaxPosition, "resulting position exceeds max position")
	}

	return Decision{Allow: true}
}

// checkFilters enforces the exchange's exact-multiple and minimum
// constraints, grounded on the same rounding rules a centralized venue
// applies server-side: qty must clear min_qty and be an exact multiple of
// step_size; price (if the intent carries one) must be an exact multiple
// of tick_size and the notional must clear min_notional. No rounding is
// ever applied here — Decision must produce exact multiples upstream.
func checkFilters(intent schema.OrderIntent, filters SymbolFilters) (schema.RiskReason, string) {
	if !filters.MinQty.IsZero() && intent.Qty.LessThan(filters.MinQty) {
		return schema.RiskReasonMaxQty, "qty below exchange min_qty"
	}
	if !isExactMultiple(intent.Qty, filters.StepSize) {
		return schema.RiskReasonStepSize, "qty is not an exact multiple of step_size"
	}
	if intent.Price == nil {
		return schema.RiskReasonNone, ""
	}
	if !isExactMultiple(*intent.Price, filters.TickSize) {
		return schema.RiskReasonTickSize, "price is not an exact multiple of tick_size"
	}
	if !filters.MinNotional.IsZero() {
		notional := intent.Qty.Mul(*intent.Price)
		if notional.LessThan(filters.MinNotional) {
			return schema.RiskReasonMinNotional, "notional below exchange min_notional"
		}
	}
	return schema.RiskReasonNone, ""
}

func isExactMultiple(value, step decimal.Decimal) bool {
	if step.IsZero() || step.IsNegative() {
		return true
	}
	return value.Mod(step).IsZero()
}

func effectivePrice(intent schema.OrderIntent, state StateView) decimal.Decimal {
	if intent.Price != nil {
		return *intent.Price
	}
	return state.ReferencePrice
}

func applySide(pos decimal.Decimal, side schema.OrderSide, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case schema.OrderSideBuy:
		return pos.Add(qty)
	case schema.OrderSideSell:
		return pos.Sub(qty)
	default:
		return pos
	}
}

func deny(reason schema.RiskReason, detail string) Decision {
	return Decision{Allow: false, Reason: reason, Detail: detail}
}
