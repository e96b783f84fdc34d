// Package decision turns a PositionDeltaEvent into zero or more sized,
// risk-checked OrderIntents under a fixed, side-effect-free pipeline.
package decision

import (
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/schema"
)

// PriceProvider resolves the execution venue's current reference price for
// a symbol, and the timestamp it was observed at.
type PriceProvider interface {
	ReferencePrice(symbol string) (price decimal.Decimal, tsMs int64, ok bool)
}

// FiltersProvider resolves a symbol's exchange filters.
type FiltersProvider interface {
	Filters(symbol string) (risk.SymbolFilters, bool)
}

// PositionProvider resolves the follower's own current position for a
// symbol, used to bound reduce-only sizing.
type PositionProvider interface {
	LocalPosition(symbol string) decimal.Decimal
}

// SafetyProvider is the narrow view of safety.Service the pipeline needs.
type SafetyProvider interface {
	CurrentMode() (schema.SafetyMode, error)
}

// SizingConfig controls how a leader-side component quantity is mapped to
// a follower-side order quantity on an exposure-increasing leg. Reduce-only
// legs never consult this: they are always sized by closable_qty * ratio.
type SizingConfig struct {
	Mode              string // fixed | proportional | kelly
	FixedQty          float64
	ProportionalRatio float64
	KellyWinRate      float64
	KellyEdge         float64
	KellyFraction     float64
}

// Config is Decision's static, operator-tunable behavior.
type Config struct {
	MaxStaleMs           int64
	MaxFutureMs          int64
	ReplayPolicy         string // close-only | skip | mirror
	PriceFallbackEnabled bool
	PriceFailurePolicy   string // reject | allow_without_price
	Sizing               SizingConfig
	StrategyVersion      string
}

// Drop records why a leg never became an intent, for logging/audit.
type Drop struct {
	CorrelationID string
	Symbol        string
	Stage         string
	Reason        string
	Detail        string
}

// Result is the pipeline's full output for one event: the ordered intents
// to submit, plus every leg that was dropped and why.
type Result struct {
	Intents []schema.OrderIntent
	Drops   []Drop
}

// Pipeline is Decision's pure core. It is deliberately stateless across
// calls other than the rate limiter embedded in Engine; everything else it
// needs is passed in as arguments or resolved through the provider
// interfaces, keeping Decide reproducible given the same inputs.
type Pipeline struct {
	cfg    Config
	engine *risk.Engine
	safety SafetyProvider
	prices PriceProvider
	filt   FiltersProvider
	pos    PositionProvider
}

// NewPipeline builds a Decision pipeline over the given risk engine and
// capability providers.
func NewPipeline(cfg Config, engine *risk.Engine, safety SafetyProvider, prices PriceProvider, filt FiltersProvider, pos PositionProvider) *Pipeline {
	return &Pipeline{cfg: cfg, engine: engine, safety: safety, prices: prices, filt: filt, pos: pos}
}

// leg is one exposure change (close or open) Decision derives from an
// event, before it has been sized or risk-checked.
type leg struct {
	role          string // close | open | decrease | increase
	reduceOnly    bool
	component     decimal.Decimal // leader-side magnitude for this leg
	suffix        string
	correlationID string
}

// Decide runs the full strict pipeline against event, using now as the
// pipeline's only notion of "current time" so the result is reproducible
// for a fixed (event, now, provider-reading) tuple.
func (p *Pipeline) Decide(event schema.PositionDeltaEvent, now int64) Result {
	var result Result

	if event.ContractVersion != "" && event.ContractVersion != schema.ContractVersion {
		result.Drops = append(result.Drops, p.drop(event, "", "schema", string(schema.RiskReasonSchemaIncompatible), event.ContractVersion))
		return result
	}
	if p.cfg.MaxStaleMs > 0 && now-event.TimestampMs > p.cfg.MaxStaleMs {
		result.Drops = append(result.Drops, p.drop(event, "", "freshness", "stale_event", ""))
		return result
	}
	if p.cfg.MaxFutureMs > 0 && event.TimestampMs-now > p.cfg.MaxFutureMs {
		result.Drops = append(result.Drops, p.drop(event, "", "freshness", "future_event", ""))
		return result
	}

	legs, dropped := p.legsForEvent(event)
	if dropped != nil {
		result.Drops = append(result.Drops, *dropped)
		return result
	}

	legs = p.applyReplayGate(event, legs, &result)
	legs = p.applySafetyGate(event, legs, &result)

	for _, l := range legs {
		intent, drop := p.sizeAndCheck(event, l, now)
		if drop != nil {
			result.Drops = append(result.Drops, *drop)
			continue
		}
		result.Intents = append(result.Intents, intent)
	}
	return result
}

// legsForEvent derives the close/open (or decrease/increase) legs implied
// by the event's action type, in the order Execution must submit them: a
// FLIP's close leg always precedes its open leg.
func (p *Pipeline) legsForEvent(event schema.PositionDeltaEvent) ([]leg, *Drop) {
	switch event.ActionType {
	case schema.ActionIncrease:
		component := event.DeltaTargetNetPosition.Abs()
		if component.IsZero() {
			d := p.drop(event, "", "sizing", "zero_delta", "")
			return nil, &d
		}
		return []leg{{
			role:          "increase",
			reduceOnly:    false,
			component:     component,
			correlationID: schema.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, ""),
		}}, nil
	case schema.ActionDecrease:
		return []leg{{
			role:          "decrease",
			reduceOnly:    true,
			component:     event.DeltaTargetNetPosition.Abs(),
			correlationID: schema.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, ""),
		}}, nil
	case schema.ActionFlip:
		closeComponent := event.PrevTargetNetPosition.Abs()
		if event.CloseComponent != nil {
			closeComponent = event.CloseComponent.Abs()
		}
		openComponent := event.NextTargetNetPosition.Abs()
		if event.OpenComponent != nil {
			openComponent = event.OpenComponent.Abs()
		}
		legs := []leg{
			{
				role:          "close",
				reduceOnly:    true,
				component:     closeComponent,
				suffix:        "close",
				correlationID: schema.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, "close"),
			},
		}
		if !openComponent.IsZero() {
			legs = append(legs, leg{
				role:          "open",
				reduceOnly:    false,
				component:     openComponent,
				suffix:        "open",
				correlationID: schema.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, "open"),
			})
		}
		return legs, nil
	default:
		d := p.drop(event, "", "sizing", "unknown_action_type", string(event.ActionType))
		return nil, &d
	}
}

// applyReplayGate filters legs per cfg.ReplayPolicy when the event is a
// replayed (backfilled) one: close-only keeps reduce-only legs, skip drops
// everything, mirror (or the default, unset policy) keeps every leg.
func (p *Pipeline) applyReplayGate(event schema.PositionDeltaEvent, legs []leg, result *Result) []leg {
	if !event.IsReplay {
		return legs
	}
	switch p.cfg.ReplayPolicy {
	case "skip":
		for _, l := range legs {
			result.Drops = append(result.Drops, p.dropLeg(event, l, "replay", "replay_skip_policy", ""))
		}
		return nil
	case "close-only":
		kept := legs[:0:0]
		for _, l := range legs {
			if l.reduceOnly {
				kept = append(kept, l)
				continue
			}
			result.Drops = append(result.Drops, p.dropLeg(event, l, "replay", "replay_close_only_policy", ""))
		}
		return kept
	default: // "mirror" or unset
		return legs
	}
}

// applySafetyGate drops exposure-increasing legs while the pipeline-wide
// safety mode is anything other than ARMED_LIVE, and drops everything while
// HALTed.
func (p *Pipeline) applySafetyGate(event schema.PositionDeltaEvent, legs []leg, result *Result) []leg {
	if len(legs) == 0 {
		return legs
	}
	mode, err := p.safety.CurrentMode()
	if err != nil {
		for _, l := range legs {
			result.Drops = append(result.Drops, p.dropLeg(event, l, "safety", "safety_unavailable", err.Error()))
		}
		return nil
	}
	switch mode {
	case schema.SafetyHalt:
		for _, l := range legs {
			result.Drops = append(result.Drops, p.dropLeg(event, l, "safety", string(schema.RiskReasonKillSwitch), "HALT"))
		}
		return nil
	case schema.SafetyArmedSafe:
		kept := legs[:0:0]
		for _, l := range legs {
			if l.reduceOnly {
				kept = append(kept, l)
				continue
			}
			result.Drops = append(result.Drops, p.dropLeg(event, l, "safety", string(schema.RiskReasonSafetyNotLive), ""))
		}
		return kept
	default: // ARMED_LIVE
		return legs
	}
}

// sizeAndCheck converts one leg's leader-side component into a follower
// order quantity and runs it through the risk engine, returning either a
// built intent or the reason it was dropped.
func (p *Pipeline) sizeAndCheck(event schema.PositionDeltaEvent, l leg, now int64) (schema.OrderIntent, *Drop) {
	var qty decimal.Decimal
	if l.reduceOnly {
		qty = p.sizeReduceOnly(event, l)
	} else {
		qty = p.sizeIncrease(l)
	}
	if qty.IsZero() {
		d := p.dropLeg(event, l, "sizing", "zero_quantity", "")
		return schema.OrderIntent{}, &d
	}

	price, priceTs, havePrice := p.prices.ReferencePrice(event.Symbol)
	if !havePrice && p.cfg.PriceFallbackEnabled && event.ExpectedPrice != nil && event.ExpectedPriceTimestampMs != nil {
		price = *event.ExpectedPrice
		priceTs = *event.ExpectedPriceTimestampMs
		havePrice = true
	}
	if !havePrice && p.cfg.PriceFailurePolicy != "allow_without_price" {
		d := p.dropLeg(event, l, "risk", string(schema.RiskReasonStalePrice), "no reference price")
		return schema.OrderIntent{}, &d
	}

	// The order prices at the live mark (price above); the risk engine's
	// slippage check needs an independent baseline to compare that against
	// — the leader's own expected fill price. A missing expected price is
	// itself a missing-price condition and goes through the same
	// price_failure_policy gate the missing reference-price case above
	// does, rather than falling back to price (which would make diff
	// always zero and never consult the policy at all).
	haveExpectedPrice := event.ExpectedPrice != nil
	if !haveExpectedPrice && p.cfg.PriceFailurePolicy != "allow_without_price" {
		d := p.dropLeg(event, l, "risk", string(schema.RiskReasonStalePrice), "no expected price")
		return schema.OrderIntent{}, &d
	}
	var slippageReference decimal.Decimal
	if haveExpectedPrice {
		slippageReference = *event.ExpectedPrice
	}

	side := schema.OrderSideBuy
	if event.DeltaTargetNetPosition.IsNegative() {
		side = schema.OrderSideSell
	}
	if l.reduceOnly {
		// A reduce-only leg trades opposite the position it is reducing.
		if event.PrevTargetNetPosition.IsPositive() {
			side = schema.OrderSideSell
		} else {
			side = schema.OrderSideBuy
		}
	}

	intent := schema.OrderIntent{
		CorrelationID:   l.correlationID,
		ClientOrderID:   l.correlationID,
		Symbol:          event.Symbol,
		Side:            side,
		OrderType:       schema.OrderTypeLimit,
		Qty:             qty,
		ReduceOnly:      l.reduceOnly,
		TimeInForce:     schema.TimeInForceGTC,
		IsReplay:        event.IsReplay,
		StrategyVersion: p.cfg.StrategyVersion,
		ContractVersion: schema.ContractVersion,
	}
	if havePrice {
		intent.Price = &price
	}

	filters, _ := p.filt.Filters(event.Symbol)
	localPos := decimal.Zero
	if p.pos != nil {
		localPos = p.pos.LocalPosition(event.Symbol)
	}
	decision := p.engine.Evaluate(intent, risk.StateView{
		Position:       localPos,
		ReferencePrice: slippageReference,
		PriceTsMs:      priceTs,
		Now:            now,
		Filters:        filters,
	})
	if !decision.Allow {
		d := p.dropLeg(event, l, "risk", string(decision.Reason), decision.Detail)
		return schema.OrderIntent{}, &d
	}
	switch {
	case !havePrice:
		intent.RiskNotes = "no reference price: allowed by price_failure_policy=allow_without_price"
	case !haveExpectedPrice:
		intent.RiskNotes = "no expected price: slippage check skipped, allowed by price_failure_policy=allow_without_price"
	}
	return intent, nil
}

// sizeIncrease maps a leader-side component quantity to a follower order
// quantity on an exposure-increasing leg, per cfg.Sizing.Mode.
func (p *Pipeline) sizeIncrease(l leg) decimal.Decimal {
	switch p.cfg.Sizing.Mode {
	case "proportional":
		return l.component.Mul(decimal.NewFromFloat(p.cfg.Sizing.ProportionalRatio))
	case "kelly":
		fraction := kellyFraction(p.cfg.Sizing.KellyWinRate, p.cfg.Sizing.KellyEdge, p.cfg.Sizing.KellyFraction)
		return l.component.Mul(decimal.NewFromFloat(fraction))
	default: // "fixed" or unset
		return decimal.NewFromFloat(p.cfg.Sizing.FixedQty)
	}
}

// kellyFraction returns the classic Kelly criterion f* = p - (1-p)/b,
// clamped to [0, cap] so a losing edge never produces a short position
// from a sizing step that is only ever meant to scale a long-only clip.
func kellyFraction(winRate, edge, cap float64) float64 {
	if edge <= 0 {
		return 0
	}
	f := winRate - (1-winRate)/edge
	if f < 0 {
		return 0
	}
	if cap > 0 && f > cap {
		return cap
	}
	return f
}

// sizeReduceOnly bounds a close/decrease leg by the follower's own current
// position: qty = closable_qty * ratio, where ratio is min(1,
// |leg.component| / |prev_target|), so a reduce-only order can never flip
// the follower's position on its own.
func (p *Pipeline) sizeReduceOnly(event schema.PositionDeltaEvent, l leg) decimal.Decimal {
	closable := decimal.Zero
	if p.pos != nil {
		closable = p.pos.LocalPosition(event.Symbol).Abs()
	}
	if closable.IsZero() {
		return decimal.Zero
	}
	prevAbs := event.PrevTargetNetPosition.Abs()
	if prevAbs.IsZero() {
		return decimal.Zero
	}
	ratio := l.component.Div(prevAbs)
	one := decimal.NewFromInt(1)
	if ratio.GreaterThan(one) {
		ratio = one
	}
	return closable.Mul(ratio)
}

func (p *Pipeline) drop(event schema.PositionDeltaEvent, suffix, stage, reason, detail string) Drop {
	return Drop{
		CorrelationID: schema.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, suffix),
		Symbol:        event.Symbol,
		Stage:         stage,
		Reason:        reason,
		Detail:        detail,
	}
}

func (p *Pipeline) dropLeg(event schema.PositionDeltaEvent, l leg, stage, reason, detail string) Drop {
	return Drop{
		CorrelationID: l.correlationID,
		Symbol:        event.Symbol,
		Stage:         stage,
		Reason:        reason,
		Detail:        detail,
	}
}
