package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/schema"
)

type fixedPrice struct {
	price decimal.Decimal
	tsMs  int64
	ok    bool
}

func (f fixedPrice) ReferencePrice(string) (decimal.Decimal, int64, bool) { return f.price, f.tsMs, f.ok }

type fixedFilters struct {
	filters risk.SymbolFilters
	ok      bool
}

func (f fixedFilters) Filters(string) (risk.SymbolFilters, bool) { return f.filters, f.ok }

type fixedPosition struct{ qty decimal.Decimal }

func (f fixedPosition) LocalPosition(string) decimal.Decimal { return f.qty }

type fixedSafety struct {
	mode schema.SafetyMode
	err  error
}

func (f fixedSafety) CurrentMode() (schema.SafetyMode, error) { return f.mode, f.err }

func newTestPipeline(mode schema.SafetyMode, cfg Config, position decimal.Decimal) *Pipeline {
	engine := risk.NewEngine(risk.Config{})
	prices := fixedPrice{price: decimal.NewFromFloat(50_000), tsMs: 1_000, ok: true}
	filters := fixedFilters{filters: risk.SymbolFilters{
		MinQty:   decimal.NewFromFloat(0.001),
		StepSize: decimal.NewFromFloat(0.001),
	}, ok: true}
	pos := fixedPosition{qty: position}
	safety := fixedSafety{mode: mode}
	return NewPipeline(cfg, engine, safety, prices, filters, pos)
}

// expectedPrice returns a leader-side expected fill price test fixtures
// attach so they clear the sizeAndCheck slippage-reference gate; its exact
// value is irrelevant since every test pipeline runs with SlippageCapBps
// unset.
func expectedPrice() *decimal.Decimal {
	p := decimal.NewFromFloat(50_000)
	return &p
}

func increaseEvent() schema.PositionDeltaEvent {
	return schema.PositionDeltaEvent{
		Symbol:                 "BTCUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xabc",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(10.0),
		NextTargetNetPosition:  decimal.NewFromFloat(22.9),
		DeltaTargetNetPosition: decimal.NewFromFloat(12.9),
		ActionType:             schema.ActionIncrease,
		ContractVersion:        schema.ContractVersion,
		ExpectedPrice:          expectedPrice(),
	}
}

// scenario 1 from spec.md §8.
func TestDecide_IncreaseProducesSingleIntent(t *testing.T) {
	cfg := Config{
		Sizing:          SizingConfig{Mode: "proportional", ProportionalRatio: 0.001},
		StrategyVersion: "v1",
	}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	result := p.Decide(increaseEvent(), 1_000)
	require.Len(t, result.Intents, 1)
	assert.Empty(t, result.Drops)

	intent := result.Intents[0]
	assert.Equal(t, "BTCUSDT", intent.Symbol)
	assert.Equal(t, schema.OrderSideBuy, intent.Side)
	assert.False(t, intent.ReduceOnly)
	assert.True(t, intent.Qty.Equal(decimal.NewFromFloat(0.0129)), "got %v", intent.Qty)
}

// P4: no reduce_only=false intent is ever generated from a DECREASE event.
func TestDecide_DecreaseAlwaysReduceOnly(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.NewFromFloat(5.0))

	event := schema.PositionDeltaEvent{
		Symbol:                 "BTCUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xdec",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(5.0),
		NextTargetNetPosition:  decimal.NewFromFloat(3.0),
		DeltaTargetNetPosition: decimal.NewFromFloat(-2.0),
		ActionType:             schema.ActionDecrease,
		ExpectedPrice:          expectedPrice(),
	}
	result := p.Decide(event, 1_000)
	require.Len(t, result.Intents, 1)
	assert.True(t, result.Intents[0].ReduceOnly)
}

// scenario 3 from spec.md §8: FLIP splits into close (reduce-only,
// preceding) and open (exposure-increasing) intents.
func TestDecide_FlipSplitsCloseBeforeOpen(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "proportional", ProportionalRatio: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.NewFromFloat(5.0))

	open := decimal.NewFromFloat(3.0)
	closeC := decimal.NewFromFloat(5.0)
	event := schema.PositionDeltaEvent{
		Symbol:                 "ETHUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xflip",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(5.0),
		NextTargetNetPosition:  decimal.NewFromFloat(-3.0),
		DeltaTargetNetPosition: decimal.NewFromFloat(-8.0),
		ActionType:             schema.ActionFlip,
		OpenComponent:          &open,
		CloseComponent:         &closeC,
		ExpectedPrice:          expectedPrice(),
	}
	result := p.Decide(event, 1_000)
	require.Len(t, result.Intents, 2)

	closeIntent, openIntent := result.Intents[0], result.Intents[1]
	assert.Contains(t, closeIntent.CorrelationID, "-close")
	assert.True(t, closeIntent.ReduceOnly)
	assert.True(t, closeIntent.Qty.Equal(decimal.NewFromFloat(5.0)))

	assert.Contains(t, openIntent.CorrelationID, "-open")
	assert.False(t, openIntent.ReduceOnly)
}

// P5 / I6: HALT drops everything.
func TestDecide_HaltDropsAllIntents(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyHalt, cfg, decimal.Zero)

	result := p.Decide(increaseEvent(), 1_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
}

// ARMED_SAFE permits reduce-only but drops exposure-increasing legs.
func TestDecide_ArmedSafeDropsIncreaseKeepsDecrease(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}

	pIncrease := newTestPipeline(schema.SafetyArmedSafe, cfg, decimal.Zero)
	incResult := pIncrease.Decide(increaseEvent(), 1_000)
	assert.Empty(t, incResult.Intents)

	pDecrease := newTestPipeline(schema.SafetyArmedSafe, cfg, decimal.NewFromFloat(5.0))
	decEvent := schema.PositionDeltaEvent{
		Symbol:                 "BTCUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xdec2",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(5.0),
		NextTargetNetPosition:  decimal.NewFromFloat(3.0),
		DeltaTargetNetPosition: decimal.NewFromFloat(-2.0),
		ActionType:             schema.ActionDecrease,
		ExpectedPrice:          expectedPrice(),
	}
	decResult := pDecrease.Decide(decEvent, 1_000)
	require.Len(t, decResult.Intents, 1)
	assert.True(t, decResult.Intents[0].ReduceOnly)
}

// scenario 2 from spec.md §8: replay_policy=close_only drops an INCREASE
// replay event entirely.
func TestDecide_ReplayCloseOnlyDropsIncrease(t *testing.T) {
	cfg := Config{
		Sizing:       SizingConfig{Mode: "fixed", FixedQty: 1.0},
		ReplayPolicy: "close-only",
	}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := increaseEvent()
	event.IsReplay = true
	result := p.Decide(event, 1_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
	assert.Equal(t, "replay_close_only_policy", result.Drops[0].Reason)
}

func TestDecide_StaleEventDropped(t *testing.T) {
	cfg := Config{MaxStaleMs: 1_000, Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := increaseEvent()
	event.TimestampMs = 0
	result := p.Decide(event, 10_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
	assert.Equal(t, "stale_event", result.Drops[0].Reason)
}

func TestDecide_IncompatibleSchemaVersionDropped(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := increaseEvent()
	event.ContractVersion = "2.0"
	result := p.Decide(event, 1_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
}

// I5 / reduce-only sizing must never exceed closable_qty even if the
// leader's component implies a bigger close.
func TestDecide_ReduceOnlySizingCappedByClosableQty(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.NewFromFloat(2.0))

	event := schema.PositionDeltaEvent{
		Symbol:                 "BTCUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xdec3",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(10.0),
		NextTargetNetPosition:  decimal.NewFromFloat(0.0),
		DeltaTargetNetPosition: decimal.NewFromFloat(-10.0),
		ActionType:             schema.ActionDecrease,
		ExpectedPrice:          expectedPrice(),
	}
	result := p.Decide(event, 1_000)
	require.Len(t, result.Intents, 1)
	assert.True(t, result.Intents[0].Qty.Equal(decimal.NewFromFloat(2.0)), "got %v", result.Intents[0].Qty)
}

// Zero closable qty skips the reduce-only leg with a warning rather than
// emitting a zero-qty intent.
func TestDecide_ReduceOnlyZeroClosableSkipped(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "fixed", FixedQty: 1.0}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := schema.PositionDeltaEvent{
		Symbol:                 "BTCUSDT",
		TimestampMs:            1_000,
		TxHash:                 "0xdec4",
		EventIndex:             1,
		PrevTargetNetPosition:  decimal.NewFromFloat(10.0),
		NextTargetNetPosition:  decimal.NewFromFloat(0.0),
		DeltaTargetNetPosition: decimal.NewFromFloat(-10.0),
		ActionType:             schema.ActionDecrease,
	}
	result := p.Decide(event, 1_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
	assert.Equal(t, "zero_quantity", result.Drops[0].Reason)
}

// price_failure_policy=reject drops a leg whose event carries no expected
// price, rather than silently treating the missing baseline as zero
// slippage.
func TestDecide_MissingExpectedPriceRejectedByPolicy(t *testing.T) {
	cfg := Config{
		Sizing:             SizingConfig{Mode: "fixed", FixedQty: 1.0},
		PriceFailurePolicy: "reject",
	}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := increaseEvent()
	event.ExpectedPrice = nil
	result := p.Decide(event, 1_000)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Drops, 1)
	assert.Equal(t, "risk", result.Drops[0].Stage)
}

// price_failure_policy=allow_without_price lets a leg through despite a
// missing expected price, annotating the intent instead of rejecting it.
func TestDecide_MissingExpectedPriceAllowedWithoutPrice(t *testing.T) {
	cfg := Config{
		Sizing:             SizingConfig{Mode: "fixed", FixedQty: 1.0},
		PriceFailurePolicy: "allow_without_price",
	}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	event := increaseEvent()
	event.ExpectedPrice = nil
	result := p.Decide(event, 1_000)
	require.Len(t, result.Intents, 1)
	assert.Contains(t, result.Intents[0].RiskNotes, "no expected price")
}

// P8: correlation_id is a pure function of (tx_hash, event_index, symbol, role).
func TestDecide_CorrelationIDDeterministic(t *testing.T) {
	cfg := Config{Sizing: SizingConfig{Mode: "proportional", ProportionalRatio: 0.001}}
	p := newTestPipeline(schema.SafetyArmedLive, cfg, decimal.Zero)

	r1 := p.Decide(increaseEvent(), 1_000)
	r2 := p.Decide(increaseEvent(), 1_000)
	require.Len(t, r1.Intents, 1)
	require.Len(t, r2.Intents, 1)
	assert.Equal(t, r1.Intents[0].CorrelationID, r2.Intents[0].CorrelationID)
	assert.Equal(t, "hl-0xabc-1-BTCUSDT", r1.Intents[0].CorrelationID)
}
