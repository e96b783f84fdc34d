package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

func baseIntent() schema.OrderIntent {
	price := decimal.NewFromFloat(100.0)
	return schema.OrderIntent{
		Symbol: "BTCUSDT",
		Side:   schema.OrderSideBuy,
		Qty:    decimal.NewFromFloat(1.0),
		Price:  &price,
	}
}

func baseState() StateView {
	return StateView{
		ReferencePrice: decimal.NewFromFloat(100.0),
		Now:            1_000,
		Filters: SymbolFilters{
			MinQty:   decimal.NewFromFloat(0.001),
			StepSize: decimal.NewFromFloat(0.001),
		},
	}
}

func TestEngine_KillSwitchDeniesEverything(t *testing.T) {
	e := NewEngine(Config{KillSwitch: true})
	d := e.Evaluate(baseIntent(), baseState())
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonKillSwitch, d.Reason)
}

func TestEngine_AllowsWithinLimits(t *testing.T) {
	e := NewEngine(Config{})
	d := e.Evaluate(baseIntent(), baseState())
	assert.True(t, d.Allow)
}

func TestEngine_StepSizeRejectsNonExactMultiple(t *testing.T) {
	e := NewEngine(Config{})
	intent := baseIntent()
	intent.Qty = decimal.NewFromFloat(1.0015)
	state := baseState()
	state.Filters.StepSize = decimal.NewFromFloat(0.001)

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonStepSize, d.Reason)
}

func TestEngine_MinQtyRejectsBelowFilter(t *testing.T) {
	e := NewEngine(Config{})
	intent := baseIntent()
	intent.Qty = decimal.NewFromFloat(0.0001)
	state := baseState()

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonMaxQty, d.Reason)
}

func TestEngine_MinNotionalRejectsBelowFilter(t *testing.T) {
	e := NewEngine(Config{})
	intent := baseIntent()
	intent.Qty = decimal.NewFromFloat(0.001)
	state := baseState()
	state.Filters.MinNotional = decimal.NewFromFloat(1000)

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonMinNotional, d.Reason)
}

func TestEngine_TickSizeRejectsNonExactPrice(t *testing.T) {
	e := NewEngine(Config{})
	price := decimal.NewFromFloat(100.003)
	intent := baseIntent()
	intent.Price = &price
	state := baseState()
	state.Filters.TickSize = decimal.NewFromFloat(0.01)

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonTickSize, d.Reason)
}

func TestEngine_SlippageCapRejectsBeyondCap(t *testing.T) {
	e := NewEngine(Config{SlippageCapBps: 10}) // 0.10%
	price := decimal.NewFromFloat(101.0)       // 1% away from reference
	intent := baseIntent()
	intent.Price = &price
	state := baseState()

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonSlippage, d.Reason)
}

func TestEngine_MaxPositionRejectsResultingOverLimit(t *testing.T) {
	e := NewEngine(Config{MaxPosition: 1.0})
	intent := baseIntent()
	state := baseState()
	state.Position = decimal.NewFromFloat(0.5)

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonMaxPosition, d.Reason)
}

func TestEngine_StalePriceRejected(t *testing.T) {
	e := NewEngine(Config{MaxPriceStalenessMs: 100})
	intent := baseIntent()
	state := baseState()
	state.PriceTsMs = 100
	state.Now = 500

	d := e.Evaluate(intent, state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonStalePrice, d.Reason)
}

func TestEngine_RateLimitTripsAfterWindow(t *testing.T) {
	e := NewEngine(Config{OrderRateLimit: 2, OrderRateWindow: 1_000_000_000}) // 1s
	state := baseState()

	for i := 0; i < 2; i++ {
		d := e.Evaluate(baseIntent(), state)
		assert.True(t, d.Allow)
	}
	d := e.Evaluate(baseIntent(), state)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.RiskReasonRateLimit, d.Reason)
}
