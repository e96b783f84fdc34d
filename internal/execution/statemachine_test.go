package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

func newIntent(correlationID string) schema.OrderIntent {
	return schema.OrderIntent{
		CorrelationID: correlationID,
		ClientOrderID: correlationID,
		Symbol:        "BTCUSDT",
		Side:          schema.OrderSideBuy,
		OrderType:     schema.OrderTypeLimit,
		Qty:           decimal.NewFromFloat(1.0),
	}
}

func TestStateMachine_ApplyIntentRejectsDuplicate(t *testing.T) {
	m := NewStateMachine()
	intent := newIntent("hl-0xabc-1-BTCUSDT")

	_, err := m.ApplyIntent(intent)
	require.NoError(t, err)

	_, err = m.ApplyIntent(intent)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

// P7: no OrderResult ever transitions out of a terminal state.
func TestStateMachine_TerminalStatesAreMonotone(t *testing.T) {
	m := NewStateMachine()
	intent := newIntent("hl-0xabc-1-BTCUSDT")
	_, err := m.ApplyIntent(intent)
	require.NoError(t, err)

	_, err = m.ApplyAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusFilled, FilledQty: decimal.NewFromFloat(1.0)})
	require.NoError(t, err)

	_, err = m.ApplyAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o, ok := m.Order(intent.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusFilled, o.Status)
}

func TestStateMachine_ApplyAckUnknownOrder(t *testing.T) {
	m := NewStateMachine()
	_, err := m.ApplyAck("does-not-exist", VenueAck{Status: schema.OrderStatusSubmitted})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestStateMachine_ApplyAckTracksUnknownSince(t *testing.T) {
	m := NewStateMachine()
	intent := newIntent("hl-0xabc-1-BTCUSDT")
	_, err := m.ApplyIntent(intent)
	require.NoError(t, err)

	o, err := m.ApplyAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusUnknown})
	require.NoError(t, err)
	assert.NotZero(t, o.UnknownSinceMs)

	o, err = m.ApplyAck(intent.CorrelationID, VenueAck{Status: schema.OrderStatusSubmitted})
	require.NoError(t, err)
	assert.Zero(t, o.UnknownSinceMs)
}

func TestMergeFallbackFill_VolumeWeightedAveragePrice(t *testing.T) {
	o := &Order{
		FilledQty: decimal.NewFromFloat(0.8),
		AvgPrice:  decimal.NewFromFloat(100.0),
	}
	MergeFallbackFill(o, decimal.NewFromFloat(0.2), decimal.NewFromFloat(90.0))

	assert.True(t, o.FilledQty.Equal(decimal.NewFromFloat(1.0)))
	// (0.8*100 + 0.2*90) / 1.0 = 98.0
	assert.True(t, o.AvgPrice.Equal(decimal.NewFromFloat(98.0)), "got %v", o.AvgPrice)
}

func TestMergeFallbackFill_ZeroFillIsNoop(t *testing.T) {
	o := &Order{FilledQty: decimal.NewFromFloat(1.0), AvgPrice: decimal.NewFromFloat(50.0)}
	MergeFallbackFill(o, decimal.Zero, decimal.NewFromFloat(999))
	assert.True(t, o.FilledQty.Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, o.AvgPrice.Equal(decimal.NewFromFloat(50.0)))
}

func TestIsTerminal(t *testing.T) {
	terminal := []schema.OrderStatus{
		schema.OrderStatusFilled, schema.OrderStatusCanceled,
		schema.OrderStatusExpired, schema.OrderStatusRejected,
	}
	for _, s := range terminal {
		assert.True(t, IsTerminal(s), "%s should be terminal", s)
	}

	nonTerminal := []schema.OrderStatus{
		schema.OrderStatusPending, schema.OrderStatusSubmitted,
		schema.OrderStatusPartiallyFilled, schema.OrderStatusUnknown,
	}
	for _, s := range nonTerminal {
		assert.False(t, IsTerminal(s), "%s should not be terminal", s)
	}
}
