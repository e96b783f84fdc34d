package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/schema"
)

// fakeVenue is a minimal Venue double that counts submit/query calls so
// tests can assert on which path Gateway.Send took.
type fakeVenue struct {
	submitCalls int
	queryCalls  int
	orders      map[string]VenueAck
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{orders: make(map[string]VenueAck)}
}

func (v *fakeVenue) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (VenueAck, error) {
	v.submitCalls++
	ack := VenueAck{Status: schema.OrderStatusSubmitted, ExchangeOrderID: "ex-" + intent.ClientOrderID}
	v.orders[intent.ClientOrderID] = ack
	return ack, nil
}

func (v *fakeVenue) QueryOrder(ctx context.Context, clientOrderID string) (VenueAck, error) {
	v.queryCalls++
	if ack, ok := v.orders[clientOrderID]; ok {
		return ack, nil
	}
	return VenueAck{Status: schema.OrderStatusUnknown}, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, clientOrderID string) (VenueAck, error) {
	return VenueAck{Status: schema.OrderStatusCanceled}, nil
}

func (v *fakeVenue) FetchPositions(ctx context.Context) (map[string]decimal.Decimal, int64, error) {
	return nil, 0, nil
}

func (v *fakeVenue) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, int64, error) {
	return decimal.Zero, 0, nil
}

func (v *fakeVenue) FetchFilters(ctx context.Context, symbol string) (risk.SymbolFilters, error) {
	return risk.SymbolFilters{}, nil
}

func (v *fakeVenue) ServerTimeMs(ctx context.Context) (int64, error) {
	return 0, nil
}

func TestGateway_SendNewIntentSubmitsOnce(t *testing.T) {
	venue := newFakeVenue()
	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())
	intent := newIntent("hl-0xabc-1-BTCUSDT")

	ack, err := gw.Send(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusSubmitted, ack.Status)
	assert.Equal(t, 1, venue.submitCalls)
	assert.Equal(t, 0, venue.queryCalls)
}

func TestGateway_SendKnownIntentQueriesInsteadOfResubmitting(t *testing.T) {
	venue := newFakeVenue()
	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())
	intent := newIntent("hl-0xabc-1-BTCUSDT")

	_, err := gw.Send(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, 1, venue.submitCalls)

	ack, err := gw.Send(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusSubmitted, ack.Status)
	assert.Equal(t, 1, venue.submitCalls, "a known correlation id must never be resubmitted")
	assert.Equal(t, 1, venue.queryCalls)
}

func TestGateway_SeedMakesRecoveredIntentQueryOnly(t *testing.T) {
	venue := newFakeVenue()
	intent := newIntent("hl-0xabc-1-BTCUSDT")
	venue.orders[intent.ClientOrderID] = VenueAck{Status: schema.OrderStatusSubmitted, ExchangeOrderID: "ex-" + intent.ClientOrderID}
	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())

	gw.Seed(&Order{
		CorrelationID: intent.CorrelationID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Intent:        intent,
		Status:        schema.OrderStatusPending,
	})

	ack, err := gw.Send(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusSubmitted, ack.Status)
	assert.Equal(t, 0, venue.submitCalls, "a seeded (recovered) correlation id must be queried, never submitted")
	assert.Equal(t, 1, venue.queryCalls)
}
