package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

// fakeExecStore is a minimal Store double covering only what Executor
// reads/writes; intent persistence itself is out of scope here since it
// happens upstream via store.RecordEvent.
type fakeExecStore struct {
	intents     []schema.OrderIntent
	results     map[string]schema.OrderResult
	upserted    []schema.OrderResult
	retryCounts map[string]int
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		results:     make(map[string]schema.OrderResult),
		retryCounts: make(map[string]int),
	}
}

func (s *fakeExecStore) UpsertResult(result schema.OrderResult, nowMs int64) error {
	s.upserted = append(s.upserted, result)
	return nil
}

func (s *fakeExecStore) IncrementRetryCount(correlationID string) (int, error) {
	s.retryCounts[correlationID]++
	return s.retryCounts[correlationID], nil
}

func (s *fakeExecStore) LoadResult(correlationID string) (schema.OrderResult, bool, error) {
	r, ok := s.results[correlationID]
	return r, ok, nil
}

func (s *fakeExecStore) NonTerminalIntents() ([]schema.OrderIntent, error) {
	return s.intents, nil
}

func TestExecutor_ProcessSubmitsNewIntentOnce(t *testing.T) {
	venue := newFakeVenue()
	store := newFakeExecStore()
	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())
	exec := NewExecutor(Config{}, gw, venue, store, nil)

	intent := newIntent("hl-0xabc-1-BTCUSDT")
	exec.process(context.Background(), intent)

	assert.Equal(t, 1, venue.submitCalls)
	assert.Equal(t, 0, venue.queryCalls)
	// Config{} leaves TIFSeconds at zero, so the TIF deadline has already
	// passed when the ack arrives and the resting LIMIT order is canceled.
	require.Len(t, store.upserted, 2)
	assert.Equal(t, schema.OrderStatusSubmitted, store.upserted[0].Status)
	assert.Equal(t, schema.OrderStatusCanceled, store.upserted[1].Status)
}

// RecoverNonTerminal must seed the in-memory state machine from Store's
// last known result before re-querying the venue: an unseeded state
// machine looks identical to a brand-new one, and Gateway.Send would
// resubmit rather than query.
func TestExecutor_RecoverNonTerminalQueriesRatherThanResubmits(t *testing.T) {
	venue := newFakeVenue()
	intent := newIntent("hl-0xabc-1-BTCUSDT")
	venue.orders[intent.ClientOrderID] = VenueAck{
		Status:    schema.OrderStatusPartiallyFilled,
		FilledQty: decimal.NewFromFloat(0.5),
	}

	store := newFakeExecStore()
	store.intents = []schema.OrderIntent{intent}
	store.results[intent.CorrelationID] = schema.OrderResult{
		CorrelationID: intent.CorrelationID,
		Status:        schema.OrderStatusSubmitted,
	}

	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())
	exec := NewExecutor(Config{}, gw, venue, store, nil)

	err := exec.RecoverNonTerminal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, venue.submitCalls, "recovery must never resubmit a non-terminal intent")
	assert.Equal(t, 1, venue.queryCalls)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, store.upserted[0].Status)
}

// Without a prior result, RecoverNonTerminal still seeds a bare PENDING
// order so the correlation id is recognized as known and queried, not
// resubmitted, even when this process crashed before ever recording an ack.
func TestExecutor_RecoverNonTerminalSeedsWithoutPriorResult(t *testing.T) {
	venue := newFakeVenue()
	intent := newIntent("hl-0xabc-2-BTCUSDT")
	venue.orders[intent.ClientOrderID] = VenueAck{Status: schema.OrderStatusSubmitted}

	store := newFakeExecStore()
	store.intents = []schema.OrderIntent{intent}

	gw := NewGateway(GatewayConfig{}, venue, NewStateMachine())
	exec := NewExecutor(Config{}, gw, venue, store, nil)

	err := exec.RecoverNonTerminal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, venue.submitCalls)
	assert.Equal(t, 1, venue.queryCalls)
}
