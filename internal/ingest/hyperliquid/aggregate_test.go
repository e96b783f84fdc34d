package hyperliquid

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(Config{
		SymbolMap: map[string]string{
			"BTC": "BTCUSDT",
			"ETH": "ETHUSDT",
		},
	})
}

// scenario 1 from spec.md §8: 86 fills sharing a tx_hash, side B, summing
// to 12.9, starting at position 10.0, should aggregate to one INCREASE
// event with prev_net=10.0, next_net=22.9, delta=12.9.
func TestAggregateGroup_IncreaseAcrossManyFills(t *testing.T) {
	c := testClient()

	const n = 86
	total := 12.9
	fills := make([]RawFill, 0, n)
	remaining := total
	for i := 0; i < n; i++ {
		size := remaining / float64(n-i)
		remaining -= size
		fill := RawFill{
			Coin:  "BTC",
			Side:  "B",
			Sz:    fmt.Sprintf("%.10f", size),
			Time:  1_700_000_000_000 + int64(i),
			Tid:   int64(i),
			Hash:  "0xabc",
		}
		if i == 0 {
			fill.StartPosition = "10.0"
		}
		fills = append(fills, fill)
	}
	// Give the venue's own post-fill snapshot on the last fill, per spec:
	// next_net preferentially uses last fill's startPosition + delta.
	fills[n-1].StartPosition = fmt.Sprintf("%.10f", 22.9-parseSz(fills[n-1].Sz))

	events := c.fillsToEvents(fills)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, "0xabc", ev.TxHash)
	assert.InDelta(t, 10.0, ev.PrevTargetNetPosition, 1e-6)
	assert.InDelta(t, 22.9, ev.NextTargetNetPosition, 1e-6)
	assert.Nil(t, ev.OpenComponent)
	assert.Nil(t, ev.CloseComponent)
}

func parseSz(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%f", &v)
	return v
}

// P1 (dedup idempotence) surfaced at the aggregation layer: permuting fills
// that share the same (hash, coin) group must not change the emitted event,
// since fillsToEvents sorts each group by (time, tid) before aggregateGroup
// reduces it.
func TestFillsToEvents_OrderIndependentWithinGroup(t *testing.T) {
	c := testClient()
	base := []RawFill{
		{Coin: "ETH", Side: "B", Sz: "1.0", Time: 100, Tid: 1, Hash: "0xdef", StartPosition: "0"},
		{Coin: "ETH", Side: "B", Sz: "2.0", Time: 101, Tid: 2, Hash: "0xdef", StartPosition: "1.0"},
		{Coin: "ETH", Side: "A", Sz: "0.5", Time: 102, Tid: 3, Hash: "0xdef", StartPosition: "3.0"},
	}

	first := c.fillsToEvents(append([]RawFill{}, base...))

	shuffled := append([]RawFill{}, base...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	second := c.fillsToEvents(shuffled)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}

// A FLIP group (prev positive, next negative) must carry both components.
func TestAggregateGroup_FlipCarriesOpenAndCloseComponents(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "ETH", Side: "A", Sz: "8.0", Time: 200, Tid: 1, Hash: "0xflip", StartPosition: "5.0"},
	}
	events := c.fillsToEvents(fills)
	require.Len(t, events, 1)

	ev := events[0]
	assert.InDelta(t, 5.0, ev.PrevTargetNetPosition, 1e-9)
	assert.InDelta(t, -3.0, ev.NextTargetNetPosition, 1e-9)
	require.NotNil(t, ev.CloseComponent)
	require.NotNil(t, ev.OpenComponent)
	assert.InDelta(t, 5.0, *ev.CloseComponent, 1e-9)
	assert.InDelta(t, 3.0, *ev.OpenComponent, 1e-9)
}

// Unmapped and spot-style (@-prefixed) coins are dropped silently rather
// than mistrading the wrong market.
func TestFillsToEvents_DropsUnmappedAndSpotCoins(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "@107", Side: "B", Sz: "1.0", Time: 1, Tid: 1, Hash: "0x1"},
		{Coin: "DOGE", Side: "B", Sz: "1.0", Time: 2, Tid: 1, Hash: "0x2"},
		{Coin: "BTC", Side: "B", Sz: "1.0", Time: 3, Tid: 1, Hash: "0x3", StartPosition: "0"},
	}
	events := c.fillsToEvents(fills)
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
}

// A group with no parseable sides must be dropped entirely rather than
// emit a zero-delta event.
func TestAggregateGroup_AllInvalidSidesDropsGroup(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "BTC", Side: "X", Sz: "1.0", Time: 1, Tid: 1, Hash: "0xbad"},
		{Coin: "BTC", Side: "", Sz: "1.0", Time: 2, Tid: 2, Hash: "0xbad"},
	}
	events := c.fillsToEvents(fills)
	assert.Empty(t, events)
}

// One invalid-sided fill inside an otherwise-valid group is excluded from
// the sum but does not drop the whole group.
func TestAggregateGroup_PartiallyInvalidSidesExcludedFromSum(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "BTC", Side: "B", Sz: "1.0", Time: 1, Tid: 1, Hash: "0xmix", StartPosition: "0"},
		{Coin: "BTC", Side: "Q", Sz: "99.0", Time: 2, Tid: 2, Hash: "0xmix"},
	}
	events := c.fillsToEvents(fills)
	require.Len(t, events, 1)
	assert.InDelta(t, 1.0, events[0].NextTargetNetPosition, 1e-9)
}

// DECREASE classification: |next| < |prev| without crossing zero.
func TestAggregateGroup_DecreaseWithinSameSign(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "BTC", Side: "A", Sz: "2.0", Time: 1, Tid: 1, Hash: "0xdec", StartPosition: "10.0"},
	}
	events := c.fillsToEvents(fills)
	require.Len(t, events, 1)
	assert.InDelta(t, 10.0, events[0].PrevTargetNetPosition, 1e-9)
	assert.InDelta(t, 8.0, events[0].NextTargetNetPosition, 1e-9)
	assert.Nil(t, events[0].OpenComponent)
}

// Distinct tx_hash/coin pairs never merge into one event.
func TestFillsToEvents_DistinctGroupsStayIndependent(t *testing.T) {
	c := testClient()
	fills := []RawFill{
		{Coin: "BTC", Side: "B", Sz: "1.0", Time: 1, Tid: 1, Hash: "0xaaa", StartPosition: "0"},
		{Coin: "ETH", Side: "B", Sz: "1.0", Time: 1, Tid: 1, Hash: "0xaaa", StartPosition: "0"},
		{Coin: "BTC", Side: "B", Sz: "1.0", Time: 1, Tid: 1, Hash: "0xbbb", StartPosition: "0"},
	}
	events := c.fillsToEvents(fills)
	assert.Len(t, events, 3)
}
