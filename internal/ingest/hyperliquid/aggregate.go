package hyperliquid

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/yanun0323/logs"
)

// positionMismatchEpsilon is the tolerance applied when cross-checking the
// derived next position (start + sum of signed sizes) against the venue's
// own post-fill snapshot on the group's last fill; anything past it is
// logged as a warning but never blocks the event.
const positionMismatchEpsilon = 1e-9

type groupKey struct {
	txHash string
	coin   string
}

// fillsToEvents groups raw fills by (tx_hash, coin), sorts each group by
// (time, tid), and aggregates every group into at most one RawPositionEvent.
// A single leader order is frequently split by the venue into many fills
// sharing a tx hash; treating each fill as its own event would produce
// deltas too small for the execution venue's min-qty/min-notional filters
// to ever accept.
func (c *Client) fillsToEvents(fills []RawFill) []RawPositionEvent {
	grouped := make(map[groupKey][]RawFill)
	order := make([]groupKey, 0)
	missingHashCount := 0

	for _, fill := range fills {
		coin := fill.Coin
		if strings.HasPrefix(coin, "@") {
			logs.Warnf("ingest: unmapped spot-style coin %s", coin)
			continue
		}
		symbol, ok := c.cfg.SymbolMap[coin]
		if !ok || symbol == "" {
			logs.Warnf("ingest: unmapped coin %s", coin)
			continue
		}

		txHash := fill.Hash
		if txHash == "" {
			missingHashCount++
			txHash = fmt.Sprintf("tid-%d", fill.Tid)
		}

		key := groupKey{txHash: txHash, coin: coin}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], fill)
	}

	if missingHashCount > 0 {
		logs.Warnf("ingest: %d fills missing hash, falling back to tid key", missingHashCount)
	}

	events := make([]RawPositionEvent, 0, len(order))
	for _, key := range order {
		group := grouped[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Time != group[j].Time {
				return group[i].Time < group[j].Time
			}
			return group[i].Tid < group[j].Tid
		})
		event := c.aggregateGroup(group, key.txHash, key.coin)
		if event != nil {
			events = append(events, *event)
		}
	}
	return events
}

// aggregateGroup reduces one (tx_hash, coin) group, already sorted by
// (time, tid), into a single RawPositionEvent.
func (c *Client) aggregateGroup(fills []RawFill, txHash, coin string) *RawPositionEvent {
	if len(fills) == 0 {
		return nil
	}
	symbol := c.cfg.SymbolMap[coin]

	startPos := 0.0
	for _, fill := range fills {
		if fill.StartPosition == "" {
			continue
		}
		v, err := strconv.ParseFloat(fill.StartPosition, 64)
		if err != nil {
			continue
		}
		startPos = v
		break
	}

	totalDelta := 0.0
	sides := make(map[string]bool)
	validSideCount := 0
	for _, fill := range fills {
		side := strings.ToUpper(fill.Side)
		if side != "B" && side != "A" {
			logs.Warnf("ingest: fill missing side tx_hash=%s coin=%s", txHash, coin)
			continue
		}
		size, err := strconv.ParseFloat(fill.Sz, 64)
		if err != nil {
			logs.Warnf("ingest: fill invalid size tx_hash=%s coin=%s", txHash, coin)
			continue
		}
		sides[side] = true
		delta := size
		if side == "A" {
			delta = -size
		}
		totalDelta += delta
		validSideCount++
	}

	if validSideCount == 0 {
		logs.Warnf("ingest: fill group has no valid sides tx_hash=%s coin=%s", txHash, coin)
		return nil
	}

	var lastStart, lastDelta *float64
	for i := len(fills) - 1; i >= 0; i-- {
		fill := fills[i]
		if fill.StartPosition == "" {
			continue
		}
		side := strings.ToUpper(fill.Side)
		if side != "B" && side != "A" {
			continue
		}
		size, err := strconv.ParseFloat(fill.Sz, 64)
		if err != nil {
			continue
		}
		start, err := strconv.ParseFloat(fill.StartPosition, 64)
		if err != nil {
			continue
		}
		delta := size
		if side == "A" {
			delta = -size
		}
		lastStart = &start
		lastDelta = &delta
		break
	}

	derivedNext := startPos + totalDelta
	nextPos := derivedNext
	if lastStart != nil && lastDelta != nil {
		nextPos = *lastStart + *lastDelta
	}

	if len(sides) > 1 {
		logs.Warnf("ingest: fill group mixes buy and sell sides tx_hash=%s coin=%s", txHash, coin)
	}
	if math.Abs(derivedNext-nextPos) > positionMismatchEpsilon {
		logs.Warnf("ingest: derived and venue-reported next position mismatch tx_hash=%s coin=%s derived_next=%v next_pos=%v",
			txHash, coin, derivedNext, nextPos)
	}

	last := fills[len(fills)-1]

	var openComponent, closeComponent *float64
	if (startPos > 0 && nextPos < 0) || (startPos < 0 && nextPos > 0) {
		open := math.Abs(nextPos)
		close := math.Abs(startPos)
		openComponent = &open
		closeComponent = &close
	}

	return &RawPositionEvent{
		Symbol:                 symbol,
		TxHash:                 txHash,
		EventIndex:             int(last.Tid),
		PrevTargetNetPosition:  startPos,
		NextTargetNetPosition:  nextPos,
		TimestampMs:            last.Time,
		OpenComponent:          openComponent,
		CloseComponent:         closeComponent,
	}
}
