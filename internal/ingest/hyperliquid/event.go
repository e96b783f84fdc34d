package hyperliquid

import (
	"strconv"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

// buildPositionDeltaEvent classifies a RawPositionEvent's net effect and
// converts it into the decimal-typed, store-eligible schema form. Action
// classification mirrors the leader venue's own bookkeeping: a position
// starting at zero is an increase, except that one also ending at zero (a
// same-instant close, which nets to a zero delta) is a decrease; a sign flip
// through zero is a flip regardless of the magnitude on either side; and
// otherwise the move is a decrease only if it shrinks the absolute size
// of the existing position.
func buildPositionDeltaEvent(raw RawPositionEvent, nowMs int64) schema.PositionDeltaEvent {
	prev := decimal.NewFromFloat(raw.PrevTargetNetPosition)
	next := decimal.NewFromFloat(raw.NextTargetNetPosition)
	delta := next.Sub(prev)

	event := schema.PositionDeltaEvent{
		Symbol:                 raw.Symbol,
		TimestampMs:            raw.TimestampMs,
		TxHash:                 raw.TxHash,
		EventIndex:             raw.EventIndex,
		IsReplay:               raw.IsReplay,
		PrevTargetNetPosition:  prev,
		NextTargetNetPosition:  next,
		DeltaTargetNetPosition: delta,
		ActionType:             classifyAction(prev, next),
		ContractVersion:        schema.ContractVersion,
	}

	if raw.OpenComponent != nil {
		v := decimal.NewFromFloat(*raw.OpenComponent)
		event.OpenComponent = &v
	}
	if raw.CloseComponent != nil {
		v := decimal.NewFromFloat(*raw.CloseComponent)
		event.CloseComponent = &v
	}
	if raw.ExpectedPrice != nil {
		v := decimal.NewFromFloat(*raw.ExpectedPrice)
		event.ExpectedPrice = &v
	}
	event.ExpectedPriceTimestampMs = raw.ExpectedPriceTimestampMs

	return event
}

func classifyAction(prev, next decimal.Decimal) schema.ActionType {
	if prev.IsZero() {
		if next.IsZero() {
			return schema.ActionDecrease
		}
		return schema.ActionIncrease
	}
	if (prev.IsPositive() && next.IsNegative()) || (prev.IsNegative() && next.IsPositive()) {
		return schema.ActionFlip
	}
	if next.Abs().LessThan(prev.Abs()) {
		return schema.ActionDecrease
	}
	return schema.ActionIncrease
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
