// Package simulated provides a paper-trading execution venue: it fills
// every order immediately at the quoted (or a supplied mark) price. It is
// the venue every cmd/trader run mode and cmd/tools/paper run against; the
// repository has no live venue adapter.
package simulated

import (
	"context"
	"sync"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/execution"
	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/schema"
)

// Venue is an in-memory execution venue. All state lives in the process;
// nothing here is durable across a restart, in any run mode.
type Venue struct {
	mu         sync.Mutex
	orders     map[string]*order
	positions  map[string]decimal.Decimal
	markPrices map[string]decimal.Decimal
	filters    map[string]risk.SymbolFilters
	nowMs      int64
}

type order struct {
	clientOrderID string
	symbol        string
	status        schema.OrderStatus
	filledQty     decimal.Decimal
	avgPrice      decimal.Decimal
}

// New builds a simulated venue seeded with mark prices and filters a test
// or a paper-mode run wants to exercise.
func New(markPrices map[string]decimal.Decimal, filters map[string]risk.SymbolFilters) *Venue {
	return &Venue{
		orders:     make(map[string]*order),
		positions:  make(map[string]decimal.Decimal),
		markPrices: markPrices,
		filters:    filters,
	}
}

// SetNowMs stamps the clock reading ServerTimeMs returns, letting a
// replay/backtest drive the venue's notion of time.
func (v *Venue) SetNowMs(nowMs int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nowMs = nowMs
}

// SubmitOrder fills immediately at the order's price (or the seeded mark
// price for a MARKET order), updating the venue's own position ledger so
// FetchPositions reflects every fill this adapter has ever produced.
func (v *Venue) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (execution.VenueAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.orders[intent.ClientOrderID]; ok {
		return execution.VenueAck{
			ExchangeOrderID: existing.clientOrderID,
			Status:          existing.status,
			FilledQty:       existing.filledQty,
			AvgPrice:        existing.avgPrice,
			Duplicate:       true,
		}, nil
	}

	price := intent.Price
	if price == nil {
		mark, ok := v.markPrices[intent.Symbol]
		if !ok {
			return execution.VenueAck{}, errors.New("simulated: no mark price for symbol " + intent.Symbol)
		}
		price = &mark
	}

	o := &order{
		clientOrderID: intent.ClientOrderID,
		symbol:        intent.Symbol,
		status:        schema.OrderStatusFilled,
		filledQty:     intent.Qty,
		avgPrice:      *price,
	}
	v.orders[intent.ClientOrderID] = o

	current := v.positions[intent.Symbol]
	if intent.Side == schema.OrderSideSell {
		v.positions[intent.Symbol] = current.Sub(intent.Qty)
	} else {
		v.positions[intent.Symbol] = current.Add(intent.Qty)
	}

	return execution.VenueAck{Status: o.status, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
}

// QueryOrder returns the last known state of a previously submitted order.
func (v *Venue) QueryOrder(ctx context.Context, clientOrderID string) (execution.VenueAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		return execution.VenueAck{Status: schema.OrderStatusUnknown}, nil
	}
	return execution.VenueAck{Status: o.status, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
}

// CancelOrder always reports CANCELED: the simulated venue fills
// synchronously on submit, so nothing is ever left resting to cancel.
func (v *Venue) CancelOrder(ctx context.Context, clientOrderID string) (execution.VenueAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		return execution.VenueAck{Status: schema.OrderStatusCanceled}, nil
	}
	return execution.VenueAck{Status: schema.OrderStatusCanceled, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
}

// FetchPositions returns the venue's own ledger of filled quantity per
// symbol, the simulated analogue of a real venue's position snapshot.
func (v *Venue) FetchPositions(ctx context.Context) (map[string]decimal.Decimal, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.positions))
	for symbol, qty := range v.positions {
		out[symbol] = qty
	}
	return out, v.nowMs, nil
}

// FetchMarkPrice returns the seeded mark price for symbol.
func (v *Venue) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.markPrices[symbol]
	if !ok {
		return decimal.Zero, 0, errors.New("simulated: no mark price for symbol " + symbol)
	}
	return price, v.nowMs, nil
}

// FetchFilters returns the seeded exchange filters for symbol.
func (v *Venue) FetchFilters(ctx context.Context, symbol string) (risk.SymbolFilters, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	filters, ok := v.filters[symbol]
	if !ok {
		return risk.SymbolFilters{}, nil
	}
	return filters, nil
}

// ServerTimeMs returns the clock reading last stamped by SetNowMs.
func (v *Venue) ServerTimeMs(ctx context.Context) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nowMs, nil
}
