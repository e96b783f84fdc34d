// Package execution drives each OrderIntent through its lifecycle on the
// execution venue while preserving idempotency across retries, crashes,
// and restarts.
package execution

import (
	"context"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/schema"
)

// Venue is the capability interface every concrete execution adapter
// implements. A live adapter's contract tests run against the same
// interface the simulated adapter satisfies, the way the teacher's
// btcc.Delegator implements Send against a concrete REST venue.
type Venue interface {
	SubmitOrder(ctx context.Context, intent schema.OrderIntent) (VenueAck, error)
	QueryOrder(ctx context.Context, clientOrderID string) (VenueAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) (VenueAck, error)
	FetchPositions(ctx context.Context) (map[string]decimal.Decimal, int64, error)
	FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, int64, error)
	FetchFilters(ctx context.Context, symbol string) (risk.SymbolFilters, error)
	ServerTimeMs(ctx context.Context) (int64, error)
}

// VenueAck is a venue's normalized response to a submit/query/cancel call.
type VenueAck struct {
	ExchangeOrderID string
	Status          schema.OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Duplicate       bool
	ErrorCode       string
	ErrorMessage    string
}
