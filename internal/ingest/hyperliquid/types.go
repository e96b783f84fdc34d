// Package hyperliquid adapts Hyperliquid's userFills REST and websocket
// feeds into the pipeline's PositionDeltaEvent stream.
package hyperliquid

// RawFill mirrors a single entry of Hyperliquid's userFills payload. Field
// names match the wire JSON exactly; numeric fields stay strings here and
// are parsed where the fills are aggregated into events.
type RawFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	Tid           int64  `json:"tid"`
	FeeToken      string `json:"feeToken"`
}

// RawPositionEvent is Ingest's intermediate form before it becomes a
// store-eligible schema.PositionDeltaEvent: everything the aggregation
// step derives, plus the replay flag the coordinator stamps afterward.
type RawPositionEvent struct {
	Symbol                   string
	TxHash                   string
	EventIndex               int
	PrevTargetNetPosition    float64
	NextTargetNetPosition    float64
	IsReplay                 bool
	TimestampMs              int64
	OpenComponent            *float64
	CloseComponent           *float64
	ExpectedPrice            *float64
	ExpectedPriceTimestampMs *int64
}

// WithReplay returns a copy of the event carrying the given replay flag,
// avoiding a mutation of a value that may be shared with a caller's slice.
func (e RawPositionEvent) WithReplay(isReplay bool) RawPositionEvent {
	e.IsReplay = isReplay
	return e
}

// userFillsByTimeRequest is the POST body Hyperliquid's info endpoint
// expects for a time-bounded fills query.
type userFillsByTimeRequest struct {
	Type             string `json:"type"`
	User             string `json:"user"`
	StartTime        int64  `json:"startTime"`
	EndTime          int64  `json:"endTime"`
	AggregateByTime  bool   `json:"aggregateByTime"`
}

// Config is the adapter's static configuration, resolved from ops.Loaded.
type Config struct {
	TargetWallet     string
	RestURL          string
	WSURL            string
	RequestTimeoutMs int
	SymbolMap        map[string]string
	MaxRetryAttempts int
	RetryBaseDelayMs int
	RetryMaxDelayMs  int
}
