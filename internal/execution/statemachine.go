package execution

import (
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("execution: order already exists")
	ErrUnknownOrder      = errors.New("execution: order not found")
	ErrInvalidTransition = errors.New("execution: invalid order state transition")
)

// Order is the state machine's view of one OrderIntent's lifecycle,
// keyed by correlation id rather than the teacher's numeric order id.
type Order struct {
	CorrelationID   string
	ClientOrderID   string
	Symbol          string
	Intent          schema.OrderIntent
	ExchangeOrderID string
	Status          schema.OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	UnknownSinceMs  int64
	RetryCount      int
}

// StateMachine tracks every order Execution currently knows about,
// in-memory, backed by Store for crash recovery.
type StateMachine struct {
	orders map[string]*Order
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*Order)}
}

// Order returns the current order state by correlation id.
func (m *StateMachine) Order(correlationID string) (*Order, bool) {
	o, ok := m.orders[correlationID]
	return o, ok
}

// Seed installs an order recovered from Store without validating a
// transition, used on startup to repopulate in-memory state.
func (m *StateMachine) Seed(o *Order) {
	m.orders[o.CorrelationID] = o
}

// ApplyIntent registers a new order in PENDING, rejecting a duplicate
// correlation id the way a venue rejects a duplicate client order id.
func (m *StateMachine) ApplyIntent(intent schema.OrderIntent) (*Order, error) {
	if intent.CorrelationID == "" {
		return nil, ErrUnknownOrder
	}
	if _, ok := m.orders[intent.CorrelationID]; ok {
		return nil, ErrDuplicateOrder
	}
	o := &Order{
		CorrelationID: intent.CorrelationID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Intent:        intent,
		Status:        schema.OrderStatusPending,
	}
	m.orders[o.CorrelationID] = o
	return o, nil
}

// ApplyAck updates an order from a venue submit/query/cancel response.
func (m *StateMachine) ApplyAck(correlationID string, ack VenueAck) (*Order, error) {
	o, ok := m.orders[correlationID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if IsTerminal(o.Status) {
		return o, ErrInvalidTransition
	}
	if ack.ExchangeOrderID != "" {
		o.ExchangeOrderID = ack.ExchangeOrderID
	}
	if !ack.FilledQty.IsZero() {
		o.FilledQty = ack.FilledQty
		o.AvgPrice = ack.AvgPrice
	}
	o.Status = ack.Status
	if ack.Status == schema.OrderStatusUnknown {
		if o.UnknownSinceMs == 0 {
			o.UnknownSinceMs = 1 // nonzero marker only; not a clock reading
		}
	} else {
		o.UnknownSinceMs = 0
	}
	return o, nil
}

// MergeFallbackFill accumulates a market-fallback leg's fill into the
// original order's result: filled_qty accumulates, avg_price becomes
// volume-weighted across both legs.
func MergeFallbackFill(o *Order, fillQty, fillPrice decimal.Decimal) {
	if fillQty.IsZero() {
		return
	}
	totalQty := o.FilledQty.Add(fillQty)
	if totalQty.IsZero() {
		return
	}
	weighted := o.FilledQty.Mul(o.AvgPrice).Add(fillQty.Mul(fillPrice))
	o.AvgPrice = weighted.Div(totalQty)
	o.FilledQty = totalQty
}

// IsTerminal reports whether status is one Execution never transitions out
// of: FILLED, CANCELED, EXPIRED, REJECTED.
func IsTerminal(status schema.OrderStatus) bool {
	switch status {
	case schema.OrderStatusFilled, schema.OrderStatusCanceled, schema.OrderStatusExpired, schema.OrderStatusRejected:
		return true
	default:
		return false
	}
}
