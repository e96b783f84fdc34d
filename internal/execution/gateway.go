package execution

import (
	"context"
	"sync"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/schema"
)

// ErrGatewayDisconnected is returned by Send while the venue connection is
// known to be down; the intent is still recorded as pending resend.
var ErrGatewayDisconnected = errors.New("execution: gateway disconnected")

// GatewayConfig controls resend behavior.
type GatewayConfig struct {
	ResendOnReconnect bool
}

// Gateway is the idempotent submission boundary between Execution and the
// venue: it remembers every order it has ever sent, by correlation id, so
// a retry or a post-restart resend never creates a second real order.
type Gateway struct {
	cfg       GatewayConfig
	venue     Venue
	state     *StateMachine
	mu        sync.Mutex
	pending   map[string]schema.OrderIntent
	connected bool
}

// NewGateway builds a gateway over venue.
func NewGateway(cfg GatewayConfig, venue Venue, state *StateMachine) *Gateway {
	return &Gateway{
		cfg:       cfg,
		venue:     venue,
		state:     state,
		pending:   make(map[string]schema.OrderIntent),
		connected: true,
	}
}

// Send submits intent idempotently: a correlation id already known to the
// state machine is treated as already-sent (query-and-adopt, never a
// second submit), matching the spec's duplicate-client-id handling.
func (g *Gateway) Send(ctx context.Context, intent schema.OrderIntent) (VenueAck, error) {
	g.mu.Lock()
	_, alreadyKnown := g.state.Order(intent.CorrelationID)
	g.mu.Unlock()

	if alreadyKnown {
		ack, err := g.venue.QueryOrder(ctx, intent.ClientOrderID)
		if err != nil {
			return VenueAck{}, errors.Wrap(err, "execution: query existing order")
		}
		g.recordAck(intent.CorrelationID, ack)
		return ack, nil
	}

	g.mu.Lock()
	if _, err := g.state.ApplyIntent(intent); err != nil {
		g.mu.Unlock()
		return VenueAck{}, errors.Wrap(err, "execution: apply intent")
	}
	g.pending[intent.CorrelationID] = intent
	connected := g.connected
	g.mu.Unlock()

	if !connected {
		return VenueAck{}, ErrGatewayDisconnected
	}

	ack, err := g.venue.SubmitOrder(ctx, intent)
	if err != nil {
		return VenueAck{}, err
	}
	if ack.Duplicate {
		queried, err := g.venue.QueryOrder(ctx, intent.ClientOrderID)
		if err != nil {
			return VenueAck{}, errors.Wrap(err, "execution: query duplicate order")
		}
		ack = queried
	}
	g.recordAck(intent.CorrelationID, ack)
	return ack, nil
}

func (g *Gateway) recordAck(correlationID string, ack VenueAck) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, err := g.state.ApplyAck(correlationID, ack)
	if err != nil {
		return
	}
	if IsTerminal(order.Status) {
		delete(g.pending, correlationID)
	}
}

// Seed installs an order recovered from Store into the underlying state
// machine without validating a transition, so a subsequent Send treats the
// correlation id as already-known (query-and-adopt) instead of a fresh
// submit. Used by Executor.RecoverNonTerminal on startup.
func (g *Gateway) Seed(o *Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Seed(o)
}

// Disconnect marks the gateway as unable to reach the venue.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}

// Reconnect marks the gateway connected again and, per cfg, returns the
// still-pending intents Execution should resend.
func (g *Gateway) Reconnect() []schema.OrderIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	if !g.cfg.ResendOnReconnect {
		return nil
	}
	out := make([]schema.OrderIntent, 0, len(g.pending))
	for _, intent := range g.pending {
		out = append(out, intent)
	}
	return out
}
