package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/decision"
	"github.com/unendless314/hl-follower/internal/execution"
	"github.com/unendless314/hl-follower/internal/execution/venue/simulated"
	"github.com/unendless314/hl-follower/internal/ops"
	"github.com/unendless314/hl-follower/internal/recorder"
	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/schema"
)

// paper drives synthetic leader position deltas through the real
// decision/risk/execution stack against the in-process simulated venue,
// with no Postgres store involved, and records every event it produces to
// a WAL for cmd/tools/replay or cmd/tools/chaos to consume downstream.
func main() {
	outputDir := flag.String("output-dir", "testdata/wal_paper", "Output WAL directory")
	outputPrefix := flag.String("output-prefix", "paper", "Output WAL file prefix")
	configPath := flag.String("config", "", "Path to JSON config (default: built-in single-symbol config)")
	symbol := flag.String("symbol", "BTCUSDT", "Follower symbol to trade")
	price := flag.Float64("price", 50_000, "Seeded mark price for the symbol")
	eventCount := flag.Int("event-count", 10, "Number of synthetic position-delta events to generate")
	eventInterval := flag.Duration("event-interval", 0, "Delay between generated events")
	settleTimeout := flag.Duration("settle-timeout", 5*time.Second, "Max time to wait for submitted intents to reach a terminal state")
	flag.Parse()

	if *eventCount <= 0 {
		log.Fatalf("event-count must be > 0")
	}

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	outCfg := recorder.DefaultConfig(*outputDir)
	outCfg.FilePrefix = *outputPrefix
	outCfg.CopyPayload = true
	writer, err := recorder.NewWriter(outCfg)
	if err != nil {
		log.Fatalf("writer init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := writer.Start(ctx); err != nil {
		log.Fatalf("writer start failed: %v", err)
	}

	venueAdapter := simulated.New(
		map[string]decimal.Decimal{*symbol: decimal.NewFromFloat(*price)},
		map[string]risk.SymbolFilters{*symbol: {
			MinQty:      decimal.NewFromFloat(0.001),
			StepSize:    decimal.NewFromFloat(0.001),
			MinNotional: decimal.NewFromFloat(5),
			TickSize:    decimal.NewFromFloat(0.01),
		}},
	)
	venueAdapter.SetNowMs(time.Now().UTC().UnixMilli())

	mem := newMemStore()
	safetySvc := safety.NewService(mem, safety.Config{
		WarnThreshold:      loaded.Safety.WarnThreshold,
		CriticalThreshold:  loaded.Safety.CriticalThreshold,
		SnapshotMaxStaleMs: loaded.Safety.SnapshotMaxStaleMs,
	})
	riskEngine := risk.NewEngine(loaded.Risk)
	pipeline := decision.NewPipeline(decision.Config{
		Sizing:          decision.SizingConfig{Mode: loaded.Decision.Sizing.Mode, FixedQty: loaded.Decision.Sizing.FixedQty, ProportionalRatio: loaded.Decision.Sizing.ProportionalRatio},
		StrategyVersion: "paper",
	}, riskEngine, safetySvc, venueAdapter1{venueAdapter}, venueAdapter2{venueAdapter}, mem)

	gateway := execution.NewGateway(execution.GatewayConfig{ResendOnReconnect: true}, venueAdapter, execution.NewStateMachine())
	executor := execution.NewExecutor(execution.Config{WorkerCount: 2, QueueCapacity: 256}, gateway, venueAdapter, mem, safetySvc)
	executor.Run(ctx)

	var seq uint64
	traceGen := newTraceCounter()
	prevNet := decimal.Zero
	submitted := 0

	for i := 0; i < *eventCount; i++ {
		delta := decimal.NewFromFloat(0.5)
		if i%3 == 2 {
			delta = delta.Neg()
		}
		nextNet := prevNet.Add(delta)
		action := schema.ActionIncrease
		if delta.IsNegative() {
			action = schema.ActionDecrease
		}
		nowMs := time.Now().UTC().UnixMilli()
		event := schema.PositionDeltaEvent{
			Symbol:                 *symbol,
			TimestampMs:            nowMs,
			TxHash:                 fmt.Sprintf("0xpaper%d", i),
			EventIndex:             1,
			PrevTargetNetPosition:  prevNet,
			NextTargetNetPosition:  nextNet,
			DeltaTargetNetPosition: delta,
			ActionType:             action,
			ContractVersion:        schema.ContractVersion,
		}
		prevNet = nextNet

		if err := appendPositionDelta(writer, &seq, traceGen.Next(), event); err != nil {
			log.Fatalf("wal append (position delta) failed: %v", err)
		}

		result := pipeline.Decide(event, nowMs)
		for _, drop := range result.Drops {
			log.Printf("dropped leg correlation_id=%s stage=%s reason=%s", drop.CorrelationID, drop.Stage, drop.Reason)
		}
		for _, intent := range result.Intents {
			if err := appendOrderIntent(writer, &seq, traceGen.Next(), intent); err != nil {
				log.Fatalf("wal append (intent) failed: %v", err)
			}
			if err := mem.UpsertIntent(intent, nowMs); err != nil {
				log.Fatalf("intent persist failed correlation_id=%s: %v", intent.CorrelationID, err)
			}
			if err := executor.Submit(intent, nowMs); err != nil {
				log.Printf("submit failed correlation_id=%s: %v", intent.CorrelationID, err)
				continue
			}
			submitted++
		}

		if *eventInterval > 0 && i < *eventCount-1 {
			time.Sleep(*eventInterval)
		}
	}

	mem.waitForTerminal(submitted, *settleTimeout)
	for _, result := range mem.snapshotResults() {
		if err := appendOrderResult(writer, &seq, traceGen.Next(), result); err != nil {
			log.Fatalf("wal append (result) failed: %v", err)
		}
	}

	cancel()
	if err := writer.Close(); err != nil {
		log.Fatalf("writer close failed: %v", err)
	}

	log.Printf("paper completed: events=%d intents=%d filled=%d", *eventCount, submitted, mem.countStatus(schema.OrderStatusFilled))
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Loaded{
			Decision: ops.DecisionConfig{Sizing: ops.SizingConfig{Mode: "proportional", ProportionalRatio: 1.0}},
		}, nil
	}
	return ops.Load(path)
}

func appendPositionDelta(writer *recorder.Writer, seq *uint64, traceID uint64, event schema.PositionDeltaEvent) error {
	payload, err := schema.EncodePositionDeltaEvent(event)
	if err != nil {
		return err
	}
	header := schema.NewHeader(schema.EventPositionDelta, 1, nextSeq(seq), event.TimestampMs, event.TimestampMs)
	header.TraceID = traceID
	return writer.TryAppend(header, payload)
}

func appendOrderIntent(writer *recorder.Writer, seq *uint64, traceID uint64, intent schema.OrderIntent) error {
	payload, err := schema.EncodeOrderIntent(intent)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	header := schema.NewHeader(schema.EventOrderIntent, 1, nextSeq(seq), now, now)
	header.TraceID = traceID
	return writer.TryAppend(header, payload)
}

func appendOrderResult(writer *recorder.Writer, seq *uint64, traceID uint64, result schema.OrderResult) error {
	payload, err := schema.EncodeOrderResult(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	header := schema.NewHeader(schema.EventOrderResult, 1, nextSeq(seq), now, now)
	header.TraceID = traceID
	return writer.TryAppend(header, payload)
}

func nextSeq(seq *uint64) uint64 {
	*seq++
	return *seq
}

// venueAdapter1/venueAdapter2 keep the price/filters adapters distinct
// from cmd/trader's so paper stays runnable standalone.
type venueAdapter1 struct{ venue execution.Venue }

func (p venueAdapter1) ReferencePrice(symbol string) (decimal.Decimal, int64, bool) {
	price, tsMs, err := p.venue.FetchMarkPrice(context.Background(), symbol)
	if err != nil {
		return decimal.Zero, 0, false
	}
	return price, tsMs, true
}

type venueAdapter2 struct{ venue execution.Venue }

func (f venueAdapter2) Filters(symbol string) (risk.SymbolFilters, bool) {
	filters, err := f.venue.FetchFilters(context.Background(), symbol)
	if err != nil {
		return risk.SymbolFilters{}, false
	}
	return filters, true
}

// memStore is an in-memory execution.Store, safety.Store, and
// decision.PositionProvider, standing in for Postgres so paper mode never
// needs a database. It seeds itself ARMED_LIVE, since paper mode exercises
// decision and execution, not the safety policy transitions themselves.
type memStore struct {
	mu        sync.Mutex
	intents   map[string]schema.OrderIntent
	results   map[string]schema.OrderResult
	positions map[string]decimal.Decimal
	retries   map[string]int
	safety    schema.SafetyState
}

func newMemStore() *memStore {
	return &memStore{
		intents:   make(map[string]schema.OrderIntent),
		results:   make(map[string]schema.OrderResult),
		positions: make(map[string]decimal.Decimal),
		retries:   make(map[string]int),
		safety:    schema.SafetyState{Mode: schema.SafetyArmedLive},
	}
}

func (m *memStore) LoadSafety() (schema.SafetyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safety, nil
}

func (m *memStore) SetSafety(state schema.SafetyState, traceID uint64, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safety = state
	return nil
}

func (m *memStore) LoadBaseline(symbol string) (schema.Baseline, bool, error) {
	return schema.Baseline{}, false, nil
}

func (m *memStore) UpsertIntent(intent schema.OrderIntent, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intent.CorrelationID] = intent
	return nil
}

func (m *memStore) UpsertResult(result schema.OrderResult, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.CorrelationID] = result
	if intent, ok := m.intents[result.CorrelationID]; ok {
		qty := m.positions[intent.Symbol]
		signed := result.FilledQty
		if intent.Side == schema.OrderSideSell {
			signed = signed.Neg()
		}
		m.positions[intent.Symbol] = qty.Add(signed)
	}
	return nil
}

func (m *memStore) IncrementRetryCount(correlationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[correlationID]++
	return m.retries[correlationID], nil
}

func (m *memStore) LoadResult(correlationID string) (schema.OrderResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[correlationID]
	return result, ok, nil
}

func (m *memStore) NonTerminalIntents() ([]schema.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.OrderIntent
	for id, intent := range m.intents {
		if result, ok := m.results[id]; !ok || !execution.IsTerminal(result.Status) {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (m *memStore) LocalPosition(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[symbol]
}

func (m *memStore) waitForTerminal(expected int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.countTerminal() >= expected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (m *memStore) countTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, result := range m.results {
		if execution.IsTerminal(result.Status) {
			n++
		}
	}
	return n
}

func (m *memStore) countStatus(status schema.OrderStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, result := range m.results {
		if result.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) snapshotResults() []schema.OrderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.OrderResult, 0, len(m.results))
	for _, result := range m.results {
		out = append(out, result)
	}
	return out
}

type traceCounter struct{ n uint64 }

func newTraceCounter() *traceCounter { return &traceCounter{} }

func (t *traceCounter) Next() uint64 {
	t.n++
	return t.n
}
