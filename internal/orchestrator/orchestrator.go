// Package orchestrator owns the startup state machine and the main loop
// that wires Ingest, Decision, Execution, and Safety together once the
// process is armed.
package orchestrator

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/bus"
	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/execution"
	"github.com/unendless314/hl-follower/internal/ingest/hyperliquid"
	"github.com/unendless314/hl-follower/internal/obs"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/schema"
)

// RunMode is the operator-selected mode named in the external interface:
// live hands Decision's persisted intents to Execution. dry-run and
// backfill-only run Ingest and Decision (events and intents are still
// persisted) but hand no intent to Execution, so no order reaches the
// venue and the execution state machine does not run for them;
// backfill-only also skips the live poll and the stream.
type RunMode string

const (
	RunModeLive          RunMode = "live"
	RunModeDryRun        RunMode = "dry-run"
	RunModeBackfillOnly  RunMode = "backfill-only"
)

// Store is the subset of the store's API the orchestrator itself needs,
// beyond what it hands to the components it owns.
type Store interface {
	Migrate() error
	CheckSchemaVersion() (bool, string, error)
	DeriveLocalPositions() (map[string]decimal.Decimal, error)
	LoadBaseline(symbol string) (schema.Baseline, bool, error)
	SetSystemState(key, value string, nowMs int64) error
	GetSystemState(key string) (string, bool, error)
}

// Config is the orchestrator's own tunables, resolved from ops.Loaded.
type Config struct {
	RunMode            RunMode
	Symbols            []string
	IdlePollInterval   time.Duration
	HeartbeatInterval  time.Duration
	EventQueueCapacity int
}

// Orchestrator supervises the startup state machine and the cooperative
// task set spec.md's concurrency model names: ingest poll, reconcile,
// heartbeat, and the execution worker pool, all stopped by one
// context.Context cancellation. Decision runs synchronously inside ingest
// (hyperliquid.Coordinator), not here — the orchestrator's own job is
// handing Decision's already-persisted intents to Execution across the
// bounded event bus.
type Orchestrator struct {
	cfg      Config
	store    Store
	safety   *safety.Service
	venue    execution.Venue
	ingest   *hyperliquid.Coordinator
	executor *execution.Executor
	metrics  *obs.Metrics
	traceGen *obs.TraceGenerator
	eventBus *bus.Queue
	eventSeq uint64
}

// New builds an orchestrator over the already-constructed components.
// Wiring them up (Store → Clock → Safety → Ingest → Decision →
// Execution) is cmd/trader's job; Orchestrator only sequences their
// startup and steady-state interaction.
func New(cfg Config, store Store, safetySvc *safety.Service, venue execution.Venue, ingest *hyperliquid.Coordinator, executor *execution.Executor, metrics *obs.Metrics, traceGen *obs.TraceGenerator) *Orchestrator {
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.EventQueueCapacity <= 0 {
		cfg.EventQueueCapacity = 256
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		safety:   safetySvc,
		venue:    venue,
		ingest:   ingest,
		executor: executor,
		metrics:  metrics,
		traceGen: traceGen,
		eventBus: bus.NewQueue(cfg.EventQueueCapacity),
	}
}

// snapshotPositions fetches the venue's reported positions and the
// store's derived local positions, adjusting local for every approved
// baseline, mirroring Safety's reconciliation inputs.
func (o *Orchestrator) snapshotPositions(venuePositions map[string]decimal.Decimal, venueCapturedMs int64) (safety.PositionSnapshot, safety.PositionSnapshot, error) {
	local, err := o.store.DeriveLocalPositions()
	if err != nil {
		return safety.PositionSnapshot{}, safety.PositionSnapshot{}, errors.Wrap(err, "orchestrator: derive local positions")
	}
	for _, symbol := range o.cfg.Symbols {
		baseline, ok, err := o.store.LoadBaseline(symbol)
		if err != nil {
			return safety.PositionSnapshot{}, safety.PositionSnapshot{}, errors.Wrap(err, "orchestrator: load baseline")
		}
		if ok {
			safety.ApplyBaseline(local, baseline)
		}
	}
	return safety.PositionSnapshot{Positions: local, CapturedMs: venueCapturedMs},
		safety.PositionSnapshot{Positions: venuePositions, CapturedMs: venueCapturedMs},
		nil
}
