package safety

import (
	"time"

	"github.com/unendless314/hl-follower/internal/errors"
	"github.com/unendless314/hl-follower/internal/schema"
)

// ErrHalted is returned by PreExecutionCheck when the pipeline is HALTed.
var ErrHalted = errors.New("safety: HALT")

// ErrIncreaseBlocked is returned by PreExecutionCheck when ARMED_SAFE
// blocks a non-reduce-only intent.
var ErrIncreaseBlocked = errors.New("safety: ARMED_SAFE blocks exposure increase")

// Store is the subset of the store's safety-facing API the service needs.
// Kept narrow so tests can supply an in-memory fake.
type Store interface {
	LoadSafety() (schema.SafetyState, error)
	SetSafety(state schema.SafetyState, traceID uint64, nowMs int64) error
	LoadBaseline(symbol string) (schema.Baseline, bool, error)
}

// Service is the single authority on the pipeline-wide safety mode. Decision
// and Execution consult it before acting; only Service (and Execution's
// retry-budget exhaustion path) ever writes a new mode.
type Service struct {
	store Store
	cfg   Config

	consecutiveHealthy int
	lastHaltReason     string
}

// NewService builds a safety service backed by store.
func NewService(store Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// CurrentMode returns the persisted safety mode, defaulting to ARMED_SAFE
// if no state has ever been written (mirrors the store's bootstrap seed).
func (s *Service) CurrentMode() (schema.SafetyMode, error) {
	state, err := s.store.LoadSafety()
	if err != nil {
		return "", errors.Wrap(err, "safety: load state")
	}
	return state.Mode, nil
}

// PreExecutionCheck gates an intent before Execution ever touches the
// venue. HALT blocks everything; ARMED_SAFE blocks non-reduce-only.
func (s *Service) PreExecutionCheck(intent schema.OrderIntent) error {
	mode, err := s.CurrentMode()
	if err != nil {
		return err
	}
	switch mode {
	case schema.SafetyHalt:
		return ErrHalted
	case schema.SafetyArmedSafe:
		if !intent.ReduceOnly {
			return ErrIncreaseBlocked
		}
	}
	return nil
}

// Transition persists a new safety mode with its reason, writing the audit
// trail before the mode itself changes (store.SetSafety does both inside
// one transaction).
func (s *Service) Transition(mode schema.SafetyMode, reason string, drift *Drift, traceID uint64, nowMs int64) error {
	state := schema.SafetyState{
		Mode:             mode,
		Reason:           reason,
		LastReconcileMs:  nowMs,
		TransitionedAtMs: nowMs,
	}
	if drift != nil {
		state.DriftSymbol = drift.Symbol
		qty := drift.AbsDrift
		state.DriftQty = &qty
	}
	if err := s.store.SetSafety(state, traceID, nowMs); err != nil {
		return errors.Wrap(err, "safety: persist transition")
	}
	if mode == schema.SafetyHalt {
		s.consecutiveHealthy = 0
		s.lastHaltReason = reason
	}
	return nil
}

// Reconcile runs one reconciliation pass, applies the decision table
// against the currently persisted mode, and persists a transition only
// when the mode or reason actually changes. It returns the report for
// callers that want to log or export drift metrics.
func (s *Service) Reconcile(local, venue PositionSnapshot, traceID uint64, nowMs int64) (Report, error) {
	state, err := s.store.LoadSafety()
	if err != nil {
		return Report{}, errors.Wrap(err, "safety: load state")
	}

	report := Evaluate(local, venue, s.cfg, nowMs)
	nextMode, reason, changed := Decide(report, s.cfg, state.Mode)

	// A round only counts toward the auto-recovery streak when this
	// round's report is itself clean: neither critical nor stale. Gating
	// on nextMode==HALT instead would miscount the very round a fresh
	// critical drift trips HALT as "healthy," since Decide also returns
	// HALT to mean "stay halted" on an already-halted, now-clean report.
	if !IsCritical(report, s.cfg) && !report.SnapshotStale {
		s.consecutiveHealthy++
	} else {
		s.consecutiveHealthy = 0
	}

	if !changed {
		return report, nil
	}

	var driftPtr *Drift
	if report.MaxDriftSymbol != "" {
		for i := range report.Drifts {
			if report.Drifts[i].Symbol == report.MaxDriftSymbol {
				driftPtr = &report.Drifts[i]
				break
			}
		}
	}
	if err := s.Transition(nextMode, reason, driftPtr, traceID, nowMs); err != nil {
		return report, err
	}
	return report, nil
}

// MaybeAutoRecover lifts a HALT to ARMED_SAFE when every precondition in
// the auto-recovery clause holds. It never promotes to ARMED_LIVE.
func (s *Service) MaybeAutoRecover(report Report, maintenanceSkipApplied bool, health ExecutionHealth, traceID uint64, nowMs int64) (bool, error) {
	mode, err := s.CurrentMode()
	if err != nil {
		return false, err
	}
	if mode != schema.SafetyHalt {
		return false, nil
	}
	if !AutoRecoveryEligible(s.cfg, s.lastHaltReason, s.consecutiveHealthy, report, maintenanceSkipApplied, health, nowMs) {
		return false, nil
	}
	if err := s.Transition(schema.SafetyArmedSafe, ReasonAutoRecovery, nil, traceID, nowMs); err != nil {
		return false, err
	}
	return true, nil
}

// ReconcileInterval is how often the orchestrator should invoke Reconcile,
// read from config with a conservative fallback.
func (s *Service) ReconcileInterval() time.Duration {
	if s.cfg.SnapshotMaxStaleMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.SnapshotMaxStaleMs/2) * time.Millisecond
}
