package safety

import (
	"sort"

	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

// Reason codes used on SafetyState transitions. These are the closed enum
// external tooling matches against; they never change meaning once shipped.
const (
	ReasonSnapshotStale           = "SNAPSHOT_STALE"
	ReasonReconcileCritical       = "RECONCILE_CRITICAL"
	ReasonReconcileWarn           = "RECONCILE_WARN"
	ReasonBackfillWindowExceeded  = "BACKFILL_WINDOW_EXCEEDED"
	ReasonExecutionRetryExceeded  = "EXECUTION_RETRY_BUDGET_EXCEEDED"
	ReasonSchemaVersionMismatch   = "SCHEMA_VERSION_MISMATCH"
	ReasonBootstrap               = "BOOTSTRAP"
	ReasonOperatorRecovery        = "OPERATOR_RECOVERY"
	ReasonAutoRecovery            = "AUTO_RECOVERY"
)

// autoRecoveryAllowlist is the closed set of HALT reasons a healthy
// streak of reconciliations is permitted to recover from automatically.
// RECONCILE_CRITICAL and BACKFILL_WINDOW_EXCEEDED only qualify once the
// underlying condition driving them (drift, gap) has itself cleared —
// Evaluator checks that separately before consulting this set.
var autoRecoveryAllowlist = map[string]bool{
	ReasonSnapshotStale:          true,
	ReasonBackfillWindowExceeded: true,
	ReasonReconcileCritical:      true,
}

// Config governs the reconciliation thresholds and auto-recovery policy.
type Config struct {
	WarnThreshold            float64
	CriticalThreshold        float64
	SnapshotMaxStaleMs       int64
	AutoRecoverEnabled       bool
	AutoRecoverStreakTarget  int
	AutoRecoverExecHealthMs  int64
}

// PositionSnapshot is one side's view of positions at a point in time.
type PositionSnapshot struct {
	Positions   map[string]decimal.Decimal
	CapturedMs  int64
}

// Drift is the per-symbol discrepancy found during reconciliation.
type Drift struct {
	Symbol    string
	LocalQty  decimal.Decimal
	VenueQty  decimal.Decimal
	AbsDrift  decimal.Decimal
	OneSided  bool
}

// Report is the full result of one reconciliation pass.
type Report struct {
	Drifts        []Drift
	MaxDrift      decimal.Decimal
	MaxDriftSymbol string
	AnyOneSided   bool
	SnapshotStale bool
}

// Evaluate computes per-symbol drift between the store's derived local
// positions (already adjusted for any active baseline) and the venue's
// reported positions, over the union of symbols appearing on either side.
// Grounded on the teacher's filter-then-compare control flow, adapted to
// the position-drift domain described by the reconciliation procedure.
func Evaluate(local, venue PositionSnapshot, cfg Config, nowMs int64) Report {
	report := Report{}

	if cfg.SnapshotMaxStaleMs > 0 && venue.CapturedMs > 0 {
		age := nowMs - venue.CapturedMs
		if age > cfg.SnapshotMaxStaleMs {
			report.SnapshotStale = true
		}
	}

	symbols := unionKeys(local.Positions, venue.Positions)
	report.Drifts = make([]Drift, 0, len(symbols))
	for _, symbol := range symbols {
		localQty, hasLocal := local.Positions[symbol]
		venueQty, hasVenue := venue.Positions[symbol]
		drift := Drift{Symbol: symbol, LocalQty: localQty, VenueQty: venueQty}
		drift.AbsDrift = localQty.Sub(venueQty).Abs()

		// A symbol present on exactly one side only counts as one-sided
		// once the zero-filter runs: a zero-quantity symbol missing from
		// the other side is not a real discrepancy.
		if hasLocal != hasVenue {
			present := localQty
			if hasVenue {
				present = venueQty
			}
			if !present.IsZero() {
				drift.OneSided = true
				report.AnyOneSided = true
			}
		}

		report.Drifts = append(report.Drifts, drift)
		if drift.AbsDrift.GreaterThan(report.MaxDrift) {
			report.MaxDrift = drift.AbsDrift
			report.MaxDriftSymbol = symbol
		}
	}

	return report
}

// IsCritical reports whether report alone (independent of the currently
// persisted mode) warrants a HALT: a one-sided symbol or max_drift at or
// above the critical threshold. Used both by Decide and by the streak
// counter that gates auto-recovery, so a fresh critical round is never
// miscounted as healthy just because the persisted mode was already HALT.
func IsCritical(report Report, cfg Config) bool {
	if report.AnyOneSided {
		return true
	}
	return cfg.CriticalThreshold > 0 && report.MaxDrift.GreaterThanOrEqual(decimal.NewFromFloat(cfg.CriticalThreshold))
}

// Decide applies the reconciliation decision table to a Report, returning
// the new mode and reason. currentMode is kept when the report only
// warrants a warning, per "max_drift >= warn_threshold → keep mode, emit
// warning".
func Decide(report Report, cfg Config, currentMode schema.SafetyMode) (schema.SafetyMode, string, bool) {
	if report.SnapshotStale {
		return schema.SafetyArmedSafe, ReasonSnapshotStale, true
	}
	if IsCritical(report, cfg) {
		return schema.SafetyHalt, ReasonReconcileCritical, true
	}
	if cfg.WarnThreshold > 0 && report.MaxDrift.GreaterThanOrEqual(decimal.NewFromFloat(cfg.WarnThreshold)) {
		return currentMode, ReasonReconcileWarn, false
	}
	return currentMode, "", false
}

// ExecutionHealth is the health evidence AutoRecoveryEligible checks
// against the "execution adapter healthy" precondition.
type ExecutionHealth struct {
	LastSuccessMs     int64
	LastExceptionMs   int64
}

// AutoRecoveryEligible reports whether a HALT may be automatically lifted
// to ARMED_SAFE, applying every precondition in the spec's auto-recovery
// clause. Transitions to ARMED_LIVE are never automatic — callers must
// not use this to justify anything beyond ARMED_SAFE.
func AutoRecoveryEligible(
	cfg Config,
	haltReason string,
	consecutiveHealthyReconciles int,
	report Report,
	maintenanceSkipApplied bool,
	health ExecutionHealth,
	nowMs int64,
) bool {
	if !cfg.AutoRecoverEnabled {
		return false
	}
	streakTarget := cfg.AutoRecoverStreakTarget
	if streakTarget <= 0 {
		streakTarget = 3
	}
	if consecutiveHealthyReconciles < streakTarget {
		return false
	}
	if report.SnapshotStale {
		return false
	}
	if haltReason == ReasonBackfillWindowExceeded && !maintenanceSkipApplied {
		return false
	}
	if !autoRecoveryAllowlist[haltReason] {
		return false
	}

	execWindow := cfg.AutoRecoverExecHealthMs
	if execWindow <= 0 {
		execWindow = 60_000
	}
	if health.LastSuccessMs == 0 || nowMs-health.LastSuccessMs > execWindow {
		return false
	}
	if health.LastExceptionMs != 0 && nowMs-health.LastExceptionMs <= execWindow {
		return false
	}

	return true
}

// ApplyBaseline adds an approved baseline qty to a symbol's local position,
// treating manually/externally established exposure as already-approved
// rather than drift.
func ApplyBaseline(local map[string]decimal.Decimal, baseline schema.Baseline) {
	if local == nil {
		return
	}
	local[baseline.Symbol] = local[baseline.Symbol].Add(baseline.Qty)
}

func unionKeys(a, b map[string]decimal.Decimal) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
