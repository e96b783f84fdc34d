package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yanun0323/decimal"

	"github.com/unendless314/hl-follower/internal/schema"
)

func snap(positions map[string]float64, capturedMs int64) PositionSnapshot {
	m := make(map[string]decimal.Decimal, len(positions))
	for k, v := range positions {
		m[k] = decimal.NewFromFloat(v)
	}
	return PositionSnapshot{Positions: m, CapturedMs: capturedMs}
}

// scenario 6 from spec.md §8: a symbol present locally but absent from the
// venue side is a critical, non-zero-filtered one-sided discrepancy.
func TestEvaluate_MissingSymbolIsOneSided(t *testing.T) {
	local := snap(map[string]float64{"BTCUSDT": 0.1}, 1_000)
	venue := snap(map[string]float64{}, 1_000)

	report := Evaluate(local, venue, Config{}, 1_000)
	assert.True(t, report.AnyOneSided)

	mode, reason, changed := Decide(report, Config{}, schema.SafetyArmedLive)
	assert.Equal(t, schema.SafetyHalt, mode)
	assert.Equal(t, ReasonReconcileCritical, reason)
	assert.True(t, changed)
}

// A symbol missing from one side but exactly zero on the other is not a
// real discrepancy (the zero-filter clause).
func TestEvaluate_ZeroOnMissingSideIsNotOneSided(t *testing.T) {
	local := snap(map[string]float64{"BTCUSDT": 0.0}, 1_000)
	venue := snap(map[string]float64{}, 1_000)

	report := Evaluate(local, venue, Config{}, 1_000)
	assert.False(t, report.AnyOneSided)
}

func TestEvaluate_StaleSnapshot(t *testing.T) {
	local := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	report := Evaluate(local, venue, Config{SnapshotMaxStaleMs: 500}, 2_000)
	assert.True(t, report.SnapshotStale)

	mode, reason, changed := Decide(report, Config{SnapshotMaxStaleMs: 500}, schema.SafetyArmedLive)
	assert.Equal(t, schema.SafetyArmedSafe, mode)
	assert.Equal(t, ReasonSnapshotStale, reason)
	assert.True(t, changed)
}

func TestDecide_CriticalDriftHalts(t *testing.T) {
	cfg := Config{WarnThreshold: 0.01, CriticalThreshold: 0.1}
	local := snap(map[string]float64{"BTCUSDT": 1.2}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	report := Evaluate(local, venue, cfg, 1_000)
	mode, reason, changed := Decide(report, cfg, schema.SafetyArmedLive)
	assert.Equal(t, schema.SafetyHalt, mode)
	assert.Equal(t, ReasonReconcileCritical, reason)
	assert.True(t, changed)
}

func TestDecide_WarnDriftKeepsModeButFlagsChange(t *testing.T) {
	cfg := Config{WarnThreshold: 0.01, CriticalThreshold: 0.5}
	local := snap(map[string]float64{"BTCUSDT": 1.05}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	report := Evaluate(local, venue, cfg, 1_000)
	mode, reason, changed := Decide(report, cfg, schema.SafetyArmedLive)
	assert.Equal(t, schema.SafetyArmedLive, mode)
	assert.Equal(t, ReasonReconcileWarn, reason)
	assert.False(t, changed)
}

func TestDecide_NoDriftNoChange(t *testing.T) {
	cfg := Config{WarnThreshold: 0.01, CriticalThreshold: 0.5}
	local := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	report := Evaluate(local, venue, cfg, 1_000)
	mode, _, changed := Decide(report, cfg, schema.SafetyArmedLive)
	assert.Equal(t, schema.SafetyArmedLive, mode)
	assert.False(t, changed)
}

func TestApplyBaseline_AddsToLocalPosition(t *testing.T) {
	local := map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromFloat(1.0)}
	ApplyBaseline(local, schema.Baseline{Symbol: "BTCUSDT", Qty: decimal.NewFromFloat(0.5)})
	assert.True(t, local["BTCUSDT"].Equal(decimal.NewFromFloat(1.5)))
}

func TestAutoRecoveryEligible_RequiresHealthyStreakAndAllowlist(t *testing.T) {
	cfg := Config{AutoRecoverEnabled: true, AutoRecoverStreakTarget: 3}
	report := Report{}
	health := ExecutionHealth{LastSuccessMs: 900}

	// Not enough consecutive healthy reconciliations.
	assert.False(t, AutoRecoveryEligible(cfg, ReasonSnapshotStale, 2, report, false, health, 1_000))

	// Enough streak, allowlisted reason, healthy exec adapter.
	assert.True(t, AutoRecoveryEligible(cfg, ReasonSnapshotStale, 3, report, false, health, 1_000))

	// BACKFILL_WINDOW_EXCEEDED requires maintenance skip to have been applied.
	assert.False(t, AutoRecoveryEligible(cfg, ReasonBackfillWindowExceeded, 3, report, false, health, 1_000))
	assert.True(t, AutoRecoveryEligible(cfg, ReasonBackfillWindowExceeded, 3, report, true, health, 1_000))

	// A reason outside the allowlist never auto-recovers.
	assert.False(t, AutoRecoveryEligible(cfg, ReasonExecutionRetryExceeded, 3, report, false, health, 1_000))
}

func TestAutoRecoveryEligible_StaleExecHealthBlocks(t *testing.T) {
	cfg := Config{AutoRecoverEnabled: true, AutoRecoverStreakTarget: 1, AutoRecoverExecHealthMs: 60_000}
	report := Report{}
	stale := ExecutionHealth{LastSuccessMs: 0}
	assert.False(t, AutoRecoveryEligible(cfg, ReasonSnapshotStale, 1, report, false, stale, 1_000_000))

	recentException := ExecutionHealth{LastSuccessMs: 999_000, LastExceptionMs: 999_500}
	assert.False(t, AutoRecoveryEligible(cfg, ReasonSnapshotStale, 1, report, false, recentException, 1_000_000))
}
