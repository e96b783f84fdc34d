package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unendless314/hl-follower/internal/schema"
)

type fakeStore struct {
	state     schema.SafetyState
	baselines map[string]schema.Baseline
	setCalls  int
}

func newFakeStore(mode schema.SafetyMode) *fakeStore {
	return &fakeStore{
		state:     schema.SafetyState{Mode: mode},
		baselines: map[string]schema.Baseline{},
	}
}

func (f *fakeStore) LoadSafety() (schema.SafetyState, error) { return f.state, nil }

func (f *fakeStore) SetSafety(state schema.SafetyState, traceID uint64, nowMs int64) error {
	f.state = state
	f.setCalls++
	return nil
}

func (f *fakeStore) LoadBaseline(symbol string) (schema.Baseline, bool, error) {
	b, ok := f.baselines[symbol]
	return b, ok, nil
}

func TestService_PreExecutionCheckHaltBlocksEverything(t *testing.T) {
	svc := NewService(newFakeStore(schema.SafetyHalt), Config{})
	err := svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: false})
	assert.ErrorIs(t, err, ErrHalted)

	err = svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: true})
	assert.ErrorIs(t, err, ErrHalted)
}

// I6: in ARMED_SAFE, only reduce-only intents may submit.
func TestService_PreExecutionCheckArmedSafeBlocksIncreaseOnly(t *testing.T) {
	svc := NewService(newFakeStore(schema.SafetyArmedSafe), Config{})

	err := svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: false})
	assert.ErrorIs(t, err, ErrIncreaseBlocked)

	err = svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: true})
	assert.NoError(t, err)
}

func TestService_PreExecutionCheckArmedLiveAllowsEverything(t *testing.T) {
	svc := NewService(newFakeStore(schema.SafetyArmedLive), Config{})
	assert.NoError(t, svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: false}))
	assert.NoError(t, svc.PreExecutionCheck(schema.OrderIntent{ReduceOnly: true}))
}

func TestService_ReconcileTransitionsOnCriticalDrift(t *testing.T) {
	store := newFakeStore(schema.SafetyArmedLive)
	svc := NewService(store, Config{WarnThreshold: 0.01, CriticalThreshold: 0.1})

	local := snap(map[string]float64{"BTCUSDT": 1.2}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	report, err := svc.Reconcile(local, venue, 42, 1_000)
	require.NoError(t, err)
	assert.Equal(t, 1, store.setCalls)
	assert.Equal(t, schema.SafetyHalt, store.state.Mode)
	assert.Equal(t, "BTCUSDT", report.MaxDriftSymbol)
	// The round that trips HALT must not count toward the auto-recovery
	// streak, else a single bad reconciliation could immediately satisfy
	// a streak_target of 1.
	assert.Equal(t, 0, svc.consecutiveHealthy)
}

func TestService_ReconcileNoChangeSkipsWrite(t *testing.T) {
	store := newFakeStore(schema.SafetyArmedLive)
	svc := NewService(store, Config{WarnThreshold: 0.01, CriticalThreshold: 0.5})

	local := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)

	_, err := svc.Reconcile(local, venue, 1, 1_000)
	require.NoError(t, err)
	assert.Equal(t, 0, store.setCalls)
}

// MaybeAutoRecover never promotes past ARMED_SAFE and requires the
// consecutive-healthy streak the Reconcile calls have been building.
func TestService_MaybeAutoRecoverRequiresHealthyStreak(t *testing.T) {
	store := newFakeStore(schema.SafetyHalt)
	svc := NewService(store, Config{
		WarnThreshold: 0.01, CriticalThreshold: 0.5,
		AutoRecoverEnabled: true, AutoRecoverStreakTarget: 2,
	})
	svc.lastHaltReason = ReasonSnapshotStale

	local := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)
	venue := snap(map[string]float64{"BTCUSDT": 1.0}, 1_000)
	healthy := ExecutionHealth{LastSuccessMs: 900}

	report, err := svc.Reconcile(local, venue, 1, 1_000)
	require.NoError(t, err)
	recovered, err := svc.MaybeAutoRecover(report, false, healthy, 1, 1_000)
	require.NoError(t, err)
	assert.False(t, recovered, "streak not yet met")

	report, err = svc.Reconcile(local, venue, 1, 1_000)
	require.NoError(t, err)
	recovered, err = svc.MaybeAutoRecover(report, false, healthy, 1, 1_000)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, schema.SafetyArmedSafe, store.state.Mode)
}
