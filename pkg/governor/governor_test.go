package governor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		ConfiguredK:            9,
		ConfiguredM:            3,
		MaxK:                   9,
		EscalationEnabled:      true,
		Mode:                   "auto",
		AdmissibleCollapseRuns: 3,
		MinM:                   1,
		DiagnosticsK:           4,
		PressureWindow:         6,
		ProofBurnSpikeRuns:     2,
		EscalationClusterRuns:  2,
	}
}

// TestDecideBudgetProofBurnSpike covers spec §8 scenario 3: two runs with
// proof_burn_spike=true in the pressure window force a constrained budget.
func TestDecideBudgetProofBurnSpike(t *testing.T) {
	cfg := baseConfig()
	state := PressureState{
		RecentRuns: []RunEvent{
			{ProofBurnSpike: true},
			{ProofBurnSpike: true},
		},
	}

	decision := DecideBudget(cfg, state)

	require.Equal(t, cfg.ConfiguredM-1, decision.MEffective)
	require.False(t, decision.AllowEscalation)
	require.Equal(t, "constrained", decision.Mode)
	require.Contains(t, decision.DecisionReasons, "proof_burn_spike")
}

// TestDecideBudgetAdmissibleCollapse covers spec §8 scenario 4: once
// consecutive_no_admissible reaches the configured threshold, the governor
// switches to diagnostics-only with m_effective=0 and a boosted k_effective.
func TestDecideBudgetAdmissibleCollapse(t *testing.T) {
	cfg := baseConfig()
	state := PressureState{ConsecutiveNoAdmissible: cfg.AdmissibleCollapseRuns}

	decision := DecideBudget(cfg, state)

	require.Equal(t, 0, decision.MEffective)
	require.Equal(t, "diagnostics_only", decision.Mode)
	require.False(t, decision.AllowEscalation)
	require.GreaterOrEqual(t, decision.KEffective, cfg.DiagnosticsK)
	require.LessOrEqual(t, decision.KEffective, cfg.MaxK)
	require.Contains(t, decision.DecisionReasons, "admissible_collapse")
}

func TestDecideBudgetEscalationCluster(t *testing.T) {
	cfg := baseConfig()
	state := PressureState{
		RecentRuns: []RunEvent{
			{Escalated: true},
			{Escalated: true},
		},
	}

	decision := DecideBudget(cfg, state)

	require.LessOrEqual(t, decision.KEffective, 3)
	require.False(t, decision.AllowEscalation)
	require.Contains(t, decision.DecisionReasons, "escalation_cluster")
}

func TestDecideBudgetNormalModeIsUnconstrained(t *testing.T) {
	cfg := baseConfig()
	decision := DecideBudget(cfg, PressureState{})

	require.Equal(t, cfg.ConfiguredK, decision.KEffective)
	require.Equal(t, cfg.ConfiguredM, decision.MEffective)
	require.True(t, decision.AllowEscalation)
	require.Equal(t, "normal", decision.Mode)
	require.Empty(t, decision.DecisionReasons)
}

func TestDecideBudgetIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	state := PressureState{
		ConsecutiveNoAdmissible: cfg.AdmissibleCollapseRuns,
		RecentRuns:              []RunEvent{{ProofBurnSpike: true}, {ProofBurnSpike: true}, {Escalated: true}},
	}

	first := DecideBudget(cfg, state)
	second := DecideBudget(cfg, state)
	require.Equal(t, first, second)
}

func TestUpdatePressureStateTracksConsecutiveNoAdmissible(t *testing.T) {
	cfg := baseConfig()
	prior := PressureState{ConsecutiveNoAdmissible: 1}
	decision := DecideBudget(cfg, prior)

	next := UpdatePressureState(prior, decision, Telemetry{Escalated: true, StageBEvaluations: 2}, "no_admissible", RunContext{Pipeline: "p1"}, cfg)
	require.Equal(t, 2, next.ConsecutiveNoAdmissible)
	require.Len(t, next.RecentRuns, 1)
	require.Equal(t, "p1", next.RecentRuns[0].Pipeline)
	require.True(t, next.RecentRuns[0].Escalated)

	selected := UpdatePressureState(next, decision, Telemetry{}, "selected", RunContext{Pipeline: "p1"}, cfg)
	require.Equal(t, 0, selected.ConsecutiveNoAdmissible)
}

func TestUpdatePressureStateWindowTrims(t *testing.T) {
	cfg := baseConfig()
	cfg.PressureWindow = 2
	state := PressureState{}
	for i := 0; i < 5; i++ {
		state = UpdatePressureState(state, BudgetDecision{}, Telemetry{}, "selected", RunContext{Pipeline: "p"}, cfg)
	}
	require.Len(t, state.RecentRuns, 2)
}

type fakeLocker struct {
	acquired bool
	release  func()
}

func (f fakeLocker) TryAcquire() (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return f.release, true, nil
}

func TestSavePressureStateHashChainsAgainstPriorSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshotsDir := filepath.Join(dir, "snapshots")
	latestPath := filepath.Join(dir, "latest.json")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := SavePressureState(fakeLocker{acquired: true, release: func() {}}, snapshotsDir, latestPath, PressureState{ConsecutiveNoAdmissible: 1}, now)
	require.NoError(t, err)
	require.False(t, first.StateUpdateSkipped)
	require.NotEmpty(t, first.PressureStateNewHash)

	second, err := SavePressureState(fakeLocker{acquired: true, release: func() {}}, snapshotsDir, latestPath, PressureState{ConsecutiveNoAdmissible: 2}, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.PressureStateNewHash, second.PressureStateNewHash)

	var persisted PressureState
	require.NoError(t, readJSON(latestPath, &persisted))
	require.Equal(t, first.PressureStateNewHash, persisted.PrevStateHash)
	require.Equal(t, second.PressureStateNewHash, persisted.StateHash)
}

func TestSavePressureStateSkipsOnContendedLock(t *testing.T) {
	dir := t.TempDir()
	result, err := SavePressureState(fakeLocker{acquired: false}, filepath.Join(dir, "snapshots"), filepath.Join(dir, "latest.json"), PressureState{}, time.Now())
	require.NoError(t, err)
	require.True(t, result.StateUpdateSkipped)
	require.Empty(t, result.PressureStateNewHash)
}

func TestBuildGovernorEventFillsFields(t *testing.T) {
	decision := BudgetDecision{Mode: "constrained", KEffective: 3, MEffective: 1, DecisionReasons: []string{"proof_burn_spike"}, GovernorVersion: Version}
	save := SaveResult{PressureStateNewHash: "abc123"}

	event := BuildGovernorEvent(decision, RunContext{Pipeline: "p1", Capability: "c1", RouterAttempt: 2}, map[string]any{"k": "v"}, save)

	require.Equal(t, "proof_budget_governor", event.EventType)
	require.Equal(t, "p1", event.Pipeline)
	require.Equal(t, 2, event.RouterAttempt)
	require.Equal(t, "constrained", event.Governor.Mode)
	require.Equal(t, "abc123", event.Governor.PressureStateNewHash)
}
