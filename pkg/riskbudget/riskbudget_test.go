package riskbudget

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/throughputpolicy"
)

func TestDeriveNormalModeUsesBasePosture(t *testing.T) {
	b := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Normal, false)
	require.Equal(t, baseByPosture[posture.Balanced], b)
}

func TestDeriveLockdownModeZeroesBudgetRegardlessOfQuarantine(t *testing.T) {
	withQuarantine := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Lockdown, true)
	withoutQuarantine := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Lockdown, false)
	require.Equal(t, Budget{}, withQuarantine)
	require.Equal(t, Budget{}, withoutQuarantine)
}

// TestDeriveQuarantineActiveForcesZeroBudgetOutsideLockdown guards against the
// quarantineActive flag becoming a no-op: an active quarantine must zero the
// budget even when the throughput mode itself is not Lockdown.
func TestDeriveQuarantineActiveForcesZeroBudgetOutsideLockdown(t *testing.T) {
	quarantined := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Normal, true)
	require.Equal(t, Budget{}, quarantined)

	notQuarantined := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Normal, false)
	require.NotEqual(t, Budget{}, notQuarantined)
}

func TestDeriveScalesDownUnderPressureAndCautiousMode(t *testing.T) {
	base := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Normal, false)
	cautious := Derive(posture.Posture{Name: posture.Balanced}, 0, throughputpolicy.Cautious, false)
	require.Less(t, cautious.MaxRunsPerDay, base.MaxRunsPerDay)

	pressured := Derive(posture.Posture{Name: posture.Balanced}, 2, throughputpolicy.Normal, false)
	require.Less(t, pressured.MaxRunsPerDay, base.MaxRunsPerDay)
}

func TestIntersectTakesFieldwiseMinimum(t *testing.T) {
	a := Budget{MaxRunsPerDay: 10, MaxRunsPerHour: 2, MaxFilesChanged: 40, MaxRetries: 3}
	b := Budget{MaxRunsPerDay: 5, MaxRunsPerHour: 4, MaxFilesChanged: 20, MaxRetries: 1}
	got := Intersect(a, b)
	require.Equal(t, Budget{MaxRunsPerDay: 5, MaxRunsPerHour: 2, MaxFilesChanged: 20, MaxRetries: 1}, got)
}
