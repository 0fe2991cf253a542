package integritycontroller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/integritypressure"
	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
	"github.com/sentientos/forge/pkg/riskbudget"
	"github.com/sentientos/forge/pkg/throughputpolicy"
	"github.com/sentientos/forge/pkg/verify"
)

func baseInput() EvaluateInput {
	return EvaluateInput{
		Now:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PolicyHash: "deadbeef",
		Quarantine: quarantine.State{},
		Pressure:   integritypressure.Snapshot{Level: 0},
		Posture:    posture.Table[posture.Balanced],
		Throughput: throughputpolicy.Policy{Mode: throughputpolicy.Normal, AllowForgeMutation: true, AllowPublish: true, AllowAutomerge: true},
		RiskBudget: riskbudget.Budget{MaxRunsPerDay: 10, MaxRunsPerHour: 5, MaxFilesChanged: 20, MaxRetries: 3},
		MaxVerifyStreamsPerTick: 3,
		MaxVerifyItemsPerStream: 25,
		Gates:      map[GateName]GateInput{},
	}
}

func TestEvaluateAllOKWhenNoGatesSupplied(t *testing.T) {
	status := Evaluate(baseInput())
	require.Equal(t, "ok", status.Status)
	require.Equal(t, "integrity_ok", status.PrimaryReason)
	require.True(t, status.MutationAllowed)
	require.True(t, status.PublishAllowed)
	require.True(t, status.AutomergeAllowed)
	require.Empty(t, status.ReasonStack)
}

func TestEvaluateFailGateBlocksMutation(t *testing.T) {
	in := baseInput()
	in.Gates[GateReceiptChain] = GateInput{
		Verdict: verify.Verdict{Status: verify.StatusFail, Reason: "hash_mismatch"},
	}
	status := Evaluate(in)
	require.Equal(t, "fail", status.Status)
	require.Equal(t, "hash_mismatch", status.PrimaryReason)
	require.False(t, status.MutationAllowed)
	require.False(t, status.PublishAllowed)
	require.Contains(t, status.RecommendedActions, "verify_receipt_chain --repair-index")
}

func TestEvaluateSignatureGateBudgetSelection(t *testing.T) {
	in := baseInput()
	in.MaxVerifyStreamsPerTick = 2
	in.Gates[GateSnapshotSig] = GateInput{Enabled: true, Verdict: verify.Verdict{Status: verify.StatusOK}}
	in.Gates[GateRollupSig] = GateInput{Enabled: true, Verdict: verify.Verdict{Status: verify.StatusOK}}
	in.Gates[GateStrategicSig] = GateInput{Enabled: true, Verdict: verify.Verdict{Status: verify.StatusOK}}

	status := Evaluate(in)
	require.True(t, status.BudgetExhausted)

	byName := map[string]GateResult{}
	for _, r := range status.GateResults {
		byName[r.Name] = r
	}
	require.Equal(t, "ok", byName[string(GateSnapshotSig)].Status)
	require.Equal(t, "ok", byName[string(GateRollupSig)].Status)
	require.Equal(t, "skipped", byName[string(GateStrategicSig)].Status)
	require.Equal(t, "skipped_budget_exhausted", byName[string(GateStrategicSig)].Reason)
}

func TestEvaluateDeterministicCanonicalHash(t *testing.T) {
	in := baseInput()
	s1 := Evaluate(in)
	s2 := Evaluate(in)
	h1, err := s1.CanonicalHash()
	require.NoError(t, err)
	h2, err := s2.CanonicalHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestEvaluateWarnGateAllowsMutationButSurfaces(t *testing.T) {
	in := baseInput()
	in.Gates[GateAuditChain] = GateInput{Verdict: verify.Verdict{Status: verify.StatusWarn, Reason: "rolling_hash_mismatch"}}
	status := Evaluate(in)
	require.Equal(t, "warn", status.Status)
	require.True(t, status.MutationAllowed)
	require.Equal(t, "rolling_hash_mismatch", status.PrimaryReason)
}

func TestEvaluateQuarantineBlocksPublish(t *testing.T) {
	in := baseInput()
	in.Quarantine.Active = true
	status := Evaluate(in)
	require.True(t, status.QuarantineActive)
	require.False(t, status.MutationAllowed)
	require.False(t, status.PublishAllowed)
}
