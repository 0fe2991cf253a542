package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/integritycontroller"
	"github.com/sentientos/forge/pkg/integritypressure"
	"github.com/sentientos/forge/pkg/orchestrator"
	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
	"github.com/sentientos/forge/pkg/riskbudget"
	"github.com/sentientos/forge/pkg/signedenvelope"
	"github.com/sentientos/forge/pkg/throughputpolicy"
)

func baseParams(t *testing.T) Params {
	root := t.TempDir()
	return Params{
		Root:  root,
		Now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastN: 25,
		Deps: orchestrator.Deps{
			EvaluateInput: integritycontroller.EvaluateInput{
				Quarantine: quarantine.State{},
				Pressure:   integritypressure.Snapshot{Level: 0},
				Posture:    posture.Table[posture.Balanced],
				Throughput: throughputpolicy.Policy{Mode: throughputpolicy.Normal, AllowForgeMutation: true, AllowPublish: true, AllowAutomerge: true},
				RiskBudget: riskbudget.Budget{MaxRunsPerDay: 10, MaxRunsPerHour: 5, MaxFilesChanged: 20, MaxRetries: 3},
				MaxVerifyStreamsPerTick: 3,
				MaxVerifyItemsPerStream: 25,
				Gates:      map[integritycontroller.GateName]integritycontroller.GateInput{},
			},
			MinSnapshotInterval:    10 * time.Minute,
			Signer:                 signedenvelope.DisabledSigner{},
			SigningNamespace:       "sentientos-attestation-snapshot",
			SnapshotEnvelopeStream: signedenvelope.StreamAttestationSnapshot,
		},
	}
}

func TestRunNeverEmitsSnapshotWithoutFlag(t *testing.T) {
	p := baseParams(t)
	p.EmitSnapshot = false
	report, err := Run(p)
	require.NoError(t, err)
	require.False(t, report.SnapshotEmission.Emitted)
	require.Equal(t, "flag_disabled", report.SnapshotEmission.Reason)
}

func TestRunSkipsCatalogRebuildByDefault(t *testing.T) {
	p := baseParams(t)
	report, err := Run(p)
	require.NoError(t, err)
	require.Equal(t, CatalogSkipped, report.Catalog.Status)
	require.Equal(t, "skipped_catalog_rebuild", report.Catalog.Reason)
}

func TestRunAllowsCatalogRebuildWhenFlagSet(t *testing.T) {
	p := baseParams(t)
	p.AllowCatalogRebuild = true
	called := false
	p.RebuildCatalog = func(root string) error {
		called = true
		return nil
	}
	report, err := Run(p)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, CatalogRebuilt, report.Catalog.Status)
}

func TestRunNeverPublishesWitnessEvenIfRequested(t *testing.T) {
	p := baseParams(t)
	p.EmitSnapshot = true
	p.Deps.AllowWitnessPublish = true // caller mistake; Run must still force this off
	p.Deps.WitnessPublish = func(string) (orchestrator.WitnessStatus, error) {
		t.Fatal("replay must never publish a witness")
		return orchestrator.WitnessOK, nil
	}
	_, err := Run(p)
	require.NoError(t, err)
}

func TestRunIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	p1 := baseParams(t)
	p2 := p1
	p2.Root = t.TempDir()
	r1, err := Run(p1)
	require.NoError(t, err)
	r2, err := Run(p2)
	require.NoError(t, err)
	require.Equal(t, r1.IntegrityStatusHash, r2.IntegrityStatusHash)
	require.Equal(t, r1.PolicyHash, r2.PolicyHash)
}
