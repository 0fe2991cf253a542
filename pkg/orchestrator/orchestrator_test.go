package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/integritycontroller"
	"github.com/sentientos/forge/pkg/integritypressure"
	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
	"github.com/sentientos/forge/pkg/riskbudget"
	"github.com/sentientos/forge/pkg/signedenvelope"
	"github.com/sentientos/forge/pkg/throughputpolicy"
)

func baseDeps(t *testing.T) Deps {
	root := t.TempDir()
	return Deps{
		Root: root,
		Now:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EvaluateInput: integritycontroller.EvaluateInput{
			Quarantine:              quarantine.State{},
			Pressure:                integritypressure.Snapshot{Level: 0},
			Posture:                 posture.Table[posture.Balanced],
			Throughput:              throughputpolicy.Policy{Mode: throughputpolicy.Normal, AllowForgeMutation: true, AllowPublish: true, AllowAutomerge: true},
			RiskBudget:              riskbudget.Budget{MaxRunsPerDay: 10, MaxRunsPerHour: 5, MaxFilesChanged: 20, MaxRetries: 3},
			MaxVerifyStreamsPerTick: 3,
			MaxVerifyItemsPerStream: 25,
			Gates:                   map[integritycontroller.GateName]integritycontroller.GateInput{},
		},
		MinSnapshotInterval:    10 * time.Minute,
		AllowSnapshotEmit:      true,
		AllowWitnessPublish:    false,
		Signer:                 signedenvelope.DisabledSigner{},
		SigningNamespace:       "sentientos-attestation-snapshot",
		SnapshotEnvelopeStream: signedenvelope.StreamAttestationSnapshot,
		SnapshotSigIndexPath:   filepath.Join(root, "glow", "forge", "attestation", "signatures", "attestation_snapshot", "signatures_index.jsonl"),
	}
}

func TestTickWritesStatusAndEmitsFirstSnapshot(t *testing.T) {
	d := baseDeps(t)
	result, err := Tick(d)
	require.NoError(t, err)
	require.True(t, result.SnapshotEmitted)
	require.Equal(t, "emitted", result.SnapshotReason)
	_, err = os.Stat(result.StatusPath)
	require.NoError(t, err)
	_, err = os.Stat(result.SnapshotPath)
	require.NoError(t, err)
}

func TestTickCadenceGateSuppressesSecondEmit(t *testing.T) {
	d := baseDeps(t)
	first, err := Tick(d)
	require.NoError(t, err)

	d.Cadence = CadenceState{
		LastEmitTS:          d.Now,
		IntegrityStatusHash: first.IntegrityStatusHash,
		PolicyHash:          first.PolicyHash,
	}
	d.Now = d.Now.Add(1 * time.Minute)
	second, err := Tick(d)
	require.NoError(t, err)
	require.False(t, second.SnapshotEmitted)
	require.Equal(t, "cadence_not_elapsed", second.SnapshotReason)
}

func TestTickReplayModeNeverEmitsWithoutFlag(t *testing.T) {
	d := baseDeps(t)
	d.AllowSnapshotEmit = false
	result, err := Tick(d)
	require.NoError(t, err)
	require.False(t, result.SnapshotEmitted)
	require.Equal(t, "flag_disabled", result.SnapshotReason)
	require.Empty(t, result.SnapshotPath)
}

func TestTickReplayModeNeverPublishesWitness(t *testing.T) {
	d := baseDeps(t)
	d.AllowWitnessPublish = false
	d.WitnessPublish = func(string) (WitnessStatus, error) {
		t.Fatal("witness publish must not be invoked when AllowWitnessPublish is false")
		return WitnessOK, nil
	}
	result, err := Tick(d)
	require.NoError(t, err)
	require.Equal(t, WitnessSkippedBackendDisabled, result.WitnessStatus)
}

func TestTickStatusPathsAreUnderGlowForge(t *testing.T) {
	d := baseDeps(t)
	result, err := Tick(d)
	require.NoError(t, err)
	require.Contains(t, result.StatusPath, filepath.Join("glow", "forge", "integrity"))
}

// TestTickChainsSnapshotEnvelopesAcrossTicks guards against signing every
// snapshot envelope with prev_sig_hash=nil: the second tick's envelope must
// chain to the first tick's sig_hash, not restart the chain.
func TestTickChainsSnapshotEnvelopesAcrossTicks(t *testing.T) {
	d := baseDeps(t)
	d.Signer = signedenvelope.HMACTestSigner{Secret: []byte("test-secret"), KeyID: "key-1"}

	first, err := Tick(d)
	require.NoError(t, err)
	require.True(t, first.EnvelopeSigned)

	envelopes, err := readEnvelopeIndex(d.SnapshotSigIndexPath)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	require.Nil(t, envelopes[0].PrevSigHash)

	d.Cadence = CadenceState{}
	d.Now = d.Now.Add(time.Hour)
	second, err := Tick(d)
	require.NoError(t, err)
	require.True(t, second.EnvelopeSigned)

	envelopes, err = readEnvelopeIndex(d.SnapshotSigIndexPath)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	require.NotNil(t, envelopes[1].PrevSigHash)
	require.Equal(t, envelopes[0].SigHash, *envelopes[1].PrevSigHash)
}

func readEnvelopeIndex(path string) ([]signedenvelope.Envelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []signedenvelope.Envelope
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		var e signedenvelope.Envelope
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
