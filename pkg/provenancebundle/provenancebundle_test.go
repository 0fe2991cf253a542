package provenancebundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/canonical"
)

func makeRun(t *testing.T, id, createdAt, prevHash string) provenanceRun {
	t.Helper()
	payload := map[string]any{
		"schema_version":         1,
		"run_id":                 id,
		"created_at":             createdAt,
		"prev_provenance_hash":   prevHash,
	}
	if prevHash == "" {
		payload["prev_provenance_hash"] = canonical.GenesisMarker
	}
	hash, err := canonical.ComputeHash(payload, payload["prev_provenance_hash"].(string), "provenance_hash")
	require.NoError(t, err)
	payload["provenance_hash"] = hash

	raw, err := canonicalJSON(payload)
	require.NoError(t, err)

	return provenanceRun{
		ID: id, CreatedAt: createdAt, Path: id + ".json", Raw: raw,
		ProvenanceHash: hash, PrevProvenanceHash: payload["prev_provenance_hash"].(string),
	}
}

func chainedRuns(t *testing.T) []provenanceRun {
	r1 := makeRun(t, "r1", "2026-01-01T00:00:00Z", "")
	r2 := makeRun(t, "r2", "2026-01-01T00:00:01Z", r1.ProvenanceHash)
	r3 := makeRun(t, "r3", "2026-01-01T00:00:02Z", r2.ProvenanceHash)
	return []provenanceRun{r1, r2, r3}
}

func TestExportProducesDeterministicBytes(t *testing.T) {
	runs := chainedRuns(t)
	dir := t.TempDir()
	out1 := filepath.Join(dir, "a.tar.gz")
	out2 := filepath.Join(dir, "b.tar.gz")

	_, _, err := Export(runs, nil, Window{LastN: 2}, out1)
	require.NoError(t, err)
	_, _, err = Export(runs, nil, Window{LastN: 2}, out2)
	require.NoError(t, err)

	b1, err := os.ReadFile(out1)
	require.NoError(t, err)
	b2, err := os.ReadFile(out2)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestExportRejectsDiscontinuousChain(t *testing.T) {
	runs := chainedRuns(t)
	runs[1].PrevProvenanceHash = "tampered"
	_, _, err := Export(runs, nil, Window{LastN: 3}, filepath.Join(t.TempDir(), "x.tar.gz"))
	require.Error(t, err)
}

func TestVerifyBundleRoundTrip(t *testing.T) {
	runs := chainedRuns(t)
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")
	_, _, err := Export(runs, nil, Window{LastN: 3}, out)
	require.NoError(t, err)

	result, err := VerifyBundle(out)
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.True(t, result.HashesOK)
	require.True(t, result.ChainOK)
}

func TestReadBundleRunsReturnsPayloads(t *testing.T) {
	runs := chainedRuns(t)
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")
	_, _, err := Export(runs, nil, Window{LastN: 3}, out)
	require.NoError(t, err)

	result, payloads, err := ReadBundleRuns(out)
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.Len(t, payloads, 3)
}

func TestSelectWindowRequiresFromToPairWithoutLastN(t *testing.T) {
	runs := []provenanceRunInput{
		{ID: "a", CreatedAt: "2026-01-01T00:00:00Z"},
	}
	_, err := SelectWindow(runs, Window{})
	require.Error(t, err)
}
