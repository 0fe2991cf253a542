package doctrine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentientos/forge/pkg/verify"
)

func writeJSON(t *testing.T, path string, v string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(v), 0o644))
}

func TestCheckOKWhenNoBaselinePresent(t *testing.T) {
	v := Check(Fingerprints{ManifestSha256: "abc"}, Baseline{}, false, true)
	require.Equal(t, verify.StatusOK, v.Status)
	require.Equal(t, "no_peer_snapshot", v.Reason)
}

func TestCheckOKWhenFingerprintsMatch(t *testing.T) {
	fp := Fingerprints{ManifestSha256: "abc"}
	baseline := Baseline{ManifestSha256: "abc"}
	v := Check(fp, baseline, true, true)
	require.Equal(t, verify.StatusOK, v.Status)
}

func TestCheckFailsEnforcedOnMismatch(t *testing.T) {
	fp := Fingerprints{ManifestSha256: "abc"}
	baseline := Baseline{ManifestSha256: "different"}
	v := Check(fp, baseline, true, true)
	require.Equal(t, verify.StatusFail, v.Status)
	require.Equal(t, "doctrine_identity_mismatch", v.Reason)
}

func TestCheckWarnsUnenforcedOnMismatch(t *testing.T) {
	fp := Fingerprints{ManifestSha256: "abc"}
	baseline := Baseline{ManifestSha256: "different"}
	v := Check(fp, baseline, true, false)
	require.Equal(t, verify.StatusWarn, v.Status)
}

func TestComputeFingerprintsHashesManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	writeJSON(t, manifest, `{"doctrine":"v1"}`)

	fp, err := ComputeFingerprints(manifest, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, fp.ManifestSha256)
	require.Empty(t, fp.ReceiptSchemaSha256)
}

func TestLoadBaselineMissingIsNotError(t *testing.T) {
	_, present, err := LoadBaseline(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.False(t, present)
}

func TestComputeFingerprintsHashesValidSchema(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	writeJSON(t, manifest, `{"doctrine":"v1"}`)
	receiptSchema := filepath.Join(dir, "receipt_schema.json")
	writeJSON(t, receiptSchema, `{"type":"object","properties":{"receipt_id":{"type":"string"}}}`)

	fp, err := ComputeFingerprints(manifest, receiptSchema, "")
	require.NoError(t, err)
	require.NotEmpty(t, fp.ReceiptSchemaSha256)
}

func TestComputeFingerprintsRejectsMalformedSchema(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	writeJSON(t, manifest, `{"doctrine":"v1"}`)
	receiptSchema := filepath.Join(dir, "receipt_schema.json")
	writeJSON(t, receiptSchema, `{"type":"not-a-real-type"}`)

	_, err := ComputeFingerprints(manifest, receiptSchema, "")
	require.Error(t, err)
}
