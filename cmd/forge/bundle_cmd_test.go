package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentientos/forge/pkg/canonical"
)

func writeProvenanceRun(t *testing.T, dir, id, createdAt, prevHash string) {
	t.Helper()
	if prevHash == "" {
		prevHash = canonical.GenesisMarker
	}
	payload := map[string]any{
		"run_id":               id,
		"created_at":           createdAt,
		"prev_provenance_hash": prevHash,
	}
	hash, err := canonical.ComputeHash(payload, prevHash, "provenance_hash")
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	payload["provenance_hash"] = hash
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRunExportBundleCmdAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeProvenanceRun(t, dir, "run-0001", "2026-01-01T00:00:00Z", "")

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "bundle.tar.gz")

	var stdout, stderr bytes.Buffer
	code := runExportBundleCmd([]string{"--dir", dir, "--out", outPath, "--last", "1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("export code = %d, want 0; stderr = %s", code, stderr.String())
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("bundle not written: %v", err)
	}

	var verifyOut, verifyErr bytes.Buffer
	code = runVerifyBundleCmd([]string{outPath}, &verifyOut, &verifyErr)
	if code != 0 {
		t.Fatalf("verify code = %d, want 0; stderr = %s", code, verifyErr.String())
	}
}

func TestRunExportBundleCmdRequiresOut(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := runExportBundleCmd([]string{"--dir", dir}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}

func TestRunVerifyBundleCmdMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runVerifyBundleCmd([]string{"/nonexistent/bundle.tar.gz"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}
