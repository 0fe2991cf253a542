package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sentientos/forge/pkg/integritycontroller"
)

func TestRunStatusCmdLiveOnEmptyRepoIsOK(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runStatusCmd([]string{"--root", root}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("code = %d, want 0; stderr = %s", code, stderr.String())
	}

	var status integritycontroller.IntegrityStatus
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		t.Fatalf("stdout not valid JSON: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestRunStatusCmdLatestMissingReturns3(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runStatusCmd([]string{"--root", root, "--latest"}, &stdout, &stderr)
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestExitCodeForStatus(t *testing.T) {
	cases := []struct {
		status integritycontroller.IntegrityStatus
		want   int
	}{
		{integritycontroller.IntegrityStatus{Status: "ok", MutationAllowed: true}, 0},
		{integritycontroller.IntegrityStatus{Status: "warn", MutationAllowed: true}, 1},
		{integritycontroller.IntegrityStatus{Status: "fail", MutationAllowed: false}, 2},
	}
	for _, c := range cases {
		if got := exitCodeForStatus(c.status); got != c.want {
			t.Errorf("exitCodeForStatus(%+v) = %d, want %d", c.status, got, c.want)
		}
	}
}
