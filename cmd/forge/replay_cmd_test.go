package main

import (
	"bytes"
	"testing"
)

func TestRunReplayCmdOnEmptyRepo(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runReplayCmd([]string{"--root", root}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("code = %d, want 0; stderr = %s", code, stderr.String())
	}
	if stdout.Len() == 0 {
		t.Errorf("expected a JSON replay report on stdout")
	}
}

func TestRunReplayCmdRejectsUnknownFlag(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runReplayCmd([]string{"--root", root, "--nope"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}
