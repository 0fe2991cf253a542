package main

import (
	"bytes"
	"testing"
)

func TestRunVerifyReceiptChainCmdEmptyChainIsOK(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runVerifyReceiptChainCmd([]string{"--root", root}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("code = %d, want 0; stderr = %s", code, stderr.String())
	}
}

func TestRunVerifyReceiptAnchorsCmdRequireTipFailsOnEmptyChain(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runVerifyReceiptAnchorsCmd([]string{"--root", root, "--require-tip"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("code = %d, want 1 (no tip on an empty chain)", code)
	}
}

func TestRunVerifyReceiptAnchorsCmdWithoutRequireTipIsOK(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runVerifyReceiptAnchorsCmd([]string{"--root", root}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("code = %d, want 0; stderr = %s", code, stderr.String())
	}
}
