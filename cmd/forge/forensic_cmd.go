package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sentientos/forge/pkg/index"
	"github.com/sentientos/forge/pkg/wiring"
)

// runForensicRunReportCmd implements `forensic_run_report`, ported from
// original_source/scripts/forensic_run_report.py (SPEC_FULL.md §3.1): it
// assembles a single cross-chain diagnostic snapshot an operator can
// attach to an incident, covering receipt-chain integrity, the governor's
// amendment log, and the provenance bundles on disk.
//
// Exit codes: 0 written, 2 unreadable state.
func runForensicRunReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("forensic_run_report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var root string
	cmd.StringVar(&root, "root", ".", "repository root")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	paths := wiring.Paths{Root: root}
	now := time.Now().UTC()

	receiptChain, err := paths.ReceiptChain()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forensic_run_report: %v\n", err)
		return 2
	}

	amendmentLogPath := filepath.Join(root, "logs", "amendment_log.jsonl")
	bundlesDir := filepath.Join(root, "glow", "test_runs", "bundles")

	report, err := index.BuildForensicReport(now.Format("2006-01-02T15:04:05Z"), receiptChain, amendmentLogPath, bundlesDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forensic_run_report: %v\n", err)
		return 2
	}

	reportsDir := paths.ReportsDir()
	stampSlug := now.Format("20060102T150405Z")
	path, err := index.WriteForensicReport(reportsDir, stampSlug, report)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forensic_run_report: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"report": report, "path": path})
	return 0
}
