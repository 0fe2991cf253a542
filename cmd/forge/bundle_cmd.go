package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sentientos/forge/pkg/provenancebundle"
)

// runExportBundleCmd implements `export_test_provenance_bundle` (spec §4.14
// / §6). The window is either --last N or an explicit --from/--to pair.
//
// Exit codes: 0 exported, 2 bad window or I/O failure.
func runExportBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export_test_provenance_bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir  string
		out  string
		last int
		from string
		to   string
	)
	cmd.StringVar(&dir, "dir", "glow/test_runs/provenance", "directory of provenance run JSON files")
	cmd.StringVar(&out, "out", "", "output bundle path (.tar.gz)")
	cmd.IntVar(&last, "last", 0, "export only the last N runs")
	cmd.StringVar(&from, "from", "", "window start (created_at, inclusive)")
	cmd.StringVar(&to, "to", "", "window end (created_at, inclusive)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		_, _ = fmt.Fprintln(stderr, "export_test_provenance_bundle: --out is required")
		return 2
	}

	runs, err := provenancebundle.LoadRunsFromDir(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export_test_provenance_bundle: %v\n", err)
		return 2
	}

	window := provenancebundle.Window{LastN: last, From: from, To: to}
	selected, err := provenancebundle.SelectWindow(runs, window)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export_test_provenance_bundle: %v\n", err)
		return 2
	}

	manifest, row, err := provenancebundle.Export(selected, nil, window, out)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export_test_provenance_bundle: %v\n", err)
		return 2
	}

	indexPath := filepath.Join(filepath.Dir(out), "archive_index.jsonl")
	if err := provenancebundle.AppendArchiveIndexRow(indexPath, row); err != nil {
		_, _ = fmt.Fprintf(stderr, "export_test_provenance_bundle: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"manifest":    manifest,
		"archive_row": row,
		"exported_at": time.Now().UTC().Format(time.RFC3339),
	})
	return 0
}

// runVerifyBundleCmd implements `verify_test_provenance_bundle` (spec §4.14
// / §6).
//
// Exit codes: 0 verified, 1 not verified, 2 unreadable bundle.
func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify_test_provenance_bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var output string
	cmd.StringVar(&output, "output", "", "optional path to also write the verification result")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	rest := cmd.Args()
	if len(rest) != 1 {
		_, _ = fmt.Fprintln(stderr, "verify_test_provenance_bundle: exactly one bundle path is required")
		return 2
	}
	bundlePath := rest[0]

	result, err := provenancebundle.VerifyBundle(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify_test_provenance_bundle: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	if output != "" {
		data, _ := json.MarshalIndent(result, "", "  ")
		if err := os.WriteFile(output, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "verify_test_provenance_bundle: %v\n", err)
			return 2
		}
	}

	if !result.Verified {
		return 1
	}
	return 0
}
