package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sentientos/forge/pkg/config"
	"github.com/sentientos/forge/pkg/integritycontroller"
	"github.com/sentientos/forge/pkg/wiring"
)

// runStatusCmd implements `forge status` (spec §6).
//
// Exit codes:
//
//	0 = ok
//	1 = any warn gate
//	2 = mutation disallowed with a non-ok primary reason
//	3 = no integrity artifact found (only possible with --latest)
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOut bool
		latest  bool
		root    string
	)
	cmd.BoolVar(&jsonOut, "json", true, "print canonical JSON to stdout")
	cmd.BoolVar(&latest, "latest", false, "print the most recently written status artifact instead of evaluating live")
	cmd.StringVar(&root, "root", ".", "repository root")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	_ = jsonOut

	if latest {
		status, ok, err := loadLatestStatus(root)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "forge status: %v\n", err)
			return 2
		}
		if !ok {
			_, _ = fmt.Fprintln(stderr, "forge status: no integrity artifact found")
			return 3
		}
		printStatus(stdout, status)
		return exitCodeForStatus(status)
	}

	cfg := config.Load()
	in, _, err := wiring.BuildEvaluateInput(root, cfg, time.Now().UTC())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forge status: %v\n", err)
		return 2
	}
	status := integritycontroller.Evaluate(in)
	printStatus(stdout, status)
	return exitCodeForStatus(status)
}

func exitCodeForStatus(status integritycontroller.IntegrityStatus) int {
	if !status.MutationAllowed && status.Status != "ok" {
		return 2
	}
	if status.Status == "warn" {
		return 1
	}
	if status.Status == "fail" {
		return 2
	}
	return 0
}

func printStatus(w io.Writer, status integritycontroller.IntegrityStatus) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
}

// loadLatestStatus reads the most recent status_<ts>.json artifact under
// glow/forge/integrity (lexicographic on the ts-slug file name, which
// sorts chronologically).
func loadLatestStatus(root string) (integritycontroller.IntegrityStatus, bool, error) {
	dir := filepath.Join(root, "glow", "forge", "integrity")
	matches, err := filepath.Glob(filepath.Join(dir, "status_*.json"))
	if err != nil {
		return integritycontroller.IntegrityStatus{}, false, err
	}
	if len(matches) == 0 {
		return integritycontroller.IntegrityStatus{}, false, nil
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]
	data, err := os.ReadFile(latest)
	if err != nil {
		return integritycontroller.IntegrityStatus{}, false, err
	}
	var status integritycontroller.IntegrityStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return integritycontroller.IntegrityStatus{}, false, err
	}
	return status, true, nil
}
