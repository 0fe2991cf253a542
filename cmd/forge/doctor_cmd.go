package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sentientos/forge/pkg/auditchain"
	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/wiring"
)

// runAuditChainDoctorCmd implements `audit_chain_doctor` (spec §4.4 / §6).
//
// Exit codes: 0 when the requested action completed (including a clean
// diagnose-only run), 1 when truncation was requested without
// --i-understand, or when a requested repair had to be refused.
func runAuditChainDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit_chain_doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		diagnoseOnly    bool
		repairIndexOnly bool
		truncateAfterBreak bool
		iUnderstand     bool
		root            string
	)
	cmd.BoolVar(&diagnoseOnly, "diagnose-only", false, "report the chain's status without modifying anything")
	cmd.BoolVar(&repairIndexOnly, "repair-index-only", false, "rebuild the derived receipts index from receipt files without truncating")
	cmd.BoolVar(&truncateAfterBreak, "truncate-after-break", false, "truncate the log file at its first detected break")
	cmd.BoolVar(&iUnderstand, "i-understand", false, "required alongside --truncate-after-break")
	cmd.StringVar(&root, "root", ".", "repository root")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	paths := wiring.Paths{Root: root}
	logPaths, err := auditchain.ConfiguredLogPaths(root, paths.AuditLogsDir())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit_chain_doctor: %v\n", err)
		return 2
	}

	v, err := auditchain.Verify(logPaths)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit_chain_doctor: %v\n", err)
		return 2
	}

	report := map[string]any{"verification": v}

	switch {
	case truncateAfterBreak:
		if !iUnderstand {
			report["refused"] = "truncate-after-break requires --i-understand"
			writeJSON(stdout, report)
			return 1
		}
		if v.FirstBreak == nil {
			report["action"] = "no_break_found"
			writeJSON(stdout, report)
			return 0
		}
		if err := truncateLogAfterLine(v.FirstBreak.Path, v.FirstBreak.LineNumber); err != nil {
			_, _ = fmt.Fprintf(stderr, "audit_chain_doctor: truncate: %v\n", err)
			return 2
		}
		report["action"] = "truncated"
		report["truncated_path"] = v.FirstBreak.Path
		report["truncated_after_line"] = v.FirstBreak.LineNumber
		writeJSON(stdout, report)
		return 0

	case repairIndexOnly:
		// The audit log has no index of its own (its ordering is the log
		// file order); the derived index rebuilt here is the receipts
		// index, re-derived from the primary receipt files. The audit log
		// files are never touched.
		receiptChain, err := paths.ReceiptChain()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit_chain_doctor: %v\n", err)
			return 2
		}
		rows, err := receiptChain.RebuildIndex()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit_chain_doctor: rebuild index: %v\n", err)
			return 2
		}
		report["action"] = "receipts_index_rebuilt"
		report["index_rows"] = len(rows)
		writeJSON(stdout, report)
		return 0

	default: // diagnose-only, or no explicit action flag
		report["action"] = "diagnosed"
		writeJSON(stdout, report)
		return 0
	}
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// truncateLogAfterLine rewrites path keeping only the first
// (breakLine - 1) non-empty lines — the lines that verified clean before
// the first detected discontinuity.
func truncateLogAfterLine(path string, breakLine int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.KindIOError, "doctor.truncateLogAfterLine.read", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var kept [][]byte
	lineNo := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineNo++
		if lineNo >= breakLine {
			break
		}
		kept = append(kept, append([]byte{}, line...))
	}
	out := bytes.Join(kept, []byte("\n"))
	if len(kept) > 0 {
		out = append(out, '\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return errs.New(errs.KindIOError, "doctor.truncateLogAfterLine.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.KindTmpRenameFailed, "doctor.truncateLogAfterLine.rename", err)
	}
	return nil
}
