package auditchain

import (
	"fmt"
	"os"

	"github.com/sentientos/forge/pkg/errs"
)

// DoctorReport is the outcome of a doctor invocation (spec §4.4:
// "All other repairs are refused and recorded in the doctor report").
type DoctorReport struct {
	Action   string `json:"action"`
	Refused  bool   `json:"refused"`
	Reason   string `json:"reason,omitempty"`
	Verification Verification `json:"verification"`
}

// DiagnoseOnly runs Verify and returns a report with no mutation.
func DiagnoseOnly(files []string) (DoctorReport, error) {
	v, err := Verify(files)
	if err != nil {
		return DoctorReport{}, err
	}
	return DoctorReport{Action: "diagnose_only", Verification: v}, nil
}

// RepairIndexOnly rebuilds a derived receipts index from files; it never
// touches the audit log files themselves.
func RepairIndexOnly(files []string, indexPath string, rebuild func([]string, string) error) (DoctorReport, error) {
	v, err := Verify(files)
	if err != nil {
		return DoctorReport{}, err
	}
	if rebuild != nil {
		if err := rebuild(files, indexPath); err != nil {
			return DoctorReport{}, err
		}
	}
	return DoctorReport{Action: "repair_index_only", Verification: v}, nil
}

// TruncateAfterBreak implements the one other operator-gated repair (spec
// §4.4): truncates the broken file immediately after the line preceding
// the first break. Requires iUnderstand=true; otherwise it is refused.
func TruncateAfterBreak(files []string, iUnderstand bool) (DoctorReport, error) {
	v, err := Verify(files)
	if err != nil {
		return DoctorReport{}, err
	}
	if !iUnderstand {
		return DoctorReport{Action: "truncate_after_break", Refused: true, Reason: "missing_i_understand_flag", Verification: v}, nil
	}
	if v.FirstBreak == nil {
		return DoctorReport{Action: "truncate_after_break", Refused: true, Reason: "no_break_found", Verification: v}, nil
	}
	if err := truncateFileAfterLine(v.FirstBreak.Path, v.FirstBreak.LineNumber-1); err != nil {
		return DoctorReport{}, err
	}
	return DoctorReport{Action: "truncate_after_break", Verification: v}, nil
}

func truncateFileAfterLine(path string, keepLines int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.KindIOError, "auditchain.truncateFileAfterLine.read", err)
	}
	lines := splitNonEmptyLines(data)
	if keepLines < 0 {
		keepLines = 0
	}
	if keepLines > len(lines) {
		keepLines = len(lines)
	}
	var out []byte
	for _, l := range lines[:keepLines] {
		out = append(out, l...)
		out = append(out, '\n')
	}
	tmp := fmt.Sprintf("%s.tmp-truncate", path)
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return errs.New(errs.KindIOError, "auditchain.truncateFileAfterLine.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.KindTmpRenameFailed, "auditchain.truncateFileAfterLine.rename", err)
	}
	return nil
}
