package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/sentientos/forge/pkg/chain"
	"github.com/sentientos/forge/pkg/errs"
)

// ForensicTestSection mirrors the "test" block of the original
// forensic_run_report.py output.
type ForensicTestSection struct {
	ProvenancePath   string `json:"provenance_path,omitempty"`
	IntegrityOK      *bool  `json:"integrity_ok"`
	IntegrityChecked bool   `json:"integrity_checked"`
}

// ForensicGovernorSection mirrors the "governor" block.
type ForensicGovernorSection struct {
	EventsFound   int            `json:"events_found"`
	LatestDecision map[string]any `json:"latest_decision,omitempty"`
}

// ForensicReport is SPEC_FULL.md's supplemental observability operation,
// ported from original_source/scripts/forensic_run_report.py: given a
// tick's artifacts, it assembles a single cross-chain diagnostic snapshot
// an operator can attach to an incident.
type ForensicReport struct {
	SchemaVersion int                     `json:"schema_version"`
	GeneratedAt   string                  `json:"generated_at"`
	Test          ForensicTestSection     `json:"test"`
	Governor      ForensicGovernorSection `json:"governor"`
	ArtifactBundlePaths []string          `json:"artifact_bundle_paths"`
}

// BuildForensicReport assembles a ForensicReport from a hash chain's
// verification result (stored in the Test section; the CLI passes the
// receipts chain), the governor amendment log, and the bundles directory.
func BuildForensicReport(nowISO string, provenanceChain *chain.Chain, amendmentLogPath string, bundlesDir string) (ForensicReport, error) {
	report := ForensicReport{
		SchemaVersion: 1,
		GeneratedAt:   nowISO,
		Governor:      ForensicGovernorSection{},
	}

	if provenanceChain != nil {
		v, err := provenanceChain.Verify(0)
		if err != nil {
			return ForensicReport{}, err
		}
		ok := v.Status == "ok"
		report.Test = ForensicTestSection{IntegrityChecked: v.Status != "unknown", IntegrityOK: &ok}
	}

	events, err := readJSONLRows(amendmentLogPath)
	if err != nil {
		return ForensicReport{}, err
	}
	governorEvents := 0
	var latest map[string]any
	for _, event := range events {
		metadata, _ := event["metadata"].(map[string]any)
		if metadata == nil {
			continue
		}
		if metadata["event_type"] == "proof_budget_governor" {
			governorEvents++
			latest = event
		}
	}
	report.Governor.EventsFound = governorEvents
	if latest != nil {
		report.Governor.LatestDecision = latest
	}

	bundles, err := discoverBundlePaths(bundlesDir)
	if err != nil {
		return ForensicReport{}, err
	}
	report.ArtifactBundlePaths = bundles

	return report, nil
}

func discoverBundlePaths(dir string) ([]string, error) {
	if dir == "" {
		return []string{}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tar.gz"))
	if err != nil {
		return nil, errs.New(errs.KindIOError, "index.discoverBundlePaths", err)
	}
	sort.Strings(matches)
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}

// WriteForensicReport writes the report with a fixed name pattern, atomically.
func WriteForensicReport(dir string, stampSlug string, report ForensicReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.New(errs.KindIOError, "index.WriteForensicReport.mkdir", err)
	}
	path := filepath.Join(dir, "forensic_report_"+stampSlug+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", errs.New(errs.KindBadJSON, "index.WriteForensicReport.marshal", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errs.New(errs.KindIOError, "index.WriteForensicReport.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errs.New(errs.KindTmpRenameFailed, "index.WriteForensicReport.rename", err)
	}
	return path, nil
}
