// Package auditchain verifies the rolling-hash chain of plaintext audit
// logs produced by external collaborators (spec §4.4). Each line is
// { timestamp, data, prev_hash, rolling_hash } where
// rolling_hash = SHA256(timestamp || canonical(data) || prev_hash).
package auditchain

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
)

// ZeroHash is the expected prev_hash for line 1 of the first file (64
// zero characters, per spec).
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

type rawLine struct {
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	PrevHash    string          `json:"prev_hash"`
	RollingHash string          `json:"rolling_hash"`
}

// FirstBreak describes where the chain first broke.
type FirstBreak struct {
	Path              string `json:"path"`
	ExpectedPrevHash  string `json:"expected_prev_hash"`
	FoundPrevHash     string `json:"found_prev_hash"`
	LineNumber        int    `json:"line_number"`
}

// Range is one affected-range entry (at most 20 are ever reported).
type Range struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Verification is the result of Verify.
type Verification struct {
	Status          string      `json:"status"` // ok|broken|unknown
	BreakCount      int         `json:"break_count"`
	CheckedFiles    int         `json:"checked_files"`
	FirstBreak      *FirstBreak `json:"first_break,omitempty"`
	AffectedRanges  []Range     `json:"affected_ranges"`
	SuggestedActions []string   `json:"suggested_actions"`
}

func hashEntry(timestamp string, data json.RawMessage, prevHash string) (string, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", errs.New(errs.KindBadJSON, "auditchain.hashEntry", err)
	}
	canon, err := canonical.Bytes(decoded)
	if err != nil {
		return "", err
	}
	// the trailing "\n" added by canonical.Bytes is intentionally not
	// part of this hash input; the external audit-log producer's
	// rolling_hash predates forge's canonical wire format and hashes
	// timestamp||canonical(data)||prev_hash with no added separators.
	body := canon[:len(canon)-1]
	buf := append([]byte(timestamp), body...)
	buf = append(buf, []byte(prevHash)...)
	return canonical.Sha256Hex(buf), nil
}

// Verify walks files in sorted path order, checking rolling
// hash linkage within each file; across files, the last rolling hash of
// file N is NOT carried to file N+1 (each file restarts at ZeroHash).
func Verify(files []string) (Verification, error) {
	sorted := append([]string{}, files...)
	sort.Strings(sorted)

	if len(sorted) == 0 {
		return Verification{Status: "unknown", AffectedRanges: []Range{}, SuggestedActions: []string{}}, nil
	}

	breakCount := 0
	var firstBreak *FirstBreak
	var ranges []Range

	for _, path := range sorted {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := splitNonEmptyLines(data)
		prevHash := ZeroHash
		for idx, line := range lines {
			lineNo := idx + 1
			var entry rawLine
			if err := json.Unmarshal(line, &entry); err != nil {
				breakCount++
				if firstBreak == nil {
					firstBreak = &FirstBreak{Path: path, ExpectedPrevHash: prevHash, FoundPrevHash: "<invalid-json>", LineNumber: lineNo}
				}
				ranges = append(ranges, Range{Path: path, StartLine: lineNo, EndLine: len(lines)})
				break
			}
			if entry.PrevHash != prevHash {
				breakCount++
				if firstBreak == nil {
					firstBreak = &FirstBreak{Path: path, ExpectedPrevHash: prevHash, FoundPrevHash: entry.PrevHash, LineNumber: lineNo}
				}
				ranges = append(ranges, Range{Path: path, StartLine: lineNo, EndLine: len(lines)})
				break
			}
			if entry.Timestamp == "" || entry.Data == nil {
				breakCount++
				if firstBreak == nil {
					firstBreak = &FirstBreak{Path: path, ExpectedPrevHash: prevHash, FoundPrevHash: entry.PrevHash, LineNumber: lineNo}
				}
				ranges = append(ranges, Range{Path: path, StartLine: lineNo, EndLine: len(lines)})
				break
			}
			expected, err := hashEntry(entry.Timestamp, entry.Data, prevHash)
			if err != nil {
				return Verification{}, err
			}
			if entry.RollingHash != expected {
				breakCount++
				if firstBreak == nil {
					firstBreak = &FirstBreak{Path: path, ExpectedPrevHash: prevHash, FoundPrevHash: entry.PrevHash, LineNumber: lineNo}
				}
				ranges = append(ranges, Range{Path: path, StartLine: lineNo, EndLine: len(lines)})
				break
			}
			prevHash = entry.RollingHash
		}
	}

	if len(ranges) > 20 {
		ranges = ranges[:20]
	}
	if ranges == nil {
		ranges = []Range{}
	}

	status := "ok"
	suggestions := []string{
		"forge verify-audit-log --strict",
		"forge audit_chain_doctor --repair-index-only",
	}
	if breakCount != 0 {
		status = "broken"
		suggestions = append(suggestions, "forge audit_chain_doctor --diagnose-only")
	}

	return Verification{
		Status:           status,
		BreakCount:       breakCount,
		CheckedFiles:     len(sorted),
		FirstBreak:       firstBreak,
		AffectedRanges:   ranges,
		SuggestedActions: suggestions,
	}, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var out [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, cp)
	}
	return out
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

// ConfiguredLogPaths discovers audit log files the way the original
// collaborator does: from config/master_files.json if present, else every
// *.jsonl under logsDir.
func ConfiguredLogPaths(repoRoot, logsDir string) ([]string, error) {
	configPath := filepath.Join(repoRoot, "config", "master_files.json")
	if data, err := os.ReadFile(configPath); err == nil {
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err == nil {
			var paths []string
			for raw := range payload {
				p := raw
				if !filepath.IsAbs(p) {
					p = filepath.Join(repoRoot, p)
				}
				if isLogFile(p) {
					paths = append(paths, p)
				}
			}
			if len(paths) > 0 {
				sort.Strings(paths)
				return paths, nil
			}
		}
	}
	matches, err := filepath.Glob(filepath.Join(logsDir, "*.jsonl"))
	if err != nil {
		return nil, errs.New(errs.KindIOError, "auditchain.ConfiguredLogPaths.glob", err)
	}
	var paths []string
	for _, m := range matches {
		if isLogFile(m) {
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func isLogFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false
	}
	first := trimSpace(scanner.Bytes())
	s := string(first)
	return len(s) > 0 && s[0] == '{' && contains(s, "timestamp") && contains(s, "data")
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
