// Package index rebuilds the operator-visible observability summary from
// primary on-disk artifacts (spec §4.13). The summary itself is a derived
// index: losing it is recoverable, per the ownership rule in spec §3, and
// Rebuild always regenerates it from scratch rather than incrementally
// patching it.
package index

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentientos/forge/pkg/errs"
)

// ArtifactRef is one row in a "latest N" artifact listing.
type ArtifactRef struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Hash      string `json:"hash,omitempty"`
	CreatedAt string `json:"created_at"`
}

// PendingJob is a queue row with no matching receipt yet.
type PendingJob struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// RunTrend is one repo-improvement run's outcome, used for the progress trend.
type RunTrend struct {
	RunID     string `json:"run_id"`
	CreatedAt string `json:"created_at"`
	Improved  bool   `json:"improved"`
}

// Summary is the rebuildable observability index (spec §4.13).
type Summary struct {
	SchemaVersion     int                    `json:"schema_version"`
	TS                string                 `json:"ts"`
	LatestReceipts    []ArtifactRef          `json:"latest_receipts"`
	LatestAnchors     []ArtifactRef          `json:"latest_anchors"`
	LatestProvenance  []ArtifactRef          `json:"latest_provenance"`
	LatestReports     []ArtifactRef          `json:"latest_reports"`
	PendingJobs       []PendingJob           `json:"pending_jobs"`
	CorruptRowCounts  map[string]int         `json:"corrupt_row_counts"`
	ChainStatuses     map[string]string      `json:"chain_statuses"`
	QuarantineSummary map[string]any         `json:"quarantine_summary"`
	PressureSummary   map[string]any         `json:"pressure_summary"`
	OperatingMode     string                 `json:"operating_mode"`
	WitnessStatus     string                 `json:"witness_status"`
	SignatureTips     map[string]string      `json:"signature_tips"`
	ProgressTrend     []RunTrend             `json:"progress_trend"`
	StagnationAlert   bool                   `json:"stagnation_alert"`
}

// RebuildInput bundles the primary artifacts Rebuild summarizes; the
// caller (orchestrator) is responsible for reading them from disk so that
// this package stays a pure transform over supplied state, mirroring how
// integritycontroller.Evaluate is a pure function of its EvaluateInput.
type RebuildInput struct {
	Now               time.Time
	ReceiptsDir       string
	AnchorsDir        string
	ProvenanceDir     string
	ReportsDir        string
	QueuePath         string
	ReceiptsIndexPath string
	ChainStatuses     map[string]string
	QuarantineSummary map[string]any
	PressureSummary   map[string]any
	OperatingMode     string
	WitnessStatus     string
	SignatureTips     map[string]string
	RunTrends         []RunTrend // last 10 repo-improvement runs, oldest first
	CachePath         string     // glow/forge/index/cache.sqlite; empty disables the cache
	LatestN           int
}

// Rebuild derives a fresh Summary and, if CachePath is set, drops and
// repopulates a disposable sqlite read-path cache of the "latest N"
// listings for forge status to query cheaply.
func Rebuild(in RebuildInput) (Summary, error) {
	n := in.LatestN
	if n <= 0 {
		n = 25
	}

	receipts, corruptReceipts, err := latestArtifacts(in.ReceiptsDir, n)
	if err != nil {
		return Summary{}, err
	}
	anchors, corruptAnchors, err := latestArtifacts(in.AnchorsDir, n)
	if err != nil {
		return Summary{}, err
	}
	provenance, corruptProvenance, err := latestArtifacts(in.ProvenanceDir, n)
	if err != nil {
		return Summary{}, err
	}
	reports, corruptReports, err := latestArtifacts(in.ReportsDir, n)
	if err != nil {
		return Summary{}, err
	}

	pending, err := pendingJobs(in.QueuePath, in.ReceiptsIndexPath)
	if err != nil {
		return Summary{}, err
	}

	trend := in.RunTrends
	if len(trend) > 10 {
		trend = trend[len(trend)-10:]
	}
	stagnation := false
	if len(trend) >= 3 {
		stagnation = true
		for _, r := range trend[len(trend)-3:] {
			if r.Improved {
				stagnation = false
				break
			}
		}
	}

	summary := Summary{
		SchemaVersion:    1,
		TS:               in.Now.UTC().Format("2006-01-02T15:04:05Z"),
		LatestReceipts:   receipts,
		LatestAnchors:    anchors,
		LatestProvenance: provenance,
		LatestReports:    reports,
		PendingJobs:      pending,
		CorruptRowCounts: map[string]int{
			"receipts":   corruptReceipts,
			"anchors":    corruptAnchors,
			"provenance": corruptProvenance,
			"reports":    corruptReports,
		},
		ChainStatuses:     orEmptyStrMap(in.ChainStatuses),
		QuarantineSummary: orEmptyAnyMap(in.QuarantineSummary),
		PressureSummary:   orEmptyAnyMap(in.PressureSummary),
		OperatingMode:     in.OperatingMode,
		WitnessStatus:     in.WitnessStatus,
		SignatureTips:     orEmptyStrMap(in.SignatureTips),
		ProgressTrend:     trend,
		StagnationAlert:   stagnation,
	}

	if in.CachePath != "" {
		if err := rebuildCache(in.CachePath, summary); err != nil {
			return Summary{}, err
		}
	}

	return summary, nil
}

func orEmptyStrMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func latestArtifacts(dir string, n int) ([]ArtifactRef, int, error) {
	if dir == "" {
		return []ArtifactRef{}, 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, 0, errs.New(errs.KindIOError, "index.latestArtifacts.glob", err)
	}
	var refs []ArtifactRef
	corrupt := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			corrupt++
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			corrupt++
			continue
		}
		createdAt, _ := payload["created_at"].(string)
		hash := ""
		for _, key := range []string{"receipt_hash", "anchor_hash", "provenance_hash", "sig_hash", "state_hash"} {
			if v, ok := payload[key].(string); ok {
				hash = v
				break
			}
		}
		refs = append(refs, ArtifactRef{
			Name:      filepath.Base(path),
			Path:      path,
			Hash:      hash,
			CreatedAt: createdAt,
		})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].CreatedAt != refs[j].CreatedAt {
			return refs[i].CreatedAt < refs[j].CreatedAt
		}
		return refs[i].Name < refs[j].Name
	})
	if len(refs) > n {
		refs = refs[len(refs)-n:]
	}
	if refs == nil {
		refs = []ArtifactRef{}
	}
	return refs, corrupt, nil
}

// pendingJobs derives the pending-job queue: rows in queue.jsonl whose id
// is absent from receipts_index.jsonl (spec §4.13).
func pendingJobs(queuePath, receiptsIndexPath string) ([]PendingJob, error) {
	done := map[string]struct{}{}
	if receiptsIndexPath != "" {
		rows, err := readJSONLRows(receiptsIndexPath)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if id, ok := row["id"].(string); ok {
				done[id] = struct{}{}
			}
		}
	}

	var pending []PendingJob
	if queuePath != "" {
		rows, err := readJSONLRows(queuePath)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			if id == "" {
				continue
			}
			if _, ok := done[id]; ok {
				continue
			}
			createdAt, _ := row["created_at"].(string)
			pending = append(pending, PendingJob{ID: id, CreatedAt: createdAt})
		}
	}
	if pending == nil {
		pending = []PendingJob{}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	return pending, nil
}

func readJSONLRows(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOError, "index.readJSONLRows.open", err)
	}
	defer f.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rebuildCache drops and repopulates the disposable sqlite read-path
// accelerator. It is never read as a source of truth; Rebuild always
// computes Summary from the primary JSON artifacts first.
func rebuildCache(path string, summary Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "index.rebuildCache.mkdir", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errs.New(errs.KindIOError, "index.rebuildCache.open", err)
	}
	defer db.Close()
	return rebuildCacheDB(db, summary)
}

// rebuildCacheDB holds the DDL/insert logic against an already-open *sql.DB
// so it can be driven by a sqlmock.Sqlmock-backed *sql.DB in tests without
// touching a real sqlite file.
func rebuildCacheDB(db *sql.DB, summary Summary) error {
	ddl := []string{
		`DROP TABLE IF EXISTS artifacts`,
		`CREATE TABLE artifacts (stream TEXT, name TEXT, path TEXT, hash TEXT, created_at TEXT)`,
		`DROP TABLE IF EXISTS pending_jobs`,
		`CREATE TABLE pending_jobs (id TEXT, created_at TEXT)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return errs.New(errs.KindIOError, "index.rebuildCache.ddl", err)
		}
	}

	insertArtifact, err := db.Prepare(`INSERT INTO artifacts (stream, name, path, hash, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.New(errs.KindIOError, "index.rebuildCache.prepare", err)
	}
	defer insertArtifact.Close()

	streams := map[string][]ArtifactRef{
		"receipts":   summary.LatestReceipts,
		"anchors":    summary.LatestAnchors,
		"provenance": summary.LatestProvenance,
		"reports":    summary.LatestReports,
	}
	for stream, refs := range streams {
		for _, ref := range refs {
			if _, err := insertArtifact.Exec(stream, ref.Name, ref.Path, ref.Hash, ref.CreatedAt); err != nil {
				return errs.New(errs.KindIOError, "index.rebuildCache.insert_artifact", err)
			}
		}
	}

	insertJob, err := db.Prepare(`INSERT INTO pending_jobs (id, created_at) VALUES (?, ?)`)
	if err != nil {
		return errs.New(errs.KindIOError, "index.rebuildCache.prepare_job", err)
	}
	defer insertJob.Close()
	for _, job := range summary.PendingJobs {
		if _, err := insertJob.Exec(job.ID, job.CreatedAt); err != nil {
			return errs.New(errs.KindIOError, "index.rebuildCache.insert_job", err)
		}
	}

	return nil
}
