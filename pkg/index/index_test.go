package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name string, payload map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestRebuildLatestArtifactsSortedByCreatedAt(t *testing.T) {
	root := t.TempDir()
	receiptsDir := filepath.Join(root, "receipts")
	writeArtifact(t, receiptsDir, "r2.json", map[string]any{"created_at": "2026-01-01T00:00:02Z", "receipt_hash": "h2"})
	writeArtifact(t, receiptsDir, "r1.json", map[string]any{"created_at": "2026-01-01T00:00:01Z", "receipt_hash": "h1"})

	summary, err := Rebuild(RebuildInput{
		Now:         time.Now(),
		ReceiptsDir: receiptsDir,
		LatestN:     10,
	})
	require.NoError(t, err)
	require.Len(t, summary.LatestReceipts, 2)
	require.Equal(t, "h1", summary.LatestReceipts[0].Hash)
	require.Equal(t, "h2", summary.LatestReceipts[1].Hash)
}

func TestRebuildCountsCorruptRows(t *testing.T) {
	root := t.TempDir()
	receiptsDir := filepath.Join(root, "receipts")
	require.NoError(t, os.MkdirAll(receiptsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(receiptsDir, "bad.json"), []byte("{not json"), 0o644))

	summary, err := Rebuild(RebuildInput{Now: time.Now(), ReceiptsDir: receiptsDir, LatestN: 10})
	require.NoError(t, err)
	require.Equal(t, 1, summary.CorruptRowCounts["receipts"])
}

func TestPendingJobsExcludesReceiptedRows(t *testing.T) {
	root := t.TempDir()
	queuePath := filepath.Join(root, "queue.jsonl")
	indexPath := filepath.Join(root, "receipts_index.jsonl")
	require.NoError(t, os.WriteFile(queuePath, []byte(
		`{"id":"a","created_at":"2026-01-01T00:00:00Z"}`+"\n"+
			`{"id":"b","created_at":"2026-01-01T00:00:01Z"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(indexPath, []byte(`{"id":"a"}`+"\n"), 0o644))

	summary, err := Rebuild(RebuildInput{
		Now:               time.Now(),
		QueuePath:         queuePath,
		ReceiptsIndexPath: indexPath,
	})
	require.NoError(t, err)
	require.Len(t, summary.PendingJobs, 1)
	require.Equal(t, "b", summary.PendingJobs[0].ID)
}

func TestRebuildStagnationAlertOnThreeNonImprovingRuns(t *testing.T) {
	summary, err := Rebuild(RebuildInput{
		Now: time.Now(),
		RunTrends: []RunTrend{
			{RunID: "1", Improved: true},
			{RunID: "2", Improved: false},
			{RunID: "3", Improved: false},
			{RunID: "4", Improved: false},
		},
	})
	require.NoError(t, err)
	require.True(t, summary.StagnationAlert)
}

func TestRebuildNoStagnationAlertWhenRecentRunImproved(t *testing.T) {
	summary, err := Rebuild(RebuildInput{
		Now: time.Now(),
		RunTrends: []RunTrend{
			{RunID: "1", Improved: false},
			{RunID: "2", Improved: false},
			{RunID: "3", Improved: true},
		},
	})
	require.NoError(t, err)
	require.False(t, summary.StagnationAlert)
}

func TestRebuildPopulatesSqliteCache(t *testing.T) {
	root := t.TempDir()
	receiptsDir := filepath.Join(root, "receipts")
	writeArtifact(t, receiptsDir, "r1.json", map[string]any{"created_at": "2026-01-01T00:00:01Z", "receipt_hash": "h1"})
	cachePath := filepath.Join(root, "index", "cache.sqlite")

	_, err := Rebuild(RebuildInput{Now: time.Now(), ReceiptsDir: receiptsDir, CachePath: cachePath, LatestN: 10})
	require.NoError(t, err)
	_, err = os.Stat(cachePath)
	require.NoError(t, err)
}
