package chain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newReceiptChain(t *testing.T, dir string) *Chain {
	t.Helper()
	c, err := New(Config{
		Dir:         dir,
		IndexPath:   filepath.Join(dir, "receipts_index.jsonl"),
		FilePattern: "merge_receipt_*.json",
		FileName:    func(e map[string]any) string { return "merge_receipt_" + fmtStr(e["receipt_id"]) + ".json" },
		HashField:   "receipt_hash",
		PrevField:   "prev_receipt_hash",
		IDField:     "receipt_id",
		Style:       StyleReceipt,
		Genesis:     GenesisNull,
		Clock:       func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return c
}

func newAnchorChain(t *testing.T, dir string) *Chain {
	t.Helper()
	c, err := New(Config{
		Dir:         dir,
		IndexPath:   filepath.Join(dir, "anchors_index.jsonl"),
		FilePattern: "anchor_*.json",
		FileName:    func(e map[string]any) string { return "anchor_" + fmtStr(e["anchor_id"]) + ".json" },
		HashField:   "anchor_hash",
		PrevField:   "prev_anchor_hash",
		IDField:     "anchor_id",
		Style:       StylePrevPrefixed,
		Genesis:     GenesisMarkerLiteral,
		Clock:       func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return c
}

func fmtStr(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "x"
}

func TestAppendAndVerifyReceiptChain(t *testing.T) {
	dir := t.TempDir()
	c := newReceiptChain(t, dir)

	first, err := c.Append(map[string]any{"receipt_id": "r1", "payload": "a"})
	require.NoError(t, err)
	require.Nil(t, first["prev_receipt_hash"])

	second, err := c.Append(map[string]any{"receipt_id": "r2", "payload": "b"})
	require.NoError(t, err)
	require.Equal(t, first["receipt_hash"], second["prev_receipt_hash"])

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.Equal(t, "ok", v.Status)
	require.True(t, v.OK)
	require.Equal(t, 2, v.CheckedCount)
	require.Nil(t, v.Break)
}

func TestAppendAndVerifyAnchorChainGenesisMarker(t *testing.T) {
	dir := t.TempDir()
	c := newAnchorChain(t, dir)

	first, err := c.Append(map[string]any{"anchor_id": "a1"})
	require.NoError(t, err)
	require.Equal(t, "GENESIS", first["prev_anchor_hash"])

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.Equal(t, "ok", v.Status)
}

func TestVerifyEmptyChainIsUnknown(t *testing.T) {
	dir := t.TempDir()
	c := newReceiptChain(t, dir)

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.True(t, v.OK)
	require.Equal(t, "unknown", v.Status)
	require.Equal(t, 0, v.CheckedCount)
}

func TestVerifyDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	c := newReceiptChain(t, dir)

	entry, err := c.Append(map[string]any{"receipt_id": "r1", "payload": "a"})
	require.NoError(t, err)

	path := filepath.Join(dir, "merge_receipt_r1.json")
	tampered := map[string]any{}
	for k, v := range entry {
		tampered[k] = v
	}
	tampered["payload"] = "tampered"
	writeTestEntry(t, path, tampered)

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.Equal(t, "broken", v.Status)
	require.NotNil(t, v.Break)
	require.Equal(t, BreakHashMismatch, v.Break.Reason)
}

func TestVerifyDetectsPrevMismatch(t *testing.T) {
	dir := t.TempDir()
	c := newAnchorChain(t, dir)

	_, err := c.Append(map[string]any{"anchor_id": "a1"})
	require.NoError(t, err)
	second, err := c.Append(map[string]any{"anchor_id": "a2"})
	require.NoError(t, err)

	path := filepath.Join(dir, "anchor_a2.json")
	tampered := map[string]any{}
	for k, v := range second {
		tampered[k] = v
	}
	tampered["prev_anchor_hash"] = "not-the-real-prev-hash"
	writeTestEntry(t, path, tampered)

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.Equal(t, "broken", v.Status)
	require.NotNil(t, v.Break)
	require.Equal(t, BreakPrevMismatch, v.Break.Reason)
}

func TestRebuildIndexRecomputesAdjacencyFromPrimaryFiles(t *testing.T) {
	dir := t.TempDir()
	c := newReceiptChain(t, dir)

	_, err := c.Append(map[string]any{"receipt_id": "r1"})
	require.NoError(t, err)
	_, err = c.Append(map[string]any{"receipt_id": "r2"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "receipts_index.jsonl")))

	rows, err := c.RebuildIndex()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "", rows[0].PrevHash)
	require.Equal(t, rows[0].Hash, rows[1].PrevHash)

	v, err := c.Verify(0)
	require.NoError(t, err)
	require.Equal(t, "ok", v.Status)
}

func TestVerifyLastNLimitsWindow(t *testing.T) {
	dir := t.TempDir()
	c := newReceiptChain(t, dir)

	for i := 0; i < 5; i++ {
		_, err := c.Append(map[string]any{"receipt_id": fmtN(i)})
		require.NoError(t, err)
	}

	v, err := c.Verify(2)
	require.NoError(t, err)
	require.Equal(t, 2, v.CheckedCount)
	require.Equal(t, "ok", v.Status)
}

func fmtN(i int) string {
	return "r" + string(rune('0'+i))
}

func writeTestEntry(t *testing.T, path string, entry map[string]any) {
	t.Helper()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
