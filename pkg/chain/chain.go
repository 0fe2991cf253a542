// Package chain implements the generic append-only hash-chained log (spec
// §4.2) that backs receipts, anchors, governor pressure snapshots, test
// provenance, and signature envelopes. A Chain is parameterized by its hash
// and prev-hash field names and by which hash variant it uses; the genesis
// convention ("null" vs the literal "GENESIS" marker) and hash variant are
// both fixed per chain at construction time, per spec §9's open question.
package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
)

// HashStyle selects which of the two hash-computation variants a chain
// uses (spec §9: the two variants MUST NOT be conflated).
type HashStyle int

const (
	// StyleReceipt hashes the canonical payload with the hash field
	// stripped and does NOT prefix the previous hash. Used by receipts.
	StyleReceipt HashStyle = iota
	// StylePrevPrefixed hashes (prev_marker + "\n" + canonical(payload))
	// with hash fields stripped. Used by anchors, governor snapshots,
	// provenance runs, and signature envelopes.
	StylePrevPrefixed
)

// GenesisStyle fixes whether the first entry's prev-hash field is JSON
// null or the literal string "GENESIS".
type GenesisStyle int

const (
	GenesisNull GenesisStyle = iota
	GenesisMarkerLiteral
)

// Config describes one chain's on-disk layout and hashing convention.
type Config struct {
	// Dir is the directory holding one file per entry.
	Dir string
	// IndexPath is the append-only JSONL index file for this chain.
	IndexPath string
	// FilePattern is a filepath.Glob pattern (relative to Dir) matching
	// entry files, used to rebuild the index from primary files.
	FilePattern string
	// FileName returns the file name (not path) for a given entry.
	FileName func(entry map[string]any) string
	// HashField / PrevField are the entry's own-hash and prev-hash keys,
	// e.g. "receipt_hash" / "prev_receipt_hash".
	HashField string
	PrevField string
	// IDField names the field used as a tie-breaker for ordering and in
	// verification break reports (e.g. "receipt_id").
	IDField string
	// CreatedAtField names the ISO-8601 timestamp field used for
	// ordering (default "created_at" if empty).
	CreatedAtField string
	Style          HashStyle
	Genesis        GenesisStyle
	Clock          func() time.Time
}

func (c Config) createdAtField() string {
	if c.CreatedAtField == "" {
		return "created_at"
	}
	return c.CreatedAtField
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}

// Chain is a single append-only hash-chained log.
type Chain struct {
	cfg Config
}

// New constructs a Chain for the given configuration, creating its
// directory if absent.
func New(cfg Config) (*Chain, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errs.New(errs.KindIOError, "chain.New.mkdir", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); err != nil {
		return nil, errs.New(errs.KindIOError, "chain.New.mkdir_index", err)
	}
	return &Chain{cfg: cfg}, nil
}

// indexRow is one line of the chain's derived index.
type indexRow struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash,omitempty"`
	CreatedAt string `json:"created_at"`
	File      string `json:"file"`
}

func (c *Chain) lockPath() string { return filepath.Join(c.cfg.Dir, ".lock") }

// acquireLock takes the chain's single-writer advisory lock (spec §5: one
// writer per chain via flock on "<chain_dir>/.lock"). Implemented with an
// O_EXCL create since the corpus's cross-platform stack has no portable
// flock; a stale lock older than the watchdog window is reclaimed.
func (c *Chain) acquireLock() (func(), error) {
	path := c.lockPath()
	const watchdog = 10 * time.Second
	for attempt := 0; attempt < 50; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, errs.New(errs.KindIOError, "chain.acquireLock", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > watchdog {
			os.Remove(path)
			continue
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, errs.New(errs.KindIOError, "chain.acquireLock", fmt.Errorf("lock contended: %s", path))
}

// TipHash returns the hash field of the most recently appended entry, or
// ("", false, nil) if the chain is empty.
func (c *Chain) TipHash() (string, bool, error) {
	rows, err := c.readIndex()
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		rebuilt, rerr := c.RebuildIndex()
		if rerr != nil {
			return "", false, rerr
		}
		if len(rebuilt) == 0 {
			return "", false, nil
		}
		return rebuilt[len(rebuilt)-1].Hash, true, nil
	}
	return rows[len(rows)-1].Hash, true, nil
}

func (c *Chain) readIndex() ([]indexRow, error) {
	data, err := os.ReadFile(c.cfg.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOError, "chain.readIndex", err)
	}
	return parseIndexRows(data)
}

func parseIndexRows(data []byte) ([]indexRow, error) {
	var rows []indexRow
	dec := json.NewDecoder(stringsReader(data))
	for {
		var row indexRow
		if err := dec.Decode(&row); err != nil {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Append computes the next entry's hash fields, writes the entry file
// atomically, and appends an index row. The caller supplies entry without
// its hash/prev-hash fields populated; Append fills both.
func (c *Chain) Append(entry map[string]any) (map[string]any, error) {
	unlock, err := c.acquireLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tip, hasTip, err := c.TipHash()
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(entry)+2)
	for k, v := range entry {
		out[k] = v
	}
	if _, ok := out[c.cfg.createdAtField()]; !ok {
		out[c.cfg.createdAtField()] = c.cfg.now().Format("2006-01-02T15:04:05Z")
	}
	if c.cfg.IDField != "" {
		if _, ok := out[c.cfg.IDField]; !ok {
			out[c.cfg.IDField] = uuid.NewString()
		}
	}

	if hasTip {
		out[c.cfg.PrevField] = tip
	} else {
		switch c.cfg.Genesis {
		case GenesisMarkerLiteral:
			out[c.cfg.PrevField] = canonical.GenesisMarker
		default:
			out[c.cfg.PrevField] = nil
		}
	}

	out["hash_algo"] = "sha256"

	var hash string
	switch c.cfg.Style {
	case StyleReceipt:
		hash, err = canonical.ComputeReceiptStyleHash(out, c.cfg.HashField)
	default:
		prevForHash := tip
		if !hasTip {
			prevForHash = canonical.GenesisMarker
		}
		hash, err = canonical.ComputeHash(out, prevForHash, c.cfg.HashField)
	}
	if err != nil {
		return nil, err
	}
	out[c.cfg.HashField] = hash

	fileName := c.cfg.FileName(out)
	if err := writeJSONAtomic(filepath.Join(c.cfg.Dir, fileName), out); err != nil {
		return nil, err
	}

	row := indexRow{
		Hash:      hash,
		CreatedAt: fmt.Sprint(out[c.cfg.createdAtField()]),
		File:      fileName,
	}
	if c.cfg.IDField != "" {
		row.ID = fmt.Sprint(out[c.cfg.IDField])
	}
	if hasTip {
		row.PrevHash = tip
	}
	if err := appendIndexRow(c.cfg.IndexPath, row); err != nil {
		return nil, err
	}
	return out, nil
}

// IterOrdered returns every entry in the chain sorted by (created_at, id)
// ascending, reading primary files directly (the index is never the
// source of truth for content, only ordering metadata).
func (c *Chain) IterOrdered() ([]map[string]any, error) {
	pattern := c.cfg.FilePattern
	if pattern == "" {
		pattern = "*.json"
	}
	matches, err := filepath.Glob(filepath.Join(c.cfg.Dir, pattern))
	if err != nil {
		return nil, errs.New(errs.KindIOError, "chain.IterOrdered.glob", err)
	}
	entries := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	createdAtField := c.cfg.createdAtField()
	idField := c.cfg.IDField
	sort.SliceStable(entries, func(i, j int) bool {
		ci := fmt.Sprint(entries[i][createdAtField])
		cj := fmt.Sprint(entries[j][createdAtField])
		if ci != cj {
			return ci < cj
		}
		if idField == "" {
			return false
		}
		return fmt.Sprint(entries[i][idField]) < fmt.Sprint(entries[j][idField])
	})
	return entries, nil
}

// BreakReason enumerates why Verify found a chain broken.
type BreakReason string

const (
	BreakHashMissing BreakReason = "hash_missing"
	BreakHashMismatch BreakReason = "hash_mismatch"
	BreakPrevMismatch BreakReason = "prev_mismatch"
	BreakAlgoMismatch BreakReason = "algo_mismatch"
	BreakBadJSON      BreakReason = "bad_json"
)

// Break describes the first detected chain discontinuity.
type Break struct {
	ID       string      `json:"id"`
	Reason   BreakReason `json:"reason"`
	Expected string      `json:"expected"`
	Found    string      `json:"found"`
}

// Verification is the result of Verify.
type Verification struct {
	OK           bool   `json:"ok"`
	Status       string `json:"status"` // ok|broken|unknown
	CheckedCount int    `json:"checked_count"`
	Break        *Break `json:"break,omitempty"`
}

// Verify walks the last N entries (all, if lastN <= 0) checking hash and
// prev-hash linkage, stopping at the first break.
func (c *Chain) Verify(lastN int) (Verification, error) {
	entries, err := c.IterOrdered()
	if err != nil {
		return Verification{}, err
	}
	if len(entries) == 0 {
		return Verification{OK: true, Status: "unknown"}, nil
	}
	if lastN > 0 && lastN < len(entries) {
		entries = entries[len(entries)-lastN:]
	}

	checked := 0
	for i, entry := range entries {
		checked++
		id := c.entryID(entry)
		rawHash, ok := entry[c.cfg.HashField]
		if !ok {
			return Verification{Status: "broken", CheckedCount: checked, Break: &Break{ID: id, Reason: BreakHashMissing}}, nil
		}
		storedHash := fmt.Sprint(rawHash)

		if i > 0 {
			prevEntry := entries[i-1]
			wantPrev := fmt.Sprint(prevEntry[c.cfg.HashField])
			gotPrevRaw := entry[c.cfg.PrevField]
			gotPrev := fmt.Sprint(gotPrevRaw)
			if gotPrevRaw == nil {
				gotPrev = ""
			}
			if gotPrev != wantPrev {
				return Verification{Status: "broken", CheckedCount: checked, Break: &Break{ID: id, Reason: BreakPrevMismatch, Expected: wantPrev, Found: gotPrev}}, nil
			}
		}

		var expected string
		var herr error
		switch c.cfg.Style {
		case StyleReceipt:
			expected, herr = canonical.ComputeReceiptStyleHash(entry, c.cfg.HashField)
		default:
			prevVal := entry[c.cfg.PrevField]
			prevStr, _ := prevVal.(string)
			if prevStr == "" {
				prevStr = canonical.GenesisMarker
			}
			expected, herr = canonical.ComputeHash(entry, prevStr, c.cfg.HashField)
		}
		if herr != nil {
			return Verification{}, herr
		}
		if expected != storedHash {
			return Verification{Status: "broken", CheckedCount: checked, Break: &Break{ID: id, Reason: BreakHashMismatch, Expected: expected, Found: storedHash}}, nil
		}
	}
	return Verification{OK: true, Status: "ok", CheckedCount: checked}, nil
}

func (c *Chain) entryID(entry map[string]any) string {
	if c.cfg.IDField == "" {
		return ""
	}
	return fmt.Sprint(entry[c.cfg.IDField])
}

// RebuildIndex re-derives the index file from primary entries, atomically.
// It never rewrites entries; the primary files remain the source of truth.
func (c *Chain) RebuildIndex() ([]indexRow, error) {
	entries, err := c.IterOrdered()
	if err != nil {
		return nil, err
	}
	rows := make([]indexRow, 0, len(entries))
	var prevHash string
	for _, entry := range entries {
		row := indexRow{
			Hash:      fmt.Sprint(entry[c.cfg.HashField]),
			CreatedAt: fmt.Sprint(entry[c.cfg.createdAtField()]),
			File:      c.cfg.FileName(entry),
		}
		if c.cfg.IDField != "" {
			row.ID = fmt.Sprint(entry[c.cfg.IDField])
		}
		row.PrevHash = prevHash
		prevHash = row.Hash
		rows = append(rows, row)
	}
	if err := writeIndexAtomic(c.cfg.IndexPath, rows); err != nil {
		return nil, err
	}
	return rows, nil
}
