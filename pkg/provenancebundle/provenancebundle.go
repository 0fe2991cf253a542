// Package provenancebundle exports and verifies a reproducible .tar.gz
// snapshot of a contiguous window of the test-provenance hash chain (spec
// §4.14). Determinism follows the teacher's export-pack convention: fixed
// uid/gid/mtime tar entries, sorted file order, and a gzip mtime of zero
// so identical inputs always produce identical bytes.
package provenancebundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
)

// Window selects an export range: either --last N, or an explicit [from, to].
type Window struct {
	LastN int
	From  string
	To    string
}

// ManifestFile is one entry in manifest.json's files list.
type ManifestFile struct {
	Name           string `json:"name"`
	ProvenanceHash string `json:"provenance_hash"`
}

// Manifest is the bundle's manifest.json.
type Manifest struct {
	SchemaVersion          int            `json:"schema_version"`
	FirstProvenanceHash    string         `json:"first_provenance_hash"`
	LastProvenanceHash     string         `json:"last_provenance_hash"`
	AnchorPrevProvenanceHash string       `json:"anchor_prev_provenance_hash,omitempty"`
	Files                  []ManifestFile `json:"files"`
	TrendReport            map[string]any `json:"trend_report,omitempty"`
	BundleWindow           Window         `json:"bundle_window"`
	HashAlgo               string         `json:"hash_algo"`
}

// ArchiveIndexRow is appended to archive_index.jsonl after a successful export.
type ArchiveIndexRow struct {
	BundlePath         string `json:"bundle_path"`
	ManifestHash       string `json:"manifest_hash"`
	FirstProvenanceHash string `json:"first_provenance_hash"`
	LastProvenanceHash string `json:"last_provenance_hash"`
	Count              int    `json:"count"`
	WindowFrom         string `json:"window_from,omitempty"`
	WindowTo           string `json:"window_to,omitempty"`
}

// provenanceRun is the minimal shape needed to select a window and verify chaining.
type provenanceRun struct {
	ID              string
	CreatedAt       string
	Path            string
	Raw             []byte
	ProvenanceHash  string
	PrevProvenanceHash string
}

// SelectWindow picks entries in createdAt-ascending order matching Window,
// requiring a complete [from, to] pair if LastN is unset.
func SelectWindow(runs []provenanceRunInput, w Window) ([]provenanceRun, error) {
	sorted := append([]provenanceRunInput{}, runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	if w.LastN > 0 {
		if w.LastN > len(sorted) {
			w.LastN = len(sorted)
		}
		sorted = sorted[len(sorted)-w.LastN:]
	} else {
		if w.From == "" || w.To == "" {
			return nil, errs.New(errs.KindBadJSON, "provenancebundle.SelectWindow.missing_window_pair", nil)
		}
		var filtered []provenanceRunInput
		for _, r := range sorted {
			if r.CreatedAt >= w.From && r.CreatedAt <= w.To {
				filtered = append(filtered, r)
			}
		}
		sorted = filtered
	}

	out := make([]provenanceRun, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, provenanceRun{
			ID: r.ID, CreatedAt: r.CreatedAt, Path: r.Path, Raw: r.Raw,
			ProvenanceHash: r.ProvenanceHash, PrevProvenanceHash: r.PrevProvenanceHash,
		})
	}
	return out, nil
}

// provenanceRunInput is what the caller (orchestrator/CLI) supplies from the
// already-loaded provenance chain.
type provenanceRunInput = provenanceRun

// Run is the exported name for provenanceRun, letting callers outside this
// package (the CLI, orchestrator wiring) construct and pass runs loaded
// from glow/test_runs/provenance.
type Run = provenanceRun

// LoadRunsFromDir reads every *.json file in dir as one provenance run,
// deriving ID/CreatedAt/ProvenanceHash/PrevProvenanceHash from the
// decoded payload's run_id/created_at/provenance_hash/prev_provenance_hash
// fields (spec §6: "glow/test_runs/provenance/*.json").
func LoadRunsFromDir(dir string) ([]Run, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errs.New(errs.KindIOError, "provenancebundle.LoadRunsFromDir.glob", err)
	}
	sort.Strings(matches)

	runs := make([]Run, 0, len(matches))
	for _, m := range matches {
		raw, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		id, _ := decoded["run_id"].(string)
		createdAt, _ := decoded["created_at"].(string)
		provHash, _ := decoded["provenance_hash"].(string)
		prevHash, _ := decoded["prev_provenance_hash"].(string)
		runs = append(runs, Run{
			ID: id, CreatedAt: createdAt, Path: m, Raw: raw,
			ProvenanceHash: provHash, PrevProvenanceHash: prevHash,
		})
	}
	return runs, nil
}

// verifyContiguous checks that the selected window forms an unbroken
// hash-chain (spec §4.14 "Before export, verify the window is a
// contiguous hash-chain; abort on any break").
func verifyContiguous(runs []provenanceRun) error {
	for i := 1; i < len(runs); i++ {
		if runs[i].PrevProvenanceHash != runs[i-1].ProvenanceHash {
			return errs.New(errs.KindChainDiscontinuity, "provenancebundle.verifyContiguous", nil)
		}
	}
	return nil
}

// Export builds a deterministic tar.gz from the selected window plus an
// optional trend report, writes manifest.json into the archive, and
// returns the Manifest and ArchiveIndexRow to append.
func Export(runs []provenanceRun, trendReport map[string]any, window Window, outPath string) (Manifest, ArchiveIndexRow, error) {
	if err := verifyContiguous(runs); err != nil {
		return Manifest{}, ArchiveIndexRow{}, err
	}
	if len(runs) == 0 {
		return Manifest{}, ArchiveIndexRow{}, errs.New(errs.KindBadJSON, "provenancebundle.Export", nil)
	}

	files := make([]ManifestFile, 0, len(runs))
	for _, r := range runs {
		files = append(files, ManifestFile{Name: filepath.Base(r.Path), ProvenanceHash: r.ProvenanceHash})
	}

	manifest := Manifest{
		SchemaVersion:       1,
		FirstProvenanceHash: runs[0].ProvenanceHash,
		LastProvenanceHash:  runs[len(runs)-1].ProvenanceHash,
		Files:               files,
		TrendReport:         trendReport,
		BundleWindow:        window,
		HashAlgo:            "sha256",
	}
	if runs[0].PrevProvenanceHash != "" && runs[0].PrevProvenanceHash != canonical.GenesisMarker {
		manifest.AnchorPrevProvenanceHash = runs[0].PrevProvenanceHash
	}

	manifestBytes, err := canonicalJSON(manifest)
	if err != nil {
		return Manifest{}, ArchiveIndexRow{}, err
	}

	entries := map[string][]byte{"manifest.json": manifestBytes}
	for _, r := range runs {
		entries[filepath.Base(r.Path)] = r.Raw
	}

	if err := writeDeterministicTarGz(outPath, entries); err != nil {
		return Manifest{}, ArchiveIndexRow{}, err
	}

	row := ArchiveIndexRow{
		BundlePath:          outPath,
		ManifestHash:        canonical.Sha256Hex(manifestBytes),
		FirstProvenanceHash: manifest.FirstProvenanceHash,
		LastProvenanceHash:  manifest.LastProvenanceHash,
		Count:               len(runs),
		WindowFrom:          window.From,
		WindowTo:            window.To,
	}
	return manifest, row, nil
}

func canonicalJSON(v any) ([]byte, error) {
	m, err := canonical.ToMap(v)
	if err != nil {
		return nil, err
	}
	return canonical.Bytes(m)
}

// writeDeterministicTarGz mirrors the teacher's export-pack idiom: sorted
// names, fixed uid/gid/mtime, empty uname/gname, and a zero-mtime gzip
// header so identical inputs yield byte-identical archives.
func writeDeterministicTarGz(outPath string, entries map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.writeDeterministicTarGz.mkdir", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.writeDeterministicTarGz.create", err)
	}
	defer f.Close()

	gw, _ := gzip.NewWriterLevel(f, gzip.BestCompression)
	gw.Header.ModTime = time.Unix(0, 0)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := entries[name]
		hdr := &tar.Header{
			Name:    name,
			Size:    int64(len(data)),
			Mode:    0o644,
			ModTime: time.Unix(0, 0),
			Uid:     0,
			Gid:     0,
			Uname:   "",
			Gname:   "",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errs.New(errs.KindIOError, "provenancebundle.writeDeterministicTarGz.header", err)
		}
		if _, err := tw.Write(data); err != nil {
			return errs.New(errs.KindIOError, "provenancebundle.writeDeterministicTarGz.write", err)
		}
	}
	return nil
}

// VerifyResult is the outcome of VerifyBundle.
type VerifyResult struct {
	SchemaOK bool     `json:"schema_ok"`
	HashesOK bool     `json:"hashes_ok"`
	ChainOK  bool     `json:"chain_ok"`
	Verified bool     `json:"verified"`
	Errors   []string `json:"errors"`
}

func readTarGz(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.KindIOError, "provenancebundle.readTarGz.open", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errs.New(errs.KindBadHashAlgo, "provenancebundle.readTarGz.gzip", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	out := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.New(errs.KindIOError, "provenancebundle.readTarGz.next", err)
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, tr); err != nil {
			return nil, errs.New(errs.KindIOError, "provenancebundle.readTarGz.copy", err)
		}
		out[hdr.Name] = buf.Bytes()
	}
	return out, nil
}

// VerifyBundle re-extracts path, recomputes each entry's provenance hash,
// checks chain linkage and manifest hashes (spec §4.14 verify_bundle).
func VerifyBundle(path string) (VerifyResult, error) {
	result := VerifyResult{Errors: []string{}}

	entries, err := readTarGz(path)
	if err != nil {
		return VerifyResult{}, err
	}

	rawManifest, ok := entries["manifest.json"]
	if !ok {
		result.Errors = append(result.Errors, "manifest_missing")
		return result, nil
	}
	var manifest Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		result.Errors = append(result.Errors, "manifest_unparseable")
		return result, nil
	}
	result.SchemaOK = manifest.SchemaVersion >= 1

	hashesOK := true
	var orderedHashes []string
	var orderedPrevs []string

	for _, mf := range manifest.Files {
		data, ok := entries[mf.Name]
		if !ok {
			hashesOK = false
			result.Errors = append(result.Errors, "payload_hash_mismatch:"+mf.Name+":missing")
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			hashesOK = false
			result.Errors = append(result.Errors, "payload_hash_mismatch:"+mf.Name+":unparseable")
			continue
		}
		// provenance-hash style is prefix-style (prev-hash preserved in the
		// payload); recompute against the stored prev field rather than a
		// fresh genesis so a legitimately-chained entry still matches.
		prevVal, _ := decoded["prev_provenance_hash"].(string)
		if prevVal == "" {
			prevVal = canonical.GenesisMarker
		}
		recomputed, err := canonical.ComputeHash(decoded, prevVal, "provenance_hash")
		if err != nil {
			hashesOK = false
			result.Errors = append(result.Errors, "payload_hash_mismatch:"+mf.Name+":unrepresentable")
			continue
		}
		if recomputed != mf.ProvenanceHash {
			hashesOK = false
			result.Errors = append(result.Errors, "payload_hash_mismatch:"+mf.Name)
			continue
		}
		orderedHashes = append(orderedHashes, mf.ProvenanceHash)
		orderedPrevs = append(orderedPrevs, prevVal)
	}
	result.HashesOK = hashesOK

	chainOK := true
	for i := 1; i < len(orderedHashes); i++ {
		if orderedPrevs[i] != orderedHashes[i-1] {
			chainOK = false
			result.Errors = append(result.Errors, "chain_discontinuity:"+orderedHashes[i])
			break
		}
	}
	if len(orderedHashes) > 0 {
		if orderedHashes[0] != manifest.FirstProvenanceHash {
			chainOK = false
			result.Errors = append(result.Errors, "manifest_hash_mismatch:first")
		}
		if orderedHashes[len(orderedHashes)-1] != manifest.LastProvenanceHash {
			chainOK = false
			result.Errors = append(result.Errors, "manifest_hash_mismatch:last")
		}
	}
	result.ChainOK = chainOK

	result.Verified = result.SchemaOK && result.HashesOK && result.ChainOK
	return result, nil
}

// ReadBundleRuns performs the same verification as VerifyBundle and
// additionally returns the payload sequence for downstream analysis,
// without writing anything to disk beyond the in-memory extraction.
func ReadBundleRuns(path string) (VerifyResult, []map[string]any, error) {
	result, err := VerifyBundle(path)
	if err != nil {
		return VerifyResult{}, nil, err
	}
	entries, err := readTarGz(path)
	if err != nil {
		return VerifyResult{}, nil, err
	}
	var names []string
	for name := range entries {
		if name == "manifest.json" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var payloads []map[string]any
	for _, name := range names {
		var decoded map[string]any
		if err := json.Unmarshal(entries[name], &decoded); err == nil {
			payloads = append(payloads, decoded)
		}
	}
	return result, payloads, nil
}

// AppendArchiveIndexRow appends one JSONL row to archive_index.jsonl.
func AppendArchiveIndexRow(path string, row ArchiveIndexRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.AppendArchiveIndexRow.mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.AppendArchiveIndexRow.open", err)
	}
	defer f.Close()

	data, err := json.Marshal(row)
	if err != nil {
		return errs.New(errs.KindBadJSON, "provenancebundle.AppendArchiveIndexRow.marshal", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.AppendArchiveIndexRow.write", err)
	}
	if err := w.Flush(); err != nil {
		return errs.New(errs.KindIOError, "provenancebundle.AppendArchiveIndexRow.flush", err)
	}
	return f.Sync()
}
