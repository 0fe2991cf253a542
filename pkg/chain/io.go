package chain

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/sentientos/forge/pkg/errs"
)

func stringsReader(data []byte) io.Reader { return bytes.NewReader(data) }

// writeJSONAtomic writes value as indented, sorted-key JSON via a
// temp-file-then-rename, the atomicity idiom used throughout forge for
// every primary artifact (chain entries, snapshots, status, policy).
func writeJSONAtomic(path string, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errs.New(errs.KindBadJSON, "chain.writeJSONAtomic.marshal", err)
	}
	raw = append(raw, '\n')
	return writeFileAtomic(path, raw)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindIOError, "chain.writeFileAtomic.mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.New(errs.KindIOError, "chain.writeFileAtomic.createtemp", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindIOError, "chain.writeFileAtomic.write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindIOError, "chain.writeFileAtomic.sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindIOError, "chain.writeFileAtomic.close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindTmpRenameFailed, "chain.writeFileAtomic.rename", err)
	}
	if dirF, err := os.Open(dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}
	return nil
}

// appendIndexRow appends one JSON line to the chain's JSONL index with an
// fsync, per spec §4.2: "appends a one-line JSON row to the index with
// fsync".
func appendIndexRow(path string, row indexRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "chain.appendIndexRow.mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New(errs.KindIOError, "chain.appendIndexRow.open", err)
	}
	defer f.Close()
	raw, err := json.Marshal(row)
	if err != nil {
		return errs.New(errs.KindBadJSON, "chain.appendIndexRow.marshal", err)
	}
	raw = append(raw, '\n')
	if _, err := f.Write(raw); err != nil {
		return errs.New(errs.KindIOError, "chain.appendIndexRow.write", err)
	}
	return f.Sync()
}

// writeIndexAtomic rewrites the whole index file atomically, used only by
// RebuildIndex (never by normal Append, which appends incrementally).
func writeIndexAtomic(path string, rows []indexRow) error {
	var buf bytes.Buffer
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return errs.New(errs.KindBadJSON, "chain.writeIndexAtomic.marshal", err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(path, buf.Bytes())
}
