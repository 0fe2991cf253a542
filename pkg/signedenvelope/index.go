package signedenvelope

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/sentientos/forge/pkg/errs"
)

// TipSigHash returns the sig_hash of the last envelope appended to a
// stream's signatures_index.jsonl, or nil if the index is missing or
// empty (genesis: the stream's next envelope has no prev_sig_hash).
func TipSigHash(indexPath string) (*string, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOError, "signedenvelope.TipSigHash", err)
	}
	defer f.Close()

	var last *Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		last = &e
	}
	if last == nil {
		return nil, nil
	}
	sigHash := last.SigHash
	return &sigHash, nil
}

// AppendToIndex appends one envelope as a JSONL line to a stream's
// signatures_index.jsonl, creating the parent directory and file if
// needed (spec §3: "Streams ... chained via prev_sig_hash").
func AppendToIndex(indexPath string, e Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.KindBadJSON, "signedenvelope.AppendToIndex", err)
	}
	f, err := os.OpenFile(indexPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New(errs.KindIOError, "signedenvelope.AppendToIndex.open", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return errs.New(errs.KindIOError, "signedenvelope.AppendToIndex.write", err)
	}
	return nil
}
