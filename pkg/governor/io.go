package governor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sentientos/forge/pkg/errs"
)

func lookupEnv(name string) (string, bool) { return os.LookupEnv(name) }

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeJSONAtomic(path string, value any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindIOError, "governor.writeJSONAtomic.mkdir", err)
	}
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errs.New(errs.KindBadJSON, "governor.writeJSONAtomic.marshal", err)
	}
	raw = append(raw, '\n')
	tmp, err := os.CreateTemp(dir, ".tmp-pressure-*")
	if err != nil {
		return errs.New(errs.KindIOError, "governor.writeJSONAtomic.tmp", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.New(errs.KindIOError, "governor.writeJSONAtomic.write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.New(errs.KindIOError, "governor.writeJSONAtomic.sync", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.KindTmpRenameFailed, "governor.writeJSONAtomic.rename", err)
	}
	return nil
}
