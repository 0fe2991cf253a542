// Package replay implements deterministic re-evaluation of a tick with
// mutation strictly disabled (spec §4.12). Replay reuses orchestrator.Tick
// with its publish-side effects constrained by construction rather than by
// a parallel code path, so replay ordering always matches live evaluation
// ordering (spec §5).
package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/orchestrator"
)

// CatalogStatus is the catalog-rebuild outcome reported in a ReplayReport.
type CatalogStatus string

const (
	CatalogPresent  CatalogStatus = "present"
	CatalogRebuilt  CatalogStatus = "rebuilt"
	CatalogSkipped  CatalogStatus = "skipped"
)

// SnapshotEmission reports whether replay emitted an attestation snapshot.
type SnapshotEmission struct {
	Emitted bool   `json:"emitted"`
	Reason  string `json:"reason"` // flag_disabled | cadence_not_elapsed | emitted
}

// Catalog reports the observability-catalog rebuild decision during replay.
type Catalog struct {
	Status CatalogStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// ReplayReport is the deterministic artifact written for every replay run.
type ReplayReport struct {
	SchemaVersion       int              `json:"schema_version"`
	TS                  string           `json:"ts"`
	IntegrityStatusHash string           `json:"integrity_status_hash"`
	PolicyHash          string           `json:"policy_hash"`
	Catalog             Catalog          `json:"catalog"`
	SnapshotEmission    SnapshotEmission `json:"snapshot_emission"`
}

// Params controls one replay invocation (mirrors the CLI flags in spec §6).
type Params struct {
	Root              string
	Now               time.Time
	LastN             int
	EmitSnapshot      bool
	WritePolicy       bool
	AllowCatalogRebuild bool // from SENTIENTOS_ALLOW_CATALOG_REBUILD, read once at replay start
	Deps              orchestrator.Deps
	RebuildCatalog    func(root string) error
}

// Run executes replay(root, last_n, emit_snapshot, write_policy) → ReplayReport.
//
// Replay never performs a mutating publish: it forces AllowWitnessPublish
// false unconditionally (git-tag witness publishing MUST NOT be attempted,
// spec §4.11) and gates snapshot emission strictly on p.EmitSnapshot.
func Run(p Params) (ReplayReport, error) {
	d := p.Deps
	d.Root = p.Root
	d.Now = p.Now
	d.AllowSnapshotEmit = p.EmitSnapshot
	d.AllowWitnessPublish = false
	// the index/catalog rebuild runs only through the gated RebuildCatalog
	// step below, never from inside the tick.
	d.RebuildIndex = nil

	tickResult, err := orchestrator.Tick(d)
	if err != nil {
		return ReplayReport{}, err
	}

	catalog := Catalog{Status: CatalogSkipped, Reason: "skipped_catalog_rebuild"}
	if p.AllowCatalogRebuild {
		if p.RebuildCatalog != nil {
			if err := p.RebuildCatalog(p.Root); err != nil {
				return ReplayReport{}, err
			}
			catalog = Catalog{Status: CatalogRebuilt}
		} else {
			catalog = Catalog{Status: CatalogPresent}
		}
	}

	snapshotReason := tickResult.SnapshotReason
	if !p.EmitSnapshot {
		snapshotReason = "flag_disabled"
	}

	report := ReplayReport{
		SchemaVersion:       1,
		TS:                  p.Now.UTC().Format("2006-01-02T15:04:05Z"),
		IntegrityStatusHash: tickResult.IntegrityStatusHash,
		PolicyHash:          tickResult.PolicyHash,
		Catalog:             catalog,
		SnapshotEmission: SnapshotEmission{
			Emitted: tickResult.SnapshotEmitted,
			Reason:  snapshotReason,
		},
	}

	reportPath := filepath.Join(p.Root, "glow", "forge", "replay", fmt.Sprintf("replay_%s.json", p.Now.UTC().Format("20060102T150405Z")))
	if err := writeJSONAtomic(reportPath, report); err != nil {
		return ReplayReport{}, err
	}

	return report, nil
}

func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "replay.writeJSONAtomic.mkdir", err)
	}
	m, err := canonical.ToMap(value)
	if err != nil {
		return err
	}
	b, err := canonical.Bytes(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.New(errs.KindIOError, "replay.writeJSONAtomic.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.KindTmpRenameFailed, "replay.writeJSONAtomic.rename", err)
	}
	return nil
}
