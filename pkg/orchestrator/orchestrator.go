// Package orchestrator drives the single-tick operation (spec §4.11):
// policy fingerprint, integrity-controller evaluation, atomic status
// write, attestation-snapshot cadence gate, and observability-index
// rebuild trigger.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/integritycontroller"
	"github.com/sentientos/forge/pkg/obs"
	"github.com/sentientos/forge/pkg/signedenvelope"
)

// PolicyFingerprint is the §6 policy block emitted at the start of every tick.
type PolicyFingerprint struct {
	SchemaVersion int            `json:"schema_version"`
	TS            string         `json:"ts"`
	Posture       string         `json:"posture"`
	ModeForce     string         `json:"mode_force,omitempty"`
	GateSeverity  map[string]any `json:"gate_severity"`
	VerifyPolicy  map[string]any `json:"verify_policy"`
}

// PolicyHash computes the canonical SHA-256 of a PolicyFingerprint.
func PolicyHash(p PolicyFingerprint) (string, error) {
	m, err := canonical.ToMap(p)
	if err != nil {
		return "", err
	}
	b, err := canonical.Bytes(m)
	if err != nil {
		return "", err
	}
	return canonical.Sha256Hex(b), nil
}

// AttestationSnapshot is the tick's periodic attestation record (spec §4.11 step 4).
type AttestationSnapshot struct {
	SchemaVersion               int    `json:"schema_version"`
	TS                          string `json:"ts"`
	PolicyHash                  string `json:"policy_hash"`
	IntegrityStatusHash         string `json:"integrity_status_hash"`
	LatestRollupHash            string `json:"latest_rollup_hash,omitempty"`
	LatestStrategicHash         string `json:"latest_strategic_hash,omitempty"`
	LatestSnapshotHash          string `json:"latest_snapshot_hash,omitempty"`
	LatestCatalogCheckpointHash string `json:"latest_catalog_checkpoint_hash,omitempty"`
	GoalGraphHash               string `json:"goal_graph_hash,omitempty"`
	DoctrineBundleSha256        string `json:"doctrine_bundle_sha256,omitempty"`
	WitnessSummary              string `json:"witness_summary,omitempty"`
}

// CadenceState is the last-emitted snapshot triple the cadence gate compares against.
type CadenceState struct {
	LastEmitTS          time.Time
	IntegrityStatusHash string
	PolicyHash          string
	GoalGraphHash       string
}

// shouldEmitSnapshot implements the §4.11 step 5 cadence gate.
func shouldEmitSnapshot(now time.Time, cadence CadenceState, minInterval time.Duration, statusHash, policyHash, goalGraphHash string) (bool, string) {
	if !cadence.LastEmitTS.IsZero() && now.Sub(cadence.LastEmitTS) < minInterval {
		return false, "cadence_not_elapsed"
	}
	if cadence.IntegrityStatusHash == statusHash && cadence.PolicyHash == policyHash && cadence.GoalGraphHash == goalGraphHash {
		return false, "identical_triple"
	}
	return true, "emitted"
}

// WitnessStatus mirrors the original collaborator's witness-publish outcomes.
type WitnessStatus string

const (
	WitnessOK                        WitnessStatus = "ok"
	WitnessFailed                    WitnessStatus = "failed"
	WitnessDisabled                  WitnessStatus = "disabled"
	WitnessSkippedMutationDisallowed WitnessStatus = "skipped_mutation_disallowed"
	WitnessSkippedRepoDirty          WitnessStatus = "skipped_repo_dirty"
	WitnessSkippedBackendDisabled    WitnessStatus = "skipped_backend_disabled"
)

// TickResult is what Tick returns to its caller (CLI, replay harness).
type TickResult struct {
	PolicyFingerprint   PolicyFingerprint
	PolicyHash          string
	Status              integritycontroller.IntegrityStatus
	IntegrityStatusHash string
	StatusPath          string
	SnapshotEmitted     bool
	SnapshotReason      string
	SnapshotPath        string
	WitnessStatus       WitnessStatus
	EnvelopeSigned      bool
}

// Deps bundles the tick's I/O surface so Tick itself stays a pure
// orchestration function over injected effects — this is what makes
// replay (§4.12) a restriction of the same tick rather than a separate
// code path.
type Deps struct {
	Root                   string
	Now                    time.Time
	EvaluateInput          integritycontroller.EvaluateInput
	Cadence                CadenceState
	MinSnapshotInterval    time.Duration
	AllowSnapshotEmit      bool // replay: only true when --emit-snapshot 1
	AllowWitnessPublish    bool // replay: always false (spec §4.11 "MUST NOT be attempted")
	Signer                 signedenvelope.Signer
	SigningNamespace       string
	SnapshotEnvelopeStream signedenvelope.Stream
	SnapshotSigIndexPath   string
	WitnessPublish         func(snapshotPath string) (WitnessStatus, error)
	RebuildIndex           func(root string) error
	Obs                    *obs.Provider // nil is equivalent to a disabled Provider
}

// Tick runs the single-tick operation (spec §4.11). Replay (§4.12) calls
// this with AllowSnapshotEmit/AllowWitnessPublish constrained per its
// rules; live ticks set both according to env config.
func Tick(d Deps) (result TickResult, err error) {
	ctx := context.Background()
	if d.Obs != nil {
		var end func(error)
		ctx, end = d.Obs.TrackTick(ctx)
		defer func() { end(err) }()
	}

	pf := PolicyFingerprint{
		SchemaVersion: 1,
		TS:            d.Now.UTC().Format("2006-01-02T15:04:05Z"),
		Posture:       string(d.EvaluateInput.Posture.Name),
		GateSeverity:  map[string]any{},
		VerifyPolicy:  map[string]any{},
	}
	policyHash, err := PolicyHash(pf)
	if err != nil {
		return TickResult{}, err
	}
	d.EvaluateInput.PolicyHash = policyHash
	d.EvaluateInput.Now = d.Now

	status := integritycontroller.Evaluate(d.EvaluateInput)
	statusHash, err := status.CanonicalHash()
	if err != nil {
		return TickResult{}, err
	}

	if d.Obs != nil {
		for _, gr := range status.GateResults {
			d.Obs.RecordGateVerdict(ctx, gr.Name, gr.Status)
		}
	}

	statusPath := filepath.Join(d.Root, "glow", "forge", "integrity", fmt.Sprintf("status_%s.json", tsSlug(d.Now)))
	if err := writeJSONAtomic(statusPath, status); err != nil {
		return TickResult{}, err
	}

	result = TickResult{
		PolicyFingerprint:   pf,
		PolicyHash:          policyHash,
		Status:              status,
		IntegrityStatusHash: statusHash,
		StatusPath:          statusPath,
		WitnessStatus:       WitnessDisabled,
	}

	emit, reason := shouldEmitSnapshot(d.Now, d.Cadence, d.MinSnapshotInterval, statusHash, policyHash, "")
	if !d.AllowSnapshotEmit {
		emit, reason = false, "flag_disabled"
	}
	result.SnapshotEmitted = emit
	result.SnapshotReason = reason
	if !emit {
		if d.RebuildIndex != nil {
			if err := d.RebuildIndex(d.Root); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	snapshot := AttestationSnapshot{
		SchemaVersion:       1,
		TS:                  pf.TS,
		PolicyHash:          policyHash,
		IntegrityStatusHash: statusHash,
	}
	snapshotPath := filepath.Join(d.Root, "glow", "forge", "attestation", "snapshots", fmt.Sprintf("snapshot_%s.json", tsSlug(d.Now)))
	if err := writeJSONAtomic(snapshotPath, snapshot); err != nil {
		return TickResult{}, err
	}
	result.SnapshotPath = snapshotPath

	if d.Signer != nil && d.Signer.Available() {
		prevSigHash, err := signedenvelope.TipSigHash(d.SnapshotSigIndexPath)
		if err != nil {
			return TickResult{}, err
		}
		env, err := signedenvelope.Sign(d.Signer, "attestation_snapshot", tsSlug(d.Now), snapshotPath, snapshot, d.SnapshotEnvelopeStream, prevSigHash, d.SigningNamespace, d.Now)
		if err != nil {
			return TickResult{}, err
		}
		if err := signedenvelope.AppendToIndex(d.SnapshotSigIndexPath, env); err != nil {
			return TickResult{}, err
		}
		result.EnvelopeSigned = true
	}

	if d.AllowWitnessPublish && d.WitnessPublish != nil {
		ws, err := d.WitnessPublish(snapshotPath)
		if err != nil {
			result.WitnessStatus = WitnessFailed
		} else {
			result.WitnessStatus = ws
		}
	} else if !d.AllowWitnessPublish {
		result.WitnessStatus = WitnessSkippedBackendDisabled
	}

	if d.RebuildIndex != nil {
		if err := d.RebuildIndex(d.Root); err != nil {
			return result, err
		}
	}

	return result, nil
}

func tsSlug(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "orchestrator.writeJSONAtomic.mkdir", err)
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
		return errs.New(errs.KindIOError, "orchestrator.writeJSONAtomic.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.KindTmpRenameFailed, "orchestrator.writeJSONAtomic.rename", err)
	}
	return nil
}
