// Package wiring assembles the orchestrator's EvaluateInput and Deps from
// on-disk state and a config.Snapshot: it owns every chain.Chain handle,
// signer construction, and gate-evidence assembly that integritycontroller
// itself stays pure of (spec §4.10's "the orchestrator... owns the actual
// chain/envelope/file handles").
package wiring

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sentientos/forge/pkg/auditchain"
	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/chain"
	"github.com/sentientos/forge/pkg/config"
	"github.com/sentientos/forge/pkg/doctrine"
	"github.com/sentientos/forge/pkg/index"
	"github.com/sentientos/forge/pkg/integritycontroller"
	"github.com/sentientos/forge/pkg/integritypressure"
	"github.com/sentientos/forge/pkg/obs"
	"github.com/sentientos/forge/pkg/orchestrator"
	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
	"github.com/sentientos/forge/pkg/riskbudget"
	"github.com/sentientos/forge/pkg/signedenvelope"
	"github.com/sentientos/forge/pkg/throughputpolicy"
	"github.com/sentientos/forge/pkg/verify"
)

// Paths centralizes the repository-relative layout (spec §6 "Filesystem layout").
type Paths struct {
	Root string
}

func (p Paths) join(parts ...string) string {
	all := append([]string{p.Root}, parts...)
	return filepath.Join(all...)
}

func (p Paths) ReceiptsDir() string { return p.join("glow", "forge", "receipts") }
func (p Paths) ReceiptsIndex() string {
	return p.join("glow", "forge", "receipts", "receipts_index.jsonl")
}
func (p Paths) AnchorsDir() string { return p.join("glow", "forge", "receipts", "anchors") }
func (p Paths) AnchorsIndex() string {
	return p.join("glow", "forge", "receipts", "anchors", "anchors_index.jsonl")
}
func (p Paths) SnapshotSigDir() string {
	return p.join("glow", "forge", "attestation", "signatures", "attestation_snapshot")
}
func (p Paths) SnapshotSigIndex() string {
	return p.join("glow", "forge", "attestation", "signatures", "attestation_snapshot", "signatures_index.jsonl")
}
func (p Paths) RollupSigDir() string { return p.join("glow", "forge", "rollups", "signatures") }
func (p Paths) RollupSigIndex() string {
	return p.join("glow", "forge", "rollups", "signatures", "signatures_index.jsonl")
}
func (p Paths) StrategicSigDir() string { return p.join("glow", "forge", "strategic", "signatures") }
func (p Paths) StrategicSigIndex() string {
	return p.join("glow", "forge", "strategic", "signatures", "signatures_index.jsonl")
}
func (p Paths) QuarantinePath() string { return p.join("glow", "forge", "quarantine.json") }
func (p Paths) PressureStatePath() string {
	return p.join("glow", "forge", "integrity_pressure_state.json")
}
func (p Paths) IncidentFeedPath() string { return p.join("glow", "forge", "integrity_incidents.jsonl") }
func (p Paths) ManifestPath() string     { return p.join("vow", "immutable_manifest.json") }
func (p Paths) FederationBaselinePath() string {
	return p.join("vow", "federation_identity_baseline.json")
}
func (p Paths) ReceiptSchemaPath() string { return p.join("vow", "schemas", "receipt_schema.json") }
func (p Paths) AnchorSchemaPath() string  { return p.join("vow", "schemas", "anchor_schema.json") }
func (p Paths) AuditLogsDir() string      { return p.join("logs") }
func (p Paths) ProvenanceDir() string     { return p.join("glow", "test_runs", "provenance") }
func (p Paths) ReportsDir() string        { return p.join("glow", "forge", "reports") }
func (p Paths) QueuePath() string         { return p.join("glow", "forge", "queue.jsonl") }
func (p Paths) IndexCachePath() string    { return p.join("glow", "forge", "index", "cache.sqlite") }
func (p Paths) IndexSummaryPath() string  { return p.join("glow", "forge", "index", "summary.json") }

// ReceiptChain constructs the receipts chain (hash field "receipt_hash",
// no prev-hash prefixing per spec §9's two-hash-variant distinction).
func (p Paths) ReceiptChain() (*chain.Chain, error) {
	return chain.New(chain.Config{
		Dir:         p.ReceiptsDir(),
		IndexPath:   p.ReceiptsIndex(),
		FilePattern: "merge_receipt_*.json",
		FileName:    func(e map[string]any) string { return "merge_receipt_" + stringField(e, "receipt_id") + ".json" },
		HashField:   "receipt_hash",
		PrevField:   "prev_receipt_hash",
		IDField:     "receipt_id",
		Style:       chain.StyleReceipt,
		Genesis:     chain.GenesisNull,
	})
}

// AnchorChain constructs the anchors chain (prev-prefixed hash style).
func (p Paths) AnchorChain() (*chain.Chain, error) {
	return chain.New(chain.Config{
		Dir:         p.AnchorsDir(),
		IndexPath:   p.AnchorsIndex(),
		FilePattern: "anchor_*.json",
		FileName:    func(e map[string]any) string { return "anchor_" + stringField(e, "anchor_id") + ".json" },
		HashField:   "anchor_hash",
		PrevField:   "prev_anchor_hash",
		IDField:     "anchor_id",
		Style:       chain.StylePrevPrefixed,
		Genesis:     chain.GenesisMarkerLiteral,
	})
}

func stringField(e map[string]any, key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return "unknown"
}

// BuildSigner constructs the Signer for one envelope stream's SigningConfig.
func BuildSigner(sc config.SigningConfig) signedenvelope.Signer {
	switch signedenvelope.Mode(sc.Mode) {
	case signedenvelope.ModeHMAC:
		return signedenvelope.HMACTestSigner{Secret: []byte(sc.HMACSecret), KeyID: sc.PublicKeyID}
	case signedenvelope.ModeSSH:
		return signedenvelope.SSHSigner{
			KeyPath:            sc.SSHKeyPath,
			AllowedSignersPath: sc.AllowedSignersPath,
			PublicKeyIDValue:   sc.PublicKeyID,
		}
	default:
		return signedenvelope.DisabledSigner{}
	}
}

// State bundles every piece of live state the controller/orchestrator
// need for one tick, loaded once at operation start (spec §5).
type State struct {
	Paths      Paths
	Config     config.Snapshot
	Quarantine quarantine.State
	Pressure   integritypressure.Snapshot
	Posture    posture.Posture
	Throughput throughputpolicy.Policy
	RiskBudget riskbudget.Budget
}

// LoadState reads quarantine/pressure/posture/throughput/risk-budget state
// from disk relative to root, using cfg as the operation's cached
// env-var snapshot.
func LoadState(root string, cfg config.Snapshot, now time.Time) (State, error) {
	paths := Paths{Root: root}

	qStore := quarantine.Store{Path: paths.QuarantinePath(), Clock: func() time.Time { return now }}
	qState, err := qStore.Load()
	if err != nil {
		return State{}, err
	}

	pressureSnap, err := integritypressure.Compute(paths.IncidentFeedPath(), now)
	if err != nil {
		return State{}, err
	}

	p := posture.Resolve()
	tp := throughputpolicy.Derive(pressureSnap.Level, qState)
	rb := riskbudget.Derive(p, pressureSnap.Level, tp.Mode, qState.Active)

	return State{
		Paths:      paths,
		Config:     cfg,
		Quarantine: qState,
		Pressure:   pressureSnap,
		Posture:    p,
		Throughput: tp,
		RiskBudget: rb,
	}, nil
}

// gateEnv maps each mandatory/optional chain gate to its config.Snapshot
// gate-name key (spec §6's SENTIENTOS_{NAME}_{ENFORCE,WARN} family).
var gateEnvKey = map[integritycontroller.GateName]string{
	integritycontroller.GateDoctrineIdentity: "DOCTRINE_IDENTITY",
	integritycontroller.GateReceiptChain:     "RECEIPT_CHAIN",
	integritycontroller.GateReceiptAnchors:   "RECEIPT_ANCHOR",
	integritycontroller.GateAuditChain:       "AUDIT_CHAIN",
	integritycontroller.GateSnapshotSig:      "ATTESTATION_SNAPSHOT",
	integritycontroller.GateRollupSig:        "ROLLUP_SIG",
	integritycontroller.GateStrategicSig:     "STRATEGIC_SIG",
}

func severityFor(cfg config.Snapshot, pressureLevel int, gate integritycontroller.GateName) (enforce, warn bool) {
	key, ok := gateEnvKey[gate]
	if !ok {
		return false, false
	}
	sev := cfg.GateSeverity[key]
	highSeverity := gate == integritycontroller.GateReceiptChain || gate == integritycontroller.GateAuditChain
	enforce, warn = integritypressure.ApplyEscalation(pressureLevel, sev.Enforce, sev.Warn, highSeverity)
	return enforce, warn
}

// BuildGates evaluates every chain/envelope gate against live state,
// producing the integritycontroller.GateInput map the controller needs.
// Gates this function does not populate (catalog_checkpoint, mypy_ratchet,
// federation_snapshot) are intentionally left absent: the spec names them
// but does not define a concrete check, and integritycontroller.Evaluate
// treats an absent mandatory-style gate as ok rather than fabricating one.
func BuildGates(st State) (map[integritycontroller.GateName]integritycontroller.GateInput, error) {
	gates := map[integritycontroller.GateName]integritycontroller.GateInput{}

	receiptChain, err := st.Paths.ReceiptChain()
	if err != nil {
		return nil, err
	}
	enforce, _ := severityFor(st.Config, st.Pressure.Level, integritycontroller.GateReceiptChain)
	verdict, err := verify.ChainWithBudget(receiptChain, 0, st.Config.MaxVerifyItemsPerStream, enforce)
	if err != nil {
		return nil, err
	}
	gates[integritycontroller.GateReceiptChain] = integritycontroller.GateInput{
		Verdict: verdict, EvidencePaths: []string{st.Paths.ReceiptsIndex()}, Enabled: true, Active: true,
	}

	anchorChain, err := st.Paths.AnchorChain()
	if err != nil {
		return nil, err
	}
	enforce, _ = severityFor(st.Config, st.Pressure.Level, integritycontroller.GateReceiptAnchors)
	verdict, err = verify.ChainWithBudget(anchorChain, 0, st.Config.MaxVerifyItemsPerStream, enforce)
	if err != nil {
		return nil, err
	}
	gates[integritycontroller.GateReceiptAnchors] = integritycontroller.GateInput{
		Verdict: verdict, EvidencePaths: []string{st.Paths.AnchorsIndex()}, Enabled: true, Active: true,
	}

	logPaths, err := auditchain.ConfiguredLogPaths(st.Paths.Root, st.Paths.AuditLogsDir())
	if err != nil {
		return nil, err
	}
	enforce, _ = severityFor(st.Config, st.Pressure.Level, integritycontroller.GateAuditChain)
	auditVerdict, err := auditChainVerdict(logPaths, enforce)
	if err != nil {
		return nil, err
	}
	gates[integritycontroller.GateAuditChain] = integritycontroller.GateInput{
		Verdict: auditVerdict, EvidencePaths: logPaths, Enabled: true, Active: true,
	}

	fp, err := doctrine.ComputeFingerprints(st.Paths.ManifestPath(), st.Paths.ReceiptSchemaPath(), st.Paths.AnchorSchemaPath())
	if err != nil {
		return nil, err
	}
	baseline, present, err := doctrine.LoadBaseline(st.Paths.FederationBaselinePath())
	if err != nil {
		return nil, err
	}
	enforce, _ = severityFor(st.Config, st.Pressure.Level, integritycontroller.GateDoctrineIdentity)
	gates[integritycontroller.GateDoctrineIdentity] = integritycontroller.GateInput{
		Verdict:       doctrine.Check(fp, baseline, present, enforce),
		EvidencePaths: []string{st.Paths.ManifestPath()},
		Enabled:       true, Active: true,
	}

	for gate, policyKey := range map[integritycontroller.GateName]string{
		integritycontroller.GateSnapshotSig:  "ATTESTATION_SNAPSHOT",
		integritycontroller.GateRollupSig:    "ROLLUP_SIG",
		integritycontroller.GateStrategicSig: "STRATEGIC_SIG",
	} {
		vp := st.Config.VerifyPolicy[policyKey]
		if !vp.Enabled {
			gates[gate] = integritycontroller.GateInput{Verdict: verify.Disabled(), Enabled: false}
			continue
		}
		enforce, _ := severityFor(st.Config, st.Pressure.Level, gate)
		verdict, paths, err := signatureStreamVerdict(st, gate, vp.LastN, enforce)
		if err != nil {
			return nil, err
		}
		gates[gate] = integritycontroller.GateInput{Verdict: verdict, EvidencePaths: paths, Enabled: true, Active: true}
	}

	return gates, nil
}

func auditChainVerdict(logPaths []string, enforce bool) (verify.Verdict, error) {
	v, err := auditchain.Verify(logPaths)
	if err != nil {
		return verify.Verdict{}, err
	}
	switch v.Status {
	case "unknown":
		return verify.Verdict{Status: verify.StatusOK, Reason: "unknown_empty_chain"}, nil
	case "ok":
		return verify.Verdict{Status: verify.StatusOK}, nil
	default:
		status := verify.StatusWarn
		if enforce {
			status = verify.StatusFail
		}
		return verify.Verdict{Status: status, Reason: "rolling_hash_mismatch"}, nil
	}
}

// signatureStreamVerdict loads the envelope index for a signature stream
// and verifies its chain + signatures under the stream's own signer.
func signatureStreamVerdict(st State, gate integritycontroller.GateName, lastN int, enforce bool) (verify.Verdict, []string, error) {
	var dir, indexPath, streamKey string
	var stream signedenvelope.Stream
	switch gate {
	case integritycontroller.GateSnapshotSig:
		dir, indexPath, streamKey, stream = st.Paths.SnapshotSigDir(), st.Paths.SnapshotSigIndex(), "ATTESTATION_SNAPSHOT", signedenvelope.StreamAttestationSnapshot
	case integritycontroller.GateRollupSig:
		dir, indexPath, streamKey, stream = st.Paths.RollupSigDir(), st.Paths.RollupSigIndex(), "ROLLUP", signedenvelope.StreamRollups
	case integritycontroller.GateStrategicSig:
		dir, indexPath, streamKey, stream = st.Paths.StrategicSigDir(), st.Paths.StrategicSigIndex(), "STRATEGIC", signedenvelope.StreamStrategic
	}
	signer := BuildSigner(st.Config.Signing[streamKey])
	envelopes, err := loadEnvelopeIndex(indexPath, lastN)
	if err != nil {
		return verify.Verdict{}, nil, err
	}
	verdict := verify.EnvelopeStream(signer, string(stream), envelopes, enforce)
	return verdict, []string{dir, indexPath}, nil
}

// loadEnvelopeIndex reads a stream's signatures_index.jsonl, one Envelope
// per line, clamped to the last lastN rows (the stream's per-gate
// verification budget). A missing index yields no envelopes rather than
// an error, matching the "unknown_empty_chain" convention used elsewhere.
func loadEnvelopeIndex(path string, lastN int) ([]signedenvelope.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []signedenvelope.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e signedenvelope.Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if lastN > 0 && len(all) > lastN {
		all = all[len(all)-lastN:]
	}
	return all, nil
}

// BuildEvaluateInput assembles an integritycontroller.EvaluateInput from
// live on-disk state at now.
func BuildEvaluateInput(root string, cfg config.Snapshot, now time.Time) (integritycontroller.EvaluateInput, State, error) {
	st, err := LoadState(root, cfg, now)
	if err != nil {
		return integritycontroller.EvaluateInput{}, State{}, err
	}
	gates, err := BuildGates(st)
	if err != nil {
		return integritycontroller.EvaluateInput{}, State{}, err
	}
	return integritycontroller.EvaluateInput{
		Now:                     now,
		Quarantine:              st.Quarantine,
		Pressure:                st.Pressure,
		Posture:                 st.Posture,
		Throughput:              st.Throughput,
		RiskBudget:              st.RiskBudget,
		MaxVerifyStreamsPerTick: cfg.MaxVerifyStreamsPerTick,
		MaxVerifyItemsPerStream: cfg.MaxVerifyItemsPerStream,
		Gates:                   gates,
	}, st, nil
}

// BuildDeps assembles orchestrator.Deps for a live tick (not replay).
func BuildDeps(root string, cfg config.Snapshot, now time.Time) (orchestrator.Deps, State, error) {
	evalInput, st, err := BuildEvaluateInput(root, cfg, now)
	if err != nil {
		return orchestrator.Deps{}, State{}, err
	}
	signer := BuildSigner(cfg.Signing["ATTESTATION_SNAPSHOT"])

	obsCfg := obs.DefaultConfig()
	obsCfg.Enabled = cfg.ObsEnabled
	obsCfg.OTLPEndpoint = cfg.ObsOTLPEndpoint
	provider, err := obs.New(context.Background(), obsCfg)
	if err != nil {
		return orchestrator.Deps{}, State{}, err
	}

	return orchestrator.Deps{
		Root:                   root,
		Now:                    now,
		EvaluateInput:          evalInput,
		MinSnapshotInterval:    time.Duration(cfg.AttestationMinIntervalSeconds) * time.Second,
		AllowSnapshotEmit:      true,
		AllowWitnessPublish:    cfg.AnchorWitnessPublish,
		Signer:                 signer,
		SigningNamespace:       string(signedenvelope.StreamAttestationSnapshot),
		SnapshotEnvelopeStream: signedenvelope.StreamAttestationSnapshot,
		SnapshotSigIndexPath:   st.Paths.SnapshotSigIndex(),
		RebuildIndex:           RebuildIndex,
		Obs:                    provider,
	}, st, nil
}

// RebuildIndex implements orchestrator.Deps.RebuildIndex / replay.Params.RebuildCatalog
// (spec §4.11 step 7, §4.13): it gathers the primary artifacts under root,
// rebuilds the observability Summary, and writes it atomically alongside the
// disposable sqlite cache. Both the live-tick hook and the replay catalog
// hook call this same function so the two paths can never disagree about
// how the index is derived.
func RebuildIndex(root string) error {
	paths := Paths{Root: root}
	now := time.Now().UTC()

	cfg := config.Load()
	st, err := LoadState(root, cfg, now)
	if err != nil {
		return err
	}

	receiptChain, err := paths.ReceiptChain()
	if err != nil {
		return err
	}
	receiptVerdict, err := verify.ChainWithBudget(receiptChain, 0, cfg.MaxVerifyItemsPerStream, false)
	if err != nil {
		return err
	}
	anchorChain, err := paths.AnchorChain()
	if err != nil {
		return err
	}
	anchorVerdict, err := verify.ChainWithBudget(anchorChain, 0, cfg.MaxVerifyItemsPerStream, false)
	if err != nil {
		return err
	}

	quarantineSummary, err := canonical.ToMap(st.Quarantine)
	if err != nil {
		return err
	}
	pressureSummary, err := canonical.ToMap(st.Pressure)
	if err != nil {
		return err
	}

	summary, err := index.Rebuild(index.RebuildInput{
		Now:               now,
		ReceiptsDir:       paths.ReceiptsDir(),
		AnchorsDir:        paths.AnchorsDir(),
		ProvenanceDir:     paths.ProvenanceDir(),
		ReportsDir:        paths.ReportsDir(),
		QueuePath:         paths.QueuePath(),
		ReceiptsIndexPath: paths.ReceiptsIndex(),
		ChainStatuses: map[string]string{
			"receipts": string(receiptVerdict.Status),
			"anchors":  string(anchorVerdict.Status),
		},
		QuarantineSummary: quarantineSummary,
		PressureSummary:   pressureSummary,
		OperatingMode:     string(st.Throughput.Mode),
		CachePath:         paths.IndexCachePath(),
	})
	if err != nil {
		return err
	}

	return writeIndexSummary(paths.IndexSummaryPath(), summary)
}

func writeIndexSummary(path string, summary index.Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	m, err := canonical.ToMap(summary)
	if err != nil {
		return err
	}
	b, err := canonical.Bytes(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
