// Package integritycontroller orchestrates the per-tick gate evaluation
// (spec §4.10): it loads quarantine/pressure/posture/throughput/risk state,
// runs integrity gates under a verification budget, and assembles the
// IntegrityStatus whose canonical hash is the tick's primary fingerprint.
package integritycontroller

import (
	"sort"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/integritypressure"
	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
	"github.com/sentientos/forge/pkg/riskbudget"
	"github.com/sentientos/forge/pkg/throughputpolicy"
	"github.com/sentientos/forge/pkg/verify"
)

// GateName enumerates every gate the controller may enumerate (spec §4.10
// step 2). Order here is the fixed evaluation/replay order (spec §5).
type GateName string

const (
	GateDoctrineIdentity GateName = "doctrine_identity"
	GateReceiptChain     GateName = "receipt_chain"
	GateReceiptAnchors   GateName = "receipt_anchors"
	GateAuditChain       GateName = "audit_chain"
	GateSnapshotSig      GateName = "attestation_snapshot_signatures"
	GateRollupSig        GateName = "rollup_signatures"
	GateStrategicSig     GateName = "strategic_signatures"
	GateCatalogCheckpoint GateName = "catalog_checkpoint"
	GateMypyRatchet      GateName = "mypy_ratchet"
	GateFederationSnapshot GateName = "federation_snapshot"
)

// orderedGates is the fixed gate evaluation order (spec §5: "Replay
// ordering MUST match live evaluation ordering... so gate ordering in
// §4.10 is fixed").
var orderedGates = []GateName{
	GateDoctrineIdentity,
	GateReceiptChain,
	GateReceiptAnchors,
	GateAuditChain,
	GateSnapshotSig,
	GateRollupSig,
	GateStrategicSig,
	GateCatalogCheckpoint,
	GateMypyRatchet,
	GateFederationSnapshot,
}

// signatureGatePriority fixes the verification-budget selection order for
// the three optional signature gates: snapshot > rollup > strategic (spec
// §4.10 step 3).
var signatureGatePriority = []GateName{GateSnapshotSig, GateRollupSig, GateStrategicSig}

// GateResult is one gate's outcome (spec §3).
type GateResult struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"` // ok|warn|fail|skipped
	Reason        string   `json:"reason,omitempty"`
	EvidencePaths []string `json:"evidence_paths"`
	CheckedAt     string   `json:"checked_at"`
}

// PressureSummary is the embedded pressure snapshot in IntegrityStatus.
type PressureSummary struct {
	Level   int                    `json:"level"`
	Metrics integritypressure.Metrics `json:"metrics"`
}

// RiskBudgetSummary mirrors riskbudget.Budget for embedding.
type RiskBudgetSummary = riskbudget.Budget

// IntegrityStatus is the tick's primary output (spec §3).
type IntegrityStatus struct {
	SchemaVersion    int               `json:"schema_version"`
	TS               string            `json:"ts"`
	StrategicPosture string            `json:"strategic_posture"`
	OperatingMode    string            `json:"operating_mode"`
	PressureSummary  PressureSummary   `json:"pressure_summary"`
	QuarantineActive bool              `json:"quarantine_active"`
	RiskBudgetSummary RiskBudgetSummary `json:"risk_budget_summary"`
	MutationAllowed  bool              `json:"mutation_allowed"`
	PublishAllowed   bool              `json:"publish_allowed"`
	AutomergeAllowed bool              `json:"automerge_allowed"`
	GateResults      []GateResult      `json:"gate_results"`
	PrimaryReason    string            `json:"primary_reason"`
	ReasonStack      []string          `json:"reason_stack"`
	RecommendedActions []string        `json:"recommended_actions"`
	PolicyHash       string            `json:"policy_hash"`
	BudgetExhausted  bool              `json:"budget_exhausted"`
	BudgetRemaining  int               `json:"budget_remaining"`
	Status           string            `json:"status"` // ok|warn|fail, derived
}

// CanonicalHash is the system's primary fingerprint for the tick (spec §4.10 step 7).
func (s IntegrityStatus) CanonicalHash() (string, error) {
	m, err := canonical.ToMap(s)
	if err != nil {
		return "", err
	}
	b, err := canonical.Bytes(m)
	if err != nil {
		return "", err
	}
	return canonical.Sha256Hex(b), nil
}

// GateInput is one gate's pre-computed verdict plus evidence, supplied by
// the orchestrator which owns the actual chain/envelope/file handles.
// Gates that were never enabled for this tick are simply absent from the
// EvaluateInput.Gates map; the controller records an absent signature gate
// as skipped/verify_disabled and any other absent gate as ok with no
// evidence.
type GateInput struct {
	Verdict       verify.Verdict
	EvidencePaths []string
	Enabled       bool // whether env config turned this optional gate on
	Active        bool // for signature gates: in the tick's *active* candidate set
}

// EvaluateInput bundles everything the controller needs; absent signature
// gates default to "skipped/verify_disabled", and every other absent gate
// (mandatory ones such as doctrine_identity, receipt_chain, receipt_anchors,
// audit_chain included) is recorded as ok; presence is not enforced.
type EvaluateInput struct {
	Now                time.Time
	PolicyHash         string
	Quarantine         quarantine.State
	Pressure           integritypressure.Snapshot
	Posture            posture.Posture
	Throughput         throughputpolicy.Policy
	RiskBudget         riskbudget.Budget
	MaxVerifyStreamsPerTick int
	MaxVerifyItemsPerStream int

	Gates map[GateName]GateInput
}

// recommendedActionFor maps a gate name to its fixed operator command
// (spec §4.10 step 6).
var recommendedActionFor = map[GateName]string{
	GateDoctrineIdentity:   "forge doctrine-identity-report",
	GateReceiptChain:       "verify_receipt_chain --repair-index",
	GateReceiptAnchors:     "verify_receipt_anchors --require-tip",
	GateAuditChain:         "audit_chain_doctor --diagnose-only",
	GateSnapshotSig:        "forge verify-signatures --stream attestation_snapshot",
	GateRollupSig:          "forge verify-signatures --stream rollup",
	GateStrategicSig:       "forge verify-signatures --stream strategic",
	GateCatalogCheckpoint:  "forge catalog-checkpoint-status",
	GateMypyRatchet:        "forge mypy-ratchet-status",
	GateFederationSnapshot: "forge federation-status --diff",
}

// Evaluate runs the per-tick algorithm (spec §4.10 steps 2-7). It is a
// pure function of in: given identical input, two sequential calls
// return byte-identical IntegrityStatus.to_dict() (the determinism
// requirement), because Evaluate performs no I/O itself — all I/O is the
// orchestrator's responsibility when assembling EvaluateInput.
func Evaluate(in EvaluateInput) IntegrityStatus {
	checkedAt := in.Now.UTC().Format("2006-01-02T15:04:05Z")

	active := map[GateName]bool{}
	for _, name := range signatureGatePriority {
		if gi, ok := in.Gates[name]; ok && gi.Enabled {
			active[name] = true
		}
	}
	selected := map[GateName]bool{}
	streamBudget := in.MaxVerifyStreamsPerTick
	if streamBudget <= 0 {
		streamBudget = 3
	}
	count := 0
	for _, name := range signatureGatePriority {
		if !active[name] {
			continue
		}
		if count < streamBudget {
			selected[name] = true
			count++
		}
	}
	budgetExhausted := false
	for _, name := range signatureGatePriority {
		if active[name] && !selected[name] {
			budgetExhausted = true
		}
	}

	var results []GateResult
	for _, name := range orderedGates {
		gi, present := in.Gates[name]
		isSignatureGate := name == GateSnapshotSig || name == GateRollupSig || name == GateStrategicSig

		if isSignatureGate {
			if !present || !gi.Enabled {
				results = append(results, GateResult{
					Name: string(name), Status: "skipped", Reason: "verify_disabled",
					EvidencePaths: []string{}, CheckedAt: checkedAt,
				})
				continue
			}
			if !selected[name] {
				results = append(results, GateResult{
					Name: string(name), Status: "skipped", Reason: "skipped_budget_exhausted",
					EvidencePaths: []string{}, CheckedAt: checkedAt,
				})
				continue
			}
		}

		if !present {
			// mandatory gates with no supplied verdict are treated as ok
			// with no evidence rather than fabricating a failure; the
			// orchestrator is expected to always supply these.
			results = append(results, GateResult{
				Name: string(name), Status: "ok", EvidencePaths: []string{}, CheckedAt: checkedAt,
			})
			continue
		}
		results = append(results, GateResult{
			Name:          string(name),
			Status:        string(gi.Verdict.Status),
			Reason:        gi.Verdict.Reason,
			EvidencePaths: orEmpty(gi.EvidencePaths),
			CheckedAt:     checkedAt,
		})
	}

	var reasonStack []string
	anyFail, anyWarn := false, false
	for _, r := range results {
		if r.Status == "warn" || r.Status == "fail" {
			reasonStack = append(reasonStack, r.Reason)
			if r.Status == "fail" {
				anyFail = true
			}
			if r.Status == "warn" {
				anyWarn = true
			}
		}
	}
	if reasonStack == nil {
		reasonStack = []string{}
	}
	primaryReason := "integrity_ok"
	if len(reasonStack) > 0 {
		primaryReason = reasonStack[0]
	}

	status := "ok"
	if anyFail {
		status = "fail"
	} else if anyWarn {
		status = "warn"
	}

	mutationAllowed := !in.Quarantine.Active && in.Throughput.AllowForgeMutation && in.RiskBudget.MaxFilesChanged > 0 && !anyFail
	publishAllowed := mutationAllowed && in.Throughput.AllowPublish && !in.Quarantine.Active
	automergeAllowed := publishAllowed && in.Throughput.AllowAutomerge

	var actions []string
	seenAction := map[string]struct{}{}
	for _, r := range results {
		if r.Status != "warn" && r.Status != "fail" {
			continue
		}
		action, ok := recommendedActionFor[GateName(r.Name)]
		if !ok {
			continue
		}
		if _, dup := seenAction[action]; dup {
			continue
		}
		seenAction[action] = struct{}{}
		actions = append(actions, action)
	}
	if actions == nil {
		actions = []string{}
	}
	sort.Strings(actions)

	budgetRemaining := streamBudget - count
	if budgetRemaining < 0 {
		budgetRemaining = 0
	}

	return IntegrityStatus{
		SchemaVersion:    1,
		TS:               checkedAt,
		StrategicPosture: string(in.Posture.Name),
		OperatingMode:    string(in.Throughput.Mode),
		PressureSummary:  PressureSummary{Level: in.Pressure.Level, Metrics: in.Pressure.Metrics},
		QuarantineActive: in.Quarantine.Active,
		RiskBudgetSummary: in.RiskBudget,
		MutationAllowed:  mutationAllowed,
		PublishAllowed:   publishAllowed,
		AutomergeAllowed: automergeAllowed,
		GateResults:      results,
		PrimaryReason:    primaryReason,
		ReasonStack:      reasonStack,
		RecommendedActions: actions,
		PolicyHash:       in.PolicyHash,
		BudgetExhausted:  budgetExhausted,
		BudgetRemaining:  budgetRemaining,
		Status:           status,
	}
}

func orEmpty(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}
