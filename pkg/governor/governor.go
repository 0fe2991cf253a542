// Package governor implements the proof-budget governor (spec §4.9):
// a deterministic decide_budget over recent router telemetry, and a
// hash-chained pressure-state snapshot writer with skip-on-contention
// semantics for the non-blocking lock.
package governor

import (
	"fmt"
	"sort"
	"time"

	"github.com/sentientos/forge/pkg/canonical"
	"github.com/sentientos/forge/pkg/posture"
)

// Version is the fixed governor_version stamped on every decision.
const Version = "v1"

// Config mirrors spec §4.9's GovernorConfig, sourced from env at tick
// start and cached for the duration of the call (spec §5: "environment
// variables are read once at operation start").
type Config struct {
	ConfiguredK            int
	ConfiguredM            int
	MaxK                   int
	EscalationEnabled      bool
	Mode                   string
	AdmissibleCollapseRuns int
	MinM                   int
	DiagnosticsK           int
	PressureWindow         int
	ProofBurnSpikeRuns     int
	EscalationClusterRuns  int
}

// ConfigFromEnv builds a Config from environment overrides layered on the
// caller-supplied configured (K, M).
func ConfigFromEnv(configuredK, configuredM int) Config {
	if configuredK < 1 {
		configuredK = 1
	}
	if configuredM < 1 {
		configuredM = 1
	}
	return Config{
		ConfiguredK:            configuredK,
		ConfiguredM:            configuredM,
		MaxK:                   intEnvOr("SENTIENTOS_ROUTER_MAX_K", 9),
		EscalationEnabled:      boolFlagOr("SENTIENTOS_ROUTER_ESCALATE_ON_ALL_FAIL_A", true),
		Mode:                   stringEnvOr("SENTIENTOS_GOVERNOR_MODE", "auto"),
		AdmissibleCollapseRuns: intEnvOr("SENTIENTOS_GOVERNOR_ADMISSIBLE_COLLAPSE_RUNS", 3),
		MinM:                   intEnvOr("SENTIENTOS_GOVERNOR_MIN_M", 1),
		DiagnosticsK:           intEnvOr("SENTIENTOS_GOVERNOR_DIAGNOSTICS_K", 4),
		PressureWindow:         6,
		ProofBurnSpikeRuns:     2,
		EscalationClusterRuns:  2,
	}
}

// RunEvent is one entry of PressureState.RecentRuns.
type RunEvent struct {
	Pipeline          string `json:"pipeline"`
	Capability        string `json:"capability"`
	RouterAttempt     int    `json:"router_attempt"`
	RouterStatus      string `json:"router_status"`
	Mode              string `json:"mode"`
	ProofBurnSpike    bool   `json:"proof_burn_spike"`
	Escalated         bool   `json:"escalated"`
	StageBEvaluations int    `json:"stage_b_evaluations"`
}

// PressureState is the governor's rolling window of recent router runs
// (spec §3 "Pressure state (governor)").
type PressureState struct {
	ConsecutiveNoAdmissible int        `json:"consecutive_no_admissible"`
	RecentRuns              []RunEvent `json:"recent_runs"`

	PrevStateHash   string `json:"prev_state_hash,omitempty"`
	StateHash       string `json:"state_hash,omitempty"`
	HashAlgo        string `json:"hash_algo,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	GovernorVersion string `json:"governor_version,omitempty"`
}

func recentWindow(runs []RunEvent, window int) []RunEvent {
	if window <= 0 || len(runs) <= window {
		return runs
	}
	return runs[len(runs)-window:]
}

// BudgetDecision mirrors spec §4.9's BudgetDecision.
type BudgetDecision struct {
	KEffective      int      `json:"k_effective"`
	MEffective      int      `json:"m_effective"`
	AllowEscalation bool     `json:"allow_escalation"`
	Mode            string   `json:"mode"`
	DecisionReasons []string `json:"decision_reasons"`
	GovernorVersion string   `json:"governor_version"`
}

// DecideBudget implements spec §4.9's decide_budget: total, deterministic,
// reasons sorted and de-duplicated.
func DecideBudget(config Config, pressureState PressureState) BudgetDecision {
	reasons := map[string]struct{}{}
	kEffective := config.ConfiguredK
	mEffective := config.ConfiguredM
	allowEscalation := config.EscalationEnabled
	mode := "normal"

	recent := recentWindow(pressureState.RecentRuns, config.PressureWindow)
	burnSpikes, escalations := 0, 0
	for _, r := range recent {
		if r.ProofBurnSpike {
			burnSpikes++
		}
		if r.Escalated {
			escalations++
		}
	}

	proofBurnSpike := burnSpikes >= config.ProofBurnSpikeRuns
	escalationCluster := escalations >= config.EscalationClusterRuns
	admissibleCollapse := pressureState.ConsecutiveNoAdmissible >= config.AdmissibleCollapseRuns

	switch normalizeMode(config.Mode) {
	case "diagnostics_only":
		admissibleCollapse = true
		reasons["forced_mode"] = struct{}{}
	case "constrained":
		proofBurnSpike = true
		reasons["forced_mode"] = struct{}{}
	case "auto", "normal", "":
		// no-op
	default:
		reasons["invalid_mode_fallback"] = struct{}{}
	}

	if proofBurnSpike {
		mEffective = maxInt(config.MinM, config.ConfiguredM-1)
		allowEscalation = false
		mode = "constrained"
		reasons["proof_burn_spike"] = struct{}{}
	}
	if escalationCluster {
		kEffective = minInt(kEffective, 3)
		allowEscalation = false
		if mode == "normal" {
			mode = "constrained"
		}
		reasons["escalation_cluster"] = struct{}{}
	}
	if admissibleCollapse {
		kEffective = maxInt(kEffective, minInt(config.MaxK, config.DiagnosticsK))
		mEffective = 0
		allowEscalation = false
		mode = "diagnostics_only"
		reasons["admissible_collapse"] = struct{}{}
	}

	return BudgetDecision{
		KEffective:      maxInt(1, minInt(kEffective, config.MaxK)),
		MEffective:      maxInt(0, mEffective),
		AllowEscalation: allowEscalation,
		Mode:            mode,
		DecisionReasons: sortedKeys(reasons),
		GovernorVersion: Version,
	}
}

func normalizeMode(m string) string {
	switch m {
	case "":
		return "auto"
	default:
		return m
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RunContext identifies one router run for UpdatePressureState.
type RunContext struct {
	Pipeline      string
	Capability    string
	RouterAttempt int
}

// Telemetry is the router telemetry passed alongside a decision.
type Telemetry struct {
	Escalated         bool
	StageBEvaluations int
}

// UpdatePressureState implements spec §4.9's update_pressure_state.
func UpdatePressureState(prior PressureState, decision BudgetDecision, telemetry Telemetry, routerStatus string, run RunContext, config Config) PressureState {
	noAdmissible := routerStatus != "selected"
	consecutive := 0
	if noAdmissible {
		consecutive = prior.ConsecutiveNoAdmissible + 1
	}

	event := RunEvent{
		Pipeline:          orUnknown(run.Pipeline),
		Capability:        orUnknown(run.Capability),
		RouterAttempt:     attemptOrOne(run.RouterAttempt),
		RouterStatus:      routerStatus,
		Mode:              decision.Mode,
		ProofBurnSpike:     containsReason(decision.DecisionReasons, "proof_burn_spike"),
		Escalated:         telemetry.Escalated,
		StageBEvaluations: telemetry.StageBEvaluations,
	}

	recent := recentWindow(prior.RecentRuns, config.PressureWindow-1)
	recent = append(append([]RunEvent{}, recent...), event)

	return PressureState{
		ConsecutiveNoAdmissible: consecutive,
		RecentRuns:              recent,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func attemptOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func containsReason(reasons []string, target string) bool {
	for _, r := range reasons {
		if r == target {
			return true
		}
	}
	return false
}

// SaveResult reports the outcome of SavePressureState.
type SaveResult struct {
	StateUpdateSkipped bool   `json:"state_update_skipped"`
	PressureStateNewHash string `json:"pressure_state_new_hash,omitempty"`
}

// Locker is the non-blocking mutual-exclusion primitive used for
// pressure-state writes. TryAcquire returns (unlock, true, nil) on
// success, or (nil, false, nil) when contended — never blocks.
type Locker interface {
	TryAcquire() (unlock func(), acquired bool, err error)
}

// SavePressureState persists state as a new hash-chained snapshot,
// skipping the write (spec §4.9, §5) if the non-blocking lock is
// contended. The caller's governor event records the skip; the decision
// itself was already computed and is unaffected.
func SavePressureState(locker Locker, snapshotsDir, latestPath string, state PressureState, now time.Time) (SaveResult, error) {
	unlock, acquired, err := locker.TryAcquire()
	if err != nil {
		return SaveResult{}, err
	}
	if !acquired {
		return SaveResult{StateUpdateSkipped: true}, nil
	}
	defer unlock()

	prevHash := readLatestStateHash(latestPath)

	toHash, err := canonical.ToMap(state)
	if err != nil {
		return SaveResult{}, err
	}
	stateHash, err := canonical.ComputeHash(toHash, prevHash, "state_hash", "prev_state_hash")
	if err != nil {
		return SaveResult{}, err
	}

	state.PrevStateHash = prevHash
	state.StateHash = stateHash
	state.HashAlgo = "sha256"
	state.CreatedAt = now.UTC().Format("2006-01-02T15:04:05Z")
	state.GovernorVersion = Version

	short := stateHash
	if len(short) > 12 {
		short = short[:12]
	}
	ts := now.UTC().Format("20060102T150405Z")
	snapshotPath := fmt.Sprintf("%s/%s_%s.json", snapshotsDir, ts, short)

	if err := writeJSONAtomic(snapshotPath, state); err != nil {
		return SaveResult{}, err
	}
	if err := writeJSONAtomic(latestPath, state); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{StateUpdateSkipped: false, PressureStateNewHash: stateHash}, nil
}

func readLatestStateHash(latestPath string) string {
	var st PressureState
	if err := readJSON(latestPath, &st); err != nil {
		return ""
	}
	return st.StateHash
}

// GovernorEvent is the amendment-log row emitted for each decision (spec §4.9).
type GovernorEvent struct {
	EventType     string         `json:"event_type"`
	Pipeline      string         `json:"pipeline"`
	Capability    string         `json:"capability"`
	RouterAttempt int            `json:"router_attempt"`
	Governor      GovernorFields `json:"governor"`
	RouterTelemetry map[string]any `json:"router_telemetry"`
}

// GovernorFields is the nested "governor" object of GovernorEvent.
type GovernorFields struct {
	Mode                 string   `json:"mode"`
	KEffective           int      `json:"k_effective"`
	MEffective           int      `json:"m_effective"`
	AllowEscalation      bool     `json:"allow_escalation"`
	Reasons              []string `json:"reasons"`
	GovernorVersion      string   `json:"governor_version"`
	PressureStateNewHash string   `json:"pressure_state_new_hash,omitempty"`
	StateUpdateSkipped   bool     `json:"state_update_skipped"`
}

// BuildGovernorEvent implements spec §4.9's build_governor_event.
func BuildGovernorEvent(decision BudgetDecision, run RunContext, telemetry map[string]any, save SaveResult) GovernorEvent {
	return GovernorEvent{
		EventType:     "proof_budget_governor",
		Pipeline:      orUnknown(run.Pipeline),
		Capability:    orUnknown(run.Capability),
		RouterAttempt: attemptOrOne(run.RouterAttempt),
		Governor: GovernorFields{
			Mode:                 decision.Mode,
			KEffective:           decision.KEffective,
			MEffective:           decision.MEffective,
			AllowEscalation:      decision.AllowEscalation,
			Reasons:              decision.DecisionReasons,
			GovernorVersion:      decision.GovernorVersion,
			PressureStateNewHash: save.PressureStateNewHash,
			StateUpdateSkipped:   save.StateUpdateSkipped,
		},
		RouterTelemetry: telemetry,
	}
}

func intEnvOr(name string, def int) int {
	if v, ok := posture.EnvInt(name); ok && v >= 1 {
		return v
	}
	return def
}

func boolFlagOr(name string, def bool) bool {
	if v, ok := posture.EnvBool(name); ok {
		return v
	}
	return def
}

func stringEnvOr(name, def string) string {
	if v, ok := lookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
