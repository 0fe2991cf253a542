// Package integritypressure derives a 0..3 pressure level from the
// integrity-incidents feed and applies posture-scaled escalation to gate
// severities (spec §4.5).
package integritypressure

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/posture"
)

// Incident is one row of the integrity_incidents.jsonl feed.
type Incident struct {
	CreatedAt         string   `json:"created_at"`
	EnforcementMode   string   `json:"enforcement_mode"`
	Triggers          []string `json:"triggers"`
	QuarantineActivated bool   `json:"quarantine_activated"`
}

// Metrics are the trailing-window counts computed over the incident feed.
type Metrics struct {
	IncidentsLast1h             int `json:"incidents_last_1h"`
	IncidentsLast24h            int `json:"incidents_last_24h"`
	EnforcedFailuresLast24h     int `json:"enforced_failures_last_24h"`
	UniqueTriggerTypesLast24h   int `json:"unique_trigger_types_last_24h"`
	QuarantineActivationsLast24h int `json:"quarantine_activations_last_24h"`
}

// Snapshot is the result of Compute.
type Snapshot struct {
	Level             int         `json:"level"`
	Metrics           Metrics     `json:"metrics"`
	WarnThreshold     int         `json:"warn_threshold"`
	EnforceThreshold  int         `json:"enforce_threshold"`
	CriticalThreshold int         `json:"critical_threshold"`
	StrategicPosture  posture.Name `json:"strategic_posture"`
	CheckedAt         string      `json:"checked_at"`
}

// State is the persisted pressure-level/posture-change-tracking record.
type State struct {
	SchemaVersion          int    `json:"schema_version"`
	Level                  int    `json:"level"`
	StrategicPosture       string `json:"strategic_posture"`
	LastPressureChangeAt   string `json:"last_pressure_change_at,omitempty"`
	PostureLastChangedAt   string `json:"posture_last_changed_at,omitempty"`
}

func readIncidents(path string) ([]Incident, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOError, "integritypressure.readIncidents", err)
	}
	defer f.Close()
	var out []Incident
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row Incident
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Compute reads the incident feed at incidentFeedPath and derives the
// current pressure snapshot relative to now.
func Compute(incidentFeedPath string, now time.Time) (Snapshot, error) {
	rows, err := readIncidents(incidentFeedPath)
	if err != nil {
		return Snapshot{}, err
	}

	oneHourAgo := now.Add(-1 * time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var (
		incidents1h, incidents24h, enforced24h, quarantine24h int
		uniqueTriggers                                        = map[string]struct{}{}
	)
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, row.CreatedAt)
		if err != nil {
			continue
		}
		createdAt = createdAt.UTC()
		if !createdAt.Before(oneHourAgo) {
			incidents1h++
		}
		if createdAt.Before(dayAgo) {
			continue
		}
		incidents24h++
		if row.EnforcementMode == "enforce" {
			enforced24h++
		}
		if row.QuarantineActivated {
			quarantine24h++
		}
		for _, t := range row.Triggers {
			if t != "" {
				uniqueTriggers[t] = struct{}{}
			}
		}
	}

	metrics := Metrics{
		IncidentsLast1h:              incidents1h,
		IncidentsLast24h:             incidents24h,
		EnforcedFailuresLast24h:      enforced24h,
		UniqueTriggerTypesLast24h:    len(uniqueTriggers),
		QuarantineActivationsLast24h: quarantine24h,
	}

	p := posture.Resolve()
	warnDefault, enforceDefault, criticalDefault := posture.DerivedThresholds(p, 3, 7, 12)
	warn := envOrDefault("SENTIENTOS_PRESSURE_WARN_THRESHOLD", warnDefault)
	enforce := envOrDefault("SENTIENTOS_PRESSURE_ENFORCE_THRESHOLD", enforceDefault)
	critical := envOrDefault("SENTIENTOS_PRESSURE_CRITICAL_THRESHOLD", criticalDefault)

	score := metrics.IncidentsLast24h + metrics.EnforcedFailuresLast24h + metrics.QuarantineActivationsLast24h + metrics.UniqueTriggerTypesLast24h
	level := 0
	switch {
	case score >= critical:
		level = 3
	case score >= enforce:
		level = 2
	case score >= warn:
		level = 1
	}

	return Snapshot{
		Level:             level,
		Metrics:           metrics,
		WarnThreshold:     warn,
		EnforceThreshold:  enforce,
		CriticalThreshold: critical,
		StrategicPosture:  p.Name,
		CheckedAt:         now.UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func envOrDefault(name string, def int) int {
	if v, ok := posture.EnvInt(name); ok && v >= 0 {
		return v
	}
	return def
}

// EscalationDisabled reports whether SENTIENTOS_PRESSURE_DISABLE_ESCALATION=1.
func EscalationDisabled() bool {
	v, ok := posture.EnvBool("SENTIENTOS_PRESSURE_DISABLE_ESCALATION")
	return ok && v
}

// ApplyEscalation implements spec §4.5's apply_escalation: widen a gate's
// base enforce/warn bits according to the current pressure level, unless
// escalation has been frozen by operator override.
func ApplyEscalation(level int, baseEnforce, baseWarn, highSeverity bool) (enforce, warn bool) {
	if EscalationDisabled() {
		return baseEnforce, baseWarn
	}
	enforce = baseEnforce
	warn = baseWarn
	if level >= 1 {
		warn = true
	}
	p := posture.Resolve()
	if level >= p.HighSeverityEnforceLevel && highSeverity {
		enforce = true
	}
	return enforce, warn
}

// ShouldForceQuarantine implements spec §4.5's should_force_quarantine.
func ShouldForceQuarantine(level int) bool {
	if EscalationDisabled() {
		return false
	}
	p := posture.Resolve()
	return level >= p.QuarantineForceLevel
}

func loadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{SchemaVersion: 1, StrategicPosture: string(posture.Balanced)}, nil
		}
		return State{}, errs.New(errs.KindIOError, "integritypressure.loadState", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{SchemaVersion: 1, StrategicPosture: string(posture.Balanced)}, nil
	}
	return st, nil
}

func saveState(path string, st State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.New(errs.KindBadJSON, "integritypressure.saveState", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "integritypressure.saveState.mkdir", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// UpdateState loads the persisted pressure state, compares it against the
// freshly computed snapshot, and persists the new level/posture when
// either changed. Returns the possibly-updated state and whether a write
// occurred.
func UpdateState(statePath string, snapshot Snapshot) (State, bool, error) {
	state, err := loadState(statePath)
	if err != nil {
		return State{}, false, err
	}
	levelChanged := snapshot.Level != state.Level
	postureChanged := string(snapshot.StrategicPosture) != state.StrategicPosture
	if levelChanged {
		state.Level = snapshot.Level
		state.LastPressureChangeAt = snapshot.CheckedAt
	}
	if postureChanged {
		state.StrategicPosture = string(snapshot.StrategicPosture)
		state.PostureLastChangedAt = snapshot.CheckedAt
	}
	if levelChanged || postureChanged {
		state.SchemaVersion = 1
		if err := saveState(statePath, state); err != nil {
			return State{}, false, err
		}
	}
	return state, levelChanged || postureChanged, nil
}
