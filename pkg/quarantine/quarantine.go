// Package quarantine implements the persistent kill-switch state machine
// (spec §4.6): a single JSON file that, when active with freeze_forge set,
// forces lockdown via throughputpolicy regardless of the current pressure
// level.
package quarantine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sentientos/forge/pkg/errs"
	"github.com/sentientos/forge/pkg/posture"
)

// State is the single persisted quarantine record (spec §3).
type State struct {
	SchemaVersion        int      `json:"schema_version"`
	Active               bool     `json:"active"`
	ActivatedAt          string   `json:"activated_at,omitempty"`
	ActivatedBy          string   `json:"activated_by,omitempty"` // auto|operator
	LastIncidentID       string   `json:"last_incident_id,omitempty"`
	FreezeForge          bool     `json:"freeze_forge"`
	AllowAutomerge       bool     `json:"allow_automerge"`
	AllowPublish         bool     `json:"allow_publish"`
	AllowFederationSync  bool     `json:"allow_federation_sync"`
	Notes                []string `json:"notes"`
	AcknowledgedAt       string   `json:"acknowledged_at,omitempty"`
}

func defaultState() State {
	return State{
		SchemaVersion:       1,
		AllowAutomerge:      true,
		AllowPublish:        true,
		AllowFederationSync: true,
		Notes:               []string{},
	}
}

// Policy is the resolved quarantine auto-activation policy.
type Policy struct {
	AutoActivate     bool
	FreezeForge      bool
	BlockAutomerge   bool
	BlockPublish     bool
	BlockFederation  bool
}

// LoadPolicy resolves the quarantine policy from posture defaults and env
// overrides (spec §4.6 / §6 env table).
func LoadPolicy() Policy {
	p := posture.Resolve()
	strict := p.QuarantineAutoSensitivity == posture.SensitivityStrict

	autoDefault := strict
	freezeDefault := strict
	blockFederationDefault := strict

	auto := boolEnvOr("SENTIENTOS_QUARANTINE_AUTO", autoDefault)
	freeze := boolEnvOr("SENTIENTOS_QUARANTINE_FREEZE_FORGE", freezeDefault)
	blockAutomerge := boolEnvOr("SENTIENTOS_QUARANTINE_BLOCK_AUTOMERGE", true)
	blockPublish := boolEnvOr("SENTIENTOS_QUARANTINE_BLOCK_PUBLISH", true)
	blockFederation := boolEnvOr("SENTIENTOS_QUARANTINE_BLOCK_FEDERATION", blockFederationDefault)

	return Policy{
		AutoActivate:    auto,
		FreezeForge:     freeze,
		BlockAutomerge:  blockAutomerge,
		BlockPublish:    blockPublish,
		BlockFederation: blockFederation,
	}
}

func boolEnvOr(name string, def bool) bool {
	if v, ok := posture.EnvBool(name); ok {
		return v
	}
	return def
}

// Store loads/saves the quarantine state file at a fixed path.
type Store struct {
	Path  string
	Clock func() time.Time
}

func (s Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s Store) isoNow() string { return s.now().Format("2006-01-02T15:04:05Z") }

// Load reads the quarantine state, returning permissive defaults if absent.
func (s Store) Load() (State, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultState(), nil
		}
		return State{}, errs.New(errs.KindIOError, "quarantine.Load", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return defaultState(), nil
	}
	if st.Notes == nil {
		st.Notes = []string{}
	}
	return st, nil
}

func (s Store) save(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return errs.New(errs.KindIOError, "quarantine.save.mkdir", err)
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.New(errs.KindBadJSON, "quarantine.save.marshal", err)
	}
	raw = append(raw, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".tmp-quarantine-*")
	if err != nil {
		return errs.New(errs.KindIOError, "quarantine.save.tmp", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.New(errs.KindIOError, "quarantine.save.write", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.KindTmpRenameFailed, "quarantine.save.rename", err)
	}
	return nil
}

// Incident mirrors the fields maybeActivate needs from a fresh integrity
// incident record.
type Incident struct {
	IncidentID      string
	CreatedAt       string
	EnforcementMode string // warn|enforce
	Triggers        []string
}

// MaybeActivate implements spec §4.6's maybe_activate: activates
// quarantine when forced, or when policy auto-activation and the
// incident's enforcement mode match and failures is non-empty. Saves the
// state file on every call, whether or not quarantine activates; it writes
// no separate incident record.
func (s Store) MaybeActivate(failures []string, incident Incident, forceActivate bool) (bool, State, error) {
	policy := LoadPolicy()
	p := posture.Resolve()
	state, err := s.Load()
	if err != nil {
		return false, State{}, err
	}

	modeMatch := incident.EnforcementMode == "enforce"
	if p.QuarantineAutoSensitivity == posture.SensitivityLenient {
		modeMatch = incident.EnforcementMode == "enforce" || incident.EnforcementMode == "warn"
	}
	shouldActivate := forceActivate || (policy.AutoActivate && modeMatch && len(failures) > 0)

	if shouldActivate {
		state.Active = true
		state.ActivatedAt = incident.CreatedAt
		state.ActivatedBy = "auto"
		state.LastIncidentID = incident.IncidentID
		state.FreezeForge = policy.FreezeForge
		state.AllowAutomerge = !policy.BlockAutomerge
		state.AllowPublish = !policy.BlockPublish
		state.AllowFederationSync = !policy.BlockFederation
		state.Notes = append(state.Notes, fmt.Sprintf("auto:%s:%s", incident.IncidentID, joinSortedUnique(failures)))
	}

	if err := s.save(state); err != nil {
		return false, State{}, err
	}
	return shouldActivate, state, nil
}

// Acknowledge appends a note and timestamp without deactivating quarantine.
func (s Store) Acknowledge(note string) (State, error) {
	state, err := s.Load()
	if err != nil {
		return State{}, err
	}
	ts := s.isoNow()
	state.Notes = append(state.Notes, fmt.Sprintf("ack:%s:%s", ts, note))
	state.AcknowledgedAt = ts
	if err := s.save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Clear flips quarantine back to fully permissive and appends a note.
func (s Store) Clear(note string) (State, error) {
	state, err := s.Load()
	if err != nil {
		return State{}, err
	}
	state.Active = false
	state.FreezeForge = false
	state.AllowAutomerge = true
	state.AllowPublish = true
	state.AllowFederationSync = true
	state.Notes = append(state.Notes, fmt.Sprintf("clear:%s:%s", s.isoNow(), note))
	if err := s.save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

func joinSortedUnique(items []string) string {
	seen := map[string]struct{}{}
	var uniq []string
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		uniq = append(uniq, it)
	}
	sort.Strings(uniq)
	out := ""
	for i, u := range uniq {
		if i > 0 {
			out += ","
		}
		out += u
	}
	return out
}
