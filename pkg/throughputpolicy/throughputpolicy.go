// Package throughputpolicy implements the pure (pressure, quarantine,
// env-overrides) → mutation/publish/automerge toggle mapping (spec §4.7).
package throughputpolicy

import (
	"os"
	"strings"

	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/quarantine"
)

// Mode is the derived operating mode.
type Mode string

const (
	Normal    Mode = "normal"
	Cautious  Mode = "cautious"
	Recovery  Mode = "recovery"
	Lockdown  Mode = "lockdown"
)

var validModes = map[Mode]struct{}{Normal: {}, Cautious: {}, Recovery: {}, Lockdown: {}}

// Policy is the derived permission/posture set for the current tick.
type Policy struct {
	Mode                  Mode `json:"mode"`
	AllowAutomerge        bool `json:"allow_automerge"`
	AllowPublish          bool `json:"allow_publish"`
	AllowForgeMutation    bool `json:"allow_forge_mutation"`
	AllowFederationAdopt  bool `json:"allow_federation_adopt"`
	RunIntegritySweeps    bool `json:"run_integrity_sweeps"`
	PreferDiagnosticsOnly bool `json:"prefer_diagnostics_only"`
	MaxForgeScope         int  `json:"max_forge_scope"`
}

func defaultsForMode(mode Mode) Policy {
	switch mode {
	case Cautious:
		return Policy{Mode: Cautious, AllowAutomerge: false, AllowPublish: false, AllowForgeMutation: true, AllowFederationAdopt: true, RunIntegritySweeps: true, PreferDiagnosticsOnly: false, MaxForgeScope: 5}
	case Recovery:
		return Policy{Mode: Recovery, AllowAutomerge: false, AllowPublish: false, AllowForgeMutation: false, AllowFederationAdopt: false, RunIntegritySweeps: true, PreferDiagnosticsOnly: true, MaxForgeScope: 1}
	case Lockdown:
		return Policy{Mode: Lockdown, AllowAutomerge: false, AllowPublish: false, AllowForgeMutation: false, AllowFederationAdopt: false, RunIntegritySweeps: true, PreferDiagnosticsOnly: true, MaxForgeScope: 0}
	default:
		return Policy{Mode: Normal, AllowAutomerge: true, AllowPublish: true, AllowForgeMutation: true, AllowFederationAdopt: true, RunIntegritySweeps: true, PreferDiagnosticsOnly: false, MaxForgeScope: 10}
	}
}

// Derive implements spec §4.7's derive().
func Derive(pressureLevel int, q quarantine.State) Policy {
	var mode Mode
	if forced, ok := forcedMode(); ok {
		mode = forced
	} else if q.Active && q.FreezeForge {
		mode = Lockdown
	} else {
		p := posture.Resolve()
		switch {
		case pressureLevel >= p.LockdownLevel:
			mode = Lockdown
		case pressureLevel >= p.RecoveryLevel:
			mode = Recovery
		case pressureLevel >= p.CautiousLevel:
			mode = Cautious
		default:
			mode = Normal
		}
	}

	policy := defaultsForMode(mode)

	if v, ok := posture.EnvBool("SENTIENTOS_MODE_ALLOW_AUTOMERGE"); ok {
		policy.AllowAutomerge = v
	}
	if v, ok := posture.EnvBool("SENTIENTOS_MODE_ALLOW_PUBLISH"); ok {
		policy.AllowPublish = v
	}
	return policy
}

func forcedMode() (Mode, bool) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("SENTIENTOS_MODE_FORCE")))
	if raw == "" {
		return "", false
	}
	m := Mode(raw)
	if _, ok := validModes[m]; ok {
		return m, true
	}
	return "", false
}
