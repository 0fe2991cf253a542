// Package posture resolves the top-level strategic posture dial
// (stability | balanced | velocity) into the threshold multipliers, mode
// escalation levels, and quarantine sensitivity that integritypressure,
// quarantine, and throughputpolicy all read (spec §3 "Posture
// configuration", §4.5, §4.7).
package posture

import (
	"os"
	"strconv"
	"strings"
)

// Name is one of the three posture dial values.
type Name string

const (
	Stability Name = "stability"
	Balanced  Name = "balanced"
	Velocity  Name = "velocity"
)

// Sensitivity controls how eagerly quarantine auto-activates by default.
type Sensitivity string

const (
	SensitivityStrict  Sensitivity = "strict"
	SensitivityNormal  Sensitivity = "normal"
	SensitivityLenient Sensitivity = "lenient"
)

// Posture is the resolved, derived (never persisted) configuration table
// for one posture dial value.
type Posture struct {
	Name Name

	// ThresholdMultiplier scales the base pressure-score thresholds
	// (warn=3, enforce=7, critical=12); stability runs hotter (lower
	// absolute thresholds, trips sooner), velocity runs cooler.
	ThresholdMultiplier float64

	// HighSeverityEnforceLevel is the pressure level at or above which a
	// high-severity gate's enforce bit is forced on by escalation.
	HighSeverityEnforceLevel int

	// QuarantineForceLevel is the pressure level at or above which
	// quarantine is force-activated (integritypressure.ShouldForceQuarantine).
	QuarantineForceLevel int

	QuarantineAutoSensitivity Sensitivity

	// Mode thresholds for throughputpolicy.Derive: pressure level at or
	// above which operating mode escalates to cautious/recovery/lockdown.
	CautiousLevel int
	RecoveryLevel int
	LockdownLevel int
}

// Table is the fixed posture → configuration mapping.
var Table = map[Name]Posture{
	Stability: {
		Name:                      Stability,
		ThresholdMultiplier:       0.7,
		HighSeverityEnforceLevel:  1,
		QuarantineForceLevel:      2,
		QuarantineAutoSensitivity: SensitivityStrict,
		CautiousLevel:             1,
		RecoveryLevel:             2,
		LockdownLevel:             3,
	},
	Balanced: {
		Name:                      Balanced,
		ThresholdMultiplier:       1.0,
		HighSeverityEnforceLevel:  2,
		QuarantineForceLevel:      3,
		QuarantineAutoSensitivity: SensitivityNormal,
		CautiousLevel:             1,
		RecoveryLevel:             2,
		LockdownLevel:             3,
	},
	Velocity: {
		Name:                      Velocity,
		ThresholdMultiplier:       1.4,
		HighSeverityEnforceLevel:  3,
		QuarantineForceLevel:      3,
		QuarantineAutoSensitivity: SensitivityLenient,
		CautiousLevel:             2,
		RecoveryLevel:             3,
		LockdownLevel:             3,
	},
}

// Resolve reads SENTIENTOS_POSTURE, defaulting to "balanced" when unset or
// unrecognized.
func Resolve() Posture {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("SENTIENTOS_POSTURE")))
	if p, ok := Table[Name(raw)]; ok {
		return p
	}
	return Table[Balanced]
}

// DerivedThresholds scales warn/enforce/critical base scores by the
// posture's ThresholdMultiplier, rounding to the nearest integer with a
// floor of 1.
func DerivedThresholds(p Posture, warnBase, enforceBase, criticalBase int) (warn, enforce, critical int) {
	scale := func(base int) int {
		v := int(float64(base)*p.ThresholdMultiplier + 0.5)
		if v < 1 {
			v = 1
		}
		return v
	}
	return scale(warnBase), scale(enforceBase), scale(criticalBase)
}

// EnvInt reads an optional integer environment override, returning
// (value, true) when name is set to a valid integer.
func EnvInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// EnvBool reads an optional boolean override ("0"/"1"), returning
// (value, true) only when name is set to exactly "0" or "1".
func EnvBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	switch raw {
	case "1":
		return true, true
	case "0":
		return false, true
	default:
		return false, false
	}
}
