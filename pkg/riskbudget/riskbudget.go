// Package riskbudget derives per-tick mutation caps from the current
// posture, pressure level, throughput mode, and quarantine state, and
// enforces the hourly run cap with a token-bucket limiter (spec §4.8).
package riskbudget

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentientos/forge/pkg/posture"
	"github.com/sentientos/forge/pkg/throughputpolicy"
)

// Budget is the set of integer caps emitted for one tick.
type Budget struct {
	MaxRunsPerDay   int `json:"max_runs_per_day"`
	MaxRunsPerHour  int `json:"max_runs_per_hour"`
	MaxFilesChanged int `json:"max_files_changed"`
	MaxRetries      int `json:"max_retries"`
}

// baseByPosture are the un-scaled caps before mode adjustment.
var baseByPosture = map[posture.Name]Budget{
	posture.Stability: {MaxRunsPerDay: 12, MaxRunsPerHour: 2, MaxFilesChanged: 20, MaxRetries: 1},
	posture.Balanced:  {MaxRunsPerDay: 24, MaxRunsPerHour: 4, MaxFilesChanged: 40, MaxRetries: 2},
	posture.Velocity:  {MaxRunsPerDay: 48, MaxRunsPerHour: 8, MaxFilesChanged: 80, MaxRetries: 3},
}

// Derive computes the per-tick caps for the given posture, pressure level,
// throughput mode, and quarantine-active flag. Lockdown always forces
// zero-file / zero-run caps regardless of posture.
func Derive(p posture.Posture, pressureLevel int, mode throughputpolicy.Mode, quarantineActive bool) Budget {
	base := baseByPosture[p.Name]
	if mode == throughputpolicy.Lockdown || quarantineActive {
		return Budget{}
	}

	scale := 1.0
	switch mode {
	case throughputpolicy.Recovery:
		scale = 0.25
	case throughputpolicy.Cautious:
		scale = 0.6
	}
	if pressureLevel >= 2 {
		scale *= 0.5
	} else if pressureLevel >= 1 {
		scale *= 0.75
	}

	shrink := func(v int) int {
		out := int(float64(v)*scale + 0.5)
		if out < 0 {
			out = 0
		}
		return out
	}
	return Budget{
		MaxRunsPerDay:   shrink(base.MaxRunsPerDay),
		MaxRunsPerHour:  shrink(base.MaxRunsPerHour),
		MaxFilesChanged: shrink(base.MaxFilesChanged),
		MaxRetries:      base.MaxRetries,
	}
}

// Intersect takes the minimum of two budgets field-by-field, implementing
// the integrity controller's "intersects caps with its own env-provided
// governor values" rule (spec §4.8).
func Intersect(a, b Budget) Budget {
	min := func(x, y int) int {
		if x < y {
			return x
		}
		return y
	}
	return Budget{
		MaxRunsPerDay:   min(a.MaxRunsPerDay, b.MaxRunsPerDay),
		MaxRunsPerHour:  min(a.MaxRunsPerHour, b.MaxRunsPerHour),
		MaxFilesChanged: min(a.MaxFilesChanged, b.MaxFilesChanged),
		MaxRetries:      min(a.MaxRetries, b.MaxRetries),
	}
}

// HourlyLimiter enforces MaxRunsPerHour with a token-bucket that refills
// continuously (no reset at hour boundaries); the injected clock lets tests
// drive it deterministically.
type HourlyLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	cap     int
	clock   func() time.Time
}

// NewHourlyLimiter builds a limiter sized to allow cap runs per hour,
// refilling continuously (cap/hour tokens per second).
func NewHourlyLimiter(cap int, clock func() time.Time) *HourlyLimiter {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if cap <= 0 {
		return &HourlyLimiter{limiter: rate.NewLimiter(0, 0), cap: 0, clock: clock}
	}
	perSecond := rate.Limit(float64(cap) / 3600.0)
	return &HourlyLimiter{limiter: rate.NewLimiter(perSecond, cap), cap: cap, clock: clock}
}

// Allow reports whether a run may proceed right now under the hourly cap.
func (h *HourlyLimiter) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cap <= 0 {
		return false
	}
	return h.limiter.AllowN(h.clock(), 1)
}
