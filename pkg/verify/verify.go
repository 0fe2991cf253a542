// Package verify provides chain and envelope verification under a
// verification budget, producing gate verdicts with reason tags (spec
// component table, §4.10 step 3).
package verify

import (
	"github.com/sentientos/forge/pkg/chain"
	"github.com/sentientos/forge/pkg/signedenvelope"
)

// Status is a gate verdict (spec §3 "GateResult").
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarn    Status = "warn"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

// Verdict is the result of a single budgeted verification call.
type Verdict struct {
	Status Status              `json:"status"`
	Reason string              `json:"reason,omitempty"`
	Chain  *chain.Verification `json:"chain,omitempty"`
}

// ChainWithBudget verifies c, clamping lastN to maxItems (the per-stream
// item cap handed down by the integrity controller's verification
// budget), and maps the chain.Verification onto a gate Status.
func ChainWithBudget(c *chain.Chain, lastN, maxItems int, enforce bool) (Verdict, error) {
	effective := lastN
	if maxItems > 0 && (effective <= 0 || effective > maxItems) {
		effective = maxItems
	}
	v, err := c.Verify(effective)
	if err != nil {
		return Verdict{}, err
	}
	switch v.Status {
	case "unknown":
		return Verdict{Status: StatusOK, Reason: "unknown_empty_chain", Chain: &v}, nil
	case "ok":
		return Verdict{Status: StatusOK, Chain: &v}, nil
	default:
		reason := "hash_mismatch"
		if v.Break != nil {
			reason = string(v.Break.Reason)
		}
		status := StatusWarn
		if enforce {
			status = StatusFail
		}
		return Verdict{Status: status, Reason: reason, Chain: &v}, nil
	}
}

// Disabled returns the verdict for a gate whose verification was never
// enabled for this tick (spec §4.12: reason ∈ {verify_disabled, ...}).
func Disabled() Verdict { return Verdict{Status: StatusSkipped, Reason: "verify_disabled"} }

// BudgetExhausted returns the verdict for a gate that was active but not
// selected under the tick's verification budget (spec §4.10 step 3).
func BudgetExhausted() Verdict { return Verdict{Status: StatusSkipped, Reason: "skipped_budget_exhausted"} }

// EnvelopeStream verifies a chained sequence of envelopes in order,
// applying signedenvelope.Verify to each and checking prev_sig_hash
// linkage between adjacent envelopes. It stops at the first failure.
func EnvelopeStream(signer signedenvelope.Signer, namespace string, envelopes []signedenvelope.Envelope, enforce bool) Verdict {
	if len(envelopes) == 0 {
		return Verdict{Status: StatusOK, Reason: "unknown_empty_chain"}
	}
	// the first envelope may be a window into a longer stream, so its own
	// prev_sig_hash is taken as given and linkage is checked from there on.
	expectedPrev := envelopes[0].PrevSigHash
	for _, e := range envelopes {
		res := signedenvelope.Verify(signer, namespace, e, expectedPrev)
		if !res.OK {
			status := StatusWarn
			if enforce {
				status = StatusFail
			}
			return Verdict{Status: status, Reason: string(res.Reason)}
		}
		hash := e.SigHash
		expectedPrev = &hash
	}
	return Verdict{Status: StatusOK}
}
