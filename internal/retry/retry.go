// Package retry bounds how many times an actor is re-prompted for the same
// unmet gate before the session is aborted.
package retry

import (
	"time"

	"stagegate/internal/domain"
)

// MaxAttempts is the uniform retry cap. It is deliberately not configurable
// per gate: every gate in the system carries the same "no indefinite
// suspension" guarantee.
const MaxAttempts = 2

// Decision kinds.
const (
	Continue  = "continue"
	Retry     = "retry"
	Terminate = "terminate"
)

// Prompt variants.
const (
	PromptFull  = "full"
	PromptShort = "short"
)

// Field describes one gate input. Criticality is a per-field attribute
// supplied by the caller, never hardcoded per gate: critical fields may not
// be auto-defaulted even on the final attempt.
type Field struct {
	Name     string
	Critical bool
	Default  string
}

// Decision is the outcome of one Attempt call.
type Decision struct {
	Kind          string
	PromptVariant string
	// Defaults maps non-critical field names to the documented default the
	// actor may accept on a retry.
	Defaults map[string]string
	Reason   string
}

// Policy mutates per-gate retry counters. The zero value is usable.
type Policy struct {
	Now func() time.Time
}

// Attempt records one prompt attempt against the gate and decides what
// happens next. The first call yields Continue with the full clarification
// prompt; the second yields Retry with a shortened prompt offering defaults
// for non-critical fields; the third always yields Terminate regardless of
// gate identity.
func (p Policy) Attempt(state *domain.RetryState, missing []Field) Decision {
	if state.MaxAttempts == 0 {
		state.MaxAttempts = MaxAttempts
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	state.AttemptsMade++
	state.LastPromptedAt = now().UTC().Format(time.RFC3339)

	switch {
	case state.AttemptsMade <= 1:
		return Decision{Kind: Continue, PromptVariant: PromptFull}
	case state.AttemptsMade <= state.MaxAttempts:
		return Decision{
			Kind:          Retry,
			PromptVariant: PromptShort,
			Defaults:      defaultable(missing),
		}
	default:
		return Decision{Kind: Terminate, Reason: domain.TerminatedExhausted}
	}
}

// Exhausted reports whether the gate has used up its attempts.
func Exhausted(state domain.RetryState) bool {
	max := state.MaxAttempts
	if max == 0 {
		max = MaxAttempts
	}
	return state.AttemptsMade > max
}

func defaultable(fields []Field) map[string]string {
	defaults := map[string]string{}
	for _, f := range fields {
		if f.Critical || f.Default == "" {
			continue
		}
		defaults[f.Name] = f.Default
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}
