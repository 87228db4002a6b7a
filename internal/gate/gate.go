// Package gate implements the predicate checkpoints between workflow stages.
// Every evaluator collects all failure reasons in one pass; actors never
// have to retry once per missing field.
package gate

import (
	"fmt"
	"strings"

	"stagegate/internal/domain"
	"stagegate/internal/retry"
)

// Gate identifiers.
const (
	PromptCompletenessGate   = "prompt_completeness"
	RequirementsApprovalGate = "requirements_approval"
	PlanApprovalGate         = "plan_approval"
	StageCompletionGate      = "stage_completion"
	QualityGate              = "quality"
	CoverageGate             = "coverage"
	VerificationGate         = "verification"
)

// Result is a gate verdict with human-readable failure reasons.
type Result struct {
	GateID  string   `json:"gate_id"`
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// FailureError carries a failed gate's full reason list.
type FailureError struct {
	GateID  string
	Reasons []string
}

func (e FailureError) Error() string {
	return fmt.Sprintf("gate %s failed: %s", e.GateID, strings.Join(e.Reasons, "; "))
}

// Err returns nil for a passed result, FailureError otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return FailureError{GateID: r.GateID, Reasons: r.Reasons}
}

// PromptCompleteness checks the intake answers against the field catalog.
// Empty answers for critical and non-critical fields alike are reported; the
// retry policy decides which of them may later be defaulted.
func PromptCompleteness(fields []retry.Field, answers map[string]string) Result {
	res := Result{GateID: PromptCompletenessGate, Passed: true}
	for _, f := range fields {
		if strings.TrimSpace(answers[f.Name]) != "" {
			continue
		}
		res.Passed = false
		if f.Critical {
			res.Reasons = append(res.Reasons, fmt.Sprintf("field %s is required and cannot be defaulted", f.Name))
		} else {
			res.Reasons = append(res.Reasons, fmt.Sprintf("field %s is missing", f.Name))
		}
	}
	return res
}

// RequirementsApproval requires at least one registered requirement and an
// explicit actor sign-off; the transition out of intake is never automatic.
func RequirementsApproval(total int, approved bool) Result {
	res := Result{GateID: RequirementsApprovalGate, Passed: true}
	if total == 0 {
		res.Passed = false
		res.Reasons = append(res.Reasons, "no requirements registered")
	}
	if !approved {
		res.Passed = false
		res.Reasons = append(res.Reasons, "requirement set not approved by actor")
	}
	return res
}

// PlanApproval requires actor sign-off and zero unmapped requirements. A
// requirement with no mapping is a gate failure, not a silent default.
func PlanApproval(approved bool, unmapped []string) Result {
	res := Result{GateID: PlanApprovalGate, Passed: true}
	if !approved {
		res.Passed = false
		res.Reasons = append(res.Reasons, "stage/task mapping not approved by actor")
	}
	for _, id := range unmapped {
		res.Passed = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("requirement %s has no stage mapping", id))
	}
	return res
}

// StageCompletion checks that every required sub-stage reports
// done_with_evidence, or blocked with a documented waiver.
func StageCompletion(required []string, records map[string]domain.StageRecord) Result {
	res := Result{GateID: StageCompletionGate, Passed: true}
	for _, stageID := range required {
		rec, ok := records[stageID]
		if !ok || rec.Status == domain.StageNotStarted || rec.Status == domain.StageInProgress {
			res.Passed = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("sub-stage %s not completed", stageID))
			continue
		}
		if rec.Status == domain.StageBlocked && rec.Waiver == nil {
			res.Passed = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("sub-stage %s is blocked without a waiver", stageID))
		}
	}
	return res
}

// CoverageMetric is the one metric every quality run must report; the
// maturity threshold applies to it.
const CoverageMetric = "test_coverage"

// Quality evaluates recorded quality-check results against the maturity
// threshold and the configured metric catalog. The checks themselves are a
// black box; only the verdict and the named metrics are inspected. Every
// metric in required must be present, and the coverage metric is demanded
// even when the catalog omits it.
func Quality(passed bool, metrics map[string]float64, required []string, threshold int) Result {
	res := Result{GateID: QualityGate, Passed: true}
	if !passed {
		res.Passed = false
		res.Reasons = append(res.Reasons, "quality checks reported failure")
	}
	for _, name := range requiredMetrics(required) {
		if _, ok := metrics[name]; !ok {
			res.Passed = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("quality metrics missing %s", name))
		}
	}
	if cov, ok := metrics[CoverageMetric]; ok && cov < float64(threshold) {
		res.Passed = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s %.1f%% below threshold %d%%", CoverageMetric, cov, threshold))
	}
	return res
}

func requiredMetrics(required []string) []string {
	names := []string{CoverageMetric}
	for _, name := range required {
		if name != CoverageMetric {
			names = append(names, name)
		}
	}
	return names
}

// Coverage is the single hard release gate: no session reaches handoff with
// an unaccounted-for requirement. Passed means the adjusted percentage is
// 100, i.e. every gap is either implemented with evidence or descoped with
// approval.
func Coverage(rep domain.CoverageReport) Result {
	res := Result{GateID: CoverageGate, Passed: true}
	if rep.AdjustedPercentage >= 100 && len(rep.Gaps) == 0 {
		return res
	}
	res.Passed = false
	for _, id := range rep.Gaps {
		res.Reasons = append(res.Reasons, fmt.Sprintf("requirement %s is neither done nor descoped", id))
	}
	if len(res.Reasons) == 0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("adjusted coverage %.1f%% below 100%%", rep.AdjustedPercentage))
	}
	return res
}

// Merge combines several results into one verdict, concatenating reasons.
func Merge(gateID string, results ...Result) Result {
	merged := Result{GateID: gateID, Passed: true}
	for _, r := range results {
		if !r.Passed {
			merged.Passed = false
			merged.Reasons = append(merged.Reasons, r.Reasons...)
		}
	}
	return merged
}
