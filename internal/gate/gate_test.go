package gate_test

import (
	"errors"
	"strings"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/gate"
	"stagegate/internal/retry"
)

func TestPromptCompletenessCollectsAllReasons(t *testing.T) {
	fields := []retry.Field{
		{Name: "objective", Critical: true},
		{Name: "acceptance_scope", Critical: true},
		{Name: "target_users", Default: "internal team"},
	}
	res := gate.PromptCompleteness(fields, map[string]string{"objective": "build a cache"})
	if res.Passed {
		t.Fatalf("expected failure")
	}
	// both missing fields reported in one pass, critical flagged as such
	if len(res.Reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %v", res.Reasons)
	}
	joined := strings.Join(res.Reasons, "\n")
	if !strings.Contains(joined, "acceptance_scope is required") {
		t.Fatalf("critical field not flagged: %v", res.Reasons)
	}
	if !strings.Contains(joined, "target_users is missing") {
		t.Fatalf("non-critical field not reported: %v", res.Reasons)
	}

	res = gate.PromptCompleteness(fields, map[string]string{
		"objective":        "build a cache",
		"acceptance_scope": "get/set with TTL",
		"target_users":     "ops",
	})
	if !res.Passed || res.Err() != nil {
		t.Fatalf("expected pass, got %v", res.Reasons)
	}
}

func TestPromptCompletenessIgnoresWhitespaceAnswers(t *testing.T) {
	fields := []retry.Field{{Name: "objective", Critical: true}}
	res := gate.PromptCompleteness(fields, map[string]string{"objective": "   "})
	if res.Passed {
		t.Fatalf("whitespace-only answer must not satisfy the field")
	}
}

func TestRequirementsApproval(t *testing.T) {
	res := gate.RequirementsApproval(0, false)
	if res.Passed || len(res.Reasons) != 2 {
		t.Fatalf("expected both reasons, got %v", res.Reasons)
	}
	if !gate.RequirementsApproval(3, true).Passed {
		t.Fatalf("expected pass")
	}
}

func TestPlanApprovalListsUnmapped(t *testing.T) {
	res := gate.PlanApproval(true, []string{"FR-2", "UI-1"})
	if res.Passed {
		t.Fatalf("expected failure with unmapped requirements")
	}
	joined := strings.Join(res.Reasons, "\n")
	if !strings.Contains(joined, "FR-2") || !strings.Contains(joined, "UI-1") {
		t.Fatalf("unmapped ids not named: %v", res.Reasons)
	}
	if !gate.PlanApproval(true, nil).Passed {
		t.Fatalf("expected pass with approval and no unmapped")
	}
}

func TestStageCompletion(t *testing.T) {
	required := []string{"scaffold", "core_logic", "smoke_test"}
	records := map[string]domain.StageRecord{
		"scaffold": {StageID: "scaffold", Status: domain.StageDoneWithEvidence},
		"core_logic": {
			StageID: "core_logic",
			Status:  domain.StageBlocked,
			Waiver:  &domain.ApprovalRecord{ActorID: "lead", Justification: "vendor outage"},
		},
	}
	res := gate.StageCompletion(required, records)
	if res.Passed {
		t.Fatalf("expected failure for missing smoke_test")
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "smoke_test") {
		t.Fatalf("expected only smoke_test reported, got %v", res.Reasons)
	}

	// blocked without waiver fails
	records["smoke_test"] = domain.StageRecord{StageID: "smoke_test", Status: domain.StageBlocked}
	res = gate.StageCompletion(required, records)
	if res.Passed || !strings.Contains(strings.Join(res.Reasons, "\n"), "blocked without a waiver") {
		t.Fatalf("expected waiver failure, got %v", res.Reasons)
	}

	records["smoke_test"] = domain.StageRecord{StageID: "smoke_test", Status: domain.StageDoneWithEvidence}
	if res := gate.StageCompletion(required, records); !res.Passed {
		t.Fatalf("expected pass, got %v", res.Reasons)
	}
}

func TestQuality(t *testing.T) {
	if res := gate.Quality(true, map[string]float64{"test_coverage": 80}, nil, 75); !res.Passed {
		t.Fatalf("expected pass, got %v", res.Reasons)
	}
	res := gate.Quality(false, map[string]float64{"test_coverage": 60}, nil, 75)
	if res.Passed || len(res.Reasons) != 2 {
		t.Fatalf("expected failed checks and threshold reasons, got %v", res.Reasons)
	}
	res = gate.Quality(true, map[string]float64{"lint": 0}, nil, 75)
	if res.Passed || !strings.Contains(res.Reasons[0], "test_coverage") {
		t.Fatalf("expected missing metric reason, got %v", res.Reasons)
	}
}

func TestQualityRequiredMetricsCatalog(t *testing.T) {
	required := []string{"test_coverage", "lint_score"}
	res := gate.Quality(true, map[string]float64{"test_coverage": 99}, required, 75)
	if res.Passed {
		t.Fatalf("expected failure for missing required metric")
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "missing lint_score") {
		t.Fatalf("missing metric not named: %v", res.Reasons)
	}
	if res := gate.Quality(true, map[string]float64{"test_coverage": 99, "lint_score": 9}, required, 75); !res.Passed {
		t.Fatalf("expected pass with all required metrics, got %v", res.Reasons)
	}
	// test_coverage is demanded even when the catalog omits it
	res = gate.Quality(true, map[string]float64{"lint_score": 9}, []string{"lint_score"}, 75)
	if res.Passed || !strings.Contains(strings.Join(res.Reasons, "\n"), "missing test_coverage") {
		t.Fatalf("coverage metric must stay mandatory: %v", res.Reasons)
	}
}

func TestCoverageGate(t *testing.T) {
	pass := domain.CoverageReport{Total: 5, Implemented: 3, Descoped: 2, AdjustedPercentage: 100}
	if res := gate.Coverage(pass); !res.Passed {
		t.Fatalf("expected pass, got %v", res.Reasons)
	}
	fail := domain.CoverageReport{Total: 3, Implemented: 2, AdjustedPercentage: 66.7, Gaps: []string{"FR-3"}}
	res := gate.Coverage(fail)
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Reasons[0], "FR-3") {
		t.Fatalf("gap requirement not named: %v", res.Reasons)
	}
	err := res.Err()
	var gerr gate.FailureError
	if !errors.As(err, &gerr) || gerr.GateID != gate.CoverageGate {
		t.Fatalf("expected FailureError for coverage gate, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	a := gate.Result{GateID: gate.QualityGate, Passed: false, Reasons: []string{"one"}}
	b := gate.Result{GateID: gate.CoverageGate, Passed: true}
	c := gate.Result{GateID: gate.CoverageGate, Passed: false, Reasons: []string{"two"}}
	merged := gate.Merge(gate.VerificationGate, a, b, c)
	if merged.Passed || merged.GateID != gate.VerificationGate {
		t.Fatalf("unexpected merged verdict: %+v", merged)
	}
	if len(merged.Reasons) != 2 {
		t.Fatalf("expected concatenated reasons, got %v", merged.Reasons)
	}
	if ok := gate.Merge(gate.VerificationGate, b); !ok.Passed {
		t.Fatalf("all-pass merge must pass")
	}
}
