package registry_test

import (
	"errors"
	"testing"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/registry"
)

func newTestRegistry() *registry.Registry {
	r := registry.New("sess-1")
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestRegisterAssignsPrefixedIDs(t *testing.T) {
	r := newTestRegistry()
	fr1, err := r.Register(domain.ReqFunctional, "first", "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if fr1.ReqID != "FR-1" {
		t.Fatalf("expected FR-1, got %s", fr1.ReqID)
	}
	if fr1.Priority != "should" {
		t.Fatalf("expected default priority should, got %s", fr1.Priority)
	}
	ui1, _ := r.Register(domain.ReqUIElement, "button", "", "must")
	if ui1.ReqID != "UI-1" {
		t.Fatalf("expected UI-1, got %s", ui1.ReqID)
	}
	fr2, _ := r.Register(domain.ReqFunctional, "second", "", "could")
	if fr2.ReqID != "FR-2" {
		t.Fatalf("expected FR-2, got %s", fr2.ReqID)
	}
	if _, err := r.Register("bogus", "x", "", ""); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestIDsNeverReusedAfterDescope(t *testing.T) {
	r := newTestRegistry()
	fr1, _ := r.Register(domain.ReqFunctional, "first", "", "")
	if _, err := r.Descope(fr1.ReqID, "approver", "out of scope"); err != nil {
		t.Fatalf("descope: %v", err)
	}
	fr2, _ := r.Register(domain.ReqFunctional, "second", "", "")
	if fr2.ReqID != "FR-2" {
		t.Fatalf("descoped id must not be reused, got %s", fr2.ReqID)
	}
}

func TestFromRecordsResumesSequence(t *testing.T) {
	recs := []domain.Requirement{
		{SessionID: "sess-1", ReqID: "FR-3", Type: domain.ReqFunctional, Status: domain.ReqStatusPending},
		{SessionID: "sess-1", ReqID: "NF-1", Type: domain.ReqNonFunctional, Status: domain.ReqStatusDone},
	}
	r, err := registry.FromRecords("sess-1", recs)
	if err != nil {
		t.Fatalf("from records: %v", err)
	}
	next, _ := r.Register(domain.ReqFunctional, "new", "", "")
	if next.ReqID != "FR-4" {
		t.Fatalf("expected FR-4 after resume, got %s", next.ReqID)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := newTestRegistry()
	req := domain.Requirement{SessionID: "sess-1", ReqID: "FR-1", Type: domain.ReqFunctional, Status: domain.ReqStatusPending}
	if err := r.Add(req); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.Add(req)
	var dup registry.DuplicateRegistrationError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRegistrationError, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRegistry()
	req, _ := r.Register(domain.ReqFunctional, "work", "", "")

	// done requires evidence
	if _, err := r.RecordEvidence(req.ReqID, "  "); err == nil {
		t.Fatalf("expected error for empty evidence")
	}
	got, err := r.RecordEvidence(req.ReqID, "pkg/core.go")
	if err != nil || got.Status != domain.ReqStatusDone {
		t.Fatalf("record evidence: %v status=%s", err, got.Status)
	}

	// done cannot be descoped without reopening
	_, err = r.Descope(req.ReqID, "approver", "nope")
	var inv registry.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	// reopen clears evidence and approval
	got, err = r.Reopen(req.ReqID)
	if err != nil || got.Status != domain.ReqStatusPending {
		t.Fatalf("reopen: %v status=%s", err, got.Status)
	}
	if got.Evidence != nil || got.Approval != nil {
		t.Fatalf("reopen must clear evidence and approval")
	}

	// descoped cannot take evidence
	if _, err := r.Descope(req.ReqID, "approver", "descoping now"); err != nil {
		t.Fatalf("descope: %v", err)
	}
	_, err = r.RecordEvidence(req.ReqID, "pkg/core.go")
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransitionError for descoped evidence, got %v", err)
	}
}

func TestUnknownRequirement(t *testing.T) {
	r := newTestRegistry()
	_, err := r.RecordEvidence("FR-99", "x")
	var unk registry.UnknownRequirementError
	if !errors.As(err, &unk) {
		t.Fatalf("expected UnknownRequirementError, got %v", err)
	}
}

func TestCoverageAdjusted(t *testing.T) {
	r := newTestRegistry()
	var ids []string
	for i := 0; i < 5; i++ {
		req, _ := r.Register(domain.ReqFunctional, "item", "", "")
		ids = append(ids, req.ReqID)
	}
	for _, id := range ids[:3] {
		if _, err := r.RecordEvidence(id, "evidence"); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range ids[3:] {
		if _, err := r.Descope(id, "approver", "cut"); err != nil {
			t.Fatal(err)
		}
	}
	rep := r.Coverage()
	if rep.Total != 5 || rep.Implemented != 3 || rep.Descoped != 2 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
	if rep.AdjustedPercentage != 100 {
		t.Fatalf("3 done + 2 descoped of 5 must be 100%% adjusted, got %.1f", rep.AdjustedPercentage)
	}
	if len(rep.Gaps) != 0 {
		t.Fatalf("expected no gaps, got %v", rep.Gaps)
	}
}

func TestCoverageNamesGaps(t *testing.T) {
	r := newTestRegistry()
	done, _ := r.Register(domain.ReqFunctional, "done", "", "")
	gap, _ := r.Register(domain.ReqFunctional, "gap", "", "")
	if _, err := r.RecordEvidence(done.ReqID, "evidence"); err != nil {
		t.Fatal(err)
	}
	rep := r.Coverage()
	if rep.AdjustedPercentage >= 100 {
		t.Fatalf("expected gap to lower coverage, got %.1f", rep.AdjustedPercentage)
	}
	if len(rep.Gaps) != 1 || rep.Gaps[0] != gap.ReqID {
		t.Fatalf("expected gap %s, got %v", gap.ReqID, rep.Gaps)
	}
}

func TestCoverageMonotonicUnderEvidence(t *testing.T) {
	r := newTestRegistry()
	var ids []string
	for i := 0; i < 4; i++ {
		req, _ := r.Register(domain.ReqFunctional, "item", "", "")
		ids = append(ids, req.ReqID)
	}
	prev := r.Coverage().AdjustedPercentage
	for _, id := range ids {
		if _, err := r.RecordEvidence(id, "evidence"); err != nil {
			t.Fatal(err)
		}
		cur := r.Coverage().AdjustedPercentage
		if cur < prev {
			t.Fatalf("coverage decreased from %.1f to %.1f", prev, cur)
		}
		prev = cur
	}
	if prev != 100 {
		t.Fatalf("expected 100%% after all evidence, got %.1f", prev)
	}
}

func TestCoverageVacuouslyComplete(t *testing.T) {
	r := newTestRegistry()
	rep := r.Coverage()
	if rep.Percentage != 100 || rep.AdjustedPercentage != 100 {
		t.Fatalf("zero requirements must be 100%%: %+v", rep)
	}
	// all descoped also counts as complete
	req, _ := r.Register(domain.ReqFunctional, "item", "", "")
	if _, err := r.Descope(req.ReqID, "approver", "cut"); err != nil {
		t.Fatal(err)
	}
	rep = r.Coverage()
	if rep.AdjustedPercentage != 100 {
		t.Fatalf("all descoped must be 100%% adjusted, got %.1f", rep.AdjustedPercentage)
	}
}

func TestMappingAndUnmapped(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Register(domain.ReqFunctional, "a", "", "")
	b, _ := r.Register(domain.ReqFunctional, "b", "", "")
	if _, err := r.MapToStage(a.ReqID, "core_logic", []string{"t1"}); err != nil {
		t.Fatalf("map: %v", err)
	}
	unmapped := r.Unmapped()
	if len(unmapped) != 1 || unmapped[0] != b.ReqID {
		t.Fatalf("expected %s unmapped, got %v", b.ReqID, unmapped)
	}
	mapped := r.MappedTo("core_logic")
	if len(mapped) != 1 || mapped[0] != a.ReqID {
		t.Fatalf("expected %s mapped to core_logic, got %v", a.ReqID, mapped)
	}
}
