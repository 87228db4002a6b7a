package stage_test

import (
	"context"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/registry"
	"stagegate/internal/stage"
)

func newSink(t *testing.T, reqIDs ...string) *registry.Registry {
	t.Helper()
	r := registry.New("sess-1")
	for range reqIDs {
		if _, err := r.Register(domain.ReqFunctional, "item", "", ""); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return r
}

func TestExecuteAllDone(t *testing.T) {
	sink := newSink(t, "FR-1", "FR-2")
	res, err := stage.Executor{}.Execute(context.Background(), "core_logic", []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Evidence: "internal/cache/cache.go", Satisfies: []string{"FR-1"}},
		{ID: "t2", Status: stage.TaskDone, Evidence: "internal/cache/ttl.go", Satisfies: []string{"FR-2"}},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageDoneWithEvidence {
		t.Fatalf("expected done_with_evidence, got %s", res.Status)
	}
	if len(res.Outcomes) != 2 || len(res.Failures) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.EvidenceMap["t1"] != "internal/cache/cache.go" {
		t.Fatalf("evidence map not recorded: %v", res.EvidenceMap)
	}
	req, _ := sink.Get("FR-1")
	if req.Status != domain.ReqStatusDone || req.Evidence == nil {
		t.Fatalf("requirement not marked done: %+v", req)
	}
}

func TestExecuteDoneWithoutEvidenceFails(t *testing.T) {
	sink := newSink(t, "FR-1")
	res, err := stage.Executor{}.Execute(context.Background(), "scaffold", []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Satisfies: []string{"FR-1"}},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageInProgress {
		t.Fatalf("expected in_progress, got %s", res.Status)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected one failure, got %v", res.Failures)
	}
	if res.Outcomes[0].Status != stage.TaskFailed {
		t.Fatalf("done without evidence must be demoted to failed: %+v", res.Outcomes[0])
	}
	req, _ := sink.Get("FR-1")
	if req.Status != domain.ReqStatusPending {
		t.Fatalf("requirement must stay pending, got %s", req.Status)
	}
}

func TestExecuteRerunRefreshesDoneRequirement(t *testing.T) {
	sink := newSink(t, "FR-1")
	tasks := []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Evidence: "pkg/cache.go", Satisfies: []string{"FR-1"}},
	}
	if _, err := (stage.Executor{}).Execute(context.Background(), "core_logic", tasks, sink); err != nil {
		t.Fatalf("first run: %v", err)
	}

	tasks[0].Evidence = "pkg/cache_v2.go"
	res, err := stage.Executor{}.Execute(context.Background(), "core_logic", tasks, sink)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if res.Status != domain.StageDoneWithEvidence {
		t.Fatalf("expected done_with_evidence, got %s (%v)", res.Status, res.Failures)
	}
	if res.Outcomes[0].Error != "" {
		t.Fatalf("re-run over a done requirement must not report an error: %+v", res.Outcomes[0])
	}
	req, _ := sink.Get("FR-1")
	if req.Evidence == nil || *req.Evidence != "pkg/cache_v2.go" {
		t.Fatalf("evidence locator not refreshed: %+v", req)
	}
}

func TestExecuteUnknownRequirementFailsTask(t *testing.T) {
	sink := newSink(t)
	res, err := stage.Executor{}.Execute(context.Background(), "core_logic", []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Evidence: "pkg/cache.go", Satisfies: []string{"FR-9"}},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageInProgress || len(res.Failures) != 1 {
		t.Fatalf("unknown requirement must fail the task: %+v", res)
	}
	if res.Outcomes[0].Error == "" {
		t.Fatalf("expected outcome error for unknown requirement")
	}
}

func TestExecuteBlockedTaskBlocksStage(t *testing.T) {
	sink := newSink(t, "FR-1")
	res, err := stage.Executor{}.Execute(context.Background(), "integration_test", []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Evidence: "it/main_test.go", Satisfies: []string{"FR-1"}},
		{ID: "t2", Status: stage.TaskBlocked, Note: "staging environment down"},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageBlocked {
		t.Fatalf("expected blocked, got %s", res.Status)
	}
	// the done task's evidence still landed
	req, _ := sink.Get("FR-1")
	if req.Status != domain.ReqStatusDone {
		t.Fatalf("completed work must be kept even when the stage blocks")
	}
}

func TestExecuteFailedTaskKeepsStageInProgress(t *testing.T) {
	sink := newSink(t)
	res, err := stage.Executor{}.Execute(context.Background(), "smoke_test", []stage.Task{
		{ID: "t1", Status: stage.TaskFailed, Note: "panic on empty input"},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageInProgress {
		t.Fatalf("expected in_progress, got %s", res.Status)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected failure recorded, got %v", res.Failures)
	}
}

func TestExecuteUnknownStatus(t *testing.T) {
	sink := newSink(t)
	res, err := stage.Executor{}.Execute(context.Background(), "scaffold", []stage.Task{
		{ID: "t1", Status: "paused"},
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StageInProgress || len(res.Failures) != 1 {
		t.Fatalf("unknown status must be a failure: %+v", res)
	}
}

func TestExecuteRequiresTasks(t *testing.T) {
	sink := newSink(t)
	if _, err := (stage.Executor{}).Execute(context.Background(), "scaffold", nil, sink); err == nil {
		t.Fatalf("expected error for empty task list")
	}
	if _, err := (stage.Executor{}).Execute(context.Background(), "", []stage.Task{{ID: "t1", Status: stage.TaskDone, Evidence: "x"}}, sink); err == nil {
		t.Fatalf("expected error for empty stage id")
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	sink := newSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stage.Executor{}.Execute(ctx, "scaffold", []stage.Task{
		{ID: "t1", Status: stage.TaskDone, Evidence: "x"},
	}, sink)
	if err == nil {
		t.Fatalf("expected context error")
	}
}
