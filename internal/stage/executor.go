// Package stage carries out the task list of one sub-stage and attaches
// definition-of-done evidence. The orchestrator never performs the work
// itself; it records what the external tooling reports and wires evidence
// back into the requirement registry.
package stage

import (
	"context"
	"fmt"

	"stagegate/internal/domain"
)

// Task outcome statuses reported by the external tooling.
const (
	TaskDone    = "done"
	TaskFailed  = "failed"
	TaskBlocked = "blocked"
)

// Task is one reported work item of a sub-stage.
type Task struct {
	ID        string   `json:"id"`
	Status    string   `json:"status" enum:"done,failed,blocked"`
	Evidence  string   `json:"evidence,omitempty"`
	Satisfies []string `json:"satisfies,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// Outcome is the executor's record of one task, including any per-task
// error. A single failing task never aborts the stage; all outcomes are
// collected and the engine decides what partial completion means.
type Outcome struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Evidence string `json:"evidence,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result aggregates one sub-stage execution.
type Result struct {
	StageID     string            `json:"stage_id"`
	Status      string            `json:"status"`
	Outcomes    []Outcome         `json:"outcomes"`
	EvidenceMap map[string]string `json:"evidence_map,omitempty"`
	Failures    []string          `json:"failures,omitempty"`
}

// EvidenceSink receives requirement progress from completed tasks. The
// coupling is mandatory: coverage can only be computed if every
// code-producing task reports back.
type EvidenceSink interface {
	Start(reqID string) (domain.Requirement, error)
	RecordEvidence(reqID, evidenceLocator string) (domain.Requirement, error)
}

// Executor validates and aggregates task outcomes for one sub-stage.
type Executor struct{}

// Execute processes the reported tasks. Blocked tasks mark the whole stage
// blocked (an external dependency is missing, which is not a logic
// failure); failed tasks leave the stage in progress; a stage with all
// tasks done finishes done_with_evidence.
func (Executor) Execute(ctx context.Context, stageID string, tasks []Task, sink EvidenceSink) (Result, error) {
	if stageID == "" {
		return Result{}, fmt.Errorf("stage id required")
	}
	if len(tasks) == 0 {
		return Result{}, fmt.Errorf("stage %s: at least one task required", stageID)
	}
	res := Result{
		StageID:     stageID,
		Status:      domain.StageInProgress,
		EvidenceMap: map[string]string{},
	}
	blocked := false
	allDone := true
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			// cancellation is cooperative: already-collected outcomes are
			// returned for audit, but no further task is processed
			return res, err
		}
		out := Outcome{TaskID: t.ID, Status: t.Status}
		switch t.Status {
		case TaskDone:
			if t.Evidence == "" {
				out.Status = TaskFailed
				out.Error = "done task missing evidence"
				allDone = false
				res.Failures = append(res.Failures, fmt.Sprintf("task %s: done without evidence", t.ID))
				res.Outcomes = append(res.Outcomes, out)
				continue
			}
			out.Evidence = t.Evidence
			res.EvidenceMap[t.ID] = t.Evidence
			for _, reqID := range t.Satisfies {
				// Start legitimately fails on a re-run over an already-done
				// requirement; RecordEvidence is the authority on failure.
				sink.Start(reqID)
				if _, err := sink.RecordEvidence(reqID, t.Evidence); err != nil {
					out.Error = err.Error()
					allDone = false
					res.Failures = append(res.Failures, fmt.Sprintf("task %s: %v", t.ID, err))
				}
			}
		case TaskBlocked:
			blocked = true
			allDone = false
			out.Error = t.Note
		case TaskFailed:
			allDone = false
			res.Failures = append(res.Failures, fmt.Sprintf("task %s: %s", t.ID, t.Note))
			out.Error = t.Note
		default:
			allDone = false
			out.Error = fmt.Sprintf("unknown task status %s", t.Status)
			res.Failures = append(res.Failures, fmt.Sprintf("task %s: unknown status %s", t.ID, t.Status))
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	switch {
	case blocked:
		res.Status = domain.StageBlocked
	case allDone:
		res.Status = domain.StageDoneWithEvidence
	}
	return res, nil
}
