package server

import (
	"encoding/json"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/stage"
)

// Request payloads

type CreateSessionRequest struct {
	ID        *string           `json:"id,omitempty"`
	Objective string            `json:"objective"`
	Level     *int              `json:"level,omitempty" minimum:"1" maximum:"4"`
	Modules   []string          `json:"modules,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
}

type IntakeRequest struct {
	Answers        map[string]string `json:"answers,omitempty"`
	AcceptDefaults bool              `json:"accept_defaults,omitempty"`
}

type CreateRequirementRequest struct {
	Type               string  `json:"type" enum:"functional,ui_element,non_functional"`
	Priority           *string `json:"priority,omitempty" enum:"must,should,could"`
	Description        string  `json:"description"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
}

type MapRequirementRequest struct {
	Stage string   `json:"stage"`
	Tasks []string `json:"tasks,omitempty"`
}

type EvidenceRequest struct {
	Evidence string `json:"evidence"`
}

type DescopeRequest struct {
	Justification string `json:"justification"`
}

type WaiveStageRequest struct {
	Justification string `json:"justification"`
}

type TaskInput struct {
	ID        string   `json:"id"`
	Status    string   `json:"status" enum:"done,failed,blocked"`
	Evidence  *string  `json:"evidence,omitempty"`
	Satisfies []string `json:"satisfies,omitempty"`
	Note      *string  `json:"note,omitempty"`
}

type RunStageRequest struct {
	Tasks []TaskInput `json:"tasks"`
}

type VerifyRequest struct {
	Passed  bool               `json:"passed"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

type CancelRequest struct {
	Note *string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type SessionResponse struct {
	ID                   string            `json:"id"`
	Objective            string            `json:"objective"`
	CurrentStage         string            `json:"current_stage" enum:"init,prompt_validation,requirements_intake,planning,code_generation,verification,handoff,terminated"`
	MaturityLevel        int               `json:"maturity_level"`
	Modules              []string          `json:"modules"`
	Intake               map[string]string `json:"intake,omitempty"`
	IntakeDefaulted      []string          `json:"intake_defaulted,omitempty"`
	RequirementsApproved bool              `json:"requirements_approved"`
	PlanApproved         bool              `json:"plan_approved"`
	Terminated           bool              `json:"terminated"`
	TerminationReason    string            `json:"termination_reason,omitempty"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	UpdatedAt            string            `json:"updated_at" format:"date-time"`
}

type GateOutcomeResponse struct {
	Session  SessionResponse   `json:"session"`
	GateID   string            `json:"gate_id"`
	Passed   bool              `json:"passed"`
	Reasons  []string          `json:"reasons"`
	Decision string            `json:"decision" enum:"passed,prompted,retried,terminated,rolled_back"`
	Prompt   string            `json:"prompt,omitempty"`
	Defaults map[string]string `json:"defaults,omitempty"`
}

type ApprovalResponse struct {
	ActorID       string `json:"actor_id"`
	Justification string `json:"justification"`
	TS            string `json:"ts" format:"date-time"`
}

type RequirementResponse struct {
	ReqID              string            `json:"req_id"`
	SessionID          string            `json:"session_id"`
	Type               string            `json:"type" enum:"functional,ui_element,non_functional"`
	Priority           string            `json:"priority" enum:"must,should,could"`
	Description        string            `json:"description"`
	AcceptanceCriteria string            `json:"acceptance_criteria,omitempty"`
	Status             string            `json:"status" enum:"pending,in_progress,done,descoped"`
	Evidence           *string           `json:"evidence,omitempty"`
	MappedStage        *string           `json:"mapped_stage,omitempty"`
	MappedTasks        []string          `json:"mapped_tasks"`
	Approval           *ApprovalResponse `json:"approval,omitempty"`
	CreatedAt          string            `json:"created_at" format:"date-time"`
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
}

type StageRecordResponse struct {
	StageID   string            `json:"stage_id"`
	Status    string            `json:"status" enum:"not_started,in_progress,done_with_evidence,blocked"`
	Evidence  map[string]string `json:"evidence,omitempty"`
	Waiver    *ApprovalResponse `json:"waiver,omitempty"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

type StageResultResponse struct {
	StageID  string            `json:"stage_id"`
	Status   string            `json:"status"`
	Outcomes []stage.Outcome   `json:"outcomes"`
	Evidence map[string]string `json:"evidence,omitempty"`
	Failures []string          `json:"failures"`
}

type SessionStatusResponse struct {
	Session  SessionResponse       `json:"session"`
	Level    int                   `json:"level"`
	Stages   []string              `json:"required_sub_stages"`
	Records  []StageRecordResponse `json:"records"`
	Coverage domain.CoverageReport `json:"coverage"`
	Retries  []engine.RetryStatus  `json:"retries"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	resp := SessionResponse{
		ID:                   s.ID,
		Objective:            s.Objective,
		CurrentStage:         s.CurrentStage,
		MaturityLevel:        s.MaturityLevel,
		Modules:              nonNilSlice(s.Modules),
		RequirementsApproved: s.RequirementsApproved,
		PlanApproved:         s.PlanApproved,
		Terminated:           s.Terminated,
		TerminationReason:    s.TerminationReason,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	var intake engine.IntakeRecord
	if s.IntakeJSON != "" && json.Unmarshal([]byte(s.IntakeJSON), &intake) == nil {
		resp.Intake = intake.Answers
		resp.IntakeDefaulted = intake.Defaulted
	}
	return resp
}

func gateOutcomeResponse(out engine.GateOutcome) GateOutcomeResponse {
	return GateOutcomeResponse{
		Session:  sessionResponse(out.Session),
		GateID:   out.Result.GateID,
		Passed:   out.Result.Passed,
		Reasons:  nonNilSlice(out.Result.Reasons),
		Decision: out.Decision,
		Prompt:   out.Prompt,
		Defaults: out.Defaults,
	}
}

func requirementResponse(r domain.Requirement) RequirementResponse {
	return RequirementResponse{
		ReqID:              r.ReqID,
		SessionID:          r.SessionID,
		Type:               r.Type,
		Priority:           r.Priority,
		Description:        r.Description,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Status:             r.Status,
		Evidence:           r.Evidence,
		MappedStage:        r.MappedStage,
		MappedTasks:        nonNilSlice(r.MappedTasks),
		Approval:           approvalResponse(r.Approval),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func approvalResponse(a *domain.ApprovalRecord) *ApprovalResponse {
	if a == nil {
		return nil
	}
	return &ApprovalResponse{ActorID: a.ActorID, Justification: a.Justification, TS: a.TS}
}

func stageRecordResponse(rec domain.StageRecord) StageRecordResponse {
	return StageRecordResponse{
		StageID:   rec.StageID,
		Status:    rec.Status,
		Evidence:  decodeStringMap(rec.EvidenceJSON),
		Waiver:    approvalResponse(rec.Waiver),
		UpdatedAt: rec.UpdatedAt,
	}
}

func stageResultResponse(res stage.Result) StageResultResponse {
	return StageResultResponse{
		StageID:  res.StageID,
		Status:   res.Status,
		Outcomes: nonNilSlice(res.Outcomes),
		Evidence: res.EvidenceMap,
		Failures: nonNilSlice(res.Failures),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func tasksFromInputs(inputs []TaskInput) []stage.Task {
	tasks := make([]stage.Task, 0, len(inputs))
	for _, in := range inputs {
		tasks = append(tasks, stage.Task{
			ID:        in.ID,
			Status:    in.Status,
			Evidence:  stringOrEmpty(in.Evidence),
			Satisfies: in.Satisfies,
			Note:      stringOrEmpty(in.Note),
		})
	}
	return tasks
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
