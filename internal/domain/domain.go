package domain

// Stage identifiers for the session state machine.
const (
	StageInit               = "init"
	StagePromptValidation   = "prompt_validation"
	StageRequirementsIntake = "requirements_intake"
	StagePlanning           = "planning"
	StageCodeGeneration     = "code_generation"
	StageVerification       = "verification"
	StageHandoff            = "handoff"
	StageTerminated         = "terminated"
)

// Termination reasons.
const (
	TerminatedAborted   = "aborted"
	TerminatedExhausted = "exhausted"
	TerminatedSucceeded = "succeeded"
)

type Session struct {
	ID                   string   `json:"id"`
	Objective            string   `json:"objective"`
	CurrentStage         string   `json:"current_stage" enum:"init,prompt_validation,requirements_intake,planning,code_generation,verification,handoff,terminated"`
	MaturityLevel        int      `json:"maturity_level" minimum:"1" maximum:"4"`
	Modules              []string `json:"modules,omitempty"`
	IntakeJSON           string   `json:"intake_json,omitempty"`
	RequirementsApproved bool     `json:"requirements_approved"`
	PlanApproved         bool     `json:"plan_approved"`
	Terminated           bool     `json:"terminated"`
	TerminationReason    string   `json:"termination_reason,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// Requirement types.
const (
	ReqFunctional    = "functional"
	ReqUIElement     = "ui_element"
	ReqNonFunctional = "non_functional"
)

// Requirement statuses.
const (
	ReqStatusPending    = "pending"
	ReqStatusInProgress = "in_progress"
	ReqStatusDone       = "done"
	ReqStatusDescoped   = "descoped"
)

type Requirement struct {
	SessionID          string          `json:"session_id"`
	ReqID              string          `json:"req_id"`
	Type               string          `json:"type" enum:"functional,ui_element,non_functional"`
	Priority           string          `json:"priority" enum:"must,should,could"`
	Description        string          `json:"description"`
	AcceptanceCriteria string          `json:"acceptance_criteria,omitempty"`
	Status             string          `json:"status" enum:"pending,in_progress,done,descoped"`
	Evidence           *string         `json:"evidence,omitempty"`
	MappedStage        *string         `json:"mapped_stage,omitempty"`
	MappedTasks        []string        `json:"mapped_tasks,omitempty"`
	Approval           *ApprovalRecord `json:"approval,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

// ApprovalRecord identifies who signed off on a descope or waiver and why.
type ApprovalRecord struct {
	ActorID       string `json:"actor_id"`
	Justification string `json:"justification"`
	TS            string `json:"ts" format:"date-time"`
}

type RetryState struct {
	SessionID      string `json:"session_id"`
	GateID         string `json:"gate_id"`
	AttemptsMade   int    `json:"attempts_made"`
	MaxAttempts    int    `json:"max_attempts"`
	LastPromptedAt string `json:"last_prompted_at,omitempty" format:"date-time"`
}

// Sub-stage execution statuses.
const (
	StageNotStarted       = "not_started"
	StageInProgress       = "in_progress"
	StageDoneWithEvidence = "done_with_evidence"
	StageBlocked          = "blocked"
)

// StageRecord is the persisted outcome of one sub-stage of one session.
type StageRecord struct {
	SessionID    string          `json:"session_id"`
	StageID      string          `json:"stage_id"`
	Status       string          `json:"status" enum:"not_started,in_progress,done_with_evidence,blocked"`
	EvidenceJSON string          `json:"evidence_json,omitempty"`
	Waiver       *ApprovalRecord `json:"waiver,omitempty"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// CoverageReport is computed on demand, never stored.
type CoverageReport struct {
	Total              int      `json:"total"`
	Implemented        int      `json:"implemented"`
	Descoped           int      `json:"descoped"`
	ImplementedOrDesc  int      `json:"implemented_or_descoped"`
	Percentage         float64  `json:"percentage"`
	AdjustedPercentage float64  `json:"adjusted_percentage"`
	Gaps               []string `json:"gaps,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
