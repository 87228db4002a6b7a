package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/gate"
	"stagegate/internal/maturity"
	"stagegate/internal/registry"
	"stagegate/internal/repo"
	"stagegate/internal/retry"
	"stagegate/internal/stage"
	"stagegate/internal/templates"
)

// SessionTerminatedError rejects any operation on a finished session.
type SessionTerminatedError struct {
	SessionID string
	Reason    string
}

func (e SessionTerminatedError) Error() string {
	return fmt.Sprintf("session %s is terminated (%s); no further operations permitted", e.SessionID, e.Reason)
}

// InvalidStageError rejects an operation that is not legal in the session's
// current stage.
type InvalidStageError struct {
	SessionID string
	Current   string
	Operation string
}

func (e InvalidStageError) Error() string {
	return fmt.Sprintf("session %s: %s not permitted in stage %s", e.SessionID, e.Operation, e.Current)
}

// Engine owns all mutation of session, requirement and retry state. One SQL
// transaction per operation, one audit event per mutation, exactly like the
// invariants assume: sequential consistency within a session.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Retry  retry.Policy
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IntakeRecord is the stored shape of a session's intake answers, including
// the annotation for every field that received a documented default.
type IntakeRecord struct {
	Answers   map[string]string `json:"answers"`
	Defaulted []string          `json:"defaulted,omitempty"`
}

// GateOutcome reports the result of an actor-facing gate evaluation.
type GateOutcome struct {
	Session  domain.Session    `json:"session"`
	Result   gate.Result       `json:"result"`
	Decision string            `json:"decision"`
	Prompt   string            `json:"prompt,omitempty"`
	Defaults map[string]string `json:"defaults,omitempty"`
}

// Gate decisions surfaced to actors.
const (
	DecisionPassed     = "passed"
	DecisionPrompted   = "prompted"
	DecisionRetried    = "retried"
	DecisionTerminated = "terminated"
	DecisionRolledBack = "rolled_back"
)

// SessionCreateOptions are parameters for creating a session.
type SessionCreateOptions struct {
	ID        string
	Objective string
	Level     int
	Modules   []string
	Answers   map[string]string
	ActorID   string
}

// CreateSession creates a session and immediately runs the
// prompt-validation gate against the supplied answers. The init to
// prompt_validation transition is unconditional; whether the session then
// advances to requirements_intake depends on the gate.
func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (GateOutcome, error) {
	if e.Config == nil {
		return GateOutcome{}, errors.New("config not loaded")
	}
	if opts.Objective == "" {
		return GateOutcome{}, errors.New("objective is required")
	}
	level := opts.Level
	if level == 0 {
		level = e.Config.Session.DefaultLevel
	}
	modules := opts.Modules
	if modules == nil {
		modules = e.Config.Session.DefaultModules
	}
	// fail fast on a bad level or module; never clamp
	if _, err := maturity.Resolve(level, modules); err != nil {
		return GateOutcome{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	answers := map[string]string{"objective": opts.Objective}
	for k, v := range opts.Answers {
		answers[k] = v
	}
	intake := IntakeRecord{Answers: answers}
	intakeJSON, err := json.Marshal(intake)
	if err != nil {
		return GateOutcome{}, err
	}
	now := e.nowStr()
	s := domain.Session{
		ID:            id,
		Objective:     opts.Objective,
		CurrentStage:  domain.StagePromptValidation,
		MaturityLevel: level,
		Modules:       modules,
		IntakeJSON:    string(intakeJSON),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GateOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return GateOutcome{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "session.created", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
		"objective": s.Objective,
		"level":     s.MaturityLevel,
		"modules":   s.Modules,
	}); err != nil {
		return GateOutcome{}, err
	}
	outcome, err := e.evaluateIntakeTx(ctx, tx, &s, intake, false, opts.ActorID)
	if err != nil {
		return GateOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return GateOutcome{}, err
	}
	return outcome, nil
}

// SubmitIntake merges new answers into the session's intake record and
// re-runs the prompt-validation gate. With acceptDefaults set, non-critical
// missing fields take their documented default and the application is
// annotated; critical fields are never defaulted.
func (e Engine) SubmitIntake(ctx context.Context, sessionID string, answers map[string]string, acceptDefaults bool, actorID string) (GateOutcome, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return GateOutcome{}, err
	}
	if s.CurrentStage != domain.StagePromptValidation {
		return GateOutcome{}, InvalidStageError{SessionID: sessionID, Current: s.CurrentStage, Operation: "intake"}
	}
	intake, err := parseIntake(s.IntakeJSON)
	if err != nil {
		return GateOutcome{}, err
	}
	for k, v := range answers {
		if v != "" {
			intake.Answers[k] = v
			intake.Defaulted = removeString(intake.Defaulted, k)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GateOutcome{}, err
	}
	defer tx.Rollback()
	outcome, err := e.evaluateIntakeTx(ctx, tx, &s, intake, acceptDefaults, actorID)
	if err != nil {
		return GateOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return GateOutcome{}, err
	}
	return outcome, nil
}

func (e Engine) evaluateIntakeTx(ctx context.Context, tx *sql.Tx, s *domain.Session, intake IntakeRecord, acceptDefaults bool, actorID string) (GateOutcome, error) {
	fields := e.Config.RetryFields()
	if acceptDefaults {
		for _, f := range fields {
			if f.Critical || f.Default == "" || intake.Answers[f.Name] != "" {
				continue
			}
			intake.Answers[f.Name] = f.Default
			intake.Defaulted = append(intake.Defaulted, f.Name)
		}
	}
	res := gate.PromptCompleteness(fields, intake.Answers)
	intakeJSON, err := json.Marshal(intake)
	if err != nil {
		return GateOutcome{}, err
	}
	s.IntakeJSON = string(intakeJSON)
	s.UpdatedAt = e.nowStr()

	if res.Passed {
		if err := e.advanceTx(ctx, tx, s, domain.StageRequirementsIntake, actorID); err != nil {
			return GateOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "gate.passed", s.ID, "gate", gate.PromptCompletenessGate, actorID, events.EventPayload{
			"defaulted": intake.Defaulted,
		}); err != nil {
			return GateOutcome{}, err
		}
		// the freshly opened intake always starts with the approval gate unmet
		prompt, err := templates.Render(templates.ApprovalRequest, map[string]any{
			"SessionID": s.ID,
			"What":      "requirements",
			"Items":     gate.RequirementsApproval(0, false).Reasons,
		})
		if err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: *s, Result: res, Decision: DecisionPassed, Prompt: prompt}, nil
	}

	missing := missingFields(fields, intake.Answers)
	state, err := e.retryState(ctx, s.ID, gate.PromptCompletenessGate)
	if err != nil {
		return GateOutcome{}, err
	}
	decision := e.Retry.Attempt(&state, missing)
	if err := e.Repo.UpsertRetryState(ctx, tx, state); err != nil {
		return GateOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.failed", s.ID, "gate", gate.PromptCompletenessGate, actorID, events.EventPayload{
		"reasons":  res.Reasons,
		"attempts": state.AttemptsMade,
		"decision": decision.Kind,
	}); err != nil {
		return GateOutcome{}, err
	}

	switch decision.Kind {
	case retry.Continue:
		prompt, err := templates.Render(templates.PromptFull, map[string]any{"Fields": e.fieldPrompts(missing)})
		if err != nil {
			return GateOutcome{}, err
		}
		if err := e.Repo.UpdateSession(ctx, tx, *s); err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: *s, Result: res, Decision: DecisionPrompted, Prompt: prompt}, nil
	case retry.Retry:
		prompt, err := templates.Render(templates.PromptShort, map[string]any{"Fields": e.fieldPrompts(missing)})
		if err != nil {
			return GateOutcome{}, err
		}
		if err := e.Repo.UpdateSession(ctx, tx, *s); err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: *s, Result: res, Decision: DecisionRetried, Prompt: prompt, Defaults: decision.Defaults}, nil
	default:
		if err := e.terminateTx(ctx, tx, s, domain.TerminatedExhausted, res.Reasons, actorID); err != nil {
			return GateOutcome{}, err
		}
		prompt, err := templates.Render(templates.TerminationNote, map[string]any{
			"SessionID": s.ID,
			"Reason":    domain.TerminatedExhausted,
			"Issues":    res.Reasons,
		})
		if err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: *s, Result: res, Decision: DecisionTerminated, Prompt: prompt}, nil
	}
}

// RequirementCreateOptions are parameters for registering a requirement.
type RequirementCreateOptions struct {
	SessionID          string
	Type               string
	Priority           string
	Description        string
	AcceptanceCriteria string
	ActorID            string
}

// RegisterRequirement assigns the next type-prefixed id and stores a pending
// requirement. Registration is only legal while intake or planning is open;
// the mid-session "reopen planning" extension is deliberately unsupported.
func (e Engine) RegisterRequirement(ctx context.Context, opts RequirementCreateOptions) (domain.Requirement, error) {
	s, err := e.activeSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if s.CurrentStage != domain.StageRequirementsIntake && s.CurrentStage != domain.StagePlanning {
		return domain.Requirement{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "register requirement"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req, err := reg.Register(opts.Type, opts.Description, opts.AcceptanceCriteria, opts.Priority)
	if err != nil {
		return domain.Requirement{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Requirement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRequirement(ctx, tx, req); err != nil {
		return domain.Requirement{}, err
	}
	if err := e.Events.Append(ctx, tx, "requirement.registered", s.ID, "requirement", req.ReqID, opts.ActorID, events.EventPayload{
		"type":     req.Type,
		"priority": req.Priority,
	}); err != nil {
		return domain.Requirement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Requirement{}, err
	}
	return req, nil
}

// MapRequirement records which sub-stage and tasks will satisfy a
// requirement. Mapping happens during planning; the target sub-stage must be
// part of the session's maturity profile.
func (e Engine) MapRequirement(ctx context.Context, sessionID, reqID, stageID string, taskIDs []string, actorID string) (domain.Requirement, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if s.CurrentStage != domain.StagePlanning {
		return domain.Requirement{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "map requirement"}
	}
	profile, err := maturity.Resolve(s.MaturityLevel, s.Modules)
	if err != nil {
		return domain.Requirement{}, err
	}
	if !profile.Includes(stageID) {
		return domain.Requirement{}, fmt.Errorf("sub-stage %s not in maturity profile for level %d", stageID, s.MaturityLevel)
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req, err := reg.MapToStage(reqID, stageID, taskIDs)
	if err != nil {
		return domain.Requirement{}, err
	}
	return e.persistRequirement(ctx, s.ID, req, "requirement.mapped", actorID, events.EventPayload{
		"stage": stageID,
		"tasks": taskIDs,
	})
}

// RecordEvidence marks a requirement done with an artifact locator. Legal
// during code generation only; requirements are read-only in verification
// and handoff.
func (e Engine) RecordEvidence(ctx context.Context, sessionID, reqID, evidenceLocator, actorID string) (domain.Requirement, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if s.CurrentStage != domain.StageCodeGeneration {
		return domain.Requirement{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "record evidence"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req, err := reg.RecordEvidence(reqID, evidenceLocator)
	if err != nil {
		return domain.Requirement{}, err
	}
	return e.persistRequirement(ctx, s.ID, req, "requirement.evidence", actorID, events.EventPayload{
		"evidence": evidenceLocator,
	})
}

// DescopeRequirement removes a requirement from the completion target with
// an approval record. Distinct from leaving it pending: a descoped gap
// passes the coverage gate.
func (e Engine) DescopeRequirement(ctx context.Context, sessionID, reqID, approver, justification string) (domain.Requirement, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if !requirementsMutable(s.CurrentStage) {
		return domain.Requirement{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "descope requirement"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req, err := reg.Descope(reqID, approver, justification)
	if err != nil {
		return domain.Requirement{}, err
	}
	return e.persistRequirement(ctx, s.ID, req, "requirement.descoped", approver, events.EventPayload{
		"justification": justification,
	})
}

// ReopenRequirement returns a done or descoped requirement to pending,
// clearing its approval record.
func (e Engine) ReopenRequirement(ctx context.Context, sessionID, reqID, actorID string) (domain.Requirement, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if !requirementsMutable(s.CurrentStage) {
		return domain.Requirement{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "reopen requirement"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req, err := reg.Reopen(reqID)
	if err != nil {
		return domain.Requirement{}, err
	}
	return e.persistRequirement(ctx, s.ID, req, "requirement.reopened", actorID, events.EventPayload{})
}

// ApproveRequirements is the explicit human sign-off that closes intake and
// opens planning. Never automatic.
func (e Engine) ApproveRequirements(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentStage != domain.StageRequirementsIntake {
		return domain.Session{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "approve requirements"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Session{}, err
	}
	res := gate.RequirementsApproval(len(reg.Requirements()), true)
	if err := res.Err(); err != nil {
		return domain.Session{}, err
	}
	s.RequirementsApproved = true
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.advanceTx(ctx, tx, &s, domain.StagePlanning, actorID); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.passed", s.ID, "gate", gate.RequirementsApprovalGate, actorID, events.EventPayload{
		"requirements": len(reg.Requirements()),
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// ApprovePlan closes planning. It fails, listing every unmapped requirement
// in one pass, unless the registry shows zero unmapped requirements.
func (e Engine) ApprovePlan(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentStage != domain.StagePlanning {
		return domain.Session{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "approve plan"}
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return domain.Session{}, err
	}
	res := gate.PlanApproval(true, reg.Unmapped())
	if err := res.Err(); err != nil {
		return domain.Session{}, err
	}
	s.PlanApproved = true
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.advanceTx(ctx, tx, &s, domain.StageCodeGeneration, actorID); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.passed", s.ID, "gate", gate.PlanApprovalGate, actorID, events.EventPayload{}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// RunStage records the reported task outcomes for one sub-stage of the
// maturity profile and routes task evidence into the registry.
func (e Engine) RunStage(ctx context.Context, sessionID, stageID string, tasks []stage.Task, actorID string) (stage.Result, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return stage.Result{}, err
	}
	if s.CurrentStage != domain.StageCodeGeneration {
		return stage.Result{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "run stage"}
	}
	profile, err := maturity.Resolve(s.MaturityLevel, s.Modules)
	if err != nil {
		return stage.Result{}, err
	}
	if !profile.Includes(stageID) {
		return stage.Result{}, fmt.Errorf("sub-stage %s not in maturity profile for level %d", stageID, s.MaturityLevel)
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return stage.Result{}, err
	}
	result, err := stage.Executor{}.Execute(ctx, stageID, tasks, reg)
	if err != nil {
		return result, err
	}
	evidenceJSON, err := json.Marshal(result.EvidenceMap)
	if err != nil {
		return stage.Result{}, err
	}
	rec := domain.StageRecord{
		SessionID:    s.ID,
		StageID:      stageID,
		Status:       result.Status,
		EvidenceJSON: string(evidenceJSON),
		UpdatedAt:    e.nowStr(),
	}
	if prev, err := e.Repo.GetStageRecord(ctx, s.ID, stageID); err == nil {
		rec.Waiver = prev.Waiver
	} else if !errors.Is(err, repo.ErrNotFound) {
		return stage.Result{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage.Result{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertStageRecord(ctx, tx, rec); err != nil {
		return stage.Result{}, err
	}
	for _, req := range reg.Requirements() {
		if err := e.Repo.UpsertRequirement(ctx, tx, req); err != nil {
			return stage.Result{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "stage.result", s.ID, "stage", stageID, actorID, events.EventPayload{
		"status":   result.Status,
		"tasks":    len(result.Outcomes),
		"failures": result.Failures,
	}); err != nil {
		return stage.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return stage.Result{}, err
	}
	return result, nil
}

// WaiveStage attaches a documented waiver to a blocked sub-stage so the
// code-generation exit gate can treat it as accounted for.
func (e Engine) WaiveStage(ctx context.Context, sessionID, stageID, approver, justification string) (domain.StageRecord, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.StageRecord{}, err
	}
	if s.CurrentStage != domain.StageCodeGeneration {
		return domain.StageRecord{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "waive stage"}
	}
	if approver == "" || justification == "" {
		return domain.StageRecord{}, errors.New("waiver requires approver and justification")
	}
	rec, err := e.Repo.GetStageRecord(ctx, sessionID, stageID)
	if err != nil {
		return domain.StageRecord{}, err
	}
	if rec.Status != domain.StageBlocked {
		return domain.StageRecord{}, fmt.Errorf("sub-stage %s is %s; only blocked sub-stages can be waived", stageID, rec.Status)
	}
	rec.Waiver = &domain.ApprovalRecord{
		ActorID:       approver,
		Justification: justification,
		TS:            e.nowStr(),
	}
	rec.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageRecord{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertStageRecord(ctx, tx, rec); err != nil {
		return domain.StageRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.waived", s.ID, "stage", stageID, approver, events.EventPayload{
		"justification": justification,
	}); err != nil {
		return domain.StageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageRecord{}, err
	}
	return rec, nil
}

// SubmitForVerification evaluates the code-generation exit gate: every
// required sub-stage done with evidence or blocked with a waiver. On pass
// the session advances to verification.
func (e Engine) SubmitForVerification(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentStage != domain.StageCodeGeneration {
		return domain.Session{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "submit for verification"}
	}
	profile, err := maturity.Resolve(s.MaturityLevel, s.Modules)
	if err != nil {
		return domain.Session{}, err
	}
	records, err := e.Repo.StageRecordMap(ctx, s.ID)
	if err != nil {
		return domain.Session{}, err
	}
	res := gate.StageCompletion(profile.RequiredSubStages, records)
	if err := res.Err(); err != nil {
		return domain.Session{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.advanceTx(ctx, tx, &s, domain.StageVerification, actorID); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.passed", s.ID, "gate", gate.StageCompletionGate, actorID, events.EventPayload{
		"sub_stages": len(profile.RequiredSubStages),
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// VerifyOptions carry the recorded quality-runner output. The orchestrator
// never runs the checks; it only evaluates the verdict and metrics.
type VerifyOptions struct {
	SessionID    string
	ChecksPassed bool
	Metrics      map[string]float64
	ActorID      string
}

// Verify evaluates the quality and coverage gates. Both passing advances the
// session to handoff. A failure rolls back to code generation, bounded by
// the verification retry key; exhaustion terminates the session with the
// full issue list.
func (e Engine) Verify(ctx context.Context, opts VerifyOptions) (GateOutcome, error) {
	s, err := e.activeSession(ctx, opts.SessionID)
	if err != nil {
		return GateOutcome{}, err
	}
	if s.CurrentStage != domain.StageVerification {
		return GateOutcome{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "verify"}
	}
	profile, err := maturity.Resolve(s.MaturityLevel, s.Modules)
	if err != nil {
		return GateOutcome{}, err
	}
	reg, err := e.loadRegistry(ctx, s.ID)
	if err != nil {
		return GateOutcome{}, err
	}
	report := reg.Coverage()
	var required []string
	if e.Config != nil {
		required = e.Config.Quality.RequiredMetrics
	}
	quality := gate.Quality(opts.ChecksPassed, opts.Metrics, required, profile.CoverageThreshold)
	coverage := gate.Coverage(report)
	res := gate.Merge(gate.VerificationGate, quality, coverage)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GateOutcome{}, err
	}
	defer tx.Rollback()

	if res.Passed {
		if err := e.advanceTx(ctx, tx, &s, domain.StageHandoff, opts.ActorID); err != nil {
			return GateOutcome{}, err
		}
		// a pass clears the rollback counter; status stops reporting spent attempts
		if err := e.Repo.DeleteRetryState(ctx, tx, s.ID, gate.VerificationGate); err != nil {
			return GateOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "gate.passed", s.ID, "gate", gate.VerificationGate, opts.ActorID, events.EventPayload{
			"coverage": report.AdjustedPercentage,
		}); err != nil {
			return GateOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return GateOutcome{}, err
		}
		prompt, err := templates.Render(templates.HandoffNotice, map[string]any{
			"SessionID":   s.ID,
			"Coverage":    report.AdjustedPercentage,
			"Implemented": report.Implemented,
			"Descoped":    report.Descoped,
			"Total":       report.Total,
		})
		if err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: s, Result: res, Decision: DecisionPassed, Prompt: prompt}, nil
	}

	state, err := e.retryState(ctx, s.ID, gate.VerificationGate)
	if err != nil {
		return GateOutcome{}, err
	}
	decision := e.Retry.Attempt(&state, nil)
	if err := e.Repo.UpsertRetryState(ctx, tx, state); err != nil {
		return GateOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.failed", s.ID, "gate", gate.VerificationGate, opts.ActorID, events.EventPayload{
		"reasons":  res.Reasons,
		"attempts": state.AttemptsMade,
		"decision": decision.Kind,
	}); err != nil {
		return GateOutcome{}, err
	}

	if decision.Kind == retry.Terminate {
		if err := e.terminateTx(ctx, tx, &s, domain.TerminatedExhausted, res.Reasons, opts.ActorID); err != nil {
			return GateOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return GateOutcome{}, err
		}
		return GateOutcome{Session: s, Result: res, Decision: DecisionTerminated}, nil
	}

	// rollback loop: verification back to code generation
	if err := e.advanceTx(ctx, tx, &s, domain.StageCodeGeneration, opts.ActorID); err != nil {
		return GateOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.rolled_back", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
		"reasons": res.Reasons,
	}); err != nil {
		return GateOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return GateOutcome{}, err
	}
	prompt, err := templates.Render(templates.RollbackNotice, map[string]any{
		"SessionID": s.ID,
		"Reasons":   res.Reasons,
	})
	if err != nil {
		return GateOutcome{}, err
	}
	return GateOutcome{Session: s, Result: res, Decision: DecisionRolledBack, Prompt: prompt}, nil
}

// AcknowledgeHandoff records artifact delivery and closes the session as
// succeeded.
func (e Engine) AcknowledgeHandoff(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentStage != domain.StageHandoff {
		return domain.Session{}, InvalidStageError{SessionID: s.ID, Current: s.CurrentStage, Operation: "acknowledge handoff"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "handoff.acknowledged", s.ID, "session", s.ID, actorID, events.EventPayload{}); err != nil {
		return domain.Session{}, err
	}
	if err := e.terminateTx(ctx, tx, &s, domain.TerminatedSucceeded, nil, actorID); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Cancel aborts the session from any state. Cancellation is always legal
// and bypasses remaining gates; it is not a failure.
func (e Engine) Cancel(ctx context.Context, sessionID, actorID, note string) (domain.Session, error) {
	s, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	var issues []string
	if note != "" {
		issues = []string{note}
	}
	if err := e.terminateTx(ctx, tx, &s, domain.TerminatedAborted, issues, actorID); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Coverage computes the session's coverage report on demand.
func (e Engine) Coverage(ctx context.Context, sessionID string) (domain.CoverageReport, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return domain.CoverageReport{}, err
	}
	reg, err := e.loadRegistry(ctx, sessionID)
	if err != nil {
		return domain.CoverageReport{}, err
	}
	return reg.Coverage(), nil
}

// SessionStatus aggregates everything an actor needs to see where a session
// stands.
type SessionStatus struct {
	Session  domain.Session        `json:"session"`
	Profile  maturity.Profile      `json:"profile"`
	Coverage domain.CoverageReport `json:"coverage"`
	Stages   []domain.StageRecord  `json:"stages,omitempty"`
	Retries  []RetryStatus         `json:"retries,omitempty"`
}

// RetryStatus is a retry counter annotated with whether its attempts are
// used up.
type RetryStatus struct {
	domain.RetryState
	Exhausted bool `json:"exhausted"`
}

// Status returns the aggregate view of one session.
func (e Engine) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	profile, err := maturity.Resolve(s.MaturityLevel, s.Modules)
	if err != nil {
		return SessionStatus{}, err
	}
	reg, err := e.loadRegistry(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	stages, err := e.Repo.ListStageRecords(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	var retries []RetryStatus
	for _, gateID := range []string{gate.PromptCompletenessGate, gate.VerificationGate} {
		st, err := e.Repo.GetRetryState(ctx, sessionID, gateID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return SessionStatus{}, err
		}
		retries = append(retries, RetryStatus{RetryState: st, Exhausted: retry.Exhausted(st)})
	}
	return SessionStatus{
		Session:  s,
		Profile:  profile,
		Coverage: reg.Coverage(),
		Stages:   stages,
		Retries:  retries,
	}, nil
}

// CreateAPIKey mints a key for an actor. The plaintext is returned exactly
// once; only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	plaintext := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// --- helpers ---

func (e Engine) activeSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Terminated {
		return s, SessionTerminatedError{SessionID: s.ID, Reason: s.TerminationReason}
	}
	return s, nil
}

func (e Engine) loadRegistry(ctx context.Context, sessionID string) (*registry.Registry, error) {
	reqs, err := e.Repo.ListRequirements(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reg, err := registry.FromRecords(sessionID, reqs)
	if err != nil {
		return nil, err
	}
	reg.Now = e.now
	return reg, nil
}

func (e Engine) persistRequirement(ctx context.Context, sessionID string, req domain.Requirement, evtType, actorID string, payload events.EventPayload) (domain.Requirement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Requirement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRequirement(ctx, tx, req); err != nil {
		return domain.Requirement{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, sessionID, "requirement", req.ReqID, actorID, payload); err != nil {
		return domain.Requirement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Requirement{}, err
	}
	return req, nil
}

func (e Engine) retryState(ctx context.Context, sessionID, gateID string) (domain.RetryState, error) {
	st, err := e.Repo.GetRetryState(ctx, sessionID, gateID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RetryState{SessionID: sessionID, GateID: gateID, MaxAttempts: retry.MaxAttempts}, nil
	}
	return st, err
}

// advanceTx applies a stage transition after checking it against the
// defined edges, then persists the session.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, s *domain.Session, to, actorID string) error {
	if err := ensureStageTransition(s.CurrentStage, to); err != nil {
		return err
	}
	from := s.CurrentStage
	s.CurrentStage = to
	s.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateSession(ctx, tx, *s); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "stage.advanced", s.ID, "session", s.ID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
	})
}

func (e Engine) terminateTx(ctx context.Context, tx *sql.Tx, s *domain.Session, reason string, issues []string, actorID string) error {
	s.Terminated = true
	s.TerminationReason = reason
	s.CurrentStage = domain.StageTerminated
	s.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateSession(ctx, tx, *s); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "session.terminated", s.ID, "session", s.ID, actorID, events.EventPayload{
		"reason": reason,
		"issues": issues,
	})
}

// ensureStageTransition encodes the only legal edges of the session state
// machine: strictly forward, except the prompt-validation retry loop and
// the verification to code-generation rollback. Termination is handled
// separately and is legal from every state.
func ensureStageTransition(oldStage, newStage string) error {
	switch oldStage {
	case domain.StageInit:
		if newStage == domain.StagePromptValidation {
			return nil
		}
	case domain.StagePromptValidation:
		if newStage == domain.StagePromptValidation || newStage == domain.StageRequirementsIntake {
			return nil
		}
	case domain.StageRequirementsIntake:
		if newStage == domain.StagePlanning {
			return nil
		}
	case domain.StagePlanning:
		if newStage == domain.StageCodeGeneration {
			return nil
		}
	case domain.StageCodeGeneration:
		if newStage == domain.StageVerification {
			return nil
		}
	case domain.StageVerification:
		if newStage == domain.StageCodeGeneration || newStage == domain.StageHandoff {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s", oldStage, newStage)
}

func requirementsMutable(stageID string) bool {
	switch stageID {
	case domain.StageRequirementsIntake, domain.StagePlanning, domain.StageCodeGeneration:
		return true
	}
	return false
}

func parseIntake(raw string) (IntakeRecord, error) {
	rec := IntakeRecord{Answers: map[string]string{}}
	if raw == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("parse intake: %w", err)
	}
	if rec.Answers == nil {
		rec.Answers = map[string]string{}
	}
	return rec, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func missingFields(fields []retry.Field, answers map[string]string) []retry.Field {
	var missing []retry.Field
	for _, f := range fields {
		if answers[f.Name] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

type fieldPrompt struct {
	Name     string
	Question string
	Critical bool
	Default  string
}

func (e Engine) fieldPrompts(missing []retry.Field) []fieldPrompt {
	prompts := make([]fieldPrompt, 0, len(missing))
	for _, f := range missing {
		p := fieldPrompt{Name: f.Name, Critical: f.Critical, Default: f.Default}
		if cf, ok := e.Config.Field(f.Name); ok {
			p.Question = cf.Question
		}
		prompts = append(prompts, p)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}
