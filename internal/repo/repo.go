package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	modules, err := marshalStringSlice(s.Modules)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(id,objective,current_stage,maturity_level,modules_json,intake_json,requirements_approved,plan_approved,terminated,termination_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Objective, s.CurrentStage, s.MaturityLevel, modules, nullable(s.IntakeJSON),
		boolInt(s.RequirementsApproved), boolInt(s.PlanApproved), boolInt(s.Terminated), nullable(s.TerminationReason),
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	modules, err := marshalStringSlice(s.Modules)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET objective=?, current_stage=?, maturity_level=?, modules_json=?, intake_json=?, requirements_approved=?, plan_approved=?, terminated=?, termination_reason=?, updated_at=? WHERE id=?`,
		s.Objective, s.CurrentStage, s.MaturityLevel, modules, nullable(s.IntakeJSON),
		boolInt(s.RequirementsApproved), boolInt(s.PlanApproved), boolInt(s.Terminated), nullable(s.TerminationReason),
		s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id,objective,current_stage,maturity_level,modules_json,intake_json,requirements_approved,plan_approved,terminated,termination_reason,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var modules, intake, reason sql.NullString
	var reqApproved, planApproved, terminated int
	err := scan(&s.ID, &s.Objective, &s.CurrentStage, &s.MaturityLevel, &modules, &intake,
		&reqApproved, &planApproved, &terminated, &reason, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if modules.Valid && modules.String != "" {
		_ = json.Unmarshal([]byte(modules.String), &s.Modules)
	}
	if intake.Valid {
		s.IntakeJSON = intake.String
	}
	if reason.Valid {
		s.TerminationReason = reason.String
	}
	s.RequirementsApproved = reqApproved != 0
	s.PlanApproved = planApproved != 0
	s.Terminated = terminated != 0
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Stage      string
	Terminated *bool
	Limit      int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Terminated != nil {
		clauses = append(clauses, "terminated=?")
		args = append(args, boolInt(*f.Terminated))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpsertRequirement(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	tasks, err := marshalStringSlice(req.MappedTasks)
	if err != nil {
		return err
	}
	var approvalActor, approvalJust, approvalTS any
	if req.Approval != nil {
		approvalActor = req.Approval.ActorID
		approvalJust = req.Approval.Justification
		approvalTS = req.Approval.TS
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO requirements(session_id,req_id,type,priority,description,acceptance_criteria,status,evidence,mapped_stage,mapped_tasks_json,approval_actor,approval_justification,approval_ts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,req_id) DO UPDATE SET
  type=excluded.type, priority=excluded.priority, description=excluded.description,
  acceptance_criteria=excluded.acceptance_criteria, status=excluded.status, evidence=excluded.evidence,
  mapped_stage=excluded.mapped_stage, mapped_tasks_json=excluded.mapped_tasks_json,
  approval_actor=excluded.approval_actor, approval_justification=excluded.approval_justification,
  approval_ts=excluded.approval_ts, updated_at=excluded.updated_at`,
		req.SessionID, req.ReqID, req.Type, req.Priority, req.Description, nullable(req.AcceptanceCriteria),
		req.Status, nullableStringPtr(req.Evidence), nullableStringPtr(req.MappedStage), tasks,
		approvalActor, approvalJust, approvalTS, req.CreatedAt, req.UpdatedAt)
	return err
}

const requirementColumns = `session_id,req_id,type,priority,description,acceptance_criteria,status,evidence,mapped_stage,mapped_tasks_json,approval_actor,approval_justification,approval_ts,created_at,updated_at`

func scanRequirement(scan func(dest ...any) error) (domain.Requirement, error) {
	var req domain.Requirement
	var acceptance, evidence, mappedStage, tasks, appActor, appJust, appTS sql.NullString
	err := scan(&req.SessionID, &req.ReqID, &req.Type, &req.Priority, &req.Description, &acceptance,
		&req.Status, &evidence, &mappedStage, &tasks, &appActor, &appJust, &appTS, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if acceptance.Valid {
		req.AcceptanceCriteria = acceptance.String
	}
	if evidence.Valid {
		req.Evidence = &evidence.String
	}
	if mappedStage.Valid {
		req.MappedStage = &mappedStage.String
	}
	if tasks.Valid && tasks.String != "" {
		_ = json.Unmarshal([]byte(tasks.String), &req.MappedTasks)
	}
	if appActor.Valid {
		req.Approval = &domain.ApprovalRecord{
			ActorID:       appActor.String,
			Justification: appJust.String,
			TS:            appTS.String,
		}
	}
	return req, nil
}

func (r Repo) GetRequirement(ctx context.Context, sessionID, reqID string) (domain.Requirement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE session_id=? AND req_id=?`, sessionID, reqID)
	return scanRequirement(row.Scan)
}

func (r Repo) ListRequirements(ctx context.Context, sessionID string) ([]domain.Requirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE session_id=? ORDER BY created_at ASC, req_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) GetRetryState(ctx context.Context, sessionID, gateID string) (domain.RetryState, error) {
	var st domain.RetryState
	var lastPrompted sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,gate_id,attempts_made,max_attempts,last_prompted_at FROM retry_states WHERE session_id=? AND gate_id=?`, sessionID, gateID).
		Scan(&st.SessionID, &st.GateID, &st.AttemptsMade, &st.MaxAttempts, &lastPrompted)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if lastPrompted.Valid {
		st.LastPromptedAt = lastPrompted.String
	}
	return st, nil
}

func (r Repo) UpsertRetryState(ctx context.Context, tx *sql.Tx, st domain.RetryState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO retry_states(session_id,gate_id,attempts_made,max_attempts,last_prompted_at) VALUES (?,?,?,?,?)
ON CONFLICT(session_id,gate_id) DO UPDATE SET attempts_made=excluded.attempts_made, max_attempts=excluded.max_attempts, last_prompted_at=excluded.last_prompted_at`,
		st.SessionID, st.GateID, st.AttemptsMade, st.MaxAttempts, nullable(st.LastPromptedAt))
	return err
}

func (r Repo) DeleteRetryState(ctx context.Context, tx *sql.Tx, sessionID, gateID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM retry_states WHERE session_id=? AND gate_id=?`, sessionID, gateID)
	return err
}

func (r Repo) UpsertStageRecord(ctx context.Context, tx *sql.Tx, rec domain.StageRecord) error {
	var waiverActor, waiverJust, waiverTS any
	if rec.Waiver != nil {
		waiverActor = rec.Waiver.ActorID
		waiverJust = rec.Waiver.Justification
		waiverTS = rec.Waiver.TS
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_records(session_id,stage_id,status,evidence_json,waiver_actor,waiver_justification,waiver_ts,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,stage_id) DO UPDATE SET status=excluded.status, evidence_json=excluded.evidence_json,
  waiver_actor=excluded.waiver_actor, waiver_justification=excluded.waiver_justification, waiver_ts=excluded.waiver_ts,
  updated_at=excluded.updated_at`,
		rec.SessionID, rec.StageID, rec.Status, nullable(rec.EvidenceJSON), waiverActor, waiverJust, waiverTS, rec.UpdatedAt)
	return err
}

func scanStageRecord(scan func(dest ...any) error) (domain.StageRecord, error) {
	var rec domain.StageRecord
	var evidence, waiverActor, waiverJust, waiverTS sql.NullString
	err := scan(&rec.SessionID, &rec.StageID, &rec.Status, &evidence, &waiverActor, &waiverJust, &waiverTS, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if evidence.Valid {
		rec.EvidenceJSON = evidence.String
	}
	if waiverActor.Valid {
		rec.Waiver = &domain.ApprovalRecord{
			ActorID:       waiverActor.String,
			Justification: waiverJust.String,
			TS:            waiverTS.String,
		}
	}
	return rec, nil
}

func (r Repo) GetStageRecord(ctx context.Context, sessionID, stageID string) (domain.StageRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT session_id,stage_id,status,evidence_json,waiver_actor,waiver_justification,waiver_ts,updated_at FROM stage_records WHERE session_id=? AND stage_id=?`, sessionID, stageID)
	return scanStageRecord(row.Scan)
}

func (r Repo) ListStageRecords(ctx context.Context, sessionID string) ([]domain.StageRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,stage_id,status,evidence_json,waiver_actor,waiver_justification,waiver_ts,updated_at FROM stage_records WHERE session_id=? ORDER BY stage_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StageRecordMap returns stage records keyed by stage id.
func (r Repo) StageRecordMap(ctx context.Context, sessionID string) (map[string]domain.StageRecord, error) {
	records, err := r.ListStageRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]domain.StageRecord, len(records))
	for _, rec := range records {
		m[rec.StageID] = rec
	}
	return m, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally per session.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sessionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sessionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
