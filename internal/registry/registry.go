// Package registry is the single source of truth for one session's
// requirement records. It is rebuilt from persisted rows and applies every
// status transition law before the engine writes anything back.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"stagegate/internal/domain"
)

// UnknownRequirementError indicates an operation on an absent req id.
type UnknownRequirementError struct {
	ReqID string
}

func (e UnknownRequirementError) Error() string {
	return fmt.Sprintf("unknown requirement %s", e.ReqID)
}

// DuplicateRegistrationError indicates a second registration of the same id.
type DuplicateRegistrationError struct {
	ReqID string
}

func (e DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("requirement %s already registered", e.ReqID)
}

// InvalidTransitionError indicates an illegal requirement status change.
type InvalidTransitionError struct {
	ReqID string
	From  string
	To    string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("requirement %s: invalid transition %s -> %s", e.ReqID, e.From, e.To)
}

var typePrefixes = map[string]string{
	domain.ReqFunctional:    "FR",
	domain.ReqUIElement:     "UI",
	domain.ReqNonFunctional: "NF",
}

// Registry holds one session's requirements. It is not safe for concurrent
// use; the owning engine serializes all access per session.
type Registry struct {
	SessionID string
	Now       func() time.Time

	byID  map[string]*domain.Requirement
	order []string
	seq   map[string]int
}

// New returns an empty registry for a session.
func New(sessionID string) *Registry {
	return &Registry{
		SessionID: sessionID,
		Now:       time.Now,
		byID:      map[string]*domain.Requirement{},
		seq:       map[string]int{},
	}
}

// FromRecords rebuilds a registry from persisted rows. Sequence counters
// resume past the highest id seen per prefix so ids are never reused, even
// for requirements that were later descoped.
func FromRecords(sessionID string, reqs []domain.Requirement) (*Registry, error) {
	r := New(sessionID)
	for _, req := range reqs {
		if err := r.Add(req); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add inserts an already-identified requirement, as when restoring from the
// database. Fails with DuplicateRegistrationError for a reused id.
func (r *Registry) Add(req domain.Requirement) error {
	if _, ok := r.byID[req.ReqID]; ok {
		return DuplicateRegistrationError{ReqID: req.ReqID}
	}
	prefix, n, ok := splitReqID(req.ReqID)
	if !ok {
		return fmt.Errorf("malformed requirement id %s", req.ReqID)
	}
	if n > r.seq[prefix] {
		r.seq[prefix] = n
	}
	stored := req
	r.byID[req.ReqID] = &stored
	r.order = append(r.order, req.ReqID)
	return nil
}

// Register assigns the next sequence number for the type prefix and stores a
// pending requirement. Fresh ids never collide, so this cannot fail with a
// duplicate; an unknown type is the only error.
func (r *Registry) Register(reqType, description, acceptanceCriteria, priority string) (domain.Requirement, error) {
	prefix, ok := typePrefixes[reqType]
	if !ok {
		return domain.Requirement{}, fmt.Errorf("unknown requirement type %s", reqType)
	}
	if strings.TrimSpace(description) == "" {
		return domain.Requirement{}, fmt.Errorf("description required")
	}
	if priority == "" {
		priority = "should"
	}
	r.seq[prefix]++
	now := r.now()
	req := domain.Requirement{
		SessionID:          r.SessionID,
		ReqID:              fmt.Sprintf("%s-%d", prefix, r.seq[prefix]),
		Type:               reqType,
		Priority:           priority,
		Description:        description,
		AcceptanceCriteria: acceptanceCriteria,
		Status:             domain.ReqStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	stored := req
	r.byID[req.ReqID] = &stored
	r.order = append(r.order, req.ReqID)
	return req, nil
}

// MapToStage records the stage and ordered task list that will satisfy the
// requirement. Every requirement must be mapped before Planning can close.
func (r *Registry) MapToStage(reqID, stageID string, taskIDs []string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	stage := stageID
	req.MappedStage = &stage
	req.MappedTasks = append([]string(nil), taskIDs...)
	req.UpdatedAt = r.now()
	return *req, nil
}

// Start moves a pending requirement to in_progress when its first mapped
// task begins.
func (r *Registry) Start(reqID string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	switch req.Status {
	case domain.ReqStatusPending:
		req.Status = domain.ReqStatusInProgress
		req.UpdatedAt = r.now()
	case domain.ReqStatusInProgress:
		// already started
	default:
		return domain.Requirement{}, InvalidTransitionError{ReqID: reqID, From: req.Status, To: domain.ReqStatusInProgress}
	}
	return *req, nil
}

// RecordEvidence transitions pending/in_progress to done. A descoped
// requirement cannot be resurrected without an explicit Reopen.
func (r *Registry) RecordEvidence(reqID, evidenceLocator string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	if strings.TrimSpace(evidenceLocator) == "" {
		return domain.Requirement{}, fmt.Errorf("requirement %s: evidence locator required", reqID)
	}
	switch req.Status {
	case domain.ReqStatusPending, domain.ReqStatusInProgress:
		req.Status = domain.ReqStatusDone
	case domain.ReqStatusDone:
		// stays done; evidence locator may be replaced
	default:
		return domain.Requirement{}, InvalidTransitionError{ReqID: reqID, From: req.Status, To: domain.ReqStatusDone}
	}
	loc := evidenceLocator
	req.Evidence = &loc
	req.UpdatedAt = r.now()
	return *req, nil
}

// Descope moves any non-done requirement to descoped and records the
// approval. A done requirement must be reopened first so completed work is
// never hidden by a descope.
func (r *Registry) Descope(reqID, approver, justification string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	if strings.TrimSpace(approver) == "" || strings.TrimSpace(justification) == "" {
		return domain.Requirement{}, fmt.Errorf("requirement %s: descope requires approver and justification", reqID)
	}
	if req.Status == domain.ReqStatusDone {
		return domain.Requirement{}, InvalidTransitionError{ReqID: reqID, From: req.Status, To: domain.ReqStatusDescoped}
	}
	req.Status = domain.ReqStatusDescoped
	req.Approval = &domain.ApprovalRecord{
		ActorID:       approver,
		Justification: justification,
		TS:            r.now(),
	}
	req.UpdatedAt = r.now()
	return *req, nil
}

// Reopen returns a done or descoped requirement to pending, clearing the
// approval record (and any evidence for a reopened done requirement).
func (r *Registry) Reopen(reqID string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	switch req.Status {
	case domain.ReqStatusDone, domain.ReqStatusDescoped:
	default:
		return domain.Requirement{}, InvalidTransitionError{ReqID: reqID, From: req.Status, To: domain.ReqStatusPending}
	}
	req.Status = domain.ReqStatusPending
	req.Approval = nil
	req.Evidence = nil
	req.UpdatedAt = r.now()
	return *req, nil
}

// Get returns a copy of one requirement.
func (r *Registry) Get(reqID string) (domain.Requirement, error) {
	req, ok := r.byID[reqID]
	if !ok {
		return domain.Requirement{}, UnknownRequirementError{ReqID: reqID}
	}
	return *req, nil
}

// Requirements returns all records in registration order.
func (r *Registry) Requirements() []domain.Requirement {
	res := make([]domain.Requirement, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, *r.byID[id])
	}
	return res
}

// Unmapped returns ids of requirements with no stage mapping, sorted.
func (r *Registry) Unmapped() []string {
	var ids []string
	for _, id := range r.order {
		if r.byID[id].MappedStage == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MappedTo returns requirement ids mapped to the given sub-stage.
func (r *Registry) MappedTo(stageID string) []string {
	var ids []string
	for _, id := range r.order {
		req := r.byID[id]
		if req.MappedStage != nil && *req.MappedStage == stageID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Coverage computes the report. Zero total requirements is defined as 100%
// coverage (vacuous truth), as is a denominator emptied entirely by
// descopes.
func (r *Registry) Coverage() domain.CoverageReport {
	rep := domain.CoverageReport{}
	for _, id := range r.order {
		req := r.byID[id]
		rep.Total++
		switch req.Status {
		case domain.ReqStatusDone:
			rep.Implemented++
		case domain.ReqStatusDescoped:
			rep.Descoped++
		default:
			rep.Gaps = append(rep.Gaps, id)
		}
	}
	rep.ImplementedOrDesc = rep.Implemented + rep.Descoped
	if rep.Total == 0 {
		rep.Percentage = 100
		rep.AdjustedPercentage = 100
		return rep
	}
	rep.Percentage = float64(rep.Implemented) / float64(rep.Total) * 100
	remaining := rep.Total - rep.Descoped
	if remaining == 0 {
		rep.AdjustedPercentage = 100
	} else {
		rep.AdjustedPercentage = float64(rep.Implemented) / float64(remaining) * 100
	}
	sort.Strings(rep.Gaps)
	return rep
}

func (r *Registry) now() string {
	if r.Now == nil {
		r.Now = time.Now
	}
	return r.Now().UTC().Format(time.RFC3339)
}

func splitReqID(id string) (string, int, bool) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
