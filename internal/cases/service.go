// Package cases implements the operations exposed to the portal front end:
// submission, comments, status changes, resolution, escalation and the
// read-only query views. Every write returns the post-mutation case directly,
// so callers never need an out-of-band reload.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/engine"
	"github.com/civicgrid/grievance-engine/internal/metrics"
	"github.com/civicgrid/grievance-engine/internal/policy"
)

// Scope selects which cases a list query covers
type Scope string

const (
	ScopeOwn        Scope = "own"
	ScopeDepartment Scope = "department"
	ScopeAll        Scope = "all"
)

// ErrForbidden indicates the actor's role does not permit the requested scope
var ErrForbidden = errors.New("actor role does not permit this operation")

// Service is the case façade
type Service struct {
	logger   *slog.Logger
	clock    clock.Clock
	cases    *database.CaseRepository
	officers *database.OfficerRepository
	audit    *database.AuditRepository
	policies *policy.Table
	engine   *engine.Engine
	metrics  *metrics.Collector
}

// NewService creates the case façade
func NewService(
	logger *slog.Logger,
	clk clock.Clock,
	caseRepo *database.CaseRepository,
	officerRepo *database.OfficerRepository,
	auditRepo *database.AuditRepository,
	policies *policy.Table,
	eng *engine.Engine,
	collector *metrics.Collector,
) *Service {
	return &Service{
		logger:   logger,
		clock:    clk,
		cases:    caseRepo,
		officers: officerRepo,
		audit:    auditRepo,
		policies: policies,
		engine:   eng,
		metrics:  collector,
	}
}

// SubmitRequest carries a citizen submission
type SubmitRequest struct {
	Type        database.CaseType `json:"type"`
	Priority    database.Priority `json:"priority"`
	Department  string            `json:"department"`
	CitizenID   string            `json:"citizen_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
}

func (r SubmitRequest) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: invalid case type %q", database.ErrInvalidArgument, r.Type)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", database.ErrInvalidArgument, r.Priority)
	}
	if strings.TrimSpace(r.Department) == "" {
		return fmt.Errorf("%w: department is required", database.ErrInvalidArgument)
	}
	if strings.TrimSpace(r.CitizenID) == "" {
		return fmt.Errorf("%w: citizen reference is required", database.ErrInvalidArgument)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", database.ErrInvalidArgument)
	}
	return nil
}

// Submit creates a case. The SLA deadline comes from the policy table at
// creation time; a missing policy row fails the submission rather than
// assigning a default deadline.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*database.Case, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	deadline, err := s.policies.ResolveDeadline(ctx, req.Type, req.Priority, now)
	if err != nil {
		return nil, err
	}

	c := &database.Case{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      database.StatusSubmitted,
		Department:  req.Department,
		CitizenID:   req.CitizenID,
		SLADeadline: deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		Action:    database.ActionCaseCreated,
		ActorID:   req.CitizenID,
		ActorRole: database.RoleCitizen,
		Details:   fmt.Sprintf("Case submitted: %s", req.Title),
		Metadata: database.Metadata{
			"type":         string(req.Type),
			"priority":     string(req.Priority),
			"sla_deadline": deadline,
		},
		CreatedAt: now,
	}

	// Case numbers are random within a year; retry the rare collision.
	for attempt := 0; ; attempt++ {
		c.CaseNumber = caseNumber(req.Type, now.Year())
		err = s.cases.Create(ctx, c, entry)
		if err == nil {
			break
		}
		if attempt < 3 && strings.Contains(err.Error(), "UNIQUE") {
			continue
		}
		return nil, err
	}

	s.metrics.CasesCreated.Inc()
	return c, nil
}

// AddComment appends a comment to the case timeline. Internal comments are
// excluded from citizen-facing reads.
func (s *Service) AddComment(ctx context.Context, caseID, actorID, text string, isInternal bool) (*database.AuditEntry, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: comment text is required", database.ErrInvalidArgument)
	}

	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		Action:    database.ActionCommentAdded,
		ActorID:   actorID,
		ActorRole: s.actorRole(ctx, actorID),
		Details:   text,
		Metadata:  database.Metadata{"is_internal": isInternal},
		CreatedAt: s.clock.Now(),
	}

	recorded, err := s.cases.AppendAudit(ctx, caseID, entry)
	if err != nil {
		return nil, err
	}
	s.metrics.CommentsRecorded.Inc()
	return recorded, nil
}

// ChangeStatus moves a case through the lifecycle. Entering PENDING_INFO
// pauses the SLA clock; returning to UNDER_REVIEW shifts the deadline forward
// by the exact paused duration, preserving the remaining budget. Escalation
// goes through Escalate, which demands a reason.
func (s *Service) ChangeStatus(ctx context.Context, caseID, actorID string, newStatus database.CaseStatus) (*database.Case, error) {
	if newStatus == database.StatusEscalated {
		return nil, fmt.Errorf("%w: escalation requires a reason, use the escalate operation", database.ErrInvalidArgument)
	}
	if newStatus == database.StatusResolved {
		return nil, fmt.Errorf("%w: resolution requires notes, use the resolve operation", database.ErrInvalidArgument)
	}

	current, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, current.Status, newStatus)
	}

	now := s.clock.Now()
	action := database.ActionStatusChanged
	details := fmt.Sprintf("Status changed from %s to %s", current.Status, newStatus)
	meta := database.Metadata{"from": string(current.Status), "to": string(newStatus)}

	switch {
	case newStatus == database.StatusPendingInfo:
		action = database.ActionSLAPaused
		details = "Awaiting information from citizen; SLA clock paused"
	case current.Status == database.StatusPendingInfo:
		action = database.ActionSLAResumed
		details = "Citizen responded; SLA clock resumed"
	}

	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		ActorID:   actorID,
		ActorRole: s.actorRole(ctx, actorID),
		Details:   details,
		Metadata:  meta,
		CreatedAt: now,
	}

	updated, err := s.cases.Transition(ctx, caseID, current.Status, func(c *database.Case) error {
		switch {
		case newStatus == database.StatusPendingInfo:
			paused := now
			c.PausedAt = &paused
		case c.Status == database.StatusPendingInfo && c.PausedAt != nil:
			c.SLADeadline = c.SLADeadline.Add(now.Sub(*c.PausedAt))
			meta["sla_deadline"] = c.SLADeadline
			c.PausedAt = nil
		}
		c.Status = newStatus
		return nil
	}, entry)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.metrics.Conflicts.Inc()
		}
		return nil, err
	}
	return updated, nil
}

// Resolve closes out the work on a case, setting resolved_at exactly once
func (s *Service) Resolve(ctx context.Context, caseID, actorID, notes string) (*database.Case, error) {
	current, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(database.StatusResolved) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, current.Status, database.StatusResolved)
	}

	now := s.clock.Now()
	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		Action:    database.ActionCaseResolved,
		ActorID:   actorID,
		ActorRole: s.actorRole(ctx, actorID),
		Details:   notes,
		Metadata:  database.Metadata{"from": string(current.Status)},
		CreatedAt: now,
	}

	updated, err := s.cases.Transition(ctx, caseID, current.Status, func(c *database.Case) error {
		c.Status = database.StatusResolved
		if c.ResolvedAt == nil {
			resolved := now
			c.ResolvedAt = &resolved
		}
		if strings.TrimSpace(notes) != "" {
			n := notes
			c.ResolutionNotes = &n
		}
		return nil
	}, entry)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.metrics.Conflicts.Inc()
		}
		return nil, err
	}

	s.metrics.CasesResolved.Inc()
	return updated, nil
}

// Escalate performs a manual escalation on an officer's request
func (s *Service) Escalate(ctx context.Context, caseID, actorID, reason string) (*database.Case, error) {
	officer, err := s.officers.GetByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	return s.engine.EscalateManually(ctx, caseID, officer.ID, officer.Role, reason)
}

// Get retrieves a case by ID
func (s *Service) Get(ctx context.Context, caseID string) (*database.Case, error) {
	return s.cases.GetByID(ctx, caseID)
}

// ListFor returns the cases visible to an actor at the requested scope.
// Citizens see their own submissions; officers see their assignments;
// department scope requires SENIOR_OFFICER or above; all requires ADMIN.
func (s *Service) ListFor(ctx context.Context, actorID string, scope Scope) ([]*database.Case, error) {
	officer, err := s.officers.GetByID(ctx, actorID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	isCitizen := officer == nil

	switch scope {
	case ScopeOwn:
		if isCitizen {
			return s.cases.ListByCitizen(ctx, actorID)
		}
		return s.cases.ListByAssignee(ctx, actorID)
	case ScopeDepartment:
		if isCitizen {
			return nil, ErrForbidden
		}
		switch officer.Role {
		case database.RoleSeniorOfficer, database.RoleDeptHead, database.RoleAdmin:
			return s.cases.ListByDepartment(ctx, officer.Department)
		}
		return nil, ErrForbidden
	case ScopeAll:
		if isCitizen || officer.Role != database.RoleAdmin {
			return nil, ErrForbidden
		}
		return s.cases.ListAll(ctx)
	default:
		return nil, fmt.Errorf("%w: invalid scope %q", database.ErrInvalidArgument, scope)
	}
}

// Timeline returns the audit entries for a case, newest first. Internal
// comments are filtered out unless includeInternal is set.
func (s *Service) Timeline(ctx context.Context, caseID string, includeInternal bool) ([]*database.AuditEntry, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}

	entries, err := s.audit.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	timeline := make([]*database.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if !includeInternal && entries[i].IsInternal() {
			continue
		}
		timeline = append(timeline, entries[i])
	}
	return timeline, nil
}

// actorRole resolves the audit role for an actor reference. Unknown actors
// are citizens: officer identity is authoritative, citizen references are
// caller-supplied.
func (s *Service) actorRole(ctx context.Context, actorID string) database.Role {
	officer, err := s.officers.GetByID(ctx, actorID)
	if err != nil {
		return database.RoleCitizen
	}
	return officer.Role
}

// caseNumber builds the public case reference, e.g. GRV-2026-104233
func caseNumber(t database.CaseType, year int) string {
	prefix := "GRV"
	switch t {
	case database.CaseTypeJudicial:
		prefix = "JUD"
	case database.CaseTypeLegislative:
		prefix = "LEG"
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, year, rand.IntN(900000)+100000)
}
