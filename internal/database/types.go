package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CaseType classifies a grievance by the branch of government it targets
type CaseType string

const (
	CaseTypeAdministrative CaseType = "ADMINISTRATIVE"
	CaseTypeJudicial       CaseType = "JUDICIAL"
	CaseTypeLegislative    CaseType = "LEGISLATIVE"
)

// CaseTypes lists all valid case types
var CaseTypes = []CaseType{CaseTypeAdministrative, CaseTypeJudicial, CaseTypeLegislative}

func (t CaseType) Valid() bool {
	switch t {
	case CaseTypeAdministrative, CaseTypeJudicial, CaseTypeLegislative:
		return true
	}
	return false
}

// Priority is the citizen-facing urgency of a case
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Priorities lists all valid priorities
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// CaseStatus is a state in the case lifecycle
type CaseStatus string

const (
	StatusSubmitted   CaseStatus = "SUBMITTED"
	StatusUnderReview CaseStatus = "UNDER_REVIEW"
	StatusPendingInfo CaseStatus = "PENDING_INFO"
	StatusEscalated   CaseStatus = "ESCALATED"
	StatusResolved    CaseStatus = "RESOLVED"
	StatusClosed      CaseStatus = "CLOSED"
	StatusRejected    CaseStatus = "REJECTED"
)

func (s CaseStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusPendingInfo,
		StatusEscalated, StatusResolved, StatusClosed, StatusRejected:
		return true
	}
	return false
}

// statusTransitions encodes the officer-driven lifecycle. The escalation path
// (engine scan and manual escalation) is governed separately by Escalatable,
// since a breached SUBMITTED case escalates without passing review and an
// ESCALATED case re-escalates on repeated breach.
var statusTransitions = map[CaseStatus][]CaseStatus{
	StatusSubmitted:   {StatusUnderReview},
	StatusUnderReview: {StatusPendingInfo, StatusEscalated, StatusResolved, StatusRejected},
	StatusPendingInfo: {StatusUnderReview},
	StatusEscalated:   {StatusUnderReview, StatusResolved},
	StatusResolved:    {StatusClosed},
}

// CanTransitionTo reports whether the lifecycle permits moving to next
func (s CaseStatus) CanTransitionTo(next CaseStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted
func (s CaseStatus) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Escalatable reports whether the escalation path may act on this status.
// PENDING_INFO is excluded: the SLA clock is paused.
func (s CaseStatus) Escalatable() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusEscalated:
		return true
	}
	return false
}

// SLAActive reports whether the case still carries a live deadline
func (s CaseStatus) SLAActive() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusRejected:
		return false
	}
	return true
}

// Role is an actor role in the authority hierarchy
type Role string

const (
	RoleCitizen       Role = "CITIZEN"
	RoleOfficer       Role = "OFFICER"
	RoleSeniorOfficer Role = "SENIOR_OFFICER"
	RoleDeptHead      Role = "DEPT_HEAD"
	RoleAdmin         Role = "ADMIN"

	// RoleSystem appears only as an audit actor role for scheduler-triggered
	// actions; it is not part of the assignment hierarchy.
	RoleSystem Role = "SYSTEM"
)

// NextEscalationRole maps a role to the next higher authority within the same
// department. Roles absent from the map have no escalation successor; the
// hierarchy deliberately tops out at DEPT_HEAD.
var NextEscalationRole = map[Role]Role{
	RoleOfficer:       RoleSeniorOfficer,
	RoleSeniorOfficer: RoleDeptHead,
}

// Audit actions
const (
	ActionCaseCreated   = "CASE_CREATED"
	ActionStatusChanged = "STATUS_CHANGED"
	ActionCommentAdded  = "COMMENT_ADDED"
	ActionCaseEscalated = "CASE_ESCALATED"
	ActionCaseResolved  = "CASE_RESOLVED"
	ActionSLAPaused     = "SLA_PAUSED"
	ActionSLAResumed    = "SLA_RESUMED"
	ActionPolicyUpdated = "POLICY_UPDATED"
)

// Escalation reasons recorded in audit metadata
const (
	ReasonSLAExpired         = "SLA_EXPIRED"
	ReasonNoEscalationTarget = "NO_ESCALATION_TARGET"
)

// SchedulerActorID identifies the escalation scan in the audit trail
const SchedulerActorID = "scheduler"

// Metadata is a JSON object column
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}

// Case is the authoritative record of a grievance
type Case struct {
	ID              string     `db:"id" json:"id"`
	CaseNumber      string     `db:"case_number" json:"case_number"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	Type            CaseType   `db:"case_type" json:"type"`
	Priority        Priority   `db:"priority" json:"priority"`
	Status          CaseStatus `db:"status" json:"status"`
	Department      string     `db:"department" json:"department"`
	CitizenID       string     `db:"citizen_id" json:"citizen_id"`
	AssigneeID      *string    `db:"assignee_id" json:"assignee_id,omitempty"`
	EscalationLevel int        `db:"escalation_level" json:"escalation_level"`
	SLADeadline     time.Time  `db:"sla_deadline" json:"sla_deadline"`
	PausedAt        *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	Version         int        `db:"version" json:"version"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Officer is a government official who can hold case assignments. Read-only
// to the escalation engine.
type Officer struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Email      string    `db:"email" json:"email"`
	Role       Role      `db:"role" json:"role"`
	Department string    `db:"department" json:"department"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditEntry is one append-only record of a state-changing action. Seq is the
// storage insertion order; per-case retrieval is ordered by it.
type AuditEntry struct {
	Seq       int64     `db:"seq" json:"seq"`
	ID        string    `db:"id" json:"id"`
	CaseID    string    `db:"case_id" json:"case_id"`
	Action    string    `db:"action" json:"action"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	ActorRole Role      `db:"actor_role" json:"actor_role"`
	Details   string    `db:"details" json:"details"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsInternal reports whether the entry is an internal comment, hidden from
// citizen-facing timeline reads.
func (e *AuditEntry) IsInternal() bool {
	if e.Action != ActionCommentAdded {
		return false
	}
	internal, _ := e.Metadata["is_internal"].(bool)
	return internal
}

// SLAPolicy is one row of the SLA policy table, keyed by (case type, priority)
type SLAPolicy struct {
	CaseType           CaseType  `db:"case_type" json:"case_type"`
	Priority           Priority  `db:"priority" json:"priority"`
	ResponseTimeHours  int       `db:"response_time_hours" json:"response_time_hours"`
	ResolutionTimeDays int       `db:"resolution_time_days" json:"resolution_time_days"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}
