// Package policy implements the SLA policy table: a pure lookup from
// (case type, priority) to response and resolution targets. Absence of a row
// is a configuration bug, never a runtime fallback.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/database"
)

// Table answers SLA lookups and applies administrative row updates. Updates
// never touch deadlines already stamped on existing cases.
type Table struct {
	logger   *slog.Logger
	clock    clock.Clock
	policies *database.PolicyRepository
	audit    *database.AuditRepository
}

// NewTable creates a policy table over the given repositories
func NewTable(logger *slog.Logger, clk clock.Clock, policies *database.PolicyRepository, audit *database.AuditRepository) *Table {
	return &Table{
		logger:   logger,
		clock:    clk,
		policies: policies,
		audit:    audit,
	}
}

// Lookup returns the policy row for the pair, failing with ErrPolicyNotFound
// when it is absent
func (t *Table) Lookup(ctx context.Context, caseType database.CaseType, priority database.Priority) (*database.SLAPolicy, error) {
	return t.policies.Lookup(ctx, caseType, priority)
}

// ResolveDeadline computes the resolution deadline for a case created at from
func (t *Table) ResolveDeadline(ctx context.Context, caseType database.CaseType, priority database.Priority, from time.Time) (time.Time, error) {
	row, err := t.policies.Lookup(ctx, caseType, priority)
	if err != nil {
		return time.Time{}, err
	}
	return from.Add(time.Duration(row.ResolutionTimeDays) * 24 * time.Hour), nil
}

// ResponseDue computes the first-response target for a case created at from
func (t *Table) ResponseDue(ctx context.Context, caseType database.CaseType, priority database.Priority, from time.Time) (time.Time, error) {
	row, err := t.policies.Lookup(ctx, caseType, priority)
	if err != nil {
		return time.Time{}, err
	}
	return from.Add(time.Duration(row.ResponseTimeHours) * time.Hour), nil
}

// Update replaces one policy row atomically and records the change in the
// audit trail. Deadlines of already-created cases are left untouched.
func (t *Table) Update(ctx context.Context, row *database.SLAPolicy, actorID string) error {
	if !row.CaseType.Valid() {
		return fmt.Errorf("%w: invalid case type %q", database.ErrInvalidArgument, row.CaseType)
	}
	if !row.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", database.ErrInvalidArgument, row.Priority)
	}
	if row.ResponseTimeHours <= 0 || row.ResolutionTimeDays <= 0 {
		return fmt.Errorf("%w: sla targets must be positive", database.ErrInvalidArgument)
	}

	now := t.clock.Now()
	row.UpdatedAt = now
	if err := t.policies.Replace(ctx, row); err != nil {
		return err
	}

	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		CaseID:    fmt.Sprintf("policy/%s/%s", row.CaseType, row.Priority),
		Action:    database.ActionPolicyUpdated,
		ActorID:   actorID,
		ActorRole: database.RoleAdmin,
		Details:   fmt.Sprintf("SLA policy replaced for %s/%s", row.CaseType, row.Priority),
		Metadata: database.Metadata{
			"response_time_hours":  row.ResponseTimeHours,
			"resolution_time_days": row.ResolutionTimeDays,
		},
		CreatedAt: now,
	}
	if err := t.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to audit policy update: %w", err)
	}
	return nil
}

// List returns the full policy table
func (t *Table) List(ctx context.Context) ([]*database.SLAPolicy, error) {
	return t.policies.ListAll(ctx)
}

// Validate verifies the table is total over the declared enum cross-product.
// Run at startup; a hole aborts boot rather than surfacing later as a failed
// case submission.
func (t *Table) Validate(ctx context.Context) error {
	for _, caseType := range database.CaseTypes {
		for _, priority := range database.Priorities {
			if _, err := t.policies.Lookup(ctx, caseType, priority); err != nil {
				return fmt.Errorf("sla policy table is not total: %w", err)
			}
		}
	}
	return nil
}
