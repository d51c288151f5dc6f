package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// PolicyRepository handles SLA policy rows. The table is seeded by migration
// and replaced row-by-row through administrative updates; it is never read
// back into existing case deadlines.
type PolicyRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *sqlx.DB, logger *slog.Logger) *PolicyRepository {
	return &PolicyRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Lookup retrieves the policy row for a (case type, priority) pair
func (r *PolicyRepository) Lookup(ctx context.Context, t CaseType, p Priority) (*SLAPolicy, error) {
	var policy SLAPolicy
	err := r.db.GetContext(ctx, &policy,
		`SELECT * FROM sla_policies WHERE case_type = ? AND priority = ?`, t, p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPolicyNotFound, t, p)
		}
		return nil, fmt.Errorf("failed to lookup sla policy %s/%s: %w", t, p, err)
	}
	return &policy, nil
}

// Replace atomically overwrites one policy row
func (r *PolicyRepository) Replace(ctx context.Context, policy *SLAPolicy) error {
	query := `
		INSERT INTO sla_policies (case_type, priority, response_time_hours, resolution_time_days, updated_at)
		VALUES (:case_type, :priority, :response_time_hours, :resolution_time_days, :updated_at)
		ON CONFLICT (case_type, priority) DO UPDATE SET
			response_time_hours = excluded.response_time_hours,
			resolution_time_days = excluded.resolution_time_days,
			updated_at = excluded.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, policy); err != nil {
		return fmt.Errorf("failed to replace sla policy %s/%s: %w", policy.CaseType, policy.Priority, err)
	}
	r.logger.Info("SLA policy row replaced",
		"case_type", policy.CaseType,
		"priority", policy.Priority,
		"resolution_time_days", policy.ResolutionTimeDays)
	return nil
}

// ListAll retrieves the full policy table
func (r *PolicyRepository) ListAll(ctx context.Context) ([]*SLAPolicy, error) {
	var policies []*SLAPolicy
	err := r.db.SelectContext(ctx, &policies,
		`SELECT * FROM sla_policies ORDER BY case_type, priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sla policies: %w", err)
	}
	return policies, nil
}
