package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// CaseRepository handles case data operations. All mutations follow the
// compare-and-swap discipline: a write succeeds only if the stored status
// still matches the status the caller read, and the accompanying audit entry
// commits in the same transaction.
type CaseRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewCaseRepository creates a new case repository
func NewCaseRepository(db *sqlx.DB, logger *slog.Logger) *CaseRepository {
	return &CaseRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

const insertCaseQuery = `
	INSERT INTO cases (
		id, case_number, title, description, case_type, priority, status,
		department, citizen_id, assignee_id, escalation_level, sla_deadline,
		paused_at, resolved_at, resolution_notes, version, created_at, updated_at
	) VALUES (
		:id, :case_number, :title, :description, :case_type, :priority, :status,
		:department, :citizen_id, :assignee_id, :escalation_level, :sla_deadline,
		:paused_at, :resolved_at, :resolution_notes, :version, :created_at, :updated_at
	)`

const updateCaseQuery = `
	UPDATE cases SET
		status = :status,
		department = :department,
		assignee_id = :assignee_id,
		escalation_level = :escalation_level,
		sla_deadline = :sla_deadline,
		paused_at = :paused_at,
		resolved_at = :resolved_at,
		resolution_notes = :resolution_notes,
		version = :version,
		updated_at = :updated_at
	WHERE id = :id AND status = :prev_status`

// Create persists a new case together with its creation audit entry
func (r *CaseRepository) Create(ctx context.Context, c *Case, entry *AuditEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin case create: %w", err)
	}
	defer tx.Rollback()

	c.Version = 1
	if _, err := tx.NamedExecContext(ctx, insertCaseQuery, c); err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit case create: %w", err)
	}

	r.logger.Info("Case created",
		"case_id", c.ID,
		"case_number", c.CaseNumber,
		"type", c.Type,
		"priority", c.Priority,
		"sla_deadline", c.SLADeadline)
	return nil
}

// GetByID retrieves a case by ID
func (r *CaseRepository) GetByID(ctx context.Context, id string) (*Case, error) {
	var c Case
	err := r.db.GetContext(ctx, &c, `SELECT * FROM cases WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get case %s: %w", id, err)
	}
	return &c, nil
}

// Transition performs an optimistic compare-and-swap status transition.
//
// The stored case is loaded inside a write transaction; if its status no
// longer matches expected, the call fails with ErrConflict. Otherwise mutate
// is applied to the loaded record and the update is guarded again by
// `WHERE status = expected`, so two racing transitions on the same case never
// both succeed. The audit entry commits atomically with the case write:
// either both are durable or neither is.
func (r *CaseRepository) Transition(
	ctx context.Context,
	caseID string,
	expected CaseStatus,
	mutate func(*Case) error,
	entry *AuditEntry,
) (*Case, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	var c Case
	if err := tx.GetContext(ctx, &c, `SELECT * FROM cases WHERE id = ?`, caseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}

	if c.Status != expected {
		return nil, ErrConflict
	}

	if err := mutate(&c); err != nil {
		return nil, err
	}
	c.Version++
	c.UpdatedAt = entry.CreatedAt

	updateData := struct {
		*Case
		PrevStatus CaseStatus `db:"prev_status"`
	}{&c, expected}

	result, err := tx.NamedExecContext(ctx, updateCaseQuery, updateData)
	if err != nil {
		return nil, fmt.Errorf("failed to update case %s: %w", caseID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrConflict
	}

	entry.CaseID = caseID
	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return &c, nil
}

// AppendAudit records an audit entry for a case without changing its status,
// touching only updated_at. Used for comments. The touch and the entry commit
// as one unit.
func (r *CaseRepository) AppendAudit(ctx context.Context, caseID string, entry *AuditEntry) (*AuditEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit append: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE cases SET updated_at = ? WHERE id = ?`, entry.CreatedAt, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch case %s: %w", caseID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	entry.CaseID = caseID
	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit append: %w", err)
	}
	return entry, nil
}

// ListByAssignee retrieves cases assigned to an officer
func (r *CaseRepository) ListByAssignee(ctx context.Context, officerID string) ([]*Case, error) {
	return r.list(ctx, `SELECT * FROM cases WHERE assignee_id = ? ORDER BY created_at DESC`, officerID)
}

// ListByDepartment retrieves cases routed to a department
func (r *CaseRepository) ListByDepartment(ctx context.Context, department string) ([]*Case, error) {
	return r.list(ctx, `SELECT * FROM cases WHERE department = ? ORDER BY created_at DESC`, department)
}

// ListByCitizen retrieves cases submitted by a citizen
func (r *CaseRepository) ListByCitizen(ctx context.Context, citizenID string) ([]*Case, error) {
	return r.list(ctx, `SELECT * FROM cases WHERE citizen_id = ? ORDER BY created_at DESC`, citizenID)
}

// ListAll retrieves every case
func (r *CaseRepository) ListAll(ctx context.Context) ([]*Case, error) {
	return r.list(ctx, `SELECT * FROM cases ORDER BY created_at DESC`)
}

// ListBreachable retrieves cases whose SLA deadline has passed and whose
// status is still subject to escalation. PENDING_INFO is excluded because the
// SLA clock is paused.
func (r *CaseRepository) ListBreachable(ctx context.Context, now time.Time) ([]*Case, error) {
	query := `
		SELECT * FROM cases
		WHERE status IN (?, ?, ?) AND sla_deadline <= ?
		ORDER BY sla_deadline ASC`
	return r.list(ctx, query, StatusSubmitted, StatusUnderReview, StatusEscalated, now)
}

// CountOpen returns the number of cases that are not in a terminal or
// resolved state
func (r *CaseRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM cases WHERE status NOT IN (?, ?, ?)`,
		StatusResolved, StatusClosed, StatusRejected)
	if err != nil {
		return 0, fmt.Errorf("failed to count open cases: %w", err)
	}
	return count, nil
}

func (r *CaseRepository) list(ctx context.Context, query string, args ...any) ([]*Case, error) {
	var cases []*Case
	if err := r.db.SelectContext(ctx, &cases, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return cases, nil
}
