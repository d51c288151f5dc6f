package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// OfficerRepository handles officer data. The escalation engine only reads it.
type OfficerRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewOfficerRepository creates a new officer repository
func NewOfficerRepository(db *sqlx.DB, logger *slog.Logger) *OfficerRepository {
	return &OfficerRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create registers an officer
func (r *OfficerRepository) Create(ctx context.Context, o *Officer) error {
	query := `
		INSERT INTO officers (id, name, email, role, department, created_at)
		VALUES (:id, :name, :email, :role, :department, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, o); err != nil {
		return fmt.Errorf("failed to create officer %s: %w", o.ID, err)
	}
	return nil
}

// GetByID retrieves an officer by ID
func (r *OfficerRepository) GetByID(ctx context.Context, id string) (*Officer, error) {
	var o Officer
	err := r.db.GetContext(ctx, &o, `SELECT * FROM officers WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get officer %s: %w", id, err)
	}
	return &o, nil
}

// FindEscalationTarget returns the officer holding the given role in a
// department. When several qualify the lowest ID wins, keeping scan results
// deterministic. ErrNotFound means the department has no eligible successor.
func (r *OfficerRepository) FindEscalationTarget(ctx context.Context, department string, role Role) (*Officer, error) {
	var o Officer
	err := r.db.GetContext(ctx, &o,
		`SELECT * FROM officers WHERE department = ? AND role = ? ORDER BY id ASC LIMIT 1`,
		department, role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find escalation target in %s: %w", department, err)
	}
	return &o, nil
}

// ListByDepartment retrieves all officers in a department
func (r *OfficerRepository) ListByDepartment(ctx context.Context, department string) ([]*Officer, error) {
	var officers []*Officer
	err := r.db.SelectContext(ctx, &officers,
		`SELECT * FROM officers WHERE department = ? ORDER BY id ASC`, department)
	if err != nil {
		return nil, fmt.Errorf("failed to list officers in %s: %w", department, err)
	}
	return officers, nil
}
