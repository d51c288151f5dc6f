package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// AuditRepository reads and appends the append-only audit trail. Entries are
// never mutated or deleted; storage order is insertion order.
type AuditRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

const insertAuditQuery = `
	INSERT INTO audit_entries (
		id, case_id, action, actor_id, actor_role, details, metadata, created_at
	) VALUES (
		:id, :case_id, :action, :actor_id, :actor_role, :details, :metadata, :created_at
	)`

// insertAuditEntry appends an entry using the given executor, so callers can
// commit it inside the same transaction as the case write it describes.
// Storage faults are surfaced, never retried silently.
func insertAuditEntry(ctx context.Context, ext sqlx.ExtContext, e *AuditEntry) error {
	result, err := sqlx.NamedExecContext(ctx, ext, insertAuditQuery, e)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit entry seq: %w", err)
	}
	e.Seq = seq
	return nil
}

// Append records an entry that is not tied to a case write, such as a policy
// table update
func (r *AuditRepository) Append(ctx context.Context, e *AuditEntry) error {
	return insertAuditEntry(ctx, r.db, e)
}

// ListByCase retrieves all entries for a case in storage (insertion) order
func (r *AuditRepository) ListByCase(ctx context.Context, caseID string) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_entries WHERE case_id = ? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for case %s: %w", caseID, err)
	}
	return entries, nil
}
