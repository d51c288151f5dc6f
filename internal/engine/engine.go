// Package engine implements SLA breach detection and escalation: scanning for
// cases past their deadline and reassigning them up the department authority
// hierarchy with a full audit trail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/metrics"
)

// Triggers recorded on escalation audit metadata
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// Engine evaluates SLA deadlines and performs escalations
type Engine struct {
	logger   *slog.Logger
	clock    clock.Clock
	cases    *database.CaseRepository
	officers *database.OfficerRepository
	metrics  *metrics.Collector
}

// New creates an escalation engine
func New(
	logger *slog.Logger,
	clk clock.Clock,
	cases *database.CaseRepository,
	officers *database.OfficerRepository,
	collector *metrics.Collector,
) *Engine {
	return &Engine{
		logger:   logger,
		clock:    clk,
		cases:    cases,
		officers: officers,
		metrics:  collector,
	}
}

// ScanResult summarizes one scan pass
type ScanResult struct {
	Scanned   int           `json:"scanned"`
	Escalated int           `json:"escalated"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// Scan evaluates every breached case once.
//
// A ConflictError on an individual case means someone acted on it between the
// read and the write; it is skipped without retry and re-evaluated on the
// next pass. Storage faults abort the pass; the scheduler retries on the next
// tick.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	started := e.clock.Now()
	var result ScanResult

	breached, err := e.cases.ListBreachable(ctx, started)
	if err != nil {
		e.metrics.Scans.WithLabelValues("error").Inc()
		return result, fmt.Errorf("failed to list breached cases: %w", err)
	}
	result.Scanned = len(breached)

	for _, c := range breached {
		if err := ctx.Err(); err != nil {
			e.metrics.Scans.WithLabelValues("timeout").Inc()
			return result, fmt.Errorf("scan interrupted: %w", err)
		}

		_, err := e.escalate(ctx, c, database.SchedulerActorID, database.RoleSystem, TriggerScheduler, database.ReasonSLAExpired)
		switch {
		case err == nil:
			result.Escalated++
		case errors.Is(err, database.ErrConflict):
			// Concurrently modified, e.g. resolved between read and write.
			result.Conflicts++
			e.metrics.Conflicts.Inc()
			e.logger.Debug("Skipping concurrently modified case", "case_id", c.ID)
		default:
			e.metrics.Scans.WithLabelValues("error").Inc()
			return result, fmt.Errorf("failed to escalate case %s: %w", c.ID, err)
		}
	}

	if open, err := e.cases.CountOpen(ctx); err == nil {
		e.metrics.OpenCases.Set(float64(open))
	}

	result.Duration = e.clock.Now().Sub(started)
	e.metrics.ScanDuration.Observe(result.Duration.Seconds())
	e.metrics.Scans.WithLabelValues("success").Inc()

	if result.Scanned > 0 {
		e.logger.Info("Escalation scan completed",
			"scanned", result.Scanned,
			"escalated", result.Escalated,
			"conflicts", result.Conflicts)
	}
	return result, nil
}

// EscalateManually escalates a case on an officer's request. A reason is
// required; SLA breach is not.
func (e *Engine) EscalateManually(ctx context.Context, caseID, actorID string, actorRole database.Role, reason string) (*database.Case, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: escalation reason is required", database.ErrInvalidArgument)
	}

	c, err := e.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return e.escalate(ctx, c, actorID, actorRole, TriggerManual, reason)
}

// escalate performs the shared escalation transition: resolve the next
// authority, CAS the case to ESCALATED using its current status as the
// expected value, bump the escalation level, and append the audit entry in
// the same transaction. When no successor exists the case is still marked
// ESCALATED with the assignee unchanged, so the breach stays visible.
func (e *Engine) escalate(ctx context.Context, c *database.Case, actorID string, actorRole database.Role, trigger, reason string) (*database.Case, error) {
	if !c.Status.Escalatable() {
		return nil, database.ErrInvalidTransition
	}

	target, err := e.resolveTarget(ctx, c)
	if err != nil {
		return nil, err
	}

	meta := database.Metadata{"trigger": trigger}
	if target == nil {
		meta["reason"] = database.ReasonNoEscalationTarget
	} else {
		meta["reason"] = reason
	}
	if c.AssigneeID != nil {
		meta["previous_assignee"] = *c.AssigneeID
	}

	details := fmt.Sprintf("Case escalated to level %d", c.EscalationLevel+1)
	if target != nil {
		details = fmt.Sprintf("Case escalated to level %d and reassigned to %s", c.EscalationLevel+1, target.ID)
	}

	entry := &database.AuditEntry{
		ID:        uuid.NewString(),
		Action:    database.ActionCaseEscalated,
		ActorID:   actorID,
		ActorRole: actorRole,
		Details:   details,
		Metadata:  meta,
		CreatedAt: e.clock.Now(),
	}

	updated, err := e.cases.Transition(ctx, c.ID, c.Status, func(cc *database.Case) error {
		cc.Status = database.StatusEscalated
		cc.EscalationLevel++
		if target != nil {
			id := target.ID
			cc.AssigneeID = &id
		}
		return nil
	}, entry)
	if err != nil {
		return nil, err
	}

	e.metrics.Escalations.WithLabelValues(trigger, meta["reason"].(string)).Inc()
	e.logger.Info("Case escalated",
		"case_id", updated.ID,
		"case_number", updated.CaseNumber,
		"escalation_level", updated.EscalationLevel,
		"trigger", trigger,
		"reason", meta["reason"])
	return updated, nil
}

// resolveTarget finds the next higher authority in the case's department. A
// nil officer with nil error means no eligible successor exists. An
// unassigned case is treated as held at officer level.
func (e *Engine) resolveTarget(ctx context.Context, c *database.Case) (*database.Officer, error) {
	currentRole := database.RoleOfficer
	if c.AssigneeID != nil {
		officer, err := e.officers.GetByID(ctx, *c.AssigneeID)
		switch {
		case err == nil:
			currentRole = officer.Role
		case errors.Is(err, database.ErrNotFound):
			// Stale assignee reference; keep officer-level routing.
		default:
			return nil, err
		}
	}

	nextRole, ok := database.NextEscalationRole[currentRole]
	if !ok {
		return nil, nil
	}

	target, err := e.officers.FindEscalationTarget(ctx, c.Department, nextRole)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.AssigneeID != nil && target.ID == *c.AssigneeID {
		return nil, nil
	}
	return target, nil
}
