package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/config"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/metrics"
)

type engineFixture struct {
	engine   *Engine
	clock    *clock.Fake
	cases    *database.CaseRepository
	officers *database.OfficerRepository
	audit    *database.AuditRepository
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Connect(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		BusyTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db, logger))

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	caseRepo := database.NewCaseRepository(db, logger)
	officerRepo := database.NewOfficerRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	return &engineFixture{
		engine:   New(logger, clk, caseRepo, officerRepo, collector),
		clock:    clk,
		cases:    caseRepo,
		officers: officerRepo,
		audit:    auditRepo,
	}
}

func (f *engineFixture) seedHierarchy(t *testing.T) {
	t.Helper()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	officers := []*database.Officer{
		{ID: "O001", Name: "Rajesh Kumar", Email: "o1@gov.example", Role: database.RoleOfficer, Department: "Public Works", CreatedAt: created},
		{ID: "S001", Name: "Priya Sharma", Email: "s1@gov.example", Role: database.RoleSeniorOfficer, Department: "Public Works", CreatedAt: created},
		{ID: "D001", Name: "Anil Mehta", Email: "d1@gov.example", Role: database.RoleDeptHead, Department: "Public Works", CreatedAt: created},
	}
	for _, o := range officers {
		require.NoError(t, f.officers.Create(context.Background(), o))
	}
}

func (f *engineFixture) seedCase(t *testing.T, status database.CaseStatus, assignee *string, level int, deadline time.Time) *database.Case {
	t.Helper()
	now := f.clock.Now()
	c := &database.Case{
		ID:              uuid.NewString(),
		CaseNumber:      "GRV-2026-" + uuid.NewString()[:6],
		Title:           "Pothole on main road",
		Description:     "Growing by the day",
		Type:            database.CaseTypeAdministrative,
		Priority:        database.PriorityUrgent,
		Status:          status,
		Department:      "Public Works",
		CitizenID:       "citizen-7",
		AssigneeID:      assignee,
		EscalationLevel: level,
		SLADeadline:     deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := &database.AuditEntry{
		ID: uuid.NewString(), CaseID: c.ID, Action: database.ActionCaseCreated,
		ActorID: c.CitizenID, ActorRole: database.RoleCitizen,
		Details: "Case submitted", CreatedAt: now,
	}
	require.NoError(t, f.cases.Create(context.Background(), c, entry))
	return c
}

func strptr(s string) *string { return &s }

func TestEngine_ScanEscalatesBreachedCase(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	// Urgent administrative case: three-day resolution window.
	deadline := f.clock.Now().Add(3 * 24 * time.Hour)
	c := f.seedCase(t, database.StatusUnderReview, strptr("O001"), 0, deadline)

	// One day past the deadline.
	f.clock.Advance(4 * 24 * time.Hour)

	result, err := f.engine.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, 0, result.Conflicts)

	got, err := f.cases.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, "S001", *got.AssigneeID, "breached officer case moves to the senior officer")

	entries, err := f.audit.ListByCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	escalation := entries[1]
	assert.Equal(t, database.ActionCaseEscalated, escalation.Action)
	assert.Equal(t, database.SchedulerActorID, escalation.ActorID)
	assert.Equal(t, database.RoleSystem, escalation.ActorRole)
	assert.Equal(t, database.ReasonSLAExpired, escalation.Metadata["reason"])
	assert.Equal(t, TriggerScheduler, escalation.Metadata["trigger"])
	assert.Equal(t, "O001", escalation.Metadata["previous_assignee"])
}

func TestEngine_ScanClimbsHierarchyOnRepeatedBreach(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	c := f.seedCase(t, database.StatusUnderReview, strptr("O001"), 0, f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	_, err := f.engine.Scan(ctx)
	require.NoError(t, err)

	// The deadline is still in the past, so the next pass escalates again.
	f.clock.Advance(time.Hour)
	_, err = f.engine.Scan(ctx)
	require.NoError(t, err)

	got, err := f.cases.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, "D001", *got.AssigneeID, "second breach climbs to the department head")
}

func TestEngine_ScanNoEscalationTarget(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	// Already at the top of the hierarchy.
	c := f.seedCase(t, database.StatusEscalated, strptr("D001"), 2, f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	result, err := f.engine.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)

	got, err := f.cases.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusEscalated, got.Status)
	assert.Equal(t, 3, got.EscalationLevel)
	assert.Equal(t, "D001", *got.AssigneeID, "assignee stays put when nobody outranks them")

	entries, err := f.audit.ListByCase(ctx, c.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, database.ReasonNoEscalationTarget, last.Metadata["reason"])
}

func TestEngine_ScanUnassignedCase(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	c := f.seedCase(t, database.StatusSubmitted, nil, 0, f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	_, err := f.engine.Scan(ctx)
	require.NoError(t, err)

	got, err := f.cases.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusEscalated, got.Status)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, "S001", *got.AssigneeID, "unassigned case routes as officer-level")
}

func TestEngine_ScanIgnoresPausedAndSettledCases(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	f.seedCase(t, database.StatusPendingInfo, strptr("O001"), 0, f.clock.Now().Add(time.Hour))
	f.seedCase(t, database.StatusResolved, strptr("O001"), 0, f.clock.Now().Add(time.Hour))
	f.seedCase(t, database.StatusClosed, nil, 0, f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	result, err := f.engine.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 0, result.Escalated)
}

func TestEngine_ScanEmptyDatabase(t *testing.T) {
	f := setupEngine(t)

	result, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
}

func TestEngine_EscalateManually(t *testing.T) {
	f := setupEngine(t)
	f.seedHierarchy(t)
	ctx := context.Background()

	t.Run("requires a reason", func(t *testing.T) {
		c := f.seedCase(t, database.StatusUnderReview, strptr("O001"), 0, f.clock.Now().Add(time.Hour))
		_, err := f.engine.EscalateManually(ctx, c.ID, "O001", database.RoleOfficer, "  ")
		assert.ErrorIs(t, err, database.ErrInvalidArgument)
	})

	t.Run("escalates before the deadline", func(t *testing.T) {
		c := f.seedCase(t, database.StatusUnderReview, strptr("O001"), 0, f.clock.Now().Add(48*time.Hour))

		got, err := f.engine.EscalateManually(ctx, c.ID, "O001", database.RoleOfficer, "Needs senior review")
		require.NoError(t, err)
		assert.Equal(t, database.StatusEscalated, got.Status)
		assert.Equal(t, "S001", *got.AssigneeID)

		entries, err := f.audit.ListByCase(ctx, c.ID)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		assert.Equal(t, TriggerManual, last.Metadata["trigger"])
		assert.Equal(t, "Needs senior review", last.Metadata["reason"])
	})

	t.Run("rejects settled cases", func(t *testing.T) {
		c := f.seedCase(t, database.StatusResolved, strptr("O001"), 0, f.clock.Now().Add(time.Hour))
		_, err := f.engine.EscalateManually(ctx, c.ID, "O001", database.RoleOfficer, "too late")
		assert.ErrorIs(t, err, database.ErrInvalidTransition)
	})

	t.Run("unknown case", func(t *testing.T) {
		_, err := f.engine.EscalateManually(ctx, "missing", "O001", database.RoleOfficer, "whatever")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}
