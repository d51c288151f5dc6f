package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/grievance-engine/internal/cases"
	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/config"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/engine"
	"github.com/civicgrid/grievance-engine/internal/metrics"
	"github.com/civicgrid/grievance-engine/internal/policy"
	"github.com/civicgrid/grievance-engine/internal/scheduler"
)

type apiFixture struct {
	router *mux.Router
	clock  *clock.Fake
}

func setupAPI(t *testing.T) *apiFixture {
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
	policyRepo := database.NewPolicyRepository(db, logger)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []*database.Officer{
		{ID: "O001", Name: "Rajesh Kumar", Email: "o1@gov.example", Role: database.RoleOfficer, Department: "Public Works", CreatedAt: created},
		{ID: "S001", Name: "Priya Sharma", Email: "s1@gov.example", Role: database.RoleSeniorOfficer, Department: "Public Works", CreatedAt: created},
	}
	for _, o := range seed {
		require.NoError(t, officerRepo.Create(context.Background(), o))
	}

	policies := policy.NewTable(logger, clk, policyRepo, auditRepo)
	eng := engine.New(logger, clk, caseRepo, officerRepo, collector)
	service := cases.NewService(logger, clk, caseRepo, officerRepo, auditRepo, policies, eng, collector)

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{ScanSchedule: "@every 1h", ScanTimeout: time.Minute},
	}
	sched, err := scheduler.New(cfg, logger, eng)
	require.NoError(t, err)

	handler := NewHTTPHandler(cfg, logger, clk, service, policies, sched)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &apiFixture{router: router, clock: clk}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) submitCase(t *testing.T) database.Case {
	t.Helper()
	rec := f.do(t, "POST", "/cases", map[string]any{
		"type":        "ADMINISTRATIVE",
		"priority":    "URGENT",
		"department":  "Public Works",
		"citizen_id":  "citizen-7",
		"title":       "Broken streetlight",
		"description": "Dark corner at night",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var c database.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	return c
}

func TestAPI_Health(t *testing.T) {
	f := setupAPI(t)
	rec := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAPI_SubmitCase(t *testing.T) {
	f := setupAPI(t)

	c := f.submitCase(t)
	assert.Equal(t, database.StatusSubmitted, c.Status)
	assert.NotEmpty(t, c.CaseNumber)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/cases", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid enum", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases", map[string]any{
			"type": "POSTAL", "priority": "URGENT",
			"department": "Public Works", "citizen_id": "citizen-7", "title": "x",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_GetCase(t *testing.T) {
	f := setupAPI(t)
	c := f.submitCase(t)

	rec := f.do(t, "GET", "/cases/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/cases/no-such-case", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListCases(t *testing.T) {
	f := setupAPI(t)
	f.submitCase(t)

	rec := f.do(t, "GET", "/cases?actor=citizen-7&scope=own", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cases []database.Case `json:"cases"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	t.Run("missing actor", func(t *testing.T) {
		rec := f.do(t, "GET", "/cases", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("forbidden scope", func(t *testing.T) {
		rec := f.do(t, "GET", "/cases?actor=O001&scope=all", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestAPI_StatusAndResolution(t *testing.T) {
	f := setupAPI(t)
	c := f.submitCase(t)

	rec := f.do(t, "POST", "/cases/"+c.ID+"/status", map[string]any{
		"actor_id": "O001", "status": "UNDER_REVIEW",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("invalid transition", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/status", map[string]any{
			"actor_id": "O001", "status": "CLOSED",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("unknown status value", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/status", map[string]any{
			"actor_id": "O001", "status": "SHREDDED",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("resolve", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/resolve", map[string]any{
			"actor_id": "O001", "notes": "Bulb replaced",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var got database.Case
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, database.StatusResolved, got.Status)
	})
}

func TestAPI_Escalation(t *testing.T) {
	f := setupAPI(t)
	c := f.submitCase(t)

	t.Run("citizens cannot escalate", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/escalate", map[string]any{
			"actor_id": "citizen-7", "reason": "too slow",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("reason required", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/escalate", map[string]any{
			"actor_id": "O001", "reason": "",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("officer escalation", func(t *testing.T) {
		rec := f.do(t, "POST", "/cases/"+c.ID+"/escalate", map[string]any{
			"actor_id": "O001", "reason": "Needs senior review",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var got database.Case
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, database.StatusEscalated, got.Status)
		assert.Equal(t, 1, got.EscalationLevel)
	})
}

func TestAPI_CommentsAndTimeline(t *testing.T) {
	f := setupAPI(t)
	c := f.submitCase(t)

	rec := f.do(t, "POST", "/cases/"+c.ID+"/comments", map[string]any{
		"actor_id": "O001", "text": "Crew dispatched", "is_internal": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var timeline struct {
		Entries []database.AuditEntry `json:"entries"`
		Count   int                   `json:"count"`
	}

	rec = f.do(t, "GET", "/cases/"+c.ID+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	assert.Equal(t, 1, timeline.Count, "internal comment hidden by default")

	rec = f.do(t, "GET", "/cases/"+c.ID+"/timeline?include_internal=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	assert.Equal(t, 2, timeline.Count)
	assert.Equal(t, database.ActionCommentAdded, timeline.Entries[0].Action, "newest first")
}

func TestAPI_Policies(t *testing.T) {
	f := setupAPI(t)

	var resp struct {
		Policies []database.SLAPolicy `json:"policies"`
		Count    int                  `json:"count"`
	}

	rec := f.do(t, "GET", "/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 12, resp.Count)

	t.Run("update", func(t *testing.T) {
		rec := f.do(t, "PUT", "/policies", map[string]any{
			"actor_id": "A001", "case_type": "JUDICIAL", "priority": "LOW",
			"response_time_hours": 96, "resolution_time_days": 75,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects invalid rows", func(t *testing.T) {
		rec := f.do(t, "PUT", "/policies", map[string]any{
			"actor_id": "A001", "case_type": "POSTAL", "priority": "LOW",
			"response_time_hours": 1, "resolution_time_days": 1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_SchedulerScan(t *testing.T) {
	f := setupAPI(t)
	c := f.submitCase(t)

	// Past the three-day urgent administrative deadline.
	f.clock.Advance(4 * 24 * time.Hour)

	rec := f.do(t, "POST", "/scheduler/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result engine.ScanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Escalated)

	rec = f.do(t, "GET", "/cases/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got database.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, database.StatusEscalated, got.Status)
}
