package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/domain"
	"recurflow/internal/generator"
	"recurflow/internal/notify"
	"recurflow/internal/recurrence"
	"recurflow/internal/scanner"
	"recurflow/internal/store"
)

var fixedNow = time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

type testEnv struct {
	srv  *Server
	repo store.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLiteRepo(db)

	sc := scanner.New(repo, map[domain.Kind]scanner.Generator{
		domain.KindReport: generator.Report{Store: repo},
		domain.KindTask:   generator.TaskMaterializer{Store: repo},
	}, notify.Inbox{Store: repo}, scanner.Options{Clock: recurrence.Default, Workers: 2})

	srv := newServer(repo, sc, Options{})
	srv.now = func() time.Time { return fixedNow }
	return &testEnv{srv: srv, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.r.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T, body map[string]any) createScheduleResp {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createScheduleResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recurflow_up 1")
	assert.Contains(t, rec.Body.String(), "recurflow_scans_total 0")
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	e := newTestEnv(t)

	resp := e.create(t, map[string]any{
		"owner_scope_id": "ws_1",
		"name":           "Weekly registrations",
		"kind":           "report",
		"frequency":      "weekly",
		"recipients":     []string{"alice"},
	})
	assert.Regexp(t, `^sch_`, resp.ID)
	assert.Equal(t, time.Date(2024, 3, 22, 9, 0, 0, 0, time.UTC), resp.NextRunAt)

	rec := e.do(t, http.MethodGet, "/api/schedules/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Schedule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "Weekly registrations", got.Name)
	assert.True(t, got.IsActive)
	assert.Equal(t, []string{"alice"}, got.Recipients)
}

func TestCreateScheduleValidation(t *testing.T) {
	e := newTestEnv(t)
	tests := map[string]map[string]any{
		"unknown frequency": {"owner_scope_id": "ws", "name": "x", "kind": "report", "frequency": "unknown-value"},
		"unknown kind":      {"owner_scope_id": "ws", "name": "x", "kind": "meeting", "frequency": "daily"},
		"missing name":      {"owner_scope_id": "ws", "kind": "report", "frequency": "daily"},
		"missing owner":     {"name": "x", "kind": "report", "frequency": "daily"},
		"weekday on month":  {"owner_scope_id": "ws", "name": "x", "kind": "task", "frequency": "monthly", "weekday": 1},
		"bad task payload":  {"owner_scope_id": "ws", "name": "x", "kind": "task", "frequency": "daily", "payload": map[string]any{"due_in": "later"}},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/schedules", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := e.do(t, http.MethodPost, "/api/schedules", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanEndpointRunsDueSchedules(t *testing.T) {
	e := newTestEnv(t)
	due := fixedNow.Add(-time.Hour)

	report := e.create(t, map[string]any{
		"owner_scope_id": "ws_1", "name": "Daily check-ins", "kind": "report", "frequency": "daily",
		"recipients": []string{"alice"}, "next_run_at": due,
	})
	task := e.create(t, map[string]any{
		"owner_scope_id": "ws_1", "name": "Order catering", "kind": "task", "frequency": "monthly",
		"month_day": 1, "payload": map[string]any{"title": "Order catering", "due_in": "72h"}, "next_run_at": due,
	})

	rec := e.do(t, http.MethodPost, "/api/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res scanner.BatchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)

	rec = e.do(t, http.MethodGet, "/api/schedules/"+report.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []domain.RunOutcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)

	rec = e.do(t, http.MethodGet, "/api/reports/"+runs[0].ArtifactRef, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/schedules/"+task.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []domain.WorkspaceTask
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Order catering", tasks[0].Title)

	got, err := e.repo.GetSchedule(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC), got.NextRunAt)
	assert.Equal(t, 1, got.OccurrenceCount)

	rec = e.do(t, http.MethodGet, "/api/notifications?recipient=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Daily check-ins completed")

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, rec.Body.String(), `recurflow_runs_total{result="succeeded"} 2`)
}

func TestUpdateActivateDelete(t *testing.T) {
	e := newTestEnv(t)
	created := e.create(t, map[string]any{"owner_scope_id": "ws_1", "name": "Budget", "kind": "report", "frequency": "weekly"})
	path := "/api/schedules/" + created.ID

	rec := e.do(t, http.MethodPut, path, map[string]any{"name": "Budget review", "frequency": "quarterly"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got domain.Schedule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "Budget review", got.Name)
	assert.Equal(t, domain.Quarterly, got.Recurrence.Frequency)
	assert.Equal(t, time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC), got.NextRunAt)

	rec = e.do(t, http.MethodPut, path, map[string]any{"frequency": "hourly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, path+"/deactivate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	s, err := e.repo.GetSchedule(t.Context(), created.ID)
	require.NoError(t, err)
	assert.False(t, s.IsActive)

	rec = e.do(t, http.MethodPost, path+"/activate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/schedules?owner_scope_id=ws_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Schedule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = e.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodPost, path+"/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreview(t *testing.T) {
	e := newTestEnv(t)
	created := e.create(t, map[string]any{
		"owner_scope_id": "ws_1", "name": "Month end", "kind": "report", "frequency": "monthly",
		"next_run_at": "2024-01-31T09:00:00Z",
	})

	rec := e.do(t, http.MethodGet, "/api/schedules/"+created.ID+"/preview?count=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp previewResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Next, 3)
	assert.True(t, resp.Next[0].Equal(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Next[1].Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Next[2].Equal(time.Date(2024, 3, 29, 9, 0, 0, 0, time.UTC)))
	assert.True(t, resp.WindowStart.Equal(time.Date(2023, 12, 31, 9, 0, 0, 0, time.UTC)))
}

func TestNotificationsRequireRecipient(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "recipient"))
}

func TestScheduleTimesOutsideStorableRange(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"owner_scope_id": "ws_1", "name": "Open ended", "kind": "report", "frequency": "weekly",
		"end_date": "9999-12-31T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "end_date")

	rec = e.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"owner_scope_id": "ws_1", "name": "Far", "kind": "report", "frequency": "weekly",
		"next_run_at": "3000-01-01T09:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created := e.create(t, map[string]any{"owner_scope_id": "ws_1", "name": "Bounded", "kind": "report", "frequency": "weekly"})
	rec = e.do(t, http.MethodPut, "/api/schedules/"+created.ID, map[string]any{"end_date": "9999-12-31T00:00:00Z"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := e.repo.GetSchedule(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EndDate)
	assert.True(t, got.IsActive)
}

func TestUpdateRecurrenceFieldsWithoutFrequency(t *testing.T) {
	e := newTestEnv(t)
	created := e.create(t, map[string]any{"owner_scope_id": "ws_1", "name": "Standup notes", "kind": "report", "frequency": "weekly"})
	path := "/api/schedules/" + created.ID

	rec := e.do(t, http.MethodPut, path, map[string]any{"interval": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got domain.Schedule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, domain.Weekly, got.Recurrence.Frequency)
	assert.Equal(t, 2, got.Recurrence.Interval)
	assert.Equal(t, time.Date(2024, 3, 29, 9, 0, 0, 0, time.UTC), got.NextRunAt)

	rec = e.do(t, http.MethodPut, path, map[string]any{"weekday": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := e.repo.GetSchedule(t.Context(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Recurrence.Weekday)
	assert.Equal(t, time.Monday, *stored.Recurrence.Weekday)
	assert.Equal(t, 2, stored.Recurrence.Interval)
	assert.Equal(t, time.Monday, stored.NextRunAt.Weekday())

	rec = e.do(t, http.MethodPut, path, map[string]any{"month_day": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Switching frequency drops knobs that only fit the old one.
	rec = e.do(t, http.MethodPut, path, map[string]any{"frequency": "monthly", "month_day": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err = e.repo.GetSchedule(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Recurrence.Weekday)
	assert.Equal(t, 5, stored.Recurrence.MonthDay)
	assert.Equal(t, time.Date(2024, 4, 5, 9, 0, 0, 0, time.UTC), stored.NextRunAt)
}

func TestServerKeepsClockHourWithoutLocation(t *testing.T) {
	e := newTestEnv(t)
	srv := newServer(e.repo, nil, Options{Clock: recurrence.Clock{Hour: 7}})
	srv.now = func() time.Time { return fixedNow }
	e.srv = srv

	resp := e.create(t, map[string]any{"owner_scope_id": "ws_1", "name": "Early", "kind": "report", "frequency": "daily"})
	assert.Equal(t, time.Date(2024, 3, 16, 7, 0, 0, 0, time.UTC), resp.NextRunAt)
}
