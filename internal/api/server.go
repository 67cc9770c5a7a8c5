package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recurflow/internal/domain"
	"recurflow/internal/generator"
	"recurflow/internal/recurrence"
	"recurflow/internal/scanner"
	"recurflow/internal/store"
)

// Scanner is the scan-cycle surface the API exposes.
type Scanner interface {
	RunScanCycle(ctx context.Context, now time.Time) (scanner.BatchResult, error)
	Stats() scanner.Stats
}

type Server struct {
	r       *chi.Mux
	repo    store.Repository
	scanner Scanner
	clock   recurrence.Clock
	now     func() time.Time
}

type Options struct {
	Clock recurrence.Clock
	Debug bool
}

func NewServer(repo store.Repository, sc Scanner, opts Options) http.Handler {
	return newServer(repo, sc, opts).r
}

func newServer(repo store.Repository, sc Scanner, opts Options) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, scanner: sc, clock: recurrence.OrDefault(opts.Clock), now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/scan", s.scan)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Route("/api/schedules/{id}", func(r chi.Router) {
		r.Get("/", s.getSchedule)
		r.Put("/", s.updateSchedule)
		r.Delete("/", s.deleteSchedule)
		r.Post("/activate", s.setActive(true))
		r.Post("/deactivate", s.setActive(false))
		r.Get("/runs", s.listRuns)
		r.Get("/tasks", s.listTasks)
		r.Get("/preview", s.preview)
	})
	r.Get("/api/reports/{id}", s.getReport)
	r.Get("/api/notifications", s.listNotifications)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.scanner.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "recurflow_up 1\n")
	fmt.Fprintf(w, "recurflow_scans_total %d\n", st.Scans)
	fmt.Fprintf(w, "recurflow_runs_total{result=\"succeeded\"} %d\n", st.Succeeded)
	fmt.Fprintf(w, "recurflow_runs_total{result=\"failed\"} %d\n", st.Failed)
	fmt.Fprintf(w, "recurflow_runs_total{result=\"skipped\"} %d\n", st.Skipped)
	fmt.Fprintf(w, "recurflow_schedules_exhausted_total %d\n", st.Exhausted)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scanner.RunScanCycle(r.Context(), s.now())
	if errors.Is(err, scanner.ErrScanInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, res)
}

type scheduleReq struct {
	OwnerScopeID string          `json:"owner_scope_id"`
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	Frequency    string          `json:"frequency"`
	Interval     *int            `json:"interval"`
	Weekday      *int            `json:"weekday"`
	MonthDay     *int            `json:"month_day"`
	Recipients   []string        `json:"recipients"`
	Payload      json.RawMessage `json:"payload"`
	IsActive     *bool           `json:"is_active"`
	NextRunAt    *time.Time      `json:"next_run_at"`
	EndDate      *time.Time      `json:"end_date"`
}

type createScheduleResp struct {
	ID        string    `json:"id"`
	NextRunAt time.Time `json:"next_run_at"`
}

func (req scheduleReq) hasRecurrence() bool {
	return req.Frequency != "" || req.Interval != nil || req.Weekday != nil || req.MonthDay != nil
}

// recurrence applies the request's recurrence fields over base. A new
// frequency starts from a blank recurrence so knobs that only fit the old
// frequency do not carry over.
func (req scheduleReq) recurrence(base domain.Recurrence) (domain.Recurrence, error) {
	rec := base
	if req.Frequency != "" || base.Frequency == "" {
		freq, err := domain.ParseFrequency(req.Frequency)
		if err != nil {
			return domain.Recurrence{}, err
		}
		rec = domain.Recurrence{Frequency: freq}
	}
	if req.Interval != nil {
		rec.Interval = *req.Interval
	}
	if req.Weekday != nil {
		wd := time.Weekday(*req.Weekday)
		rec.Weekday = &wd
	}
	if req.MonthDay != nil {
		rec.MonthDay = *req.MonthDay
	}
	return rec, rec.Validate()
}

func validatePayload(kind domain.Kind, payload []byte) error {
	if kind == domain.KindTask {
		_, err := generator.ParseTaskTemplate(payload)
		return err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.OwnerScopeID == "" {
		http.Error(w, "owner_scope_id is required", 400)
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rec, err := req.recurrence(domain.Recurrence{})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := validatePayload(kind, req.Payload); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	nextRun := s.clock.NextOccurrence(rec, s.now())
	if req.NextRunAt != nil {
		nextRun = req.NextRunAt.UTC()
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	schedule := domain.Schedule{
		OwnerScopeID: req.OwnerScopeID,
		Name:         req.Name,
		Kind:         kind,
		Recurrence:   rec,
		Recipients:   req.Recipients,
		Payload:      req.Payload,
		IsActive:     active,
		NextRunAt:    nextRun,
		EndDate:      req.EndDate,
	}

	if err := schedule.ValidateTimes(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id, NextRunAt: nextRun})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context(), r.URL.Query().Get("owner_scope_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.Kind != "" {
		kind, err := domain.ParseKind(req.Kind)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.Kind = kind
	}
	if req.hasRecurrence() {
		rec, err := req.recurrence(schedule.Recurrence)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.Recurrence = rec
		// A new recurrence restarts the chain from now.
		schedule.NextRunAt = s.clock.NextOccurrence(rec, s.now())
	}
	if req.NextRunAt != nil {
		schedule.NextRunAt = req.NextRunAt.UTC()
	}
	if req.Recipients != nil {
		schedule.Recipients = req.Recipients
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.IsActive != nil {
		schedule.IsActive = *req.IsActive
	}
	if req.EndDate != nil {
		schedule.EndDate = req.EndDate
	}
	if err := validatePayload(schedule.Kind, schedule.Payload); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := schedule.ValidateTimes(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if err := s.repo.UpdateSchedule(r.Context(), schedule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.repo.SetActive(r.Context(), id, active); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.repo.ListRunOutcomes(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if runs == nil {
		runs = []domain.RunOutcome{}
	}
	writeJSON(w, 200, runs)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.WorkspaceTask{}
	}
	writeJSON(w, 200, tasks)
}

type previewResp struct {
	WindowStart time.Time   `json:"window_start"`
	Next        []time.Time `json:"next"`
}

// preview shows the upcoming occurrences after the schedule's pending one.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	schedule, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 || count > 52 {
		count = 5
	}
	next := append([]time.Time{schedule.NextRunAt}, s.clock.Preview(schedule.Recurrence, schedule.NextRunAt, count-1)...)
	writeJSON(w, 200, previewResp{
		WindowStart: s.clock.WindowStart(schedule.Recurrence, schedule.NextRunAt),
		Next:        next,
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.repo.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		http.Error(w, "recipient is required", 400)
		return
	}
	notes, err := s.repo.ListNotifications(r.Context(), recipient)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if notes == nil {
		notes = []domain.Notification{}
	}
	writeJSON(w, 200, notes)
}

func (s *Server) loadSchedule(w http.ResponseWriter, r *http.Request) (domain.Schedule, bool) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return domain.Schedule{}, false
	}
	return schedule, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrUnknownFrequency), errors.Is(err, domain.ErrInvalidRecurrence),
		errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrTimeOutOfRange):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
