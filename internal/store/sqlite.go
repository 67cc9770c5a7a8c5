package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recurflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional schedule update found the row changed
	// since it was read.
	ErrConflict = errors.New("schedule changed concurrently")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  owner_scope_id TEXT NOT NULL,
  name TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('report','task')),
  frequency TEXT NOT NULL CHECK(frequency IN ('daily','weekly','biweekly','monthly','quarterly')),
  interval_n INTEGER NOT NULL DEFAULT 1,
  weekday INTEGER,
  month_day INTEGER NOT NULL DEFAULT 0,
  recipients TEXT NOT NULL DEFAULT '[]',
  payload BLOB,
  is_active INTEGER NOT NULL DEFAULT 1,
  next_run_at INTEGER NOT NULL,
  last_run_at INTEGER,
  occurrence_count INTEGER NOT NULL DEFAULT 0,
  end_date INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(is_active, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_scope_id);
CREATE TABLE IF NOT EXISTS run_outcomes (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  ran_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  artifact_ref TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_outcomes_schedule ON run_outcomes(schedule_id, ran_at);
CREATE TABLE IF NOT EXISTS workspace_tasks (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  owner_scope_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  occurrence INTEGER NOT NULL,
  due_at INTEGER NOT NULL,
  idempotency_key TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workspace_tasks_idem ON workspace_tasks(idempotency_key);
CREATE TABLE IF NOT EXISTS reports (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  owner_scope_id TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  body BLOB NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  recipient TEXT NOT NULL,
  schedule_id TEXT NOT NULL,
  message TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the persistence boundary for schedules and their history.
type Repository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, ownerScopeID string) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error

	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, expectedNextRunAt time.Time, u domain.ScheduleUpdate) error
	AppendRunOutcome(ctx context.Context, o domain.RunOutcome) error
	ListRunOutcomes(ctx context.Context, scheduleID string, limit int) ([]domain.RunOutcome, error)
	SummarizeOutcomes(ctx context.Context, ownerScopeID string, from, to time.Time) (OutcomeSummary, error)

	InsertTask(ctx context.Context, t domain.WorkspaceTask) (string, error)
	ListTasks(ctx context.Context, scheduleID string) ([]domain.WorkspaceTask, error)
	InsertReport(ctx context.Context, r domain.Report) (string, error)
	GetReport(ctx context.Context, id string) (domain.Report, error)
	InsertNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, recipient string) ([]domain.Notification, error)
}

// OutcomeSummary aggregates run history over a window.
type OutcomeSummary struct {
	Runs       int            `json:"runs"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	BySchedule map[string]int `json:"by_schedule"`
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

// Times are stored as UTC unix nanoseconds so ordering and round trips are
// exact. Callers check domain.Storable first; out-of-range values would wrap.
func toDB(t time.Time) int64 { return t.UTC().UnixNano() }

func fromDB(n int64) time.Time { return time.Unix(0, n).UTC() }

func toDBPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toDB(*t)
}

func fromDBNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromDB(n.Int64)
	return &t
}

const scheduleColumns = `id,owner_scope_id,name,kind,frequency,interval_n,weekday,month_day,recipients,payload,is_active,next_run_at,last_run_at,occurrence_count,end_date,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                    domain.Schedule
		weekday              sql.NullInt64
		recipients           string
		payload              []byte
		nextRun, created, up int64
		lastRun, endDate     sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.OwnerScopeID, &s.Name, &s.Kind, &s.Recurrence.Frequency, &s.Recurrence.Interval,
		&weekday, &s.Recurrence.MonthDay, &recipients, &payload, &s.IsActive, &nextRun, &lastRun,
		&s.OccurrenceCount, &endDate, &created, &up)
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(payload) > 0 {
		s.Payload = payload
	}
	if weekday.Valid {
		wd := time.Weekday(weekday.Int64)
		s.Recurrence.Weekday = &wd
	}
	if err := json.Unmarshal([]byte(recipients), &s.Recipients); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode recipients of %s: %w", s.ID, err)
	}
	s.NextRunAt = fromDB(nextRun)
	s.LastRunAt = fromDBNull(lastRun)
	s.EndDate = fromDBNull(endDate)
	s.CreatedAt = fromDB(created)
	s.UpdatedAt = fromDB(up)
	return s, nil
}

func weekdayArg(rec domain.Recurrence) any {
	if rec.Weekday == nil {
		return nil
	}
	return int(*rec.Weekday)
}

func recipientsArg(r []string) (string, error) {
	if r == nil {
		r = []string{}
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	if err := s.Recurrence.Validate(); err != nil {
		return "", err
	}
	if err := s.ValidateTimes(); err != nil {
		return "", err
	}
	if _, err := domain.ParseKind(string(s.Kind)); err != nil {
		return "", err
	}
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	recipients, err := recipientsArg(s.Recipients)
	if err != nil {
		return "", err
	}
	now := toDB(r.now())
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.OwnerScopeID, s.Name, string(s.Kind), string(s.Recurrence.Frequency), s.Recurrence.Every(), weekdayArg(s.Recurrence),
		s.Recurrence.MonthDay, recipients, []byte(s.Payload), s.IsActive, toDB(s.NextRunAt), toDBPtr(s.LastRunAt),
		s.OccurrenceCount, toDBPtr(s.EndDate), now, now)
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ListSchedules lists every schedule, or only one owner's when ownerScopeID is set.
func (r *sqliteRepo) ListSchedules(ctx context.Context, ownerScopeID string) ([]domain.Schedule, error) {
	if ownerScopeID == "" {
		return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	}
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE owner_scope_id=? ORDER BY name`, ownerScopeID)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	if err := s.Recurrence.Validate(); err != nil {
		return err
	}
	if err := s.ValidateTimes(); err != nil {
		return err
	}
	recipients, err := recipientsArg(s.Recipients)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,kind=?,frequency=?,interval_n=?,weekday=?,month_day=?,recipients=?,payload=?,is_active=?,next_run_at=?,end_date=?,updated_at=?
WHERE id=?`, s.Name, string(s.Kind), string(s.Recurrence.Frequency), s.Recurrence.Every(), weekdayArg(s.Recurrence), s.Recurrence.MonthDay,
		recipients, []byte(s.Payload), s.IsActive, toDB(s.NextRunAt), toDBPtr(s.EndDate), toDB(r.now()), s.ID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

func (r *sqliteRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET is_active=?,updated_at=? WHERE id=?`, active, toDB(r.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

func (r *sqliteRepo) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules
WHERE is_active=1 AND next_run_at <= ? ORDER BY next_run_at, id`, toDB(now))
}

// AdvanceSchedule applies u only if next_run_at still equals expectedNextRunAt,
// so two overlapping scans cannot both advance the same occurrence.
func (r *sqliteRepo) AdvanceSchedule(ctx context.Context, id string, expectedNextRunAt time.Time, u domain.ScheduleUpdate) error {
	if err := domain.CheckStorable("next_run_at", u.NextRunAt); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET next_run_at=?,last_run_at=?,occurrence_count=?,is_active=?,updated_at=?
WHERE id=? AND next_run_at=?`, toDB(u.NextRunAt), toDB(u.LastRunAt), u.OccurrenceCount, u.IsActive, toDB(r.now()),
		id, toDB(expectedNextRunAt))
	if err != nil {
		return err
	}
	return expectOne(res, ErrConflict)
}

func (r *sqliteRepo) AppendRunOutcome(ctx context.Context, o domain.RunOutcome) error {
	id := o.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO run_outcomes(id,schedule_id,ran_at,success,error,artifact_ref) VALUES (?,?,?,?,?,?)`,
		id, o.ScheduleID, toDB(o.RanAt), o.Success, o.Error, o.ArtifactRef)
	return err
}

func (r *sqliteRepo) ListRunOutcomes(ctx context.Context, scheduleID string, limit int) ([]domain.RunOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,schedule_id,ran_at,success,error,artifact_ref FROM run_outcomes
WHERE schedule_id=? ORDER BY ran_at DESC, rowid DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []domain.RunOutcome
	for rows.Next() {
		var o domain.RunOutcome
		var ranAt int64
		if err := rows.Scan(&o.ID, &o.ScheduleID, &ranAt, &o.Success, &o.Error, &o.ArtifactRef); err != nil {
			return nil, err
		}
		o.RanAt = fromDB(ranAt)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// SummarizeOutcomes counts run outcomes of one owner's schedules with ran_at in [from, to].
func (r *sqliteRepo) SummarizeOutcomes(ctx context.Context, ownerScopeID string, from, to time.Time) (OutcomeSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT o.schedule_id, o.success, COUNT(*) FROM run_outcomes o
JOIN schedules s ON s.id = o.schedule_id
WHERE s.owner_scope_id=? AND o.ran_at >= ? AND o.ran_at <= ?
GROUP BY o.schedule_id, o.success`, ownerScopeID, toDB(from), toDB(to))
	if err != nil {
		return OutcomeSummary{}, err
	}
	defer rows.Close()

	sum := OutcomeSummary{BySchedule: map[string]int{}}
	for rows.Next() {
		var (
			scheduleID string
			success    bool
			n          int
		)
		if err := rows.Scan(&scheduleID, &success, &n); err != nil {
			return OutcomeSummary{}, err
		}
		sum.Runs += n
		sum.BySchedule[scheduleID] += n
		if success {
			sum.Succeeded += n
		} else {
			sum.Failed += n
		}
	}
	return sum, rows.Err()
}

// InsertTask is idempotent on the task's idempotency key: a second insert
// with the same key returns the existing task id.
func (r *sqliteRepo) InsertTask(ctx context.Context, t domain.WorkspaceTask) (string, error) {
	if err := domain.CheckStorable("due_at", t.DueAt); err != nil {
		return "", err
	}
	if t.IdempotencyKey != "" {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM workspace_tasks WHERE idempotency_key = ?", t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}
	id := t.ID
	if id == "" {
		id = "wtk_" + uuid.NewString()
	}
	key := t.IdempotencyKey
	if key == "" {
		key = id
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO workspace_tasks(id,schedule_id,owner_scope_id,title,description,occurrence,due_at,idempotency_key,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`, id, t.ScheduleID, t.OwnerScopeID, t.Title, t.Description, t.Occurrence, toDB(t.DueAt), key, toDB(r.now()))
	return id, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, scheduleID string) ([]domain.WorkspaceTask, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,schedule_id,owner_scope_id,title,description,occurrence,due_at,idempotency_key,created_at
FROM workspace_tasks WHERE schedule_id=? ORDER BY occurrence, created_at`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.WorkspaceTask
	for rows.Next() {
		var t domain.WorkspaceTask
		var due, created int64
		if err := rows.Scan(&t.ID, &t.ScheduleID, &t.OwnerScopeID, &t.Title, &t.Description, &t.Occurrence, &due, &t.IdempotencyKey, &created); err != nil {
			return nil, err
		}
		t.DueAt = fromDB(due)
		t.CreatedAt = fromDB(created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) InsertReport(ctx context.Context, rep domain.Report) (string, error) {
	id := rep.ID
	if id == "" {
		id = "rpt_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reports(id,schedule_id,owner_scope_id,window_start,window_end,body,created_at) VALUES (?,?,?,?,?,?,?)`,
		id, rep.ScheduleID, rep.OwnerScopeID, toDB(rep.WindowStart), toDB(rep.WindowEnd), []byte(rep.Body), toDB(r.now()))
	return id, err
}

func (r *sqliteRepo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,schedule_id,owner_scope_id,window_start,window_end,body,created_at FROM reports WHERE id=?`, id)
	var rep domain.Report
	var start, end, created int64
	var body []byte
	if err := row.Scan(&rep.ID, &rep.ScheduleID, &rep.OwnerScopeID, &start, &end, &body, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Report{}, ErrNotFound
		}
		return domain.Report{}, err
	}
	rep.WindowStart = fromDB(start)
	rep.WindowEnd = fromDB(end)
	rep.Body = body
	rep.CreatedAt = fromDB(created)
	return rep, nil
}

func (r *sqliteRepo) InsertNotification(ctx context.Context, n domain.Notification) error {
	id := n.ID
	if id == "" {
		id = "ntf_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notifications(id,recipient,schedule_id,message,created_at) VALUES (?,?,?,?,?)`,
		id, n.Recipient, n.ScheduleID, n.Message, toDB(r.now()))
	return err
}

func (r *sqliteRepo) ListNotifications(ctx context.Context, recipient string) ([]domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,recipient,schedule_id,message,created_at FROM notifications WHERE recipient=? ORDER BY created_at, rowid`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var created int64
		if err := rows.Scan(&n.ID, &n.Recipient, &n.ScheduleID, &n.Message, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromDB(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
