package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/quill/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. transition log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if len(run.Document) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "run document must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, template_name, template_version, goals, document, state, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.TemplateName), nullStr(run.TemplateVersion), nullStr(run.Goals),
		string(run.Document), string(run.State), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, template_version, goals, document, state, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Document != nil {
		sets = append(sets, "document = ?")
		args = append(args, string(update.Document))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.TemplateName != "" {
		where = append(where, "template_name = ?")
		args = append(args, filter.TemplateName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, template_name, template_version, goals, document, state, error, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		tmplName, tmplVer, goals sql.NullString
		docJSON, state           string
		errorJSON                sql.NullString
		startedAt, completedAt   sql.NullTime
	)
	if err := scan(&run.ID, &tmplName, &tmplVer, &goals, &docJSON, &state, &errorJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.TemplateName = tmplName.String
	run.TemplateVersion = tmplVer.String
	run.Goals = goals.String
	run.Document = json.RawMessage(docJSON)
	run.State = schema.WorkflowState(state)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Transition log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *TransitionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, trigger_event, from_state, to_state, stage_id, step_id, behavior_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Trigger, event.FromState, event.ToState,
		nullStr(event.StageID), nullStr(event.StepID), nullStr(event.BehaviorID),
		payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, trigger_event, from_state, to_state, stage_id, step_id, behavior_id, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByTrigger(ctx context.Context, trigger string, filter EventFilter) ([]*TransitionEvent, error) {
	var where []string
	var args []any

	where = append(where, "trigger_event = ?")
	args = append(args, trigger)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StageID != "" {
		where = append(where, "stage_id = ?")
		args = append(args, filter.StageID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, trigger_event, from_state, to_state, stage_id, step_id, behavior_id, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*TransitionEvent, error) {
	var events []*TransitionEvent
	for rows.Next() {
		e := &TransitionEvent{}
		var stageID, stepID, behaviorID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Trigger, &e.FromState, &e.ToState,
			&stageID, &stepID, &behaviorID, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StageID = stageID.String
		e.StepID = stepID.String
		e.BehaviorID = behaviorID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if len(snap.Document) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "snapshot document must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, sequence, document, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, sequence) DO UPDATE SET document=excluded.document`,
		snap.RunID, snap.Sequence, string(snap.Document), timeOrNow(snap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) LatestSnapshot(ctx context.Context, runID string) (*Snapshot, error) {
	snap := &Snapshot{}
	var docJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, sequence, document, created_at FROM snapshots
		 WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`, runID,
	).Scan(&snap.RunID, &snap.Sequence, &docJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", runID)
	}
	if err != nil {
		return nil, err
	}
	snap.Document = json.RawMessage(docJSON)
	return snap, nil
}

// PruneSnapshots removes all but the newest keep snapshots for a run.
func (s *LibSQLStore) PruneSnapshots(ctx context.Context, runID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE run_id = ? AND sequence NOT IN (
		   SELECT sequence FROM snapshots WHERE run_id = ? ORDER BY sequence DESC LIMIT ?
		 )`,
		runID, runID, keep,
	)
	return err
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *TemplateRecord) error {
	body, err := json.Marshal(tpl.Template)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (name, version, description, template, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   description=excluded.description, template=excluded.template,
		   updated_at=CURRENT_TIMESTAMP`,
		tpl.Name, tpl.Version, nullStr(tpl.Description), string(body),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, name string, version string) (*TemplateRecord, error) {
	t := &TemplateRecord{}
	var desc sql.NullString
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, description, template, created_at, updated_at
		 FROM templates WHERE name = ? AND version = ?`, name, version,
	).Scan(&t.Name, &t.Version, &desc, &body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name+":"+version)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	if err := json.Unmarshal([]byte(body), &t.Template); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*TemplateRecord, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, version, description, template, created_at, updated_at FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*TemplateRecord
	for rows.Next() {
		t := &TemplateRecord{}
		var desc sql.NullString
		var body string
		if err := rows.Scan(&t.Name, &t.Version, &desc, &body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		if err := json.Unmarshal([]byte(body), &t.Template); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, name string, version string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", name+":"+version)
}

// --- Scheduled Runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, template_name, template_version, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.TemplateName, nullStr(sr.TemplateVersion), sr.CronExpression,
		nullRaw(sr.Variables), boolToInt(sr.Enabled),
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunState),
		timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, template_version, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_state, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	)
	sr, err := scanScheduledRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	return sr, err
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunState != "" {
		sets = append(sets, "last_run_state = ?")
		args = append(args, update.LastRunState)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, template_name, template_version, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_state, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheduled []*ScheduledRun
	for rows.Next() {
		sr, err := scanScheduledRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, sr)
	}
	return scheduled, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func scanScheduledRun(scan func(dest ...any) error) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var tmplVer, lastState sql.NullString
	var variables sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := scan(&sr.ID, &sr.TemplateName, &tmplVer, &sr.CronExpression, &variables,
		&enabled, &lastRun, &nextRun, &lastState, &sr.CreatedAt); err != nil {
		return nil, err
	}
	sr.TemplateVersion = tmplVer.String
	sr.Variables = rawOrNil(variables)
	sr.Enabled = enabled != 0
	sr.LastRunState = lastState.String
	if lastRun.Valid {
		sr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sr.NextRunAt = &nextRun.Time
	}
	return sr, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.QuillError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
