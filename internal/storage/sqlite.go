package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"broadcastd/internal/model"
)

// SQLite implements Store on a single SQLite connection.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// one connection: serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if busyTimeout <= 0 {
		busyTimeout = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	current := 0
	var tables int
	if err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// ---- contacts ----

type contactRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Phone     string `db:"phone"`
	PhoneKey  string `db:"phone_key"`
	Tags      string `db:"tags"`
	Notes     string `db:"notes"`
	OptIn     bool   `db:"opt_in"`
	CreatedAt string `db:"created_at"`
}

func (r contactRow) contact() (model.Contact, error) {
	c := model.Contact{ID: r.ID, Name: r.Name, Phone: r.Phone, Notes: r.Notes, OptIn: r.OptIn}
	if err := json.Unmarshal([]byte(r.Tags), &c.Tags); err != nil {
		return c, fmt.Errorf("decoding tags of contact %s: %w", r.ID, err)
	}
	var err error
	c.CreatedAt, err = parseTime(r.CreatedAt)
	return c, err
}

func (s *SQLite) InsertContact(ctx context.Context, c model.Contact) error {
	tags, err := json.Marshal(nonNil(c.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, phone, phone_key, tags, notes, opt_in, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone,
			phone_key = excluded.phone_key, tags = excluded.tags, notes = excluded.notes, opt_in = excluded.opt_in`,
		c.ID, c.Name, c.Phone, model.NormalizePhone(c.Phone), string(tags), c.Notes, c.OptIn, formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteContact(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "contacts", id)
}

func (s *SQLite) Contact(ctx context.Context, id string) (model.Contact, error) {
	var r contactRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM contacts WHERE id = ?", id); err != nil {
		return model.Contact{}, notFound(err, "contact", id)
	}
	return r.contact()
}

func (s *SQLite) Contacts(ctx context.Context) ([]model.Contact, error) {
	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM contacts ORDER BY rowid DESC"); err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	out := make([]model.Contact, 0, len(rows))
	for _, r := range rows {
		c, err := r.contact()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ---- templates ----

type templateRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Body      string `db:"body"`
	CreatedAt string `db:"created_at"`
}

func (r templateRow) template() (model.MessageTemplate, error) {
	at, err := parseTime(r.CreatedAt)
	return model.MessageTemplate{ID: r.ID, Name: r.Name, Body: r.Body, CreatedAt: at}, err
}

func (s *SQLite) InsertTemplate(ctx context.Context, t model.MessageTemplate) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO templates (id, name, body, created_at) VALUES (?, ?, ?, ?)",
		t.ID, t.Name, t.Body, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting template %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteTemplate(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "templates", id)
}

func (s *SQLite) Template(ctx context.Context, id string) (model.MessageTemplate, error) {
	var r templateRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM templates WHERE id = ?", id); err != nil {
		return model.MessageTemplate{}, notFound(err, "template", id)
	}
	return r.template()
}

func (s *SQLite) Templates(ctx context.Context) ([]model.MessageTemplate, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM templates ORDER BY rowid DESC"); err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	out := make([]model.MessageTemplate, 0, len(rows))
	for _, r := range rows {
		t, err := r.template()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- broadcasts ----

type broadcastRow struct {
	ID              string         `db:"id"`
	Label           string         `db:"label"`
	TemplateID      string         `db:"template_id"`
	Body            string         `db:"body"`
	Target          string         `db:"target"`
	ScheduledFor    sql.NullString `db:"scheduled_for"`
	CreatedAt       string         `db:"created_at"`
	Status          string         `db:"status"`
	TotalRecipients int            `db:"total_recipients"`
	Delivered       int            `db:"delivered"`
	Failed          int            `db:"failed"`
	FinishedAt      sql.NullString `db:"finished_at"`
}

func (r broadcastRow) broadcast() (model.Broadcast, error) {
	b := model.Broadcast{
		ID:              r.ID,
		Label:           r.Label,
		TemplateID:      r.TemplateID,
		Body:            r.Body,
		Status:          model.BroadcastStatus(r.Status),
		TotalRecipients: r.TotalRecipients,
		Delivered:       r.Delivered,
		Failed:          r.Failed,
	}
	var err error
	if b.Target, err = model.UnmarshalTarget([]byte(r.Target)); err != nil {
		return b, fmt.Errorf("broadcast %s: %w", r.ID, err)
	}
	if b.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return b, err
	}
	if b.ScheduledFor, err = parseNullTime(r.ScheduledFor); err != nil {
		return b, err
	}
	b.FinishedAt, err = parseNullTime(r.FinishedAt)
	return b, err
}

func (s *SQLite) CreateBroadcast(ctx context.Context, b model.Broadcast, tasks []model.DeliveryTask) error {
	target, err := model.MarshalTarget(b.Target)
	if err != nil {
		return fmt.Errorf("encoding target: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO broadcasts (id, label, template_id, body, target, scheduled_for, created_at,
			status, total_recipients, delivered, failed, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Label, b.TemplateID, b.Body, string(target), nullTime(b.ScheduledFor), formatTime(b.CreatedAt),
		string(b.Status), b.TotalRecipients, b.Delivered, b.Failed, nullTime(b.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting broadcast %s: %w", b.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO delivery_tasks (id, broadcast_id, contact_id, contact_name, phone, scheduled_for,
			status, preview, created_at, started_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing task insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, taskArgs(t)...); err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Broadcast(ctx context.Context, id string) (model.Broadcast, error) {
	var r broadcastRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM broadcasts WHERE id = ?", id); err != nil {
		return model.Broadcast{}, notFound(err, "broadcast", id)
	}
	return r.broadcast()
}

func (s *SQLite) Broadcasts(ctx context.Context) ([]model.Broadcast, error) {
	var rows []broadcastRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM broadcasts ORDER BY id DESC"); err != nil {
		return nil, fmt.Errorf("querying broadcasts: %w", err)
	}
	out := make([]model.Broadcast, 0, len(rows))
	for _, r := range rows {
		b, err := r.broadcast()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SQLite) UpdateBroadcast(ctx context.Context, b model.Broadcast) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, delivered = ?, failed = ?, finished_at = ? WHERE id = ?`,
		string(b.Status), b.Delivered, b.Failed, nullTime(b.FinishedAt), b.ID)
	if err != nil {
		return fmt.Errorf("updating broadcast %s: %w", b.ID, err)
	}
	return expectRow(res, "broadcast", b.ID)
}

func (s *SQLite) DeleteBroadcast(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "broadcasts", id)
}

// ---- tasks ----

type taskRow struct {
	ID           string         `db:"id"`
	BroadcastID  string         `db:"broadcast_id"`
	ContactID    string         `db:"contact_id"`
	ContactName  string         `db:"contact_name"`
	Phone        string         `db:"phone"`
	ScheduledFor sql.NullString `db:"scheduled_for"`
	Status       string         `db:"status"`
	Preview      string         `db:"preview"`
	CreatedAt    string         `db:"created_at"`
	StartedAt    sql.NullString `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	Error        string         `db:"error"`
}

func (r taskRow) task() (model.DeliveryTask, error) {
	t := model.DeliveryTask{
		ID:          r.ID,
		BroadcastID: r.BroadcastID,
		ContactID:   r.ContactID,
		ContactName: r.ContactName,
		Phone:       r.Phone,
		Status:      model.TaskStatus(r.Status),
		Preview:     r.Preview,
		Error:       r.Error,
	}
	var err error
	if t.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return t, err
	}
	if t.ScheduledFor, err = parseNullTime(r.ScheduledFor); err != nil {
		return t, err
	}
	if t.StartedAt, err = parseNullTime(r.StartedAt); err != nil {
		return t, err
	}
	t.CompletedAt, err = parseNullTime(r.CompletedAt)
	return t, err
}

func taskArgs(t model.DeliveryTask) []any {
	return []any{
		t.ID, t.BroadcastID, t.ContactID, t.ContactName, t.Phone, nullTime(t.ScheduledFor),
		string(t.Status), t.Preview, formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.Error,
	}
}

func (s *SQLite) Task(ctx context.Context, id string) (model.DeliveryTask, error) {
	var r taskRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM delivery_tasks WHERE id = ?", id); err != nil {
		return model.DeliveryTask{}, notFound(err, "task", id)
	}
	return r.task()
}

func (s *SQLite) TasksFor(ctx context.Context, broadcastID string) ([]model.DeliveryTask, error) {
	return s.selectTasks(ctx, "SELECT * FROM delivery_tasks WHERE broadcast_id = ? ORDER BY id", broadcastID)
}

func (s *SQLite) TasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.DeliveryTask, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args, err := sqlx.In("SELECT * FROM delivery_tasks WHERE status IN (?) ORDER BY id", names)
	if err != nil {
		return nil, fmt.Errorf("building status query: %w", err)
	}
	return s.selectTasks(ctx, s.db.Rebind(query), args...)
}

func (s *SQLite) selectTasks(ctx context.Context, query string, args ...any) ([]model.DeliveryTask, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	out := make([]model.DeliveryTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, t model.DeliveryTask) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = ?, started_at = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(t.Status), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.Error, t.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	return expectRow(res, "task", t.ID)
}

// ---- audit ----

type auditRow struct {
	At      string `db:"at"`
	Action  string `db:"action"`
	Subject string `db:"subject"`
	Detail  string `db:"detail"`
}

func (s *SQLite) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit (at, action, subject, detail) VALUES (?, ?, ?, ?)",
		formatTime(e.At), e.Action, e.Subject, e.Detail)
	if err != nil {
		return fmt.Errorf("appending audit: %w", err)
	}
	return nil
}

func (s *SQLite) Audit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT at, action, subject, detail FROM audit ORDER BY id DESC LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("querying audit: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(rows))
	for _, r := range rows {
		at, err := parseTime(r.At)
		if err != nil {
			return nil, err
		}
		out = append(out, model.AuditEntry{At: at, Action: r.Action, Subject: r.Subject, Detail: r.Detail})
	}
	return out, nil
}

// ---- helpers ----

func (s *SQLite) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting from %s %s: %w", table, id, err)
	}
	return expectRow(res, table, id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return fmt.Errorf("querying %s %s: %w", kind, id, err)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
