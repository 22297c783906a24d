package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"smsmaster/internal/domain"
	"smsmaster/pkg/logx"
)

//go:embed migrations/sqlite.sql migrations/postgres/*.sql
var migrationsFS embed.FS

var errClosed = errors.New("store closed")

// SQLite stores rows in a single database file. Timestamps are unix nanoseconds.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, so conditional updates never interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &SQLite{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return persistErr("ping", s.db.PingContext(ctx))
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const sqliteMessageCols = `id, owner, recipient, body, template_id, contact_id, provider, recurrence,
	next_run_time, status, created_at, updated_at, last_run_at, last_provider, last_error, occurrences`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(r rowScanner) (domain.ScheduledMessage, error) {
	var (
		m                                  domain.ScheduledMessage
		rec, status                        string
		next, created, updated, lastRunRaw int64
	)
	if err := r.Scan(&m.ID, &m.Owner, &m.Recipient, &m.Body, &m.TemplateID, &m.ContactID, &m.Provider, &rec,
		&next, &status, &created, &updated, &lastRunRaw, &m.LastProvider, &m.LastError, &m.Occurrences); err != nil {
		return domain.ScheduledMessage{}, err
	}
	if err := m.Recurrence.UnmarshalText([]byte(rec)); err != nil {
		return domain.ScheduledMessage{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Status = domain.Status(status)
	m.NextRunTime = fromNanos(next)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	m.LastRunAt = fromNanos(lastRunRaw)
	return m, nil
}

func (s *SQLite) Create(ctx context.Context, m domain.ScheduledMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(`+sqliteMessageCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Owner, m.Recipient, m.Body, m.TemplateID, m.ContactID, m.Provider, m.Recurrence.String(),
		nanos(m.NextRunTime), string(m.Status), nanos(m.CreatedAt), nanos(m.UpdatedAt), nanos(m.LastRunAt),
		m.LastProvider, m.LastError, m.Occurrences,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrConflict
	}
	return persistErr("create", err)
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledMessage{}, ErrNotFound
	}
	return m, persistErr("get", err)
}

func (s *SQLite) query(ctx context.Context, op, q string, args ...any) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()
	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, m)
	}
	return out, persistErr(op, rows.Err())
}

func (s *SQLite) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "list due", `SELECT `+sqliteMessageCols+` FROM messages
		WHERE status = ? AND next_run_time <= ?
		ORDER BY next_run_time, id LIMIT ?`,
		string(domain.StatusPending), now.UnixNano(), limit)
}

func (s *SQLite) List(ctx context.Context, f domain.Filter) ([]domain.ScheduledMessage, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Provider != "" {
		where = append(where, "lower(provider) = lower(?)")
		args = append(args, f.Provider)
	}
	q := `SELECT ` + sqliteMessageCols + ` FROM messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY next_run_time, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, "list", q, args...)
}

// changed turns a conditional write into (applied, error), telling a lost
// race apart from a missing row.
func (s *SQLite) changed(ctx context.Context, op, id string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, persistErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr(op, err)
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, persistErr(op, err)
}

func (s *SQLite) TryTransition(ctx context.Context, id string, from, to domain.Status, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nanos(at), id, string(from))
	return s.changed(ctx, "transition", id, res, err)
}

func (s *SQLite) Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error) {
	if m.Status != expect {
		if err := checkTransition(expect, m.Status); err != nil {
			return false, err
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET
			recipient = ?, body = ?, template_id = ?, contact_id = ?, provider = ?, recurrence = ?,
			next_run_time = ?, status = ?, updated_at = ?, last_run_at = ?, last_provider = ?,
			last_error = ?, occurrences = ?
		WHERE id = ? AND status = ?`,
		m.Recipient, m.Body, m.TemplateID, m.ContactID, m.Provider, m.Recurrence.String(),
		nanos(m.NextRunTime), string(m.Status), nanos(m.UpdatedAt), nanos(m.LastRunAt), m.LastProvider,
		m.LastError, m.Occurrences,
		m.ID, string(expect))
	return s.changed(ctx, "update", m.ID, res, err)
}

func (s *SQLite) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.StatusCanceled), nanos(at), id,
		string(domain.StatusPending), string(domain.StatusDispatching))
	return s.changed(ctx, "cancel", id, res, err)
}

func (s *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("prune", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{nanos(before)}
	for _, st := range finishedStatuses {
		args = append(args, string(st))
	}
	args = append(args, onceText, string(domain.StatusCanceled))
	const cond = `updated_at < ? AND status IN (?, ?, ?) AND (recurrence IN ('', ?) OR status = ?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE message_id IN (SELECT id FROM messages WHERE `+cond+`)`, args...); err != nil {
		return 0, persistErr("prune", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE `+cond, args...)
	if err != nil {
		return 0, persistErr("prune", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, persistErr("prune", err)
	}
	return int(n), nil
}

func (s *SQLite) RecoverDispatching(ctx context.Context, before, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(domain.StatusPending), nanos(at), string(domain.StatusDispatching), nanos(before))
	if err != nil {
		return 0, persistErr("recover", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Record(ctx context.Context, a domain.DispatchAttempt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO attempts(id, message_id, occurrence, idx, provider, at,
			duration_ns, outcome, error, provider_message_id)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.MessageID, nanos(a.Occurrence), a.Index, a.Provider, nanos(a.At),
		int64(a.Duration), string(a.Outcome), a.Error, a.ProviderMessageID)
	return persistErr("record", err)
}

func (s *SQLite) History(ctx context.Context, messageID string) ([]domain.DispatchAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, occurrence, idx, provider, at, duration_ns,
			outcome, error, provider_message_id
		FROM attempts WHERE message_id = ? ORDER BY seq`, messageID)
	if err != nil {
		return nil, persistErr("history", err)
	}
	defer rows.Close()
	var out []domain.DispatchAttempt
	for rows.Next() {
		var (
			a           domain.DispatchAttempt
			occ, at, dn int64
			outcome     string
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &occ, &a.Index, &a.Provider, &at, &dn,
			&outcome, &a.Error, &a.ProviderMessageID); err != nil {
			return nil, persistErr("history", err)
		}
		a.Occurrence, a.At = fromNanos(occ), fromNanos(at)
		a.Duration = time.Duration(dn)
		a.Outcome = domain.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, persistErr("history", rows.Err())
}
