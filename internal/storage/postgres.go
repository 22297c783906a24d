package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"smsmaster/internal/domain"
	"smsmaster/pkg/logx"
)

// Postgres is the pgx-backed Store. The schema is managed by golang-migrate
// from the embedded migrations/postgres directory.
type Postgres struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const connectAttempts = 5

func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	pool, err := connectPostgres(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, log: log}, nil
}

func migratePostgres(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites postgres:// to the scheme the pgx/v5 migrate driver registers.
func migrateURL(dsn string) string {
	for _, p := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, p) {
			return "pgx5://" + strings.TrimPrefix(dsn, p)
		}
	}
	return dsn
}

func connectPostgres(ctx context.Context, dsn string, log logx.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("connected to database", logx.Int("attempts", attempt))
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if attempt == connectAttempts {
			break
		}
		backoff := min(time.Duration(1<<(attempt-1))*time.Second, 16*time.Second)
		log.Warn("database connect failed, retrying",
			logx.Int("attempt", attempt),
			logx.Duration("backoff", backoff),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", connectAttempts, lastErr)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return persistErr("ping", s.pool.Ping(ctx))
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

const pgMessageCols = `id, owner, recipient, body, template_id, contact_id, provider, recurrence,
	next_run_time, status, created_at, updated_at, last_run_at, last_provider, last_error, occurrences`

func scanPGMessage(r pgx.Row) (domain.ScheduledMessage, error) {
	var (
		m           domain.ScheduledMessage
		rec, status string
		lastRun     *time.Time
	)
	if err := r.Scan(&m.ID, &m.Owner, &m.Recipient, &m.Body, &m.TemplateID, &m.ContactID, &m.Provider, &rec,
		&m.NextRunTime, &status, &m.CreatedAt, &m.UpdatedAt, &lastRun, &m.LastProvider, &m.LastError, &m.Occurrences); err != nil {
		return domain.ScheduledMessage{}, err
	}
	if err := m.Recurrence.UnmarshalText([]byte(rec)); err != nil {
		return domain.ScheduledMessage{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Status = domain.Status(status)
	m.NextRunTime = m.NextRunTime.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if lastRun != nil {
		m.LastRunAt = lastRun.UTC()
	}
	return m, nil
}

func (s *Postgres) Create(ctx context.Context, m domain.ScheduledMessage) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO messages(`+pgMessageCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.Owner, m.Recipient, m.Body, m.TemplateID, m.ContactID, m.Provider, m.Recurrence.String(),
		m.NextRunTime.UTC(), string(m.Status), m.CreatedAt.UTC(), m.UpdatedAt.UTC(), nullTime(m.LastRunAt),
		m.LastProvider, m.LastError, m.Occurrences)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return persistErr("create", err)
}

func (s *Postgres) Get(ctx context.Context, id string) (domain.ScheduledMessage, error) {
	m, err := scanPGMessage(s.pool.QueryRow(ctx, `SELECT `+pgMessageCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduledMessage{}, ErrNotFound
	}
	return m, persistErr("get", err)
}

func (s *Postgres) query(ctx context.Context, op, q string, args ...any) ([]domain.ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()
	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, m)
	}
	return out, persistErr(op, rows.Err())
}

func (s *Postgres) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	q := `SELECT ` + pgMessageCols + ` FROM messages
		WHERE status = $1 AND next_run_time <= $2 ORDER BY next_run_time, id`
	args := []any{string(domain.StatusPending), now.UTC()}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	return s.query(ctx, "list due", q, args...)
}

func (s *Postgres) List(ctx context.Context, f domain.Filter) ([]domain.ScheduledMessage, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.Statuses) > 0 {
		sts := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			sts[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(sts)+")")
	}
	if f.Owner != "" {
		where = append(where, "owner = "+arg(f.Owner))
	}
	if f.Provider != "" {
		where = append(where, "lower(provider) = lower("+arg(f.Provider)+")")
	}
	q := `SELECT ` + pgMessageCols + ` FROM messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY next_run_time, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	return s.query(ctx, "list", q, args...)
}

func (s *Postgres) changed(ctx context.Context, op, id string, tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, persistErr(op, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM messages WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, persistErr(op, err)
}

func (s *Postgres) TryTransition(ctx context.Context, id string, from, to domain.Status, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at.UTC(), id, string(from))
	return s.changed(ctx, "transition", id, tag, err)
}

func (s *Postgres) Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error) {
	if m.Status != expect {
		if err := checkTransition(expect, m.Status); err != nil {
			return false, err
		}
	}
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET
			recipient = $1, body = $2, template_id = $3, contact_id = $4, provider = $5, recurrence = $6,
			next_run_time = $7, status = $8, updated_at = $9, last_run_at = $10, last_provider = $11,
			last_error = $12, occurrences = $13
		WHERE id = $14 AND status = $15`,
		m.Recipient, m.Body, m.TemplateID, m.ContactID, m.Provider, m.Recurrence.String(),
		m.NextRunTime.UTC(), string(m.Status), m.UpdatedAt.UTC(), nullTime(m.LastRunAt), m.LastProvider,
		m.LastError, m.Occurrences, m.ID, string(expect))
	return s.changed(ctx, "update", m.ID, tag, err)
}

func (s *Postgres) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		string(domain.StatusCanceled), at.UTC(), id,
		string(domain.StatusPending), string(domain.StatusDispatching))
	return s.changed(ctx, "cancel", id, tag, err)
}

// Prune relies on ON DELETE CASCADE to drop history rows.
func (s *Postgres) Prune(ctx context.Context, before time.Time) (int, error) {
	sts := make([]string, len(finishedStatuses))
	for i, st := range finishedStatuses {
		sts[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages
		WHERE updated_at < $1 AND status = ANY($2) AND (recurrence IN ('', $3) OR status = $4)`,
		before.UTC(), sts, onceText, string(domain.StatusCanceled))
	if err != nil {
		return 0, persistErr("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) RecoverDispatching(ctx context.Context, before, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = $1, updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		string(domain.StatusPending), at.UTC(), string(domain.StatusDispatching), before.UTC())
	if err != nil {
		return 0, persistErr("recover", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) Record(ctx context.Context, a domain.DispatchAttempt) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO attempts(id, message_id, occurrence, idx, provider, at,
			duration_ns, outcome, error, provider_message_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.MessageID, a.Occurrence.UTC(), a.Index, a.Provider, a.At.UTC(),
		int64(a.Duration), string(a.Outcome), a.Error, a.ProviderMessageID)
	return persistErr("record", err)
}

func (s *Postgres) History(ctx context.Context, messageID string) ([]domain.DispatchAttempt, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, message_id, occurrence, idx, provider, at, duration_ns,
			outcome, error, provider_message_id
		FROM attempts WHERE message_id = $1 ORDER BY seq`, messageID)
	if err != nil {
		return nil, persistErr("history", err)
	}
	defer rows.Close()
	var out []domain.DispatchAttempt
	for rows.Next() {
		var (
			a       domain.DispatchAttempt
			dn      int64
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Occurrence, &a.Index, &a.Provider, &a.At, &dn,
			&outcome, &a.Error, &a.ProviderMessageID); err != nil {
			return nil, persistErr("history", err)
		}
		a.Occurrence, a.At = a.Occurrence.UTC(), a.At.UTC()
		a.Duration = time.Duration(dn)
		a.Outcome = domain.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, persistErr("history", rows.Err())
}
