package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/throw-if-null/reconciler/internal/api"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort as text in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultBusyTimeout = 5 * time.Second

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Journal is an append-only ledger of terminal task outcomes. It is written
// by the dispatcher and read by the history command; the engine never reads
// it back.
type Journal struct {
	db      *sql.DB
	dialect dialect
	logger  *log.Logger
}

type options struct {
	logger      *log.Logger
	busyTimeout time.Duration
}

type Option func(*options)

func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithBusyTimeout sets how long a sqlite connection waits on a lock before
// failing with SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// IsPostgres reports whether dsn should be opened with the pgx driver.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open opens a journal. postgres:// DSNs use pgx, anything else is a sqlite
// file path.
func Open(dsn string, opts ...Option) (*Journal, error) {
	if dsn == "" {
		return nil, errors.New("empty journal dsn")
	}
	o := options{logger: log.Default(), busyTimeout: defaultBusyTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if IsPostgres(dsn) {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return &Journal{db: db, dialect: dialectPostgres, logger: o.logger}, nil
	}
	db, err := sql.Open("sqlite", sqliteDSN(dsn, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	return &Journal{db: db, dialect: dialectSQLite, logger: o.logger}, nil
}

// sqliteDSN adds the busy timeout as a connection pragma so every pooled
// connection gets it, not just the first one.
func sqliteDSN(path string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", path, sep, busy.Milliseconds())
}

func (j *Journal) Close() error {
	return j.db.Close()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS outcomes (
  ref TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  remote_id TEXT NOT NULL,
  state TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  result TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  expires_at TEXT,
  finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_finished_at ON outcomes (finished_at);
`

// Init creates the schema. sqlite journals are versioned with
// PRAGMA user_version; postgres relies on IF NOT EXISTS.
func (j *Journal) Init(ctx context.Context) error {
	if j.dialect == dialectPostgres {
		for _, stmt := range statements(schemaV1) {
			if _, err := j.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}

	var ver int
	if err := j.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range statements(schemaV1) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// Record stores a terminal task. Recording the same Ref twice keeps the
// first row.
func (j *Journal) Record(ctx context.Context, t api.Task) error {
	if !t.State.IsTerminal() {
		return fmt.Errorf("record %s: state %s is not terminal", t.Ref, t.State)
	}
	var expires sql.NullString
	if t.ExpiresAt != nil {
		expires = sql.NullString{String: t.ExpiresAt.UTC().Format(timeLayout), Valid: true}
	}
	finished := t.UpdatedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	q := j.rebind(`INSERT INTO outcomes (ref, kind, remote_id, state, attempts, last_error, result, created_at, expires_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (ref) DO NOTHING`)

	// retry on SQLITE_BUSY; a concurrent history read can hold the lock
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := j.db.ExecContext(ctx, q,
			t.Ref,
			string(t.Kind),
			t.ID,
			string(t.State),
			t.Attempt,
			t.LastError,
			string(t.Result),
			t.CreatedAt.UTC().Format(timeLayout),
			expires,
			finished.UTC().Format(timeLayout),
		)
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			j.logger.Printf("journal: record busy ref=%s retry=%d: %v", t.Ref, i, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(10*(1<<i)) * time.Millisecond):
			}
			continue
		}
		return err
	}
	return lastErr
}

const selectOutcomes = `SELECT ref, kind, remote_id, state, attempts, last_error, result, created_at, expires_at, finished_at FROM outcomes`

// Get returns the outcome recorded for ref, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, ref string) (api.Task, error) {
	row := j.db.QueryRowContext(ctx, j.rebind(selectOutcomes+` WHERE ref = ?`), ref)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Task{}, ErrNotFound
	}
	return t, err
}

// List returns outcomes newest first. If limit <= 0, return all.
func (j *Journal) List(ctx context.Context, limit int) ([]api.Task, error) {
	q := selectOutcomes + ` ORDER BY finished_at DESC, ref`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = j.db.QueryContext(ctx, j.rebind(q+` LIMIT ?`), limit)
	} else {
		rows, err = j.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (api.Task, error) {
	var t api.Task
	var kind, state, result, created, finished string
	var expires sql.NullString
	if err := row.Scan(&t.Ref, &kind, &t.ID, &state, &t.Attempt, &t.LastError, &result, &created, &expires, &finished); err != nil {
		return api.Task{}, err
	}
	t.Kind = api.Kind(kind)
	t.State = api.State(state)
	if result != "" {
		t.Result = []byte(result)
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return api.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return api.Task{}, fmt.Errorf("parse finished_at: %w", err)
	}
	if expires.Valid {
		e, err := time.Parse(time.RFC3339Nano, expires.String)
		if err != nil {
			return api.Task{}, fmt.Errorf("parse expires_at: %w", err)
		}
		t.ExpiresAt = &e
	}
	return t, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (j *Journal) rebind(q string) string {
	if j.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func statements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}
