// Package store serializes access to the relational tables backing the
// highscore service. Every read and write runs as a unit of work executed by
// a fixed set of workers, each owning its own database connection, so no two
// operations ever interleave mid-transaction on the same connection. The
// default backend is SQLite (modernc.org/sqlite); a postgres:// DSN selects
// pgx instead.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/store/migrations"
	"github.com/pressly/goose/v3"
)

// Dialect identifies the SQL flavor behind a Store. The values double as
// goose dialect names.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ErrClosed is returned by Do once Close has been called.
var ErrClosed = errors.New("store closed")

// UnitOfWork is one serialized execution against the store. The Conn passed
// in is owned by the calling worker for the duration of the call.
type UnitOfWork func(ctx context.Context, conn *Conn) error

type task struct {
	ctx  context.Context
	fn   UnitOfWork
	done chan error
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logging.Logger

	mu     sync.Mutex
	closed bool
	tasks  chan task
	wg     sync.WaitGroup
}

// Option adjusts Store construction.
type Option func(*options)

type options struct {
	workers int
}

// WithWorkers sets the number of unit-of-work workers. Each worker holds its
// own connection; the default of 1 gives fully serial execution, which is
// what a single-writer backend such as SQLite needs.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// Open creates a Store for the given DSN. postgres:// and postgresql:// DSNs
// use the pgx driver; anything else is treated as a SQLite DSN, matching the
// historical default of a local highscore.sqlite file.
func Open(dsn string, logger logging.Logger, opts ...Option) (*Store, error) {
	driver, dialect := driverFor(dsn)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	return NewWithDB(db, dialect, logger, opts...), nil
}

// NewWithDB wraps an already-open database handle. Used by Open and by tests
// that inject sqlmock handles.
func NewWithDB(db *sql.DB, dialect Dialect, logger logging.Logger, opts ...Option) *Store {
	o := options{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With("module", "store"),
		tasks:   make(chan task),
	}
	for i := 0; i < o.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func driverFor(dsn string) (driver string, dialect Dialect) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", DialectPostgres
	}
	return "sqlite", DialectSQLite
}

// Dialect reports the SQL flavor the store was opened with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate brings the schema up to date using the embedded goose migrations
// for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(s.dialect)); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	dir := "sqlite"
	if s.dialect == DialectPostgres {
		dir = "postgres"
	}
	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Do executes fn as a unit of work and returns its result. Calls are accepted
// concurrently but executed by the worker pool; with one worker no two units
// of work overlap at all. A failed unit of work surfaces its error verbatim;
// the store never retries.
func (s *Store) Do(ctx context.Context, fn UnitOfWork) error {
	done := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	select {
	case s.tasks <- task{ctx: ctx, fn: fn, done: done}:
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		t.done <- s.execute(t.ctx, t.fn)
	}
}

// execute runs one unit of work on a dedicated connection. A panicking fn
// must not take the worker down, so panics come back as errors.
func (s *Store) execute(ctx context.Context, fn UnitOfWork) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unit of work panicked: %v", p)
		}
	}()
	raw, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer raw.Close()
	return fn(ctx, &Conn{conn: raw, dialect: s.dialect})
}

// Close drains the worker pool and closes the database. Units of work
// submitted after Close return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.tasks)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
