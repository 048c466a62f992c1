package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := Open(dsn, nil, opts...)
	require.NoError(t, err)
	s.db.SetMaxOpenConns(4)
	s.db.SetMaxIdleConns(4)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		dsn     string
		driver  string
		dialect Dialect
	}{
		{"postgres://u:p@localhost/db", "pgx", DialectPostgres},
		{"postgresql://u:p@localhost/db", "pgx", DialectPostgres},
		{"file:highscore.sqlite", "sqlite", DialectSQLite},
		{"highscore.sqlite", "sqlite", DialectSQLite},
	}
	for _, tc := range tests {
		driver, dialect := driverFor(tc.dsn)
		require.Equal(t, tc.driver, driver, tc.dsn)
		require.Equal(t, tc.dialect, dialect, tc.dsn)
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		for _, table := range []string{"users", "attribute_types", "identity_attributes", "ledger_entries", "state"} {
			var n int
			if err := conn.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
				table).Scan(&n); err != nil {
				return err
			}
			require.Equal(t, 1, n, "missing table %s", table)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDoPropagatesError(t *testing.T) {
	s := newTestStore(t)

	wantErr := fmt.Errorf("unit of work failed")
	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestDoSerializesExecution(t *testing.T) {
	s := newTestStore(t)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive),
		"a single-worker store must never run two units of work at once")
}

func TestDoAfterClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestDoCancelledContext(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Do(ctx, func(ctx context.Context, conn *Conn) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := newTestStore(t)

	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		return WithTx(ctx, conn, nil, func(ctx context.Context, tx DBTX) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO users (display_name) VALUES ('bob')`)
			return err
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, countUsers(t, s))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		return WithTx(ctx, conn, nil, func(ctx context.Context, tx DBTX) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO users (display_name) VALUES ('bob')`); err != nil {
				return err
			}
			return fmt.Errorf("boom")
		})
	})
	require.Error(t, err)
	require.Equal(t, 0, countUsers(t, s))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	s := newTestStore(t)

	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		return WithTx(ctx, conn, nil, func(ctx context.Context, tx DBTX) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO users (display_name) VALUES ('bob')`); err != nil {
				return err
			}
			panic("kaput")
		})
	})
	require.ErrorContains(t, err, "panicked")
	require.Equal(t, 0, countUsers(t, s))
}

func countUsers(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	err := s.Do(context.Background(), func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	})
	require.NoError(t, err)
	return n
}
