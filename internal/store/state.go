package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetState reads the named state value into out (JSON round-trip). The
// boolean reports whether the name was present at all; an absent name is not
// an error and leaves out untouched.
func (s *Store) GetState(ctx context.Context, name string, out any) (bool, error) {
	var raw string
	err := s.Do(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT value FROM state WHERE name = ?`, name).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading state %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decoding state %q: %w", name, err)
	}
	return true, nil
}

// SetState stores v under name, replacing any previous value. The
// update-then-insert runs inside one transactional unit of work so a
// concurrent SetState cannot slip between the two statements.
func (s *Store) SetState(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding state %q: %w", name, err)
	}
	err = s.Do(ctx, func(ctx context.Context, conn *Conn) error {
		return WithTx(ctx, conn, nil, func(ctx context.Context, tx DBTX) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE state SET value = ? WHERE name = ?`, string(raw), name)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO state (name, value) VALUES (?, ?)`, name, string(raw))
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("writing state %q: %w", name, err)
	}
	return nil
}
