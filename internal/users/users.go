// Package users resolves external identities — chat nicks, repository
// usernames — to stable numeric user ids. The same person arriving under
// different attribute types maps to one user row once both attributes have
// been claimed.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/store"
)

// UnknownDisplayName is returned by DisplayName for ids that do not exist.
// Absence is not an error.
const UnknownDisplayName = "(unknown)"

// Attribute is one (type, value) pair naming a user in some external
// namespace, e.g. {"github-username", "octocat"} or {"irc_nick", "bob"}.
type Attribute struct {
	Type  string
	Value string
}

type Manager struct {
	store  *store.Store
	logger logging.Logger

	// typeCache maps attribute type names to their ids. Derived state only:
	// a miss reloads from the database, which stays authoritative.
	mu        sync.RWMutex
	typeCache map[string]int64
}

func NewManager(st *store.Store, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:     st,
		logger:    logger.With("module", "users"),
		typeCache: make(map[string]int64),
	}
}

// resolveBackoff bounds the create-race retry loop: two more attempts after
// the first, 25ms apart. The original behavior was a single immediate retry.
func resolveBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewConstant(25*time.Millisecond))
}

// Resolve maps a set of identity attributes to a user id, creating the user
// on first sight.
//
// The match attributes are tried in order against existing identity
// attributes and the first hit wins, so callers should list the most
// trusted attribute first. When nothing matches, a new user is created with
// suggestedDisplayName and all of the suggested attributes, inside one
// transaction. Two callers racing on the same not-yet-existing identity are
// arbitrated by the unique (attribute_type_id, value) index: the loser's
// transaction rolls back and the whole resolve is retried, finding the
// winner's row.
func (m *Manager) Resolve(ctx context.Context, match, suggested []Attribute, suggestedDisplayName string) (int64, string, error) {
	var (
		userID      int64
		displayName string
	)
	err := retry.Do(ctx, resolveBackoff(), func(ctx context.Context) error {
		id, name, err := m.resolveOnce(ctx, match, suggested, suggestedDisplayName)
		if err != nil {
			if store.IsUniqueViolation(err) {
				m.logger.Warn(ctx, "identity insert race, retrying resolve", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		userID, displayName = id, name
		return nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("resolving identity: %w", err)
	}
	return userID, displayName, nil
}

func (m *Manager) resolveOnce(ctx context.Context, match, suggested []Attribute, suggestedDisplayName string) (int64, string, error) {
	var (
		userID      int64
		displayName string
	)
	err := m.store.Do(ctx, func(ctx context.Context, conn *store.Conn) error {
		// ordered search: first matching attribute wins
		for _, attr := range match {
			typeID, err := m.attributeTypeID(ctx, conn, attr.Type)
			if err != nil {
				return err
			}
			row := conn.QueryRowContext(ctx, `
				SELECT u.id, u.display_name
				FROM users u
				JOIN identity_attributes ia ON ia.user_id = u.id
				WHERE ia.attribute_type_id = ? AND ia.value = ?`,
				typeID, attr.Value)
			err = row.Scan(&userID, &displayName)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("searching identity attributes: %w", err)
			}
		}

		// no match; create the user and its suggested attributes together.
		// Type ids are resolved before the transaction so a type-creation
		// race cannot poison the user insert.
		typeIDs := make([]int64, len(suggested))
		for i, attr := range suggested {
			typeID, err := m.attributeTypeID(ctx, conn, attr.Type)
			if err != nil {
				return err
			}
			typeIDs[i] = typeID
		}

		return store.WithTx(ctx, conn, nil, func(ctx context.Context, tx store.DBTX) error {
			err := tx.QueryRowContext(ctx,
				`INSERT INTO users (display_name) VALUES (?) RETURNING id`,
				suggestedDisplayName).Scan(&userID)
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}
			for i, attr := range suggested {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO identity_attributes (user_id, attribute_type_id, value)
					VALUES (?, ?, ?)`,
					userID, typeIDs[i], attr.Value)
				if err != nil {
					// unique violations bubble up so Resolve can retry
					return err
				}
			}
			displayName = suggestedDisplayName
			return nil
		})
	})
	if err != nil {
		return 0, "", err
	}
	return userID, displayName, nil
}

// DisplayName returns the stored display name for a user id, or
// UnknownDisplayName when no such user exists.
func (m *Manager) DisplayName(ctx context.Context, userID int64) (string, error) {
	name := UnknownDisplayName
	err := m.store.Do(ctx, func(ctx context.Context, conn *store.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT display_name FROM users WHERE id = ?`, userID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			name = UnknownDisplayName
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reading display name: %w", err)
	}
	return name, nil
}

// attributeTypeID maps a type name to its id, creating the row on first
// sight. Names are created at most once system-wide: a cache miss reloads
// the whole table before concluding the type is new, and an insert race is
// resolved by reloading again and taking the winner's id.
func (m *Manager) attributeTypeID(ctx context.Context, conn *store.Conn, name string) (int64, error) {
	if id, ok := m.cachedTypeID(name); ok {
		return id, nil
	}

	if err := m.reloadTypeCache(ctx, conn); err != nil {
		return 0, err
	}
	if id, ok := m.cachedTypeID(name); ok {
		return id, nil
	}

	var id int64
	err := store.WithTx(ctx, conn, nil, func(ctx context.Context, tx store.DBTX) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO attribute_types (name) VALUES (?) RETURNING id`,
			name).Scan(&id)
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			// lost the insert race; the winner's row is in the table now
			if err := m.reloadTypeCache(ctx, conn); err != nil {
				return 0, err
			}
			if id, ok := m.cachedTypeID(name); ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("creating attribute type %q: %w", name, err)
	}
	m.storeTypeID(name, id)
	return id, nil
}

func (m *Manager) cachedTypeID(name string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.typeCache[name]
	return id, ok
}

func (m *Manager) storeTypeID(name string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typeCache[name] = id
}

func (m *Manager) reloadTypeCache(ctx context.Context, conn *store.Conn) error {
	rows, err := conn.QueryContext(ctx, `SELECT id, name FROM attribute_types`)
	if err != nil {
		return fmt.Errorf("reloading attribute types: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scanning attribute type: %w", err)
		}
		loaded[name] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reloading attribute types: %w", err)
	}

	m.mu.Lock()
	for name, id := range loaded {
		m.typeCache[name] = id
	}
	m.mu.Unlock()
	return nil
}
