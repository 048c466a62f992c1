// Package points is the decayed scoring ledger. Grants are append-only rows;
// totals are computed at read time with an exponential half-life weight, so
// the same entry is worth a little less every time it is read. Entries older
// than four half-lives (a 1/16 residual) drop out of all reads entirely.
package points

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/store"
	"github.com/buildbot/highscore/internal/users"
)

// DefaultHalfLife is the decay constant used when the config leaves it unset.
const DefaultHalfLife = 7 * 24 * time.Hour

// windowHalfLives fixes the read window relative to the half-life.
const windowHalfLives = 4

// Added is the payload published under "points.add.<userID>" after a grant
// has been committed.
type Added struct {
	LedgerEntryID int64  `json:"ledger_entry_id"`
	UserID        int64  `json:"user_id"`
	DisplayName   string `json:"display_name"`
	Points        int64  `json:"points"`
	Comment       string `json:"comment"`
}

// AddedKey returns the routing key for one user's grant events.
func AddedKey(userID int64) string {
	return fmt.Sprintf("points.add.%d", userID)
}

// UserPoint is one ledger entry weighted at read time.
type UserPoint struct {
	When    time.Time `json:"when"`
	Points  float64   `json:"points"`
	Comment string    `json:"comment"`
}

// Highscore is one leaderboard row.
type Highscore struct {
	UserID      int64   `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Points      float64 `json:"points"`
}

type Manager struct {
	store    *store.Store
	users    *users.Manager
	bus      *mq.Bus
	logger   logging.Logger
	halfLife time.Duration

	now func() time.Time // replaced in tests
}

func NewManager(st *store.Store, um *users.Manager, bus *mq.Bus, logger logging.Logger, halfLife time.Duration) *Manager {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:    st,
		users:    um,
		bus:      bus,
		logger:   logger.With("module", "points"),
		halfLife: halfLife,
		now:      time.Now,
	}
}

func (m *Manager) maxAge() time.Duration {
	return windowHalfLives * m.halfLife
}

// Add appends one grant for userID and, once the row is durable, publishes
// an Added event. A publish problem never unwinds the grant: the entry is
// already committed by then and the bus is fire-and-forget.
func (m *Manager) Add(ctx context.Context, userID int64, pts int64, comment string) error {
	now := m.now().Unix()
	var entryID int64
	err := m.store.Do(ctx, func(ctx context.Context, conn *store.Conn) error {
		return conn.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (user_id, timestamp, points, comment)
			VALUES (?, ?, ?, ?) RETURNING id`,
			userID, now, pts, comment).Scan(&entryID)
	})
	if err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}

	displayName, err := m.users.DisplayName(ctx, userID)
	if err != nil {
		m.logger.Warn(ctx, "display name lookup failed after grant",
			"user_id", userID, "error", err)
		displayName = users.UnknownDisplayName
	}
	m.bus.Publish(AddedKey(userID), Added{
		LedgerEntryID: entryID,
		UserID:        userID,
		DisplayName:   displayName,
		Points:        pts,
		Comment:       comment,
	})
	return nil
}

// decayed weights a grant by 0.5^(age/halflife) at the given read time.
func (m *Manager) decayed(pts int64, when, now time.Time) float64 {
	age := now.Sub(when).Seconds()
	return float64(pts) * math.Pow(0.5, age/m.halfLife.Seconds())
}

// UserPoints returns the user's entries inside the read window, oldest
// first, each weighted at the current moment. A user with no entries in the
// window gets an empty slice, not an error.
func (m *Manager) UserPoints(ctx context.Context, userID int64) ([]UserPoint, error) {
	now := m.now()
	cutoff := now.Add(-m.maxAge()).Unix()

	var out []UserPoint
	err := m.store.Do(ctx, func(ctx context.Context, conn *store.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT timestamp, points, comment
			FROM ledger_entries
			WHERE user_id = ? AND timestamp > ?
			ORDER BY timestamp ASC`,
			userID, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ts, pts int64
				comment string
			)
			if err := rows.Scan(&ts, &pts, &comment); err != nil {
				return err
			}
			when := time.Unix(ts, 0)
			out = append(out, UserPoint{
				When:    when,
				Points:  m.decayed(pts, when, now),
				Comment: comment,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading user points: %w", err)
	}
	return out, nil
}

// Highscores scans every entry in the read window and folds the decayed
// totals per user in memory; the weight depends on the query-time "now", so
// the aggregation cannot be pushed down into SQL. The result is sorted by
// descending total; exact ties order the higher user id first. Each user's
// display name is taken from the first row seen for that user.
func (m *Manager) Highscores(ctx context.Context) ([]Highscore, error) {
	now := m.now()
	cutoff := now.Add(-m.maxAge()).Unix()

	totals := make(map[int64]*Highscore)
	err := m.store.Do(ctx, func(ctx context.Context, conn *store.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT le.user_id, u.display_name, le.timestamp, le.points
			FROM ledger_entries le
			JOIN users u ON u.id = le.user_id
			WHERE le.timestamp > ?`,
			cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				userID, ts, pts int64
				displayName     string
			)
			if err := rows.Scan(&userID, &displayName, &ts, &pts); err != nil {
				return err
			}
			hs, ok := totals[userID]
			if !ok {
				hs = &Highscore{UserID: userID, DisplayName: displayName}
				totals[userID] = hs
			}
			hs.Points += m.decayed(pts, time.Unix(ts, 0), now)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading highscores: %w", err)
	}

	out := make([]Highscore, 0, len(totals))
	for _, hs := range totals {
		out = append(out, *hs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].UserID > out[j].UserID
	})
	return out, nil
}
