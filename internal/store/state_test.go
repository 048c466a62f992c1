package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := map[string]any{
		"token": "abc123",
		"nested": map[string]any{
			"count": float64(3),
			"list":  []any{"a", "b"},
		},
	}
	require.NoError(t, s.SetState(ctx, "k", in))

	var out map[string]any
	ok, err := s.GetState(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestGetStateAbsent(t *testing.T) {
	s := newTestStore(t)

	var out string
	ok, err := s.GetState(context.Background(), "never-set", &out)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, out)
}

func TestSetStateOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "k", "first"))
	require.NoError(t, s.SetState(ctx, "k", "second"))

	var out string
	ok, err := s.GetState(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", out)

	// the upsert must not have left a second row behind
	var n int
	err = s.Do(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM state WHERE name = ?`, "k").Scan(&n)
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStateEmptyValueDistinctFromAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "empty", ""))

	var out string
	ok, err := s.GetState(ctx, "empty", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", out)
}
