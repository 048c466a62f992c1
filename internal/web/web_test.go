package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/points"
	"github.com/buildbot/highscore/internal/store"
	"github.com/buildbot/highscore/internal/users"
)

type fixture struct {
	um     *users.Manager
	pm     *points.Manager
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	st, err := store.Open(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	um := users.NewManager(st, nil)
	bus := mq.New(mq.NewSimpleTransport(nil), nil)
	t.Cleanup(func() { _ = bus.Close() })
	pm := points.NewManager(st, um, bus, nil, time.Hour)
	return &fixture{
		um:     um,
		pm:     pm,
		server: NewServer(":0", pm, um, nil),
	}
}

func (f *fixture) newUser(t *testing.T, nick, displayName string) int64 {
	t.Helper()
	attrs := []users.Attribute{{Type: "irc_nick", Value: nick}}
	id, _, err := f.um.Resolve(context.Background(), attrs, attrs, displayName)
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHighscoresEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Highscores []any `json:"highscores"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Highscores)
}

func TestHighscoresOrderedAndRounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := f.newUser(t, "alice", "Alice")
	bob := f.newUser(t, "bob", "Bob")
	require.NoError(t, f.pm.Add(ctx, alice, 5, ""))
	require.NoError(t, f.pm.Add(ctx, bob, 10, ""))

	rec := f.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Highscores []struct {
			UserID      int64  `json:"user_id"`
			DisplayName string `json:"display_name"`
			Points      int64  `json:"points"`
		} `json:"highscores"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Highscores, 2)
	assert.Equal(t, bob, body.Highscores[0].UserID)
	assert.Equal(t, "Bob", body.Highscores[0].DisplayName)
	assert.Equal(t, int64(10), body.Highscores[0].Points)
	assert.Equal(t, alice, body.Highscores[1].UserID)
}

func TestUserPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.newUser(t, "carol", "Carol")
	require.NoError(t, f.pm.Add(ctx, id, 3, "fixed the build"))

	rec := f.get(t, fmt.Sprintf("/user/%d", id))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID      int64  `json:"user_id"`
		DisplayName string `json:"display_name"`
		Points      []struct {
			Points  float64 `json:"points"`
			Comment string  `json:"comment"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id, body.UserID)
	assert.Equal(t, "Carol", body.DisplayName)
	require.Len(t, body.Points, 1)
	assert.Equal(t, "fixed the build", body.Points[0].Comment)
	assert.InDelta(t, 3, body.Points[0].Points, 0.01)
}

func TestUserPointsUnknownUser(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/user/9999")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		DisplayName string `json:"display_name"`
		Points      []any  `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, users.UnknownDisplayName, body.DisplayName)
	assert.Empty(t, body.Points)
}

func TestUserPointsBadID(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/user/notanumber")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPluginGroupMounts(t *testing.T) {
	f := newFixture(t)
	f.server.PluginGroup().GET("/demo", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	rec := f.get(t, "/plugins/demo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
