// Package web serves the leaderboard over HTTP and hosts plugin routes
// under /plugins. Responses are JSON; displayed totals are rounded half-up
// the way the classic leaderboard page did.
package web

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/points"
	"github.com/buildbot/highscore/internal/users"
)

type Server struct {
	addr   string
	logger logging.Logger
	points *points.Manager
	users  *users.Manager
	engine *gin.Engine
}

func NewServer(addr string, pm *points.Manager, um *users.Manager, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:   addr,
		logger: logger.With("module", "web"),
		points: pm,
		users:  um,
		engine: engine,
	}
	engine.GET("/", s.highscores)
	engine.GET("/user/:id", s.userPoints)
	return s
}

// PluginGroup returns the route group plugins mount their endpoints on.
func (s *Server) PluginGroup() *gin.RouterGroup {
	return s.engine.Group("/plugins")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) highscores(c *gin.Context) {
	scores, err := s.points.Highscores(c.Request.Context())
	if err != nil {
		s.logger.Error(c.Request.Context(), "highscores read failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "highscores unavailable"})
		return
	}

	type row struct {
		UserID      int64  `json:"user_id"`
		DisplayName string `json:"display_name"`
		Points      int64  `json:"points"`
	}
	rows := make([]row, 0, len(scores))
	for _, sc := range scores {
		rows = append(rows, row{
			UserID:      sc.UserID,
			DisplayName: sc.DisplayName,
			Points:      int64(math.Floor(sc.Points + 0.5)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"highscores": rows})
}

func (s *Server) userPoints(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	displayName, err := s.users.DisplayName(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error(c.Request.Context(), "display name read failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user unavailable"})
		return
	}
	pts, err := s.points.UserPoints(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error(c.Request.Context(), "user points read failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "points unavailable"})
		return
	}
	if pts == nil {
		pts = []points.UserPoint{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"display_name": displayName,
		"points":       pts,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "starting http server", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
