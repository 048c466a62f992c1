// Package github receives repository webhooks and turns them into identity
// resolutions, point grants, and "github.event.<type>" bus messages. The
// hook URL embeds a random token to keep casual spoofers out; full payload
// signature verification is left to a fronting proxy.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/plugins"
	"github.com/buildbot/highscore/internal/users"
)

const (
	// attrType is the attribute namespace for repository usernames.
	attrType = "github-username"

	// hookTokenStateKey is where the minted token persists across restarts.
	hookTokenStateKey = "github.hookToken"

	tokenLength = 16
)

func init() {
	plugins.Register("github", New)
}

type Plugin struct {
	deps   plugins.Deps
	logger logging.Logger

	token  string
	events map[string]struct{}
	points map[string]int64
}

func New(deps plugins.Deps) (plugins.Plugin, error) {
	events := make(map[string]struct{}, len(deps.Config.GithubEvents))
	for _, evt := range deps.Config.GithubEvents {
		events[evt] = struct{}{}
	}
	return &Plugin{
		deps:   deps,
		logger: deps.Logger.With("module", "plugins.github"),
		events: events,
		points: deps.Config.GithubPoints,
	}, nil
}

func (p *Plugin) Name() string { return "github" }

// Start loads the hook token from state, minting and persisting a fresh one
// on first run.
func (p *Plugin) Start(ctx context.Context) error {
	var token string
	ok, err := p.deps.Store.GetState(ctx, hookTokenStateKey, &token)
	if err != nil {
		return fmt.Errorf("loading hook token: %w", err)
	}
	if !ok || token == "" {
		token = newHookToken()
		if err := p.deps.Store.SetState(ctx, hookTokenStateKey, token); err != nil {
			return fmt.Errorf("persisting hook token: %w", err)
		}
		p.logger.Info(ctx, "minted new hook token")
	}
	p.token = token
	p.logger.Info(ctx, "accepting webhooks", "path", "/plugins/github/<token>/<event>")
	return nil
}

func (p *Plugin) Stop() error { return nil }

func newHookToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

// RegisterRoutes mounts the hook endpoint under the web /plugins group.
func (p *Plugin) RegisterRoutes(r gin.IRouter) {
	r.POST("/github/:token/:event", p.handleHook)
}

func (p *Plugin) handleHook(c *gin.Context) {
	// an unknown token or event type looks identical to a missing route
	if c.Param("token") != p.token {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}
	event := c.Param("event")
	if _, ok := p.events[event]; !ok {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := p.handleEvent(c.Request.Context(), event, payload); err != nil {
		p.logger.Error(c.Request.Context(), "webhook event failed", "event", event, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not processed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (p *Plugin) handleEvent(ctx context.Context, event string, payload map[string]any) error {
	login := actorLogin(event, payload)
	if login == "" {
		return fmt.Errorf("no actor login in %s payload", event)
	}

	attr := users.Attribute{Type: attrType, Value: login}
	userID, displayName, err := p.deps.Users.Resolve(ctx,
		[]users.Attribute{attr}, []users.Attribute{attr}, login)
	if err != nil {
		return err
	}

	p.deps.Bus.Publish("github.event."+event, map[string]any{
		"event_type":   event,
		"user_id":      userID,
		"display_name": displayName,
		"payload":      payload,
	})

	if pts := p.points[event]; pts != 0 {
		if err := p.deps.Points.Add(ctx, userID, pts, "github "+event); err != nil {
			return err
		}
	}
	return nil
}

// actorLogin digs the acting username out of a webhook payload. Push events
// name the actor under pusher.name; everything else uses sender.login.
func actorLogin(event string, payload map[string]any) string {
	var container, field string
	if event == "push" {
		container, field = "pusher", "name"
	} else {
		container, field = "sender", "login"
	}
	obj, ok := payload[container].(map[string]any)
	if !ok {
		return ""
	}
	login, _ := obj[field].(string)
	return login
}
