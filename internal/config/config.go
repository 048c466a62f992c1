// Package config handles configuration for the highscore daemon, including
// defaults, JSON overlay, and command-line flags.
package config

import (
	"time"

	"github.com/buildbot/highscore/internal/flagx"
)

// Config holds runtime settings for the highscore daemon.
//
// Fields:
//   - DatabaseDSN: SQLite DSN (default) or postgres:// DSN.
//   - HTTPAddr: bind address for the leaderboard/webhook HTTP surface.
//   - ChatAddr: bind address for the line-oriented chat listener.
//   - MQType: bus transport, "simple" (in-process) or "nats".
//   - NATSURL: broker URL, used only when MQType is "nats".
//   - PointsHalfLife: decay constant for the scoring ledger.
//   - Plugins: plugin names to activate, in activation order.
//   - GithubEvents: webhook event types the github plugin accepts.
//   - GithubPoints: points granted per accepted event type.
type Config struct {
	DatabaseDSN    string
	HTTPAddr       string
	ChatAddr       string
	MQType         string
	NATSURL        string
	PointsHalfLife time.Duration
	Plugins        []string
	GithubEvents   []string
	GithubPoints   map[string]int64
}

// LoadDefaults populates Config with development defaults, mirroring the
// historical sqlite-file-next-to-the-binary setup.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "file:highscore.sqlite"
	c.HTTPAddr = ":8080"
	c.ChatAddr = ":6660"
	c.MQType = "simple"
	c.NATSURL = "nats://127.0.0.1:4222"
	c.PointsHalfLife = 168 * time.Hour
	c.Plugins = []string{"github", "chat"}
	c.GithubEvents = []string{"push", "issues", "issue_comment", "commit_comment", "pull_request"}
	c.GithubPoints = map[string]int64{
		"push":           10,
		"pull_request":   8,
		"issues":         5,
		"issue_comment":  2,
		"commit_comment": 2,
	}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file (-c/-config) and finally from command-line
// flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path := flagx.JsonConfigFlags(); path != "" {
		if err := parseJson(cfg, path); err != nil {
			panic(err)
		}
	}
	parseFlags(cfg, nil)
	return cfg
}
