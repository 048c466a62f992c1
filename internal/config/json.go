package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/buildbot/highscore/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON config files. Interval fields
// use timex.Duration so both "168h" strings and integer nanoseconds parse.
// Only fields present in the file override the running Config.
type JsonConfig struct {
	DatabaseDSN    *string          `json:"database_dsn"`
	HTTPAddr       *string          `json:"http_addr"`
	ChatAddr       *string          `json:"chat_addr"`
	MQType         *string          `json:"mq_type"`
	NATSURL        *string          `json:"nats_url"`
	PointsHalfLife *timex.Duration  `json:"points_half_life"`
	Plugins        []string         `json:"plugins"`
	GithubEvents   []string         `json:"github_events"`
	GithubPoints   map[string]int64 `json:"github_points"`
}

// parseJson overlays configuration values from the JSON file at path onto
// config. Absent keys leave the current values alone.
func parseJson(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.HTTPAddr != nil {
		config.HTTPAddr = *c.HTTPAddr
	}
	if c.ChatAddr != nil {
		config.ChatAddr = *c.ChatAddr
	}
	if c.MQType != nil {
		config.MQType = *c.MQType
	}
	if c.NATSURL != nil {
		config.NATSURL = *c.NATSURL
	}
	if c.PointsHalfLife != nil {
		config.PointsHalfLife = c.PointsHalfLife.Duration
	}
	if c.Plugins != nil {
		config.Plugins = c.Plugins
	}
	if c.GithubEvents != nil {
		config.GithubEvents = c.GithubEvents
	}
	if c.GithubPoints != nil {
		config.GithubPoints = c.GithubPoints
	}
	return nil
}

func hoursToDuration(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
