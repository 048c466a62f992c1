package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbot/highscore/internal/config"
	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/plugins"
	"github.com/buildbot/highscore/internal/store"
)

type failingPlugin struct{}

func (p *failingPlugin) Name() string                    { return "fail-start" }
func (p *failingPlugin) Start(ctx context.Context) error { return errors.New("refusing to start") }
func (p *failingPlugin) Stop() error                     { return nil }

func init() {
	plugins.Register("fail-start", func(deps plugins.Deps) (plugins.Plugin, error) {
		return &failingPlugin{}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DatabaseDSN = fmt.Sprintf("file:%s", filepath.Join(t.TempDir(), "highscore.sqlite"))
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.ChatAddr = "127.0.0.1:0"
	return cfg
}

func TestNewAppWiresPlugins(t *testing.T) {
	cfg := testConfig(t)

	app, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.bus.Close()
		_ = app.store.Close()
	})

	require.Len(t, app.plugins, 2)
	assert.Equal(t, "github", app.plugins[0].Name())
	assert.Equal(t, "chat", app.plugins[1].Name())
}

func TestNewAppUnknownPlugin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins = []string{"no-such-plugin"}

	_, err := NewApp(cfg)
	require.Error(t, err)
}

func TestRunClosesCoreOnPluginStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins = []string{"fail-start"}

	app, err := NewApp(cfg)
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.ErrorContains(t, err, "refusing to start")

	// the failed run must not leak the store's worker or the DB handle
	err = app.store.Do(context.Background(), func(ctx context.Context, conn *store.Conn) error {
		return nil
	})
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestNewTransport(t *testing.T) {
	cfg := &config.Config{MQType: "simple"}
	transport, err := newTransport(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &mq.SimpleTransport{}, transport)

	cfg.MQType = "carrier-pigeon"
	_, err = newTransport(cfg, nil)
	require.Error(t, err)
}
