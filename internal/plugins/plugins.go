// Package plugins defines the contract for highscore plugins and a registry
// of named constructors. A plugin is an event source or sink wired to the
// core through the bus, the identity resolver, and the ledger; the app
// activates the ones named in the config.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/buildbot/highscore/internal/config"
	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/points"
	"github.com/buildbot/highscore/internal/store"
	"github.com/buildbot/highscore/internal/users"
)

// Plugin is one activatable collaborator.
type Plugin interface {
	// Name returns the registry name the plugin was constructed under.
	Name() string

	// Start brings the plugin up. The context is the application lifetime;
	// plugins must release their resources when Stop is called, not block
	// Start waiting for ctx.
	Start(ctx context.Context) error

	// Stop tears the plugin down. Safe to call after a failed Start.
	Stop() error
}

// HTTPPlugin is implemented by plugins that expose HTTP routes. Routes are
// mounted under the web surface's /plugins group before Start.
type HTTPPlugin interface {
	Plugin
	RegisterRoutes(r gin.IRouter)
}

// Deps carries everything a plugin may need from the core.
type Deps struct {
	Config *config.Config
	Logger logging.Logger
	Store  *store.Store
	Bus    *mq.Bus
	Users  *users.Manager
	Points *points.Manager
}

// Constructor builds a plugin from its dependencies.
type Constructor func(deps Deps) (Plugin, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Constructor{}
)

// Register makes a constructor available under name. Called from plugin
// package init functions; duplicate names panic.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", name))
	}
	registry[name] = ctor
}

// New constructs the named plugin.
func New(name string, deps Deps) (Plugin, error) {
	registryMu.Lock()
	ctor, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (known: %v)", name, Names())
	}
	return ctor(deps)
}

// Names lists the registered plugin names, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
