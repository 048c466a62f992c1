package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPlugin struct{ name string }

func (p *nopPlugin) Name() string                    { return p.name }
func (p *nopPlugin) Start(ctx context.Context) error { return nil }
func (p *nopPlugin) Stop() error                     { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("test-nop", func(deps Deps) (Plugin, error) {
		return &nopPlugin{name: "test-nop"}, nil
	})

	p, err := New("test-nop", Deps{})
	require.NoError(t, err)
	assert.Equal(t, "test-nop", p.Name())
	assert.Contains(t, Names(), "test-nop")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup", func(deps Deps) (Plugin, error) {
		return &nopPlugin{name: "test-dup"}, nil
	})
	require.Panics(t, func() {
		Register("test-dup", func(deps Deps) (Plugin, error) {
			return &nopPlugin{name: "test-dup"}, nil
		})
	})
}

func TestNewUnknown(t *testing.T) {
	_, err := New("no-such-plugin", Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}
