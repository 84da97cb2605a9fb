package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ladapter/internal/config"
	"github.com/3cpo-dev/ladapter/internal/platform"
)

func TestEnvironmentIDIsPersisted(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state", "ladapter.db")

	first, err := environmentID(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	second, err := environmentID(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cfg.Environment.ID = "configured"
	got, err := environmentID(cfg)
	require.NoError(t, err)
	assert.Equal(t, "configured", got)
}

func TestCapabilityKind(t *testing.T) {
	verbs := []string{"list_files", "copy"}
	assert.Equal(t, "verb", capabilityKind("copy", verbs))
	assert.Equal(t, "marker", capabilityKind(platform.CapServiceControl, verbs))
	assert.Equal(t, "extension", capabilityKind("docker_ps", verbs))
}

func TestExitCodeUnwraps(t *testing.T) {
	var code exitCode
	require.True(t, errors.As(fmt.Errorf("exec: %w", exitCode(3)), &code))
	assert.Equal(t, exitCode(3), code)
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "exec", "ext", "capabilities", "status", "history", "mcp", "version"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}
