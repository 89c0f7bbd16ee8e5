package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-solver/internal/config"
)

func TestWorkerCommand(t *testing.T) {
	cmd, err := workerCommand(config.Config{WorkerCommand: "/usr/local/bin/astro-worker", WorkerArgs: []string{"--verbose"}})
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/astro-worker", cmd.Path)
	assert.Equal(t, []string{"--verbose"}, cmd.Args)

	cmd, err = workerCommand(config.Config{})
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, exe, cmd.Path)
	assert.Equal(t, []string{WorkerSubcommand}, cmd.Args)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(nil))
	assert.NoError(t, ignoreCanceled(fmt.Errorf("run: %w", context.Canceled)))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}
