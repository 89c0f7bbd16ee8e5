package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViperSource_MissingFileUsesDefaults(t *testing.T) {
	src := NewViperSource(filepath.Join(t.TempDir(), "settings.yaml"))
	assert.Equal(t, DefaultSettings(), src.Current())
}

func TestViperSource_RereadsFileEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 5\ncheck_interval: 10s\n"), 0o644))

	src := NewViperSource(path)
	got := src.Current()
	assert.Equal(t, 5, got.MaxConcurrent)
	assert.Equal(t, 10*time.Second, got.CheckInterval)
	assert.Equal(t, DefaultSettings().PollInterval, got.PollInterval)

	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 1\nauto_resubmit: true\n"), 0o644))
	got = src.Current()
	assert.Equal(t, 1, got.MaxConcurrent)
	assert.True(t, got.AutoResubmit)
}

func TestViperSource_InvalidKeepsLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 2\n"), 0o644))
	src := NewViperSource(path)
	require.Equal(t, 2, src.Current().MaxConcurrent)

	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: -4\n"), 0o644))
	assert.Equal(t, 2, src.Current().MaxConcurrent)
}

func TestViperSource_UpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	src := NewViperSource(path)

	next := DefaultSettings()
	next.MaxConcurrent = 7
	next.CheckInterval = 2 * time.Minute
	next.SyncSchedule = "*/15 * * * *"
	require.NoError(t, src.Update(next))

	fresh := NewViperSource(path)
	assert.Equal(t, next, fresh.Current())
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	s.CheckInterval = 0
	s.MaxConcurrent = -1
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_interval")
	assert.Contains(t, err.Error(), "max_concurrent")
}
