package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.AutoSync)
	assert.True(t, s.SyncText)
	assert.True(t, s.SyncImages)
	assert.False(t, s.SyncFiles)
	assert.False(t, s.RequireConfirmation)
	assert.Equal(t, 10, s.MaxSizeMB)
	assert.Equal(t, []string{"password_manager", "banking_app"}, s.ExcludedApps)
	assert.Empty(t, s.TrustedNetworks)
	assert.Equal(t, 500, s.PollIntervalMS)
	assert.True(t, s.AutoAcceptDevices)

	// The file was written and loads back identically.
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"auto_sync": false, "max_size_mb": 3}`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.False(t, s.AutoSync)
	assert.Equal(t, 3, s.MaxSizeMB)
	assert.True(t, s.SyncImages, "fields not in the file keep defaults")
	assert.Equal(t, 500, s.PollIntervalMS)
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	s, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, Default(), s, "broken config falls back to defaults")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	s := Default()
	s.DeviceName = "workbench"
	s.RelayRoom = "team-room"
	s.EnableRelay = true
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, Default()))

	reloaded := make(chan Settings, 4)
	w, err := Watch(path, zap.NewNop(), func(s Settings) {
		reloaded <- s
	})
	require.NoError(t, err)
	defer w.Close()

	changed := Default()
	changed.AutoSync = false
	changed.MaxSizeMB = 1
	require.NoError(t, Save(path, changed))

	select {
	case s := <-reloaded:
		assert.False(t, s.AutoSync)
		assert.Equal(t, 1, s.MaxSizeMB)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, Default()))

	reloaded := make(chan Settings, 4)
	w, err := Watch(path, zap.NewNop(), func(s Settings) {
		reloaded <- s
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file must not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
