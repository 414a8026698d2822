package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDecode_Defaults(t *testing.T) {
	c, err := Decode(New())
	require.NoError(t, err)

	assert.Equal(t, "rollbook.db", c.DB)
	assert.Empty(t, c.ServerURL)
	assert.False(t, c.Offline)
	assert.Equal(t, 50, c.Drain.BatchSize)
	assert.Equal(t, time.Second, c.Drain.BackoffMin)
	assert.Equal(t, time.Minute, c.Drain.BackoffMax)
	assert.Equal(t, 5, c.Drain.PoisonThreshold)
	assert.Equal(t, 15*time.Second, c.Probe.ProbeInterval)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.ProbeDisabled())
}

func TestDecode_EnvOverrides(t *testing.T) {
	t.Setenv("ROLLBOOK_SERVER_URL", "http://school.test")
	t.Setenv("ROLLBOOK_DRAIN_BATCH_SIZE", "7")
	t.Setenv("ROLLBOOK_DRAIN_BACKOFF_MAX", "2m")
	t.Setenv("ROLLBOOK_OFFLINE", "true")

	c, err := Decode(New())
	require.NoError(t, err)

	assert.Equal(t, "http://school.test", c.ServerURL)
	assert.Equal(t, 7, c.Drain.BatchSize)
	assert.Equal(t, 2*time.Minute, c.Drain.BackoffMax)
	assert.True(t, c.Offline)
	assert.False(t, c.ProbeDisabled())
}

func TestReadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	writeFile(t, path, `
db: /var/lib/rollbook/class.db
server_url: http://localhost:8080
drain:
  batch_size: 20
  backoff_min: 500ms
log:
  level: debug
  format: json
`)

	v := New()
	require.NoError(t, ReadFile(v, path))
	c, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/rollbook/class.db", c.DB)
	assert.Equal(t, 20, c.Drain.BatchSize)
	assert.Equal(t, 500*time.Millisecond, c.Drain.BackoffMin)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, path, c.File)
}

func TestReadFile_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	writeFile(t, path, "drain:\n  batch_size: 20\n")
	t.Setenv("ROLLBOOK_DRAIN_BATCH_SIZE", "3")

	v := New()
	require.NoError(t, ReadFile(v, path))
	c, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Drain.BatchSize)
}

func TestReadFile_ExplicitMissingIsError(t *testing.T) {
	err := ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReadFile_SearchMissingIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	assert.NoError(t, ReadFile(New(), ""))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "ROLLBOOK_SCHEMA=classroom.cue\n")
	t.Setenv("ROLLBOOK_SCHEMA", "")
	os.Unsetenv("ROLLBOOK_SCHEMA")

	require.NoError(t, LoadDotEnv(path))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env")))

	c, err := Decode(New())
	require.NoError(t, err)
	assert.Equal(t, "classroom.cue", c.Schema)
}

func TestValidate_Ranges(t *testing.T) {
	v := New()
	v.Set(KeyDrainBatchSize, 0)
	v.Set(KeyDrainBackoffMin, "10s")
	v.Set(KeyDrainBackoffMax, "1s")
	v.Set(KeyLogLevel, "chatty")

	_, err := Decode(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "backoff")
	assert.Contains(t, err.Error(), "chatty")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	writeFile(t, path, "offline: false\n")

	v := New()
	require.NoError(t, ReadFile(v, path))

	var offline atomic.Bool
	Watch(v, func(c *Config) { offline.Store(c.Offline) }, nil)

	writeFile(t, path, "offline: true\n")

	require.Eventually(t, offline.Load, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_NoFileIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		Watch(New(), func(*Config) {}, nil)
	})
}

func TestSummary_HasEveryDisplayedKey(t *testing.T) {
	c, err := Decode(New())
	require.NoError(t, err)

	s := c.Summary()
	assert.Equal(t, "rollbook.db", s[KeyDB])
	assert.Equal(t, "1m0s", s[KeyDrainBackoffMax])
}
