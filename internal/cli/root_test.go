package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonewatch/internal/config"
	"zonewatch/internal/model"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zonewatch.yaml")
	content := "storage:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "zonewatch.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndZones(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite)")

	_, err = run(t, "--config", cfgPath, "zones", "put", "--id", "depot", "--name", "Main Depot",
		"--lat", "25.672254", "--lon", "-100.319939", "--radius", "150")
	require.NoError(t, err)

	out, err = run(t, "--config", cfgPath, "--json", "zones", "list")
	require.NoError(t, err)
	var list []model.Zone
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Main Depot", list[0].Name)
	assert.True(t, list[0].Enabled)
	assert.InDelta(t, 150, list[0].RadiusM, 1e-9)
}

func TestZonesPutRejectsBadZone(t *testing.T) {
	cfgPath := writeConfig(t)
	_, err := run(t, "--config", cfgPath, "zones", "put", "--id", "x", "--lat", "91", "--lon", "0", "--radius", "10")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEventsCountsOnEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t)
	out, err := run(t, "--config", cfgPath, "--json", "events")
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, 0, counts["PENDING"])
	assert.Equal(t, 0, counts["FAILED"])

	_, err = run(t, "--config", cfgPath, "events", "retry", "missing")
	assert.Error(t, err)
}

func TestMissingConfigIsCommandError(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zonewatch.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	defaults := config.DefaultConfig()
	assert.Equal(t, defaults.Sweeper, cfg.Sweeper)
	assert.Equal(t, defaults.Detection, cfg.Detection)
	assert.Equal(t, defaults.Notify.Backoff, cfg.Notify.Backoff)

	_, err = run(t, "config", "init", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, "config", "init", "--force", path)
	require.NoError(t, err)

	jsonPath := filepath.Join(dir, "zonewatch.json")
	_, err = run(t, "config", "init", jsonPath)
	require.NoError(t, err)
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
	_, err = config.Load(jsonPath)
	require.NoError(t, err)
}
