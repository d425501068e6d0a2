package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	workDir := t.TempDir()
	cfg, err := Load(workDir)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Campaign.Version)
	assert.Equal(t, 10, cfg.Campaign.MaxIterations)
	assert.Equal(t, "info", cfg.Campaign.Log.Level)
	assert.False(t, cfg.Campaign.HeuristicStopperEnabled())
	assert.True(t, cfg.Campaign.ShouldFinalizeOnExhaustion())
	assert.Equal(t, filepath.Join(cfg.WorkDir, ".campaign", "campaign.lock"), cfg.LockPath())
}

func TestInitWorkDirWritesParsableDefaultConfig(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, InitWorkDir(workDir))

	for _, dir := range []string{"logs", "journal"} {
		info, err := os.Stat(filepath.Join(workDir, StateDir, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	cfg, err := Load(workDir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg.Campaign)
}

func TestInitWorkDirKeepsExistingConfig(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, StateDir, configFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nmax_iterations: 3\n"), 0o644))

	require.NoError(t, InitWorkDir(workDir))

	cfg, err := Load(workDir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Campaign.MaxIterations)
}

func TestLoadParsesYaml(t *testing.T) {
	workDir := t.TempDir()
	configYAML := strings.TrimSpace(`
version: 1
max_iterations: 25
bootstrap_size: 8
random_seed: 7
heuristic_stopper: 4
finalize_on_exhaustion: false
monitor: true
backup: false
log:
  level: DEBUG
journal:
  enabled: true
sync:
  bucket: discovery-runs
  prefix: /runs/oxides/
  min_interval: 45s
`)
	writeConfig(t, workDir, configYAML)

	cfg, err := Load(workDir)
	require.NoError(t, err)

	c := cfg.Campaign
	assert.Equal(t, 25, c.MaxIterations)
	assert.Equal(t, 8, c.BootstrapSize)
	assert.Equal(t, int64(7), c.RandomSeed)
	require.True(t, c.HeuristicStopperEnabled())
	assert.Equal(t, 4, *c.HeuristicStopper)
	assert.False(t, c.ShouldFinalizeOnExhaustion())
	assert.True(t, c.Monitor)
	assert.False(t, c.Backup)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Journal.Enabled)
	require.NotNil(t, c.Sync)
	assert.Equal(t, "discovery-runs", c.Sync.Bucket)
	assert.Equal(t, "runs/oxides", c.Sync.Prefix)
	assert.Equal(t, 45*time.Second, c.Sync.MinInterval)
	assert.Equal(t, 4, c.Sync.Concurrency)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"negative iterations": "version: 1\nmax_iterations: -1\n",
		"unknown log level":   "version: 1\nlog:\n  level: chatty\n",
		"sync without bucket": "version: 1\nsync:\n  prefix: runs\n",
		"negative stopper":    "version: 1\nheuristic_stopper: -2\n",
		"prefix escapes":      "version: 1\nsync:\n  bucket: b\n  prefix: ../other\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			workDir := t.TempDir()
			writeConfig(t, workDir, body)
			_, err := Load(workDir)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSaveRoundTrips(t *testing.T) {
	workDir := t.TempDir()
	cfg, err := Load(workDir)
	require.NoError(t, err)

	stopper := 6
	cfg.Campaign.HeuristicStopper = &stopper
	cfg.Campaign.Sync = &SyncConfig{Bucket: "bucket", Prefix: "p", MinInterval: time.Minute}
	require.NoError(t, cfg.Save())

	reloaded, err := Load(workDir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Campaign, reloaded.Campaign)
}

func writeConfig(t *testing.T, workDir, body string) {
	t.Helper()
	path := filepath.Join(workDir, StateDir, configFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
