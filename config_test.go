package mlat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mlat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_group_receivers: 4\nsolver_workers: 8\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 4, cfg.MinGroupReceivers)
	assert.Equal(t, 8, cfg.SolverWorkers)
	assert.Equal(t, def.HistoryLen, cfg.HistoryLen)
	assert.Equal(t, def.PairingWindow, cfg.PairingWindow)
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfigDurationsArePositive(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.ReceiverSilent, time.Duration(0))
	assert.Greater(t, cfg.PairIdleTimeout, time.Duration(0))
	assert.Greater(t, cfg.SolverBudget, time.Duration(0))
}
