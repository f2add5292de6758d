package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/types"
)

func TestDefaultSetsExpectedValues(t *testing.T) {
	cfg := Default(types.TierLocal)
	require.Equal(t, types.TierLocal, cfg.Tier)
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 3, cfg.HeartbeatMaxMisses)
	require.Equal(t, 3, cfg.ScheduleRetry.MaxAttempts)
	require.Len(t, cfg.ScheduleRetry.Backoff, 3)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domain.yaml")
	content := `
bindAddress: "10.0.0.1:7420"
heartbeatMaxMisses: 5
metaStoreEndpoints:
  - "meta-1:2379"
  - "meta-2:2379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, types.TierDomain)
	require.NoError(t, err)
	require.Equal(t, types.TierDomain, cfg.Tier)
	require.Equal(t, "10.0.0.1:7420", cfg.BindAddress)
	require.Equal(t, 5, cfg.HeartbeatMaxMisses)
	require.Equal(t, []string{"meta-1:2379", "meta-2:2379"}, cfg.MetaStoreEndpoints)
	// Untouched defaults survive the merge.
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), types.TierGlobal)
	require.Error(t, err)
}
