package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/types"
)

func TestDefaultFrameworkBuilds(t *testing.T) {
	fw := defaultFramework()
	require.NotNil(t, fw)
}

func TestRootFrameworkBuilds(t *testing.T) {
	fw := rootFramework()
	require.NotNil(t, fw)
}

func TestLoadTierConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := loadTierConfig("", types.TierDomain)
	require.NoError(t, err)
	require.Equal(t, types.TierDomain, cfg.Tier)
	require.Equal(t, "global", cfg.GlobalName)
}

func TestLoadTierConfigMissingFileErrors(t *testing.T) {
	_, err := loadTierConfig("/nonexistent/path.yaml", types.TierLocal)
	require.Error(t, err)
}
