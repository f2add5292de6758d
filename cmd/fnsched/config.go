package main

import (
	"time"

	"github.com/cuemby/fnsched/pkg/config"
	"github.com/cuemby/fnsched/pkg/types"
)

// shutdownTimeout bounds the graceful-shutdown sequence every tier
// process runs before a forced exit.
const shutdownTimeout = 30 * time.Second

// loadTierConfig reads path if given, otherwise falls back to
// config.Default(tier).
func loadTierConfig(path string, tier types.Tier) (config.Config, error) {
	if path == "" {
		return config.Default(tier), nil
	}
	return config.Load(path, tier)
}
