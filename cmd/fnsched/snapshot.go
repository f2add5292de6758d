package main

import (
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/storage"
)

// warmResourceView loads every resource unit store.ListResourceUnits
// returns back into rv's primary view, giving a restarted tier actor a
// warm cache to serve reads from before its first registration/resync.
// Each unit is registered as a direct child of rv's own root; the tree
// shape beneath a child is reconstructed the next time that child
// re-registers, since Store persists flat units, not fragments.
func warmResourceView(store storage.Store, rv *resourceview.ResourceView) error {
	units, err := store.ListResourceUnits()
	if err != nil {
		return err
	}
	for _, unit := range units {
		if err := rv.RegisterResourceUnit(resourceview.ViewPrimary, unit, ""); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Str("unit", unit.ID).Msg("skipping stale snapshot unit")
		}
	}
	return nil
}

// persistResourceView snapshots rv's current primary-view fragments to
// store, replacing whatever each unit's prior save held.
func persistResourceView(store storage.Store, rv *resourceview.ResourceView) error {
	root := rv.GetResources(resourceview.ViewPrimary)
	for _, unit := range root.Fragment {
		if err := store.SaveResourceUnit(unit); err != nil {
			return err
		}
	}
	return nil
}

// openTierStore opens the BoltDB-backed snapshot cache for a tier
// process's data directory.
func openTierStore(dataDir string) (storage.Store, error) {
	return storage.NewBoltStore(dataDir)
}
