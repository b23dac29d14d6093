package main

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// tomlOverrides is the subset of config a TOML file may override,
// mirroring go-ethereum cmd/geth's config.go pattern: flags set
// defaults, a config file (if given) overrides them field by field.
type tomlOverrides struct {
	Block             *string
	Capacity          *uint64
	Degree            *uint32
	ShowProgress      *bool
	SyncIntervalMS    *int
	SecureIntervalMS  *int
}

func loadConfigFile(path string, cfg *config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cbectl: open config %s: %w", path, err)
	}
	defer f.Close()

	var overrides tomlOverrides
	if err := toml.NewDecoder(f).Decode(&overrides); err != nil {
		return fmt.Errorf("cbectl: parse config %s: %w", path, err)
	}

	if overrides.Block != nil {
		cfg.Block = *overrides.Block
	}
	if overrides.Capacity != nil {
		cfg.Capacity = *overrides.Capacity
	}
	if overrides.Degree != nil {
		cfg.Degree = *overrides.Degree
	}
	if overrides.ShowProgress != nil {
		cfg.ShowProgress = *overrides.ShowProgress
	}
	if overrides.SyncIntervalMS != nil {
		cfg.SyncIntervalMS = *overrides.SyncIntervalMS
	}
	if overrides.SecureIntervalMS != nil {
		cfg.SecureIntervalMS = *overrides.SecureIntervalMS
	}
	return nil
}
