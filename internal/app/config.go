package app

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config contains global runtime configuration. Both persisted artifacts live
// under StateDir; the paths are explicit so tests never touch system paths.
type Config struct {
	StateDir string
	LogLevel string
}

// MustLoadConfigFromViper builds Config from Viper-bound flags/env.
func MustLoadConfigFromViper() Config {
	dir := viper.GetString("state_dir")
	if dir == "" {
		panic("state dir is empty")
	}
	return Config{
		StateDir: dir,
		LogLevel: viper.GetString("log_level"),
	}
}

// CatalogPath is the module catalog file inside the state dir.
func (c Config) CatalogPath() string {
	return filepath.Join(c.StateDir, "modules.json")
}

// DescriptorPath is the generated descriptor the applier imports.
func (c Config) DescriptorPath() string {
	return filepath.Join(c.StateDir, "modules.nix")
}

// Validate returns error if configuration is invalid.
func (c Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state dir cannot be empty")
	}
	return nil
}
