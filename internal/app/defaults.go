package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults resolves the default paths in two steps: explicit environment
// overrides win, everything else derives from the home directory in XDG
// layout.
//
//	AVIDX_CONFIG_PATH  config file        (default ~/.config/avidx.toml)
//	AVIDX_HOME         data directory     (default ~/.local/share/avidx)
//
// The log directory always lives under the data directory; config may move
// it later, this is only the bootstrap default.
func GetDefaults() (map[string]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	configPath := os.Getenv("AVIDX_CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join(home, ".config", "avidx.toml")
	}

	baseDir := os.Getenv("AVIDX_HOME")
	if baseDir == "" {
		baseDir = filepath.Join(home, ".local", "share", "avidx")
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}
