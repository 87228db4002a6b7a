package app

import (
	"fmt"
	"os"

	"stagegate/internal/config"
	"stagegate/internal/db"
)

// ResolveConfig loads stagegate.yml from the workspace, falling back to the
// built-in defaults when the file does not exist. An invalid file is an
// error, never silently replaced by defaults.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// InitWorkspace ensures the workspace data directory exists and writes a
// default stagegate.yml if one is not present. Returns the config path.
func InitWorkspace(workspace string) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
