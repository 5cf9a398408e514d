package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const dataDirName = "flowstream"

// DefaultDataDir is the data directory used when none is configured:
// $XDG_DATA_HOME/flowstream when set, else the per-user data directory of the
// host OS. Without a home directory it falls back to ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", dataDirName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, dataDirName)
		}
		return filepath.Join(home, "AppData", "Local", dataDirName)
	default:
		return filepath.Join(home, ".local", "share", dataDirName)
	}
}
