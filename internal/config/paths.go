package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "livediff"

// configDirs are the per-OS base directories a config file may live under.
type configDirs struct {
	goos        string
	home        string
	xdgConfig   string
	programData string
}

func systemConfigDirs() configDirs {
	home, _ := os.UserHomeDir()
	return configDirs{
		goos:        runtime.GOOS,
		home:        home,
		xdgConfig:   os.Getenv("XDG_CONFIG_HOME"),
		programData: os.Getenv("ProgramData"),
	}
}

// DefaultConfigPath returns where the client looks for name when no
// --config flag or CONFIG_FILE is given.
func DefaultConfigPath(name string) string {
	return systemConfigDirs().file(name)
}

func (d configDirs) file(name string) string {
	switch d.goos {
	case "darwin":
		return filepath.Join(d.home, "Library", "Application Support", appDir, name)
	case "windows":
		base := strings.TrimRight(d.programData, "\\/")
		if base == "" {
			base = "C:/ProgramData"
		}
		return filepath.Join(base, appDir, name)
	}
	switch {
	case d.xdgConfig != "":
		return filepath.Join(d.xdgConfig, appDir, name)
	case d.home != "":
		return filepath.Join(d.home, ".config", appDir, name)
	}
	return filepath.Join("/etc", appDir, name)
}
