// Package platform resolves the user-level locations the daemon shares with
// the token-management side: the database, the config file, and the SIEM
// sink. Environment overrides win over the XDG-style defaults.
package platform

import (
	"os"
	"path/filepath"
)

const appName = "wardscry"

// EnvSIEMPath overrides the SIEM sink location.
const EnvSIEMPath = "WARDSCRY_SIEM_JSONL"

// EnvDBPath overrides the database location.
const EnvDBPath = "WARDSCRY_DB"

// UserDataDir is where the database and sink live by default.
func UserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// UserConfigDir is where the config file lives by default.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".config", appName)
}

// DBPath returns the token database location.
func DBPath() string {
	if p := os.Getenv(EnvDBPath); p != "" {
		return p
	}
	return filepath.Join(UserDataDir(), "wardscry.db")
}

// ConfigPath returns the daemon config file location.
func ConfigPath() string {
	return filepath.Join(UserConfigDir(), "config.yaml")
}

// SIEMPath returns the JSON Lines sink location.
func SIEMPath() string {
	if p := os.Getenv(EnvSIEMPath); p != "" {
		return p
	}
	return filepath.Join(UserDataDir(), "wardscry.jsonl")
}
