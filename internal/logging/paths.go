package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.cardindex/logs, or a temp-dir fallback when
// the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".cardindex", "logs")
	}
	return filepath.Join(home, ".cardindex", "logs")
}

// DefaultLogPath returns the daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}

// FindLogFile resolves the log file to view. An explicit path wins;
// otherwise the default daemon log is used if it exists.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("log file not found: %s", explicit)
		}
		return explicit, nil
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no log file found at %s (start the daemon with `cardindex serve`)", path)
	}
	return path, nil
}

// EnsureLogDir creates dir (or the default log dir when empty).
func EnsureLogDir(dir string) error {
	if dir == "" {
		dir = DefaultLogDir()
	}
	return os.MkdirAll(dir, 0o755)
}
