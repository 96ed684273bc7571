package logging

import (
	"os"
	"path/filepath"
)

const (
	appDir      = ".ragindex"
	logFileName = "ragindex.log"
)

// DefaultLogDir returns ~/.ragindex/logs, or a temp-dir equivalent when
// the home directory cannot be resolved.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDir, "logs")
	}
	return filepath.Join(home, appDir, "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), logFileName)
}
