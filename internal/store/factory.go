package store

import (
	"fmt"
	"log/slog"
	"os"
)

// Backend names accepted by New.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// Options selects and configures a Store backend.
type Options struct {
	// Backend is "bleve" (default when empty) or "sqlite".
	Backend string
	// Path is the index location. Empty opens an in-memory store.
	Path          string
	SQLiteCacheMB int
	Logger        *slog.Logger
}

// New opens the Store described by opts.
func New(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendBleve, "":
		s, err := NewBleveStore(opts.Path, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.Path, opts.SQLiteCacheMB, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (valid options: bleve, sqlite)", opts.Backend)
	}
}

// DetectBackend reports which backend owns the index at path, based on
// whether it is a directory (bleve) or a file (sqlite). Returns "" when
// nothing exists there yet.
func DetectBackend(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return BackendBleve
	}
	return BackendSQLite
}
