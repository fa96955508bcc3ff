package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// WriterLockFile is the lock file name inside the data directory.
const WriterLockFile = "writer.lock"

// WriterLock guarantees a single index writer per data directory across
// processes.
type WriterLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriterLock creates a lock at <dataDir>/writer.lock.
func NewWriterLock(dataDir string) *WriterLock {
	path := filepath.Join(dataDir, WriterLockFile)
	return &WriterLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire takes the lock without blocking. It fails with
// ErrCodeWriterLocked when another process holds it.
func (l *WriterLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !acquired {
		return cierrors.New(cierrors.ErrCodeWriterLocked, "another cardindex process owns this data directory", nil).
			WithDetail("lock", l.path).
			WithSuggestion("stop the running daemon or use a different data_dir")
	}
	l.locked = true
	return nil
}

// Release unlocks. Safe to call when not locked.
func (l *WriterLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release writer lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *WriterLock) Path() string { return l.path }

// IsLocked reports whether this process holds the lock.
func (l *WriterLock) IsLocked() bool { return l.locked }
