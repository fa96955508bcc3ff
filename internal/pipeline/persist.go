package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// Recovery file names inside the data directory.
const (
	QueueFile = "queue.json"
	RetryFile = "retry.json"
	DeadFile  = "dead.json"
)

// writeList stores items as a JSON array at path using temp file and
// rename. An empty list removes any existing file instead.
func writeList[T any](path string, items []T) error {
	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", filepath.Base(path), err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// takeList reads the JSON array at path and removes the file. A missing
// file yields nil. A file that does not parse is renamed aside with a
// ".corrupt-<timestamp>" suffix so the next start does not trip on it,
// and the parse error is returned.
func takeList[T any](path string, now time.Time) ([]T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		aside := path + ".corrupt-" + now.Format("20060102-150405")
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("parse %s: %w (quarantine failed: %v)", filepath.Base(path), err, rerr)
		}
		return nil, fmt.Errorf("parse %s, moved to %s: %w", filepath.Base(path), filepath.Base(aside), err)
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return items, nil
}
