// Package daemon runs the indexing pipeline as a long-lived process and
// exposes an admin control plane over a Unix socket. Operators enqueue
// changes, inspect and prune the retry and dead lists, and trigger
// sweeps through JSON-RPC 2.0 requests, one per connection.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/cardindex/internal/pipeline"
)

// Config holds configuration for the daemon service.
type Config struct {
	// SocketPath is the Unix domain socket path for IPC.
	// Default: ~/.cardindex/data/cardindex.sock
	SocketPath string

	// PIDPath is the file path for storing the daemon's process ID.
	// Default: ~/.cardindex/data/cardindex.pid
	PIDPath string

	// DataDir holds the recovery files and the writer lock.
	DataDir string

	// Timeout is the maximum duration for client-daemon communication.
	// Default: 30s
	Timeout time.Duration

	// SweepTimeout replaces Timeout for retry.run and expire.run, which
	// execute work items before they answer. Zero means DefaultSweepTimeout.
	SweepTimeout time.Duration

	// ShutdownGracePeriod bounds how long shutdown waits for the running
	// work item before cancelling it.
	// Default: 30s
	ShutdownGracePeriod time.Duration

	// Policy schedules retries of failed work items.
	Policy pipeline.RetryPolicy

	// SweepInterval and ExpireInterval drive the scheduler hooks.
	SweepInterval  time.Duration
	ExpireInterval time.Duration
}

// DefaultSweepTimeout bounds a synchronous retry or expiry sweep.
const DefaultSweepTimeout = 10 * time.Minute

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	dataDir := filepath.Join(home, ".cardindex", "data")

	return Config{
		SocketPath:          filepath.Join(dataDir, "cardindex.sock"),
		PIDPath:             filepath.Join(dataDir, "cardindex.pid"),
		DataDir:             dataDir,
		Timeout:             30 * time.Second,
		SweepTimeout:        DefaultSweepTimeout,
		ShutdownGracePeriod: 30 * time.Second,
		Policy:              pipeline.DefaultRetryPolicy(),
		SweepInterval:       pipeline.DefaultSweepInterval,
		ExpireInterval:      pipeline.DefaultExpireInterval,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the directories for socket, PID file and data if
// they don't exist.
func (c Config) EnsureDir() error {
	for _, dir := range []string{filepath.Dir(c.SocketPath), filepath.Dir(c.PIDPath), c.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// callTimeout returns how long one call to method may hold its connection.
func callTimeout(method string, timeout, sweepTimeout time.Duration) time.Duration {
	switch method {
	case MethodRetryRun, MethodExpireRun:
		if sweepTimeout <= 0 {
			sweepTimeout = DefaultSweepTimeout
		}
		if sweepTimeout > timeout {
			return sweepTimeout
		}
	}
	return timeout
}
