// Package scheduler runs named hooks on fixed intervals.
//
// Each hook gets its own goroutine and ticker, so a slow hook delays only
// its own next run and never overlaps itself. Ticks that arrive while a
// hook is still running are dropped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/logging"
)

// Scheduler owns a set of periodic hooks.
type Scheduler struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	hooks   map[string]context.CancelFunc
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for hook failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a running Scheduler with no hooks.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logging.Discard(),
		hooks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Every runs fn every interval until the returned cancel is called or the
// scheduler stops. The first run happens one interval after registration.
// fn receives a context that is cancelled when the hook is.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(context.Context)) (func(), error) {
	if interval <= 0 {
		return nil, cierrors.New(cierrors.ErrCodeSchedulerFailed,
			fmt.Sprintf("hook %q: interval must be positive, got %s", name, interval), nil)
	}
	if fn == nil {
		return nil, cierrors.New(cierrors.ErrCodeSchedulerFailed, fmt.Sprintf("hook %q: nil function", name), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, cierrors.New(cierrors.ErrCodeSchedulerFailed, "scheduler is stopped", nil)
	}
	if _, ok := s.hooks[name]; ok {
		return nil, cierrors.New(cierrors.ErrCodeSchedulerFailed, fmt.Sprintf("hook %q already registered", name), nil)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.hooks[name] = cancel
	s.wg.Go(func() { s.run(ctx, name, interval, fn) })

	s.logger.Debug("hook_registered", slog.String("hook", name), slog.Duration("interval", interval))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.hooks, name)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		var pc panics.Catcher
		pc.Try(func() { fn(ctx) })
		if r := pc.Recovered(); r != nil {
			s.logger.Error("hook_panicked",
				slog.String("hook", name),
				slog.Any("panic", r.Value),
				slog.String("stack", string(r.Stack)))
			continue
		}
		s.logger.Debug("hook_ran", slog.String("hook", name), slog.Duration("took", time.Since(start)))
	}
}

// Names lists the registered hooks.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.hooks))
	for n := range s.hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every hook and waits for running ones to return. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.hooks = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
