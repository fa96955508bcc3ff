package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/metric"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/logging"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// EnqueueResult reports what QueueChange did with a request.
type EnqueueResult string

const (
	Queued        EnqueueResult = "queued"
	AlreadyQueued EnqueueResult = "already_queued"
)

// Default periods for ScheduleHooks.
const (
	DefaultSweepInterval  = time.Minute
	DefaultExpireInterval = 5 * time.Minute
)

// Hook names registered by ScheduleHooks.
const (
	HookRetryDue = "retry-due"
	HookExpire   = "expire"
)

// Scheduler runs fn every interval until the returned cancel is called.
type Scheduler interface {
	Every(name string, interval time.Duration, fn func(context.Context)) (cancel func(), err error)
}

// Options configures a Manager.
type Options struct {
	// Provider fetches business cards. It may be set later with
	// SetProvider, but RunStartupRecovery requires one.
	Provider Provider

	// Store receives the indexed cards. Required. Shutdown closes it.
	Store store.Store

	// DataDir holds the recovery files. Empty disables persistence.
	DataDir string

	// Policy schedules retries. Zero value means DefaultRetryPolicy.
	Policy RetryPolicy

	SweepInterval  time.Duration
	ExpireInterval time.Duration

	Clock  Clock
	Logger *slog.Logger
	Meter  metric.Meter
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Queued    int  `json:"queued"`
	Retrying  int  `json:"retrying"`
	Dead      int  `json:"dead"`
	InFlight  int  `json:"in_flight"`
	Executing bool `json:"executing"`
	Provider  bool `json:"provider"`
}

// RetrySummary is the outcome of one RetryDueEntries sweep.
type RetrySummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// RecoveryReport is the outcome of RunStartupRecovery.
type RecoveryReport struct {
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
	Retrying   int `json:"retrying"`
	Dead       int `json:"dead"`
	Skipped    int `json:"skipped"`
}

// Manager is the indexing pipeline. Create it with New, stop it with
// Shutdown.
type Manager struct {
	store    store.Store
	dataDir  string
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics
	sweep    time.Duration
	expireIv time.Duration

	providerMu sync.RWMutex
	provider   Provider

	uniq    *Uniqueness
	queue   *Queue
	retries *RetryList
	dead    *DeadList

	// execMu serializes every execution against the store.
	execMu     sync.Mutex
	executing  atomic.Bool
	execCtx    context.Context
	execCancel context.CancelFunc

	lifeMu sync.RWMutex
	closed bool
	sweeps sync.WaitGroup

	hooksMu sync.Mutex
	hooks   []func()

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Manager and starts its consumer.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, cierrors.ConfigError("pipeline requires a store", nil)
	}
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Policy.InitialInterval <= 0 || opts.Policy.MaxLifetime <= 0 {
		return nil, cierrors.ConfigError("retry policy needs a positive initial interval and lifetime", nil)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.ExpireInterval <= 0 {
		opts.ExpireInterval = DefaultExpireInterval
	}

	m := &Manager{
		store:    opts.Store,
		dataDir:  opts.DataDir,
		clock:    opts.Clock,
		logger:   opts.Logger,
		sweep:    opts.SweepInterval,
		expireIv: opts.ExpireInterval,
		provider: opts.Provider,
		uniq:     NewUniqueness(),
		retries:  NewRetryList(opts.Policy),
		dead:     NewDeadList(),
	}
	m.execCtx, m.execCancel = context.WithCancel(context.Background())
	m.queue = NewQueue(m.handle)
	m.metrics = newMetrics(opts.Meter, m)
	m.queue.Start()
	return m, nil
}

// SetProvider replaces the business card provider.
func (m *Manager) SetProvider(p Provider) {
	m.providerMu.Lock()
	m.provider = p
	m.providerMu.Unlock()
}

func (m *Manager) currentProvider() Provider {
	m.providerMu.RLock()
	defer m.providerMu.RUnlock()
	return m.provider
}

// QueueChange requests that participantID be indexed or removed. A
// request whose participant and action are already owned by the
// pipeline is a no-op reported as AlreadyQueued.
func (m *Manager) QueueChange(ctx context.Context, participantID string, action ActionType, ownerID, host string) (EnqueueResult, error) {
	item, err := NewWorkItem(participantID, action, ownerID, host, m.clock.Now())
	if err != nil {
		return "", err
	}
	return m.enqueue(ctx, item)
}

func (m *Manager) enqueue(ctx context.Context, item WorkItem) (EnqueueResult, error) {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed {
		return "", ErrShuttingDown
	}

	id := item.Identity()
	if !m.uniq.TryAdd(id) {
		m.metrics.deduped.Add(ctx, 1, actionAttr(item.Action))
		m.logger.Debug("work_item_already_queued",
			slog.String("participant", item.ParticipantID),
			slog.String("action", string(item.Action)))
		return AlreadyQueued, nil
	}
	if err := m.queue.Push(item); err != nil {
		m.uniq.Remove(id)
		return "", err
	}

	m.metrics.queued.Add(ctx, 1, actionAttr(item.Action))
	m.logger.Info("work_item_queued",
		slog.String("id", item.ID),
		slog.String("participant", item.ParticipantID),
		slog.String("action", string(item.Action)),
		slog.String("owner", item.OwnerID),
		slog.String("host", item.RequestingHost))
	return Queued, nil
}

// handle is the queue consumer.
func (m *Manager) handle(item WorkItem) {
	ctx := m.execCtx
	err := m.execute(item)
	now := m.clock.Now()

	switch {
	case err == nil:
		m.succeeded(ctx, item)
	case isContractViolation(err):
		m.rejected(item, err)
	default:
		entry := m.retries.AddOrReschedule(item, now, err)
		m.metrics.failed.Add(ctx, 1, actionAttr(item.Action))
		attrs := []any{
			slog.String("id", item.ID),
			slog.String("participant", item.ParticipantID),
			slog.String("action", string(item.Action)),
			slog.Int("retry_count", entry.RetryCount),
			slog.Time("next_retry_at", entry.NextRetryAt),
			slog.Time("expires_at", entry.ExpiresAt),
		}
		m.logger.Warn("work_item_failed", append(attrs, cierrors.LogAttrs(err)...)...)
	}
}

// execute runs item under the execution lock. Panics become errors.
func (m *Manager) execute(item WorkItem) (err error) {
	action, ok := ActionFor(item.Action)
	if !ok {
		return cierrors.New(cierrors.ErrCodeUnsupportedAction, fmt.Sprintf("unsupported action %q", item.Action), nil).
			WithDetail("participant", item.ParticipantID)
	}

	m.execMu.Lock()
	m.executing.Store(true)
	defer func() {
		m.executing.Store(false)
		m.execMu.Unlock()
	}()

	env := Env{Provider: m.currentProvider(), Store: m.store, Now: m.clock.Now()}
	var pc panics.Catcher
	pc.Try(func() {
		err = action.Execute(m.execCtx, item, env)
	})
	if r := pc.Recovered(); r != nil {
		m.logger.Error("work_item_panicked",
			slog.String("participant", item.ParticipantID),
			slog.String("action", string(item.Action)),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)))
		return cierrors.InternalError("panic while executing work item", r.AsError())
	}
	return err
}

func (m *Manager) succeeded(ctx context.Context, item WorkItem) {
	m.uniq.Remove(item.Identity())
	m.metrics.executed.Add(ctx, 1, actionAttr(item.Action))
	m.logger.Info("work_item_executed",
		slog.String("id", item.ID),
		slog.String("participant", item.ParticipantID),
		slog.String("action", string(item.Action)))
}

// rejected drops an item that can never succeed.
func (m *Manager) rejected(item WorkItem, err error) {
	m.uniq.Remove(item.Identity())
	attrs := []any{
		slog.String("id", item.ID),
		slog.String("participant", item.ParticipantID),
		slog.String("action", string(item.Action)),
	}
	m.logger.Error("work_item_rejected", append(attrs, cierrors.LogAttrs(err)...)...)
}

func isContractViolation(err error) bool {
	return cierrors.GetCode(err) == cierrors.ErrCodeUnsupportedAction
}

// beginSweep registers a sweep unless the manager is shutting down.
func (m *Manager) beginSweep() bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed {
		return false
	}
	m.sweeps.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	return m.closed
}

// RetryDueEntries re-executes every retry entry that is due now. Entries
// that fail again are rescheduled with an incremented count. It runs
// synchronously; executions take turns with the queue consumer.
func (m *Manager) RetryDueEntries(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary
	if !m.beginSweep() {
		return sum, ErrShuttingDown
	}
	defer m.sweeps.Done()

	due := m.retries.CollectDue(m.clock.Now())
	for i, entry := range due {
		if ctx.Err() != nil || m.isClosed() {
			// Not attempted, so not counted as a retry.
			m.retries.Restore(due[i:])
			break
		}

		item := entry.WorkItem
		sum.Attempted++
		m.metrics.retried.Add(ctx, 1, actionAttr(item.Action))

		err := m.execute(item)
		switch {
		case err == nil:
			sum.Succeeded++
			m.succeeded(ctx, item)
		case isContractViolation(err):
			sum.Dropped++
			m.rejected(item, err)
		default:
			sum.Failed++
			next := m.retries.Reschedule(entry, m.clock.Now(), err)
			m.metrics.failed.Add(ctx, 1, actionAttr(item.Action))
			attrs := []any{
				slog.String("participant", item.ParticipantID),
				slog.String("action", string(item.Action)),
				slog.Int("retry_count", next.RetryCount),
				slog.Time("next_retry_at", next.NextRetryAt),
				slog.Time("expires_at", next.ExpiresAt),
			}
			m.logger.Warn("retry_failed", append(attrs, cierrors.LogAttrs(err)...)...)
		}
	}

	if sum.Attempted > 0 {
		m.logger.Info("retry_sweep_complete",
			slog.Int("attempted", sum.Attempted),
			slog.Int("succeeded", sum.Succeeded),
			slog.Int("failed", sum.Failed))
	}
	return sum, ctx.Err()
}

// ExpireOldEntries moves every retry entry past its expiry into the dead
// list and releases its identity. It returns the new dead entries, or
// ErrShuttingDown once Shutdown has begun.
func (m *Manager) ExpireOldEntries(ctx context.Context) ([]DeadEntry, error) {
	if !m.beginSweep() {
		return nil, ErrShuttingDown
	}
	defer m.sweeps.Done()

	now := m.clock.Now()
	expired := m.retries.CollectExpired(now)
	out := make([]DeadEntry, 0, len(expired))
	for _, e := range expired {
		d := m.dead.Add(e, now)
		m.uniq.Remove(e.Identity())
		m.metrics.expired.Add(ctx, 1, actionAttr(e.WorkItem.Action))
		m.logger.Warn("retry_entry_expired",
			slog.String("participant", e.WorkItem.ParticipantID),
			slog.String("action", string(e.WorkItem.Action)),
			slog.Int("retry_count", e.RetryCount),
			slog.Time("first_failure_at", e.FirstFailureAt),
			slog.String("last_error", e.LastError))
		out = append(out, d)
	}
	return out, nil
}

// ScheduleHooks registers the retry and expiry sweeps with s. On error
// any hook already registered is cancelled again.
func (m *Manager) ScheduleHooks(s Scheduler) error {
	retry, err := s.Every(HookRetryDue, m.sweep, func(ctx context.Context) {
		if _, err := m.RetryDueEntries(ctx); err != nil && !errors.Is(err, ErrShuttingDown) && ctx.Err() == nil {
			m.logger.Error("retry_sweep_failed", cierrors.LogAttrs(err)...)
		}
	})
	if err != nil {
		return cierrors.New(cierrors.ErrCodeSchedulerFailed, "register retry sweep", err)
	}
	expire, err := s.Every(HookExpire, m.expireIv, func(ctx context.Context) {
		if _, err := m.ExpireOldEntries(ctx); err != nil && !errors.Is(err, ErrShuttingDown) {
			m.logger.Error("expiry_sweep_failed", cierrors.LogAttrs(err)...)
		}
	})
	if err != nil {
		retry()
		return cierrors.New(cierrors.ErrCodeSchedulerFailed, "register expiry sweep", err)
	}

	m.hooksMu.Lock()
	m.hooks = append(m.hooks, retry, expire)
	m.hooksMu.Unlock()

	m.logger.Info("scheduler_hooks_registered",
		slog.Duration("retry_interval", m.sweep),
		slog.Duration("expire_interval", m.expireIv))
	return nil
}

// RunStartupRecovery restores the state written by the previous
// Shutdown: dead entries, retry entries with their identities, and
// queued items through the normal enqueue path. Each file is deleted
// after reading. A provider must be configured since restored items
// start executing immediately.
func (m *Manager) RunStartupRecovery(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if m.currentProvider() == nil {
		return rep, cierrors.New(cierrors.ErrCodeNoProvider, "startup recovery needs a business card provider", nil).
			WithSuggestion("configure provider.base_url before starting the pipeline")
	}
	if m.dataDir == "" {
		return rep, nil
	}
	now := m.clock.Now()

	dead, err := takeList[DeadEntry](filepath.Join(m.dataDir, DeadFile), now)
	if err != nil {
		return rep, m.recoveryError(DeadFile, err)
	}
	m.dead.Restore(dead)
	rep.Dead = len(dead)

	retries, err := takeList[RetryEntry](filepath.Join(m.dataDir, RetryFile), now)
	if err != nil {
		return rep, m.recoveryError(RetryFile, err)
	}
	for _, e := range retries {
		if e.WorkItem.Validate() != nil {
			rep.Skipped++
			continue
		}
		m.uniq.TryAdd(e.Identity())
		m.retries.Restore([]RetryEntry{e})
		rep.Retrying++
	}

	items, err := takeList[WorkItem](filepath.Join(m.dataDir, QueueFile), now)
	if err != nil {
		return rep, m.recoveryError(QueueFile, err)
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			rep.Skipped++
			m.logger.Warn("recovered_item_invalid", cierrors.LogAttrs(err)...)
			continue
		}
		res, err := m.enqueue(ctx, item)
		if err != nil {
			return rep, err
		}
		if res == AlreadyQueued {
			rep.Duplicates++
		} else {
			rep.Queued++
		}
	}

	m.logger.Info("startup_recovery_complete",
		slog.Int("queued", rep.Queued),
		slog.Int("duplicates", rep.Duplicates),
		slog.Int("retrying", rep.Retrying),
		slog.Int("dead", rep.Dead),
		slog.Int("skipped", rep.Skipped))
	return rep, nil
}

func (m *Manager) recoveryError(file string, err error) error {
	ie := cierrors.New(cierrors.ErrCodePersistFailed, "read recovery file "+file, err)
	m.logger.Error("startup_recovery_failed", cierrors.LogAttrs(ie)...)
	return ie
}

// Shutdown stops the pipeline: it cancels the scheduler hooks, stops the
// queue and waits for the running item, writes the undispatched queue,
// the retry list and the dead list to the data directory, and closes the
// store. If ctx ends first, the running item's context is cancelled and
// Shutdown still waits for it to return. A persistence failure is fatal
// and returned. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.lifeMu.Lock()
	m.closed = true
	m.lifeMu.Unlock()

	m.hooksMu.Lock()
	for _, cancel := range m.hooks {
		cancel()
	}
	m.hooks = nil
	m.hooksMu.Unlock()

	stopped := make(chan []WorkItem, 1)
	go func() {
		rest := m.queue.Stop()
		m.sweeps.Wait()
		stopped <- rest
	}()

	var rest []WorkItem
	select {
	case rest = <-stopped:
	case <-ctx.Done():
		m.logger.Warn("shutdown_deadline_reached", slog.String("reason", ctx.Err().Error()))
		m.execCancel()
		rest = <-stopped
	}
	m.execCancel()

	persistErr := m.persist(rest)

	var closeErr error
	if err := m.store.Close(); err != nil {
		closeErr = cierrors.New(cierrors.ErrCodeStorageFailed, "close store", err)
	}

	m.logger.Info("pipeline_stopped",
		slog.Int("queued", len(rest)),
		slog.Int("retrying", m.retries.Len()),
		slog.Int("dead", m.dead.Len()),
		slog.Bool("persisted", persistErr == nil))
	return errors.Join(persistErr, closeErr)
}

func (m *Manager) persist(rest []WorkItem) error {
	retries := m.retries.List()
	dead := m.dead.List()

	if m.dataDir == "" {
		if len(rest)+len(retries)+len(dead) == 0 {
			return nil
		}
		return cierrors.New(cierrors.ErrCodePersistFailed, "pending work but no data directory to persist it", nil)
	}

	var errs []error
	if err := writeList(filepath.Join(m.dataDir, QueueFile), rest); err != nil {
		errs = append(errs, err)
	}
	if err := writeList(filepath.Join(m.dataDir, RetryFile), retries); err != nil {
		errs = append(errs, err)
	}
	if err := writeList(filepath.Join(m.dataDir, DeadFile), dead); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		ie := cierrors.New(cierrors.ErrCodePersistFailed, "persist pipeline state", errors.Join(errs...))
		m.logger.Error("pipeline_persist_failed", cierrors.LogAttrs(ie)...)
		return ie
	}
	return nil
}

// RetryEntries lists the retry list, earliest next attempt first.
func (m *Manager) RetryEntries() []RetryEntry { return m.retries.List() }

// DeadEntries lists the dead list, oldest first.
func (m *Manager) DeadEntries() []DeadEntry { return m.dead.List() }

// DeleteRetryEntry drops a retry entry and releases its identity so the
// participant can be queued again.
func (m *Manager) DeleteRetryEntry(id Identity) bool {
	if !m.retries.Delete(id) {
		return false
	}
	m.uniq.Remove(id)
	m.logger.Info("retry_entry_deleted",
		slog.String("participant", id.ParticipantID),
		slog.String("action", string(id.Action)))
	return true
}

// DeleteDeadEntry drops a dead list record.
func (m *Manager) DeleteDeadEntry(id Identity) bool {
	if !m.dead.Delete(id) {
		return false
	}
	m.logger.Info("dead_entry_deleted",
		slog.String("participant", id.ParticipantID),
		slog.String("action", string(id.Action)))
	return true
}

// InFlight reports whether id is owned by the pipeline.
func (m *Manager) InFlight(id Identity) bool { return m.uniq.Contains(id) }

// Stats returns current sizes.
func (m *Manager) Stats() Stats {
	return Stats{
		Queued:    m.queue.Len(),
		Retrying:  m.retries.Len(),
		Dead:      m.dead.Len(),
		InFlight:  m.uniq.Len(),
		Executing: m.executing.Load(),
		Provider:  m.currentProvider() != nil,
	}
}
