package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/metric"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/logging"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/scheduler"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// Daemon owns the pipeline, its scheduler and the admin socket for the
// lifetime of the process.
type Daemon struct {
	cfg       Config
	store     store.Store
	openStore func() (store.Store, error)
	provider  pipeline.Provider
	clock     pipeline.Clock
	meter     metric.Meter
	logger    *slog.Logger

	manager *pipeline.Manager
	sched   *scheduler.Scheduler
	lock    *WriterLock
	pidFile *PIDFile
	server  *Server
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithStore sets the card store. Required before Start.
func WithStore(s store.Store) Option {
	return func(d *Daemon) { d.store = s }
}

// WithStoreOpener defers opening the store until Start holds the
// writer lock. Ignored when WithStore is also given.
func WithStoreOpener(open func() (store.Store, error)) Option {
	return func(d *Daemon) { d.openStore = open }
}

// WithProvider sets the business card provider. Required before Start.
func WithProvider(p pipeline.Provider) Option {
	return func(d *Daemon) { d.provider = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the pipeline clock.
func WithClock(c pipeline.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithMeter sets the meter for pipeline metrics.
func WithMeter(m metric.Meter) Option {
	return func(d *Daemon) { d.meter = m }
}

// NewDaemon validates cfg and builds a Daemon. Nothing is opened until
// Start.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	d := &Daemon{
		cfg:     cfg,
		logger:  logging.Discard(),
		pidFile: NewPIDFile(cfg.PIDPath),
		lock:    NewWriterLock(cfg.DataDir),
	}
	for _, opt := range opts {
		opt(d)
	}
	srv, err := NewServer(cfg.SocketPath, d.logger)
	if err != nil {
		return nil, err
	}
	srv.SetHandler(d)
	srv.SetTimeouts(cfg.Timeout, cfg.SweepTimeout)
	d.server = srv
	return d, nil
}

// Start takes the writer lock, recovers pipeline state, registers the
// retry and expiry hooks and serves the admin socket until ctx is done.
// It then shuts the pipeline down, which persists pending work. The
// store is closed on return either way.
func (d *Daemon) Start(ctx context.Context) (err error) {
	if (d.store == nil && d.openStore == nil) || d.provider == nil {
		return cierrors.ConfigError("daemon needs a store and a provider", nil)
	}
	// Once the manager exists its Shutdown closes the store.
	defer func() {
		if d.manager == nil && d.store != nil {
			_ = d.store.Close()
		}
	}()
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}

	if err := d.lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if rerr := d.lock.Release(); rerr != nil {
			d.logger.Warn("writer_lock_release_failed", slog.String("error", rerr.Error()))
		}
	}()

	if err := d.pidFile.Claim(); err != nil {
		return err
	}
	defer func() { _ = d.pidFile.Remove() }()

	if d.store == nil {
		s, oerr := d.openStore()
		if oerr != nil {
			return oerr
		}
		d.store = s
	}

	d.manager, err = pipeline.New(pipeline.Options{
		Provider:       d.provider,
		Store:          d.store,
		DataDir:        d.cfg.DataDir,
		Policy:         d.cfg.Policy,
		SweepInterval:  d.cfg.SweepInterval,
		ExpireInterval: d.cfg.ExpireInterval,
		Clock:          d.clock,
		Logger:         d.logger,
		Meter:          d.meter,
	})
	if err != nil {
		return err
	}
	defer func() {
		if serr := d.shutdown(); serr != nil {
			err = errors.Join(err, serr)
		}
	}()

	if _, err := d.manager.RunStartupRecovery(ctx); err != nil {
		return err
	}

	d.sched = scheduler.New(scheduler.WithLogger(d.logger))
	defer d.sched.Stop()
	if err := d.manager.ScheduleHooks(d.sched); err != nil {
		return err
	}

	d.logger.Info("daemon_started",
		slog.String("socket", d.cfg.SocketPath),
		slog.String("data_dir", d.cfg.DataDir),
		slog.Int("pid", os.Getpid()))

	return d.server.ListenAndServe(ctx)
}

// shutdown drains the pipeline within the grace period.
func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGracePeriod)
	defer cancel()

	d.logger.Info("daemon_stopping", slog.Duration("grace", d.cfg.ShutdownGracePeriod))
	if err := d.manager.Shutdown(ctx); err != nil {
		d.logger.Error("daemon_shutdown_failed", cierrors.LogAttrs(err)...)
		return err
	}
	return nil
}

// Ready is closed once the admin socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.server.Ready()
}

// Enqueue implements Handler.
func (d *Daemon) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	action, err := pipeline.ParseActionType(p.Action)
	if err != nil {
		return EnqueueResult{}, err
	}
	res, err := d.manager.QueueChange(ctx, p.ParticipantID, action, p.OwnerID, p.RequestingHost)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Result: res, ParticipantID: p.ParticipantID, Action: action}, nil
}

// RetryList implements Handler.
func (d *Daemon) RetryList(context.Context) []pipeline.RetryEntry {
	return d.manager.RetryEntries()
}

// RetryDelete implements Handler.
func (d *Daemon) RetryDelete(_ context.Context, id pipeline.Identity) bool {
	return d.manager.DeleteRetryEntry(id)
}

// RetryRun implements Handler.
func (d *Daemon) RetryRun(ctx context.Context) (pipeline.RetrySummary, error) {
	return d.manager.RetryDueEntries(ctx)
}

// DeadList implements Handler.
func (d *Daemon) DeadList(context.Context) []pipeline.DeadEntry {
	return d.manager.DeadEntries()
}

// DeadDelete implements Handler.
func (d *Daemon) DeadDelete(_ context.Context, id pipeline.Identity) bool {
	return d.manager.DeleteDeadEntry(id)
}

// ExpireRun implements Handler.
func (d *Daemon) ExpireRun(ctx context.Context) ([]pipeline.DeadEntry, error) {
	return d.manager.ExpireOldEntries(ctx)
}

// Search implements Handler.
func (d *Daemon) Search(ctx context.Context, p SearchParams) ([]store.SearchResult, error) {
	return d.store.Search(ctx, p.Query, p.Limit)
}

// Card implements Handler.
func (d *Daemon) Card(ctx context.Context, participantID string) (*store.Document, error) {
	return d.store.Get(ctx, participantID)
}

type breakerReporter interface {
	Breaker() *cierrors.CircuitBreaker
}

// Status implements Handler.
func (d *Daemon) Status(ctx context.Context) StatusResult {
	status := StatusResult{
		DataDir: d.cfg.DataDir,
	}
	if d.manager != nil {
		status.Pipeline = d.manager.Stats()
	}
	if n, err := d.store.Count(ctx); err == nil {
		status.Documents = n
	}
	if br, ok := d.provider.(breakerReporter); ok && br.Breaker() != nil {
		status.Circuit = br.Breaker().State().String()
	}
	return status
}
