package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/cardindex/internal/config"
	"github.com/Aman-CERP/cardindex/internal/daemon"
	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/logging"
	"github.com/Aman-CERP/cardindex/internal/output"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/profiling"
	"github.com/Aman-CERP/cardindex/internal/provider"
	"github.com/Aman-CERP/cardindex/internal/store"
	"github.com/Aman-CERP/cardindex/internal/telemetry"
	"github.com/Aman-CERP/cardindex/pkg/version"
)

// serveFlags are the serve command's local flags.
type serveFlags struct {
	quiet      bool
	profileDir string
	trace      bool
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing daemon in the foreground",
		Long: `Run the indexing daemon until interrupted.

On start the daemon takes the data directory's writer lock, restores the
queue, retry and dead lists persisted by the previous run, and begins
serving the admin socket. SIGINT or SIGTERM drains the queue, persists
whatever is left and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Log to the log file only, not stderr")
	cmd.Flags().StringVar(&flags.profileDir, "profile-dir", "", "Record a CPU profile, plus heap and goroutine snapshots at exit, into this directory")
	cmd.Flags().BoolVar(&flags.trace, "trace", false, "Also record an execution trace (requires --profile-dir)")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *rootOptions, flags serveFlags) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	logCfg.WriteToStderr = !flags.quiet
	if cfg.Server.LogFile != "" {
		logCfg.FilePath = cfg.Server.LogFile
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	if flags.trace && flags.profileDir == "" {
		return cierrors.ValidationError("--trace requires --profile-dir", nil)
	}
	if flags.profileDir != "" {
		prof, err := profiling.Start(profiling.Options{Dir: flags.profileDir, CPU: true, Trace: flags.trace})
		if err != nil {
			return err
		}
		defer func() {
			files, err := prof.Stop()
			if err != nil {
				logger.Warn("profile_write_failed", slog.String("error", err.Error()))
			}
			for _, f := range files {
				out.Status("", fmt.Sprintf("Profile: %s", f))
			}
		}()
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		Interval:       cfg.Telemetry.ExportDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry_shutdown_failed", slog.String("error", err.Error()))
		}
	}()

	prov, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer prov.Close()

	d, err := daemon.NewDaemon(daemonConfig(cfg),
		daemon.WithStoreOpener(func() (store.Store, error) {
			return store.New(store.Options{
				Backend:       cfg.Storage.Backend,
				Path:          cfg.Storage.Path,
				SQLiteCacheMB: cfg.Storage.SQLiteCacheMB,
				Logger:        logger,
			})
		}),
		daemon.WithProvider(prov),
		daemon.WithLogger(logger),
		daemon.WithMeter(tel.Meter("cardindex/pipeline")),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-d.Ready():
			out.Successf("cardindex %s serving on %s", version.Short(), cfg.Server.SocketPath)
			out.Status("", fmt.Sprintf("Data:  %s", cfg.DataDir))
			out.Status("", fmt.Sprintf("Store: %s (%s)", cfg.Storage.Path, cfg.Storage.Backend))
			if tel.Enabled() {
				out.Status("", fmt.Sprintf("OTLP:  %s", cfg.Telemetry.OTLPEndpoint))
			}
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Interrupted: only errors joined alongside the cancellation matter.
		return shutdownErrors(err)
	}
	return err
}

// shutdownErrors strips context.Canceled from a joined error.
func shutdownErrors(err error) error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil
	}
	var rest []error
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, context.Canceled) {
			rest = append(rest, e)
		}
	}
	return errors.Join(rest...)
}

// daemonConfig maps the file configuration onto the daemon's.
func daemonConfig(cfg *config.Config) daemon.Config {
	dc := daemon.DefaultConfig()
	dc.SocketPath = cfg.Server.SocketPath
	dc.PIDPath = cfg.Server.PIDPath
	dc.DataDir = cfg.DataDir
	dc.ShutdownGracePeriod = cfg.Server.ShutdownDuration()
	dc.Policy = pipeline.RetryPolicy{
		InitialInterval: cfg.Retry.InitialDuration(),
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     cfg.Retry.MaxIntervalDuration(),
		Jitter:          cfg.Retry.Jitter,
		MaxLifetime:     cfg.Retry.MaxLifetimeDuration(),
	}
	dc.SweepInterval = cfg.Retry.SweepDuration()
	dc.ExpireInterval = cfg.Retry.ExpireDuration()
	return dc
}

// newProvider builds the registry client named by the config.
func newProvider(cfg *config.Config, logger *slog.Logger) (*provider.HTTPProvider, error) {
	var resolver provider.Resolver
	switch strings.ToLower(cfg.Provider.Resolver) {
	case config.ResolverSML:
		resolver = provider.NewSMLResolver(cfg.Provider.SMLZone, cfg.Provider.CacheSize, 0, nil)
	default:
		resolver = provider.StaticResolver{BaseURL: cfg.Provider.BaseURL}
	}

	userAgent := cfg.Provider.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return provider.New(provider.Options{
		Resolver:           resolver,
		Timeout:            cfg.Provider.TimeoutDuration(),
		RateLimit:          cfg.Provider.RateLimit,
		Burst:              cfg.Provider.Burst,
		MaxAttempts:        cfg.Provider.MaxAttempts,
		CircuitMaxFailures: cfg.Provider.CircuitMaxFailures,
		CircuitReset:       cfg.Provider.CircuitResetDuration(),
		UserAgent:          userAgent,
		Logger:             logger,
	})
}
