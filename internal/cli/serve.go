package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridianhealth/jobkit/internal/adaptive"
	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/history"
	"github.com/meridianhealth/jobkit/internal/kv"
	"github.com/meridianhealth/jobkit/internal/lock"
	"github.com/meridianhealth/jobkit/internal/metrics"
	"github.com/meridianhealth/jobkit/internal/queue"
	"github.com/meridianhealth/jobkit/internal/recovery"
	"github.com/meridianhealth/jobkit/internal/scheduler"
)

var (
	serveNoScheduler bool
	serveNoRecovery  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and recovery worker",
	Long: `Start the jobkit worker process.

The worker will:
  - Open the SQLite metadata store and apply pending migrations
  - Connect to Redis for queues, locks and dedup markers
  - Poll persisted schedules and enqueue due jobs
  - Recover failed and stalled jobs with backoff

Use --no-scheduler or --no-recovery to run a partial worker.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Disable the cron scheduler")
	serveCmd.Flags().BoolVar(&serveNoRecovery, "no-recovery", false, "Disable the recovery manager")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigOrDefaults()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database health check failed")
	}

	rdb, err := kv.Open(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Job handlers live in the application workers consuming these
	// queues; this process only enqueues, monitors and recovers.
	queues := queue.NewRegistry()
	for _, name := range cfg.Queue.Names {
		queues.Register(queue.NewRedisQueue(name, rdb, &cfg.Queue))
	}

	locks := lock.NewManager(rdb)

	if !serveNoRecovery {
		policy := recovery.PolicyFromConfig(cfg.Recovery)
		mgr := recovery.New(queues, policy, cfg.Recovery)
		if err := mgr.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start recovery manager")
		}
		defer mgr.Stop()
	}

	if !serveNoScheduler {
		sched := scheduler.New(db, queues, locks, cfg.Scheduler)
		sched.Start(ctx)
		defer sched.Stop()
	}

	// Finished jobs are recorded for the optimizer; the retention prune
	// keeps the history table bounded.
	hist := history.NewStore(db)
	for _, name := range cfg.Queue.Names {
		if q, err := queues.Get(name); err == nil {
			hist.Observe(q)
		}
	}
	go pruneHistoryLoop(ctx, hist, cfg.Queue.Retention)

	optimizer := adaptive.NewOptimizer(hist.HistoryFunc(24*time.Hour), time.Hour)
	optimizer.Start(ctx)
	defer optimizer.Stop()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr)
	}

	log.Info().
		Strs("queues", cfg.Queue.Names).
		Bool("scheduler", !serveNoScheduler).
		Bool("recovery", !serveNoRecovery).
		Msg("Jobkit worker started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	return nil
}

func pruneHistoryLoop(ctx context.Context, hist *history.Store, retention time.Duration) {
	if retention <= 0 {
		retention = config.DefaultQueueRetention
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := hist.Prune(ctx, retention); err != nil {
				log.Error().Err(err).Msg("Failed to prune job history")
			}
		}
	}
}

func loadConfigOrDefaults() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		log.Warn().Err(err).Msg("No usable config file found, using defaults")
		cfg = config.Default()
	}
	return cfg, nil
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
