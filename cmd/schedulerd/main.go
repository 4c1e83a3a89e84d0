// Command schedulerd is the long-running scheduler node (SPEC_FULL §1.4):
// it wires a store backend from TOML configuration, starts the Scheduler
// Façade, serves the admin HTTP surface, and blocks on signal. Command
// composition follows teranos-QNTX's cobra.Command tree style
// (cmd/qntx/main.go: a root command plus subcommands, flags bound with
// cobra.Flags()).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	adminhttp "github.com/onpoc/quartznet/internal/adapters/http"
	"github.com/onpoc/quartznet/internal/clock"
	"github.com/onpoc/quartznet/internal/config"
	"github.com/onpoc/quartznet/internal/engine"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
	"github.com/onpoc/quartznet/internal/signaling/redissignal"
	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/store/memstore"
	"github.com/onpoc/quartznet/internal/store/pgstore"
	"github.com/onpoc/quartznet/internal/store/sqlitestore"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "schedulerd",
	Short: "quartznet scheduler node",
	Long: `schedulerd runs one node of a quartznet scheduler cluster: the
Scheduler Loop, Misfire Handler, and Cluster Manager against a shared
job store, plus an admin HTTP surface for scheduling and pausing work.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler node and block until terminated",
	RunE:  runScheduler,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "schedulerd.toml", "path to the TOML configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schedulerd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("schedulerd (quartznet)")
	},
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr, err := config.NewManager(configPath, logging.Nop())
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	cfg := mgr.Get()

	log := logging.NewConsole("info").With(logging.String("instance_id", cfg.InstanceID))

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		log = log.With(logging.String("instance_id", cfg.InstanceID))
		log.Warn("no instance_id configured, generated one for this run")
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store backend %q: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	if cfg.Store.Backend == "postgres" {
		if err := checkPostgresReadiness(ctx, cfg.Store.DSN); err != nil {
			return fmt.Errorf("postgres readiness check: %w", err)
		}
	}

	localSignal := signaling.NewChannel()
	var sig signaling.WakeSignaler = localSignal
	if cfg.RedisSignalAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisSignalAddr})
		defer client.Close()
		broker := redissignal.NewBroker(client, cfg.SchedulerName, localSignal, log)
		go broker.Run(ctx)
		sig = broker
	}

	sched := engine.New(st, clock.System{}, sig, engine.Config{
		SchedulerName: cfg.SchedulerName,
		InstanceID:    cfg.InstanceID,
		ThreadCount:   cfg.Engine.ThreadCount,
		Loop: engine.LoopConfig{
			IdleWaitTime:    cfg.Engine.IdleWaitTime,
			BatchTimeWindow: cfg.Engine.BatchTimeWindow,
			MaxBatchSize:    cfg.Engine.MaxBatchSize,
		},
		Misfire: engine.MisfireConfig{
			Threshold: cfg.Engine.MisfireThreshold,
			BatchSize: cfg.Engine.MisfireBatchSize,
		},
		Cluster: engine.ClusterConfig{
			CheckInInterval: cfg.Cluster.CheckInInterval,
			Tolerance:       cfg.Cluster.FailureTolerance,
		},
	}, log)

	go watchConfigHotReload(ctx, mgr, log)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.Info("scheduler started", logging.String("scheduler_name", cfg.SchedulerName))

	handler := adminhttp.NewSchedulerHandler(sched)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("admin http surface listening", logging.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server failed", logging.Err(err))
		}
	}()

	notifySystemdReady(log)
	go watchdogLoop(ctx, log)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin http server did not shut down cleanly", logging.Err(err))
	}

	if err := sched.Shutdown(true); err != nil {
		log.Warn("scheduler shutdown reported an error", logging.Err(err))
	}
	return nil
}

func checkPostgresReadiness(ctx context.Context, dsn string) error {
	db, err := pgstore.OpenReadinessDB(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return pgstore.CheckSchema(ctx, db)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlitestore.Open(cfg.DSN)
	case "postgres":
		return pgstore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func watchConfigHotReload(ctx context.Context, mgr *config.Manager, log logging.Logger) {
	if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
		log.Warn("config watcher stopped", logging.Err(err))
	}
}

// notifySystemdReady is the supervised-process half of the D-Bus
// integration inipew-pewbot's pkg/systemdmanager drives from the
// controller side: this process tells systemd it is ready, instead of
// systemd being told by something else to start it.
func notifySystemdReady(log logging.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("systemd notify failed", logging.Err(err))
	} else if sent {
		log.Debug("notified systemd readiness")
	}
}

// watchdogLoop pings systemd's watchdog at half its configured interval,
// if the unit file set WatchdogSec. A hung Scheduler Loop that never
// reaches this goroutine's select again stops pinging, and systemd kills
// and restarts the unit.
func watchdogLoop(ctx context.Context, log logging.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog notify failed", logging.Err(err))
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
