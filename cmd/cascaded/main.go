package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/cascadeflow/cascade/admin"
	"github.com/cascadeflow/cascade/config"
	"github.com/cascadeflow/cascade/durable"
	"github.com/cascadeflow/cascade/flow"
	"github.com/cascadeflow/cascade/migrations"
	"github.com/cascadeflow/cascade/orchestrator"
	"github.com/cascadeflow/cascade/store/postgres"
	"github.com/cascadeflow/cascade/stream"
	"github.com/cascadeflow/cascade/stream/pglisten"
	"github.com/cascadeflow/cascade/sysdb"
	sysdbpg "github.com/cascadeflow/cascade/sysdb/postgres"
	"github.com/cascadeflow/cascade/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file (optional; environment overrides apply either way)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Everything downstream logs through the telemetry seam,
	// which reads format and debug settings from this context.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewLogger()
	metrics := telemetry.NewMetrics()

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	// Apply schema migrations before anything touches the database. The
	// stream notification trigger is installed separately below so a
	// privilege failure there degrades to polling rather than aborting
	// startup.
	if err := migrations.Run(ctx, cfg.SystemDatabaseURL); err != nil {
		log.Fatalf(ctx, err, "database migration failed")
	}

	pool, err := pgxpool.New(ctx, cfg.SystemDatabaseURL)
	if err != nil {
		log.Fatalf(ctx, err, "invalid database URL")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf(ctx, err, "database unreachable")
	}

	executions := postgres.New(pool)
	system := sysdbpg.New(pool)

	// Real-time delivery needs the pg_notify triggers plus a listener pool.
	// Both are best effort: without them every subscription and Recv polls.
	var (
		streamWaker sysdb.StreamWaker
		noteWaker   sysdb.NotificationWaker
	)
	if err := system.EnsureNotifyTriggers(ctx); err != nil {
		logger.Warn(ctx, "notification triggers unavailable, falling back to polling", "error", err.Error())
	} else {
		listeners, err := pglisten.New(ctx, pglisten.Options{
			DSN:    cfg.SystemDatabaseURL,
			Logger: logger,
		})
		if err != nil {
			logger.Warn(ctx, "listener pool unavailable, falling back to polling", "error", err.Error())
		} else {
			defer listeners.Close()
			streamWaker = listeners
			noteWaker = listeners
		}
	}

	registry := flow.NewRegistry()
	if err := flow.RegisterBuiltins(registry); err != nil {
		log.Fatalf(ctx, err, "builtin node registration failed")
	}
	flows, err := flow.NewFileStore(ctx, cfg.Flows.Dir, registry, logger, cfg.Flows.Watch)
	if err != nil {
		log.Fatalf(ctx, err, "flow store setup failed")
	}
	defer flows.Close()

	runtime, err := durable.New(durable.Options{
		DB:                system,
		NotificationWaker: noteWaker,
		Logger:            logger,
		Metrics:           metrics,
		AppVersion:        cfg.ApplicationVersion,
		Queues: []durable.QueueConfig{{
			Name:              cfg.Queue.Name,
			GlobalConcurrency: cfg.Queue.Concurrency,
		}},
		WorkerConcurrency: cfg.Queue.WorkerConcurrency,
	})
	if err != nil {
		log.Fatalf(ctx, err, "durable runtime setup failed")
	}

	streams, err := stream.New(stream.Options{
		DB:     system,
		Waker:  streamWaker,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "stream transport setup failed")
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Executions:           executions,
		DB:                   system,
		Flows:                flows,
		Registry:             registry,
		Runtime:              runtime,
		Streams:              streams,
		Queue:                cfg.Queue.Name,
		EngineMaxConcurrency: cfg.Engine.MaxConcurrency,
		NodeTimeout:          cfg.Engine.NodeTimeout(),
		FlowTimeout:          cfg.Engine.FlowTimeout(),
		RecoveryScanInterval: cfg.Recovery.ScanInterval(),
		MaxFailureCount:      cfg.Recovery.MaxFailureCount,
		Logger:               logger,
		Metrics:              metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "orchestrator setup failed")
	}
	if err := orch.Register(); err != nil {
		log.Fatalf(ctx, err, "workflow registration failed")
	}
	svc := orchestrator.NewService(orch)

	if err := runtime.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "durable runtime start failed")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the daemon
	// gracefully: intake stops, running steps finish, streams and pools
	// close.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.RunClaimSweeper(ctx)
	}()

	if cfg.AdminServer.Enabled {
		srv, err := admin.New(admin.Options{
			Service: svc,
			Port:    cfg.AdminServer.Port,
			Pingers: []health.Pinger{executions, system},
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "admin server setup failed")
		}
		srv.Start(ctx, &wg, errc)
	}

	// Wait for signal or server error.
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	sdCtx, sdCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sdCancel()
	if err := runtime.Shutdown(sdCtx); err != nil {
		logger.Error(ctx, err, "durable runtime shutdown")
	}

	wg.Wait()
	log.Printf(ctx, "exited")
}
