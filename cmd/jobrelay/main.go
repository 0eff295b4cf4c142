// Copyright 2025 James Ross
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/api"
	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/errorviz"
	"github.com/jobrelay/jobrelay/internal/health"
	"github.com/jobrelay/jobrelay/internal/monitor"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/pipeline"
	"github.com/jobrelay/jobrelay/internal/producer"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/queuemgr"
	"github.com/jobrelay/jobrelay/internal/reaper"
	"github.com/jobrelay/jobrelay/internal/redisclient"
	"github.com/jobrelay/jobrelay/internal/store"
	"github.com/jobrelay/jobrelay/internal/wshub"
)

var version = "dev"

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "Path to YAML config")
	showVersion := fs.Bool("version", false, "Print version and exit")

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !flagLike(args[0]) {
		cmd = args[0]
		args = args[1:]
	}
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb, err := redisclient.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid queue configuration: %v\n", err)
		return exitConfig
	}
	defer rdb.Close()
	q := queue.New(rdb, cfg.Pipeline.QueueName)

	switch cmd {
	case "serve":
		return serve(cfg, q, logger, false)
	case "drain":
		return serve(cfg, q, logger, true)
	case "produce":
		if err := producer.New(cfg, q, logger).Run(context.Background()); err != nil {
			logger.Error("producer error", obs.Err(err))
			return exitRuntime
		}
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, drain or produce)\n", cmd)
		return exitConfig
	}
}

func flagLike(s string) bool {
	return len(s) > 0 && s[0] == '-'
}

// serve wires the pipeline, observability plane and API together and runs
// until a signal arrives. In drain mode the pipeline finishes the queued
// backlog and exits without serving the API.
func serve(cfg *config.Config, q *queue.Queue, logger *zap.Logger, drain bool) int {
	st, err := store.Open(cfg.Store.Path, cfg.Store.PoolSize)
	if err != nil {
		logger.Error("failed to open job store", obs.Err(err))
		return exitConfig
	}
	defer st.Close()

	reg := obs.NewRegistry()
	events := obs.NewEventLogger(logger,
		cfg.Observability.EventLog.Path,
		cfg.Observability.EventLog.MaxSizeMB,
		cfg.Observability.EventLog.MaxBackups)

	sup, err := pipeline.NewSupervisor(cfg, q, st, reg, events, logger, pipeline.Options{Drain: drain})
	if err != nil {
		logger.Error("failed to build pipeline", obs.Err(err))
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(exitRuntime)
		case <-time.After(cfg.Pipeline.ShutdownGrace + 5*time.Second):
		}
	}()

	if drain {
		if err := sup.Run(ctx); err != nil {
			logger.Error("pipeline error", obs.Err(err))
			return exitRuntime
		}
		logger.Info("drain complete")
		return exitOK
	}

	hub := wshub.New(logger)
	go hub.Run()
	defer hub.Stop()

	hm := health.NewMonitor(cfg, q, st, hub, sup, logger)
	rt := monitor.NewRealTime(cfg, q, st, reg, hub, sup, hm, logger)
	ev := errorviz.NewManager(q, st, logger)
	qm := queuemgr.NewManager(q, hub, logger)

	apiHub := &api.Hub{
		Queue:    q,
		Store:    st,
		Health:   hm,
		RealTime: rt,
		Errors:   ev,
		QueueMgr: qm,
		Push:     hub,
	}
	srv := api.NewServer(cfg, apiHub, logger)
	srv.SetMonitorContext(ctx)

	// Ambient observability endpoints: /metrics, /healthz, /readyz.
	readyCheck := func(c context.Context) error { return q.Ping(c) }
	obsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = obsSrv.Shutdown(context.Background()) }()
	obs.StartQueueLengthUpdater(ctx, cfg, q.Client(), logger)

	go hm.Run(ctx)
	rt.Start(ctx)
	go reaper.New(cfg, q, logger).Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := sup.Run(ctx); err != nil {
			errCh <- fmt.Errorf("pipeline: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var exit int
	select {
	case <-ctx.Done():
		exit = exitOK
	case err := <-errCh:
		if err != nil {
			logger.Error("fatal runtime error", obs.Err(err))
			exit = exitRuntime
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown error", obs.Err(err))
	}

	// Wait for the pipeline drain, bounded by the grace period.
	select {
	case <-errCh:
	case <-time.After(cfg.Pipeline.ShutdownGrace):
		logger.Warn("pipeline drain exceeded grace period")
	}

	return exit
}
