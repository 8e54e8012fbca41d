// Command kairoi runs the scheduling service: it loads configuration.toml,
// opens the durable WAL, and starts the engine, processor, controller and
// metrics server until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/emerick42/kairoi/config"
	"github.com/emerick42/kairoi/internal/controller"
	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
	"github.com/emerick42/kairoi/internal/engine"
	"github.com/emerick42/kairoi/internal/health"
	ctxlog "github.com/emerick42/kairoi/internal/log"
	"github.com/emerick42/kairoi/internal/metrics"
	"github.com/emerick42/kairoi/internal/processor"
	"github.com/emerick42/kairoi/internal/runner"
	amqprunner "github.com/emerick42/kairoi/internal/runner/amqp"
	shellrunner "github.com/emerick42/kairoi/internal/runner/shell"
	"github.com/emerick42/kairoi/internal/storage"
)

const (
	queryReqBuffer  = 4096
	queryRespBuffer = 4096
	execReqBuffer   = 1024
	execRespBuffer  = 1024
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "kairoi",
		Short:   "Kairoi is a durable job scheduling service.",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "configuration.toml", "path to configuration.toml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.Log.SlogLevel())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persistence := true
	if cfg.Database.Persistence != nil {
		persistence = *cfg.Database.Persistence
	}
	fsync := true
	if cfg.Database.FsyncOnPersist != nil {
		fsync = *cfg.Database.FsyncOnPersist
	}
	if !persistence {
		logger.Warn("database.persistence is false: WAL writes will be skipped, state is in-memory only")
	}

	store := storage.NewStore(".", persistence, fsync, logger)

	metrics.Register()
	checker := health.NewChecker(".", logger, prometheus.DefaultRegisterer)

	queryReq := make(chan dispatch.QueryRequest, queryReqBuffer)
	queryResp := make(chan dispatch.QueryResponse, queryRespBuffer)
	execReq := make(chan dispatch.ExecRequest, execReqBuffer)
	execResp := make(chan dispatch.ExecResult, execRespBuffer)

	registry := dispatch.NewClientRegistry(logger)
	go fanOutResponses(ctx, registry, queryResp)

	eng := engine.New(store, cfg.Database.Framerate, engine.Channels{
		QueryReq:  queryReq,
		QueryResp: queryResp,
		ExecReq:   execReq,
		ExecResp:  execResp,
	}, logger)

	if err := eng.Boot(); err != nil {
		return fmt.Errorf("boot engine: %w", err)
	}
	defer store.Close()

	amqpBackend := amqprunner.New(logger)
	defer amqpBackend.Close()

	runners := runner.NewRegistry()
	runners.Register(domain.RunnerShell, shellrunner.New(logger))
	runners.Register(domain.RunnerAmqp, amqpBackend)

	proc := processor.New(runners, execReq, execResp, logger)
	go proc.Run(ctx)

	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Error("engine stopped unexpectedly", "error", err)
			stop()
		}
	}()

	srv := controller.New(cfg.Controller.Listen, registry, queryReq, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("controller stopped unexpectedly", "error", err)
			stop()
		}
	}()

	metricsSrv := metrics.NewServer(":9090", checker)
	go func() {
		logger.Info("metrics server started", "address", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("kairoi shut down")
	return nil
}

// fanOutResponses routes every response produced by the engine to its
// originating client's channel via the registry.
func fanOutResponses(ctx context.Context, registry *dispatch.ClientRegistry, queryResp <-chan dispatch.QueryResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-queryResp:
			if !ok {
				return
			}
			registry.Send(resp)
		}
	}
}

func newLogger(level slog.Level) *slog.Logger {
	var inner slog.Handler
	if os.Getenv("KAIROI_ENV") == "local" || os.Getenv("KAIROI_ENV") == "" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
