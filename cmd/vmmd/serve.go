package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcyberseclab/vmm/internal/collector"
	"github.com/zcyberseclab/vmm/internal/config"
	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/engine"
	"github.com/zcyberseclab/vmm/internal/httpapi"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/metrics"
	"github.com/zcyberseclab/vmm/internal/observability"
	"github.com/zcyberseclab/vmm/internal/pool"
	"github.com/zcyberseclab/vmm/internal/taskmgr"
	"github.com/zcyberseclab/vmm/internal/tasksink"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

func serveCmd() *cobra.Command {
	var httpAddr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: task manager, VM pool, and HTTP submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			driver, err := vmdriver.NewVBoxDriver()
			if err != nil {
				return fmt.Errorf("init vbox driver: %w", err)
			}

			p := pool.New(cfg.VMConfigs())
			eng := engine.New(driver, p, collector.Timeouts{}, cfg.SysmonConfig(), cfg.StartupMode())

			sink, err := buildTaskSink(cfg.TaskSink)
			if err != nil {
				return fmt.Errorf("init task sink: %w", err)
			}
			defer sink.Close()

			mgr := taskmgr.New(&sinkRunner{inner: eng, sink: sink}, taskmgr.Config{
				MaxQueueSize:    cfg.TaskSettings.MaxQueueSize,
				ConcurrentTasks: cfg.TaskSettings.ConcurrentTasks,
			})
			mgr.Start()

			api := httpapi.New(httpapi.Config{
				UploadDir:   cfg.Server.UploadDir,
				MaxFileSize: cfg.Server.MaxFileSize,
				AuthEnabled: cfg.Auth.Enabled,
				APIKeys:     cfg.Auth.APIKeys,
				Fleet:       cfg.FleetConfig(),
			}, mgr, p)

			httpServer := httpapi.NewHTTPServer(httpAddr, api.Handler())
			go func() {
				logging.Op().Info("vmmd http api started", "addr", httpAddr)
				if err := httpServer.ListenAndServe(); err != nil {
					logging.Op().Info("http server stopped", "reason", err)
				}
			}()

			logging.Op().Info("vmmd daemon started",
				"concurrent_tasks", cfg.TaskSettings.ConcurrentTasks,
				"vms", len(cfg.VMConfigs()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(ctx)
			mgr.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP API listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override observability.logging.level")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		c, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func buildTaskSink(cfg config.TaskSinkConfig) (tasksink.Sink, error) {
	switch cfg.Type {
	case "", "noop":
		return tasksink.NewNoopSink(), nil
	case "redis":
		return tasksink.NewRedisSink(cfg.RedisAddr, "", 0)
	case "postgres":
		return tasksink.NewPostgresSink(context.Background(), cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown task_sink.type: %s", cfg.Type)
	}
}

// sinkRunner decorates the Analysis Engine with a best-effort durable
// write to the configured tasksink.Sink after every run, keeping
// taskmgr's in-memory map the single source of live status while still
// handing completed tasks to an optional durable store.
type sinkRunner struct {
	inner *engine.Engine
	sink  tasksink.Sink
}

func (r *sinkRunner) Run(ctx context.Context, task *domain.Task) error {
	err := r.inner.Run(ctx, task)
	if saveErr := r.sink.Save(context.Background(), task); saveErr != nil {
		logging.Op().Warn("task sink save failed", "task_id", task.TaskID, "error", saveErr)
	}
	return err
}
