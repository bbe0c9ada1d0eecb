package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"deploy-agent/internal/api"
	"deploy-agent/internal/bus"
	"deploy-agent/internal/command"
	"deploy-agent/internal/config"
	"deploy-agent/internal/deployment"
	"deploy-agent/internal/docker"
	"deploy-agent/internal/download"
	"deploy-agent/internal/hooks"
	"deploy-agent/internal/install"
	"deploy-agent/internal/mdns"
	"deploy-agent/internal/metrics"
	"deploy-agent/internal/modules"
	"deploy-agent/internal/notify"
	"deploy-agent/internal/queue"
	"deploy-agent/internal/security"
	"deploy-agent/internal/storage"
	"deploy-agent/internal/system"
	"deploy-agent/internal/uninstall"
)

const shutdownTimeout = 10 * time.Second

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := newLogger(level)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewBoltStore(cfg.Paths.InventoryPath)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	defer store.Close()

	prom := metrics.NewProm("deploy_agent")

	nc, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Name, logger.With("component", "nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	topics := bus.Topics{Prefix: cfg.TopicPrefix, ClientID: cfg.ClientID, AppID: cfg.AppID}
	publisher := bus.NewPublisher(nc, topics)
	publisher.OnPublish(func(notifType string, err error) {
		prom.IncNotification(notifType, err == nil)
	})
	reporter := notify.Multi(notify.LogReporter{Logger: logger.With("component", "notify")}, publisher)

	checks := map[string]api.HealthCheck{
		"nats": func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		},
	}

	var (
		runtime  install.Runtime
		registry modules.Registry = modules.NewInventoryRegistry(store)
	)
	if cfg.Docker.Enabled {
		dockerClient, err := docker.NewClient()
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer dockerClient.Close()
		runtime = dockerClient
		registry = modules.NewDockerRegistry(dockerClient, store, logger.With("component", "modules"))
		checks["docker"] = dockerClient.Ping
	}

	var rebooter system.Rebooter
	if len(cfg.RebootCommand) > 0 {
		rebooter = &system.CommandRebooter{Command: cfg.RebootCommand, Logger: logger.With("component", "reboot")}
	}

	deployer := install.NewDeployer(runtime, store, install.NewTerraform, system.DetectHost(), logger.With("component", "deployer"))
	installer := install.NewInstaller(store, deployer, reporter, install.Config{
		PackagesDir:     cfg.Paths.PackagesDir,
		VerificationDir: cfg.Paths.VerificationDir,
		Rebooter:        rebooter,
	}, logger.With("component", "installer"))
	uninstaller := uninstall.NewUninstaller(store, deployer, reporter, rebooter, logger.With("component", "uninstaller"))

	downloader := download.NewDownloader(reporter, logger.With("component", "downloader"))
	downloader.OnBytes(prom.AddDownloadedBytes)

	worker := queue.NewWorker(cfg.Worker.QueueSize, logger.With("component", "worker"))
	worker.SetObserver(func(name string, status queue.JobStatus, elapsed time.Duration) {
		prom.ObserveJob(name, string(status), elapsed)
	})
	worker.Start(ctx)

	hookManager := hooks.NewManager(logger.With("component", "hooks"))
	if err := loadHooks(hookManager, cfg, logger); err != nil {
		return err
	}

	marshaller, err := deployment.NewMarshaller(cfg.DocumentFormat)
	if err != nil {
		return err
	}

	svc := deployment.NewService(deployment.Config{
		ClientID:        cfg.ClientID,
		DownloadDir:     cfg.Paths.DownloadsDir,
		VerificationDir: cfg.Paths.VerificationDir,
		TLS: &security.FileProvider{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
		OnGuardChange: prom.SetGuardBusy,
	}, deployment.Dependencies{
		Hooks:       hookManager,
		Worker:      worker,
		Downloads:   deployment.Downloads(downloader),
		Installer:   installer,
		Uninstaller: uninstaller,
		Inventory:   store,
		Modules:     registry,
		Marshaller:  marshaller,
		Logger:      logger,
	})

	dispatcher := command.NewDispatcher(logger.With("component", "dispatcher"))
	dispatcher.SetObserver(func(resource string, verb command.Verb, code command.Code) {
		prom.ObserveRequest(resource, string(verb), int(code))
	})
	svc.Register(dispatcher)

	if err := installer.SendInstallConfirmations(ctx); err != nil {
		logger.Error("failed to send install confirmations", "error", err)
	}

	server := bus.NewServer(nc, topics, dispatcher, logger.With("component", "bus"))
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to requests: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(dispatcher, checks, metrics.Handler(), logger.With("component", "api")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	var announcer *mdns.Service
	if cfg.HTTP.MDNS {
		announcer = mdns.NewService(mdns.Info{ClientID: cfg.ClientID, AppID: cfg.AppID, Version: version}, logger.With("component", "mdns"))
		if port, err := listenPort(cfg.HTTP.Addr); err != nil {
			logger.Warn("mDNS disabled", "error", err)
		} else if err := announcer.Register(ctx, port); err != nil {
			logger.Warn("mDNS registration failed", "error", err)
		}
	}

	logger.Info("deploy agent started", "client_id", cfg.ClientID, "app_id", cfg.AppID, "version", version)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case sig := <-signals:
			if sig != syscall.SIGHUP {
				logger.Info("shutdown signal received", "signal", sig.String())
				break wait
			}
			reload(configPath, hookManager, level, logger)
		}
	}

	logger.Info("shutting down")
	server.Stop()
	svc.Shutdown()
	worker.Stop()
	if announcer != nil {
		announcer.Shutdown()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		logger.Warn("failed to drain NATS connection", "error", err)
	}
	logger.Info("deploy agent stopped")
	return nil
}

// loadHooks registers the hooks defined in the hooks file and replaces the
// request type associations
func loadHooks(m *hooks.Manager, cfg *config.Config, logger *slog.Logger) error {
	if cfg.HooksFile != "" {
		defs, err := hooks.LoadScriptHooks(cfg.HooksFile, logger.With("component", "hooks"))
		if err != nil {
			return fmt.Errorf("failed to load hooks: %w", err)
		}
		m.SetHooks(defs)
	}
	m.UpdateAssociations(cfg.HookAssociations)
	return nil
}

// reload re-reads the configuration on SIGHUP. Only the log level, the hook
// definitions and the hook associations are applied at runtime.
func reload(path string, m *hooks.Manager, level *slog.LevelVar, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("configuration reload failed", "error", err)
		return
	}
	level.Set(parseLevel(cfg.LogLevel))
	if err := loadHooks(m, cfg, logger); err != nil {
		logger.Error("configuration reload failed", "error", err)
		return
	}
	logger.Info("configuration reloaded", "hooks", m.HookIDs())
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
