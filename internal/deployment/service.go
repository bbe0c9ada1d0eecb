package deployment

import (
	"log/slog"

	"deploy-agent/internal/command"
	"deploy-agent/internal/modules"
	"deploy-agent/internal/security"
)

// Resource names served by the deployment service
const (
	ResourceDownload  = "download"
	ResourceInstall   = "install"
	ResourceUninstall = "uninstall"
	ResourcePackages  = "packages"
	ResourceModules   = "modules"
	ResourceBundles   = "bundles"
	ResourceStart     = "start"
	ResourceStop      = "stop"
)

// Config holds the settings shared by the orchestrators
type Config struct {
	ClientID        string
	DownloadDir     string
	VerificationDir string
	TLS             security.Provider
	OnGuardChange   GuardObserver
}

// Dependencies are the collaborators the orchestrators delegate to
type Dependencies struct {
	Hooks       HookResolver
	Worker      Submitter
	Downloads   DownloadDriver
	Installer   InstallDriver
	Uninstaller UninstallDriver
	Inventory   Inventory
	Modules     modules.Registry
	Marshaller  Marshaller
	Logger      *slog.Logger
}

// Service wires the orchestrators and the status reporter together
type Service struct {
	Download  *DownloadOrchestrator
	Install   *InstallOrchestrator
	Uninstall *UninstallOrchestrator
	Status    *StatusReporter

	logger *slog.Logger
}

// NewService creates the deployment service
func NewService(cfg Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	marshaller := deps.Marshaller
	if marshaller == nil {
		marshaller = JSONMarshaller{}
	}

	shared := &installGuard{observe: cfg.OnGuardChange}
	install := &InstallOrchestrator{
		guard:       shared,
		driver:      deps.Installer,
		downloads:   deps.Downloads,
		hooks:       deps.Hooks,
		worker:      deps.Worker,
		downloadDir: cfg.DownloadDir,
		clientID:    cfg.ClientID,
		logger:      logger.With("component", "install"),
	}
	dl := &DownloadOrchestrator{
		guard:           downloadGuard{observe: cfg.OnGuardChange},
		driver:          deps.Downloads,
		hooks:           deps.Hooks,
		worker:          deps.Worker,
		install:         install,
		downloadDir:     cfg.DownloadDir,
		verificationDir: cfg.VerificationDir,
		clientID:        cfg.ClientID,
		tls:             cfg.TLS,
		logger:          logger.With("component", "download"),
	}
	uninstall := &UninstallOrchestrator{
		guard:    shared,
		driver:   deps.Uninstaller,
		worker:   deps.Worker,
		clientID: cfg.ClientID,
		logger:   logger.With("component", "uninstall"),
	}
	status := &StatusReporter{
		inventory:  deps.Inventory,
		registry:   deps.Modules,
		marshaller: marshaller,
		logger:     logger.With("component", "status"),
	}

	return &Service{
		Download:  dl,
		Install:   install,
		Uninstall: uninstall,
		Status:    status,
		logger:    logger,
	}
}

// Register routes every deployment resource on the dispatcher
func (s *Service) Register(d *command.Dispatcher) {
	d.HandleFunc(command.VerbGet, ResourceDownload, s.Download.Read)
	d.HandleFunc(command.VerbExec, ResourceDownload, s.Download.Execute)
	d.HandleFunc(command.VerbDel, ResourceDownload, s.Download.Delete)

	d.HandleFunc(command.VerbGet, ResourceInstall, s.Install.Read)
	d.HandleFunc(command.VerbExec, ResourceInstall, s.Install.Execute)

	d.HandleFunc(command.VerbExec, ResourceUninstall, s.Uninstall.Execute)

	d.HandleFunc(command.VerbGet, ResourcePackages, s.Status.Packages)
	d.HandleFunc(command.VerbGet, ResourceModules, s.Status.Modules)
	d.HandleFunc(command.VerbGet, ResourceBundles, s.Status.Modules)
	d.HandleFunc(command.VerbExec, ResourceModules, s.Status.Control)
	d.HandleFunc(command.VerbExec, ResourceStart, s.Status.Start)
	d.HandleFunc(command.VerbExec, ResourceStop, s.Status.Stop)
}

// Shutdown cancels any in-flight download, install or uninstall job
func (s *Service) Shutdown() {
	s.Download.cancel()
	if h := s.Install.guard.snapshot().handle; h != nil {
		h.Cancel()
	}
	s.logger.Info("deployment service stopped")
}
