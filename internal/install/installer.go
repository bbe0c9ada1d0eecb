package install

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"deploy-agent/internal/download"
	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/storage"
	"deploy-agent/internal/system"
)

const defaultShell = "/bin/sh"

// Config locates the directories the installer works in
type Config struct {
	PackagesDir     string
	VerificationDir string
	Shell           string
	Rebooter        system.Rebooter
}

// Installer installs downloaded packages and system updates and reports
// progress through the notifier
type Installer struct {
	store    storage.Storage
	deployer *Deployer
	reporter notify.Reporter
	cfg      Config
	logger   *slog.Logger
}

// NewInstaller creates an installer
func NewInstaller(store storage.Storage, deployer *Deployer, reporter notify.Reporter, cfg Config, logger *slog.Logger) *Installer {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		store:    store,
		deployer: deployer,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// InstallPackage unpacks a downloaded package and deploys it, replacing any
// other installed version
func (i *Installer) InstallPackage(ctx context.Context, opts *options.Install) error {
	logger := i.logger.With("job_id", opts.JobID, "package", opts.Name, "version", opts.Version)
	if err := options.ValidName(opts.Name); err != nil {
		return err
	}
	logger.Info("starting package installation")
	i.report(ctx, target(opts), notify.StatusInProgress, 0, nil)

	existing, err := i.store.GetPackage(opts.Name)
	installed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read inventory: %w", err)
	}
	if installed && existing.Version == opts.Version {
		logger.Info("package version already installed")
		i.report(ctx, target(opts), notify.StatusAlreadyDone, 100, nil)
		return nil
	}

	staging := filepath.Join(i.cfg.PackagesDir, ".staging-"+options.SafeName(opts.Name))
	_ = os.RemoveAll(staging)
	defer os.RemoveAll(staging)

	if err := extractArchive(opts.DownloadFile(), staging); err != nil {
		return err
	}
	manifest, err := ReadManifest(staging)
	if err != nil {
		return err
	}
	if manifest.Name != opts.Name || manifest.Version != opts.Version {
		return fmt.Errorf("package manifest describes %s %s, expected %s %s", manifest.Name, manifest.Version, opts.Name, opts.Version)
	}
	i.report(ctx, target(opts), notify.StatusInProgress, 25, nil)

	if installed {
		logger.Info("removing previous version", "previous", existing.Version)
		if err := i.deployer.Teardown(ctx, existing); err != nil {
			return fmt.Errorf("failed to remove previous version %s: %w", existing.Version, err)
		}
		if err := i.store.DeletePackage(existing.Name); err != nil {
			return fmt.Errorf("failed to update inventory: %w", err)
		}
	}
	i.report(ctx, target(opts), notify.StatusInProgress, 50, nil)

	dir := filepath.Join(i.cfg.PackagesDir, manifest.Name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear package directory: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("failed to move package into place: %w", err)
	}

	pkg, err := i.deployer.Deploy(ctx, dir, manifest)
	if err != nil {
		return err
	}
	i.report(ctx, target(opts), notify.StatusInProgress, 90, nil)

	if err := SaveMetadata(dir, &Metadata{
		Name:        pkg.Name,
		Version:     pkg.Version,
		Source:      opts.DownloadFile(),
		JobID:       opts.JobID,
		InstalledAt: pkg.InstalledAt,
	}); err != nil {
		logger.Warn("failed to save package metadata", "error", err)
	}
	if err := i.store.SavePackage(pkg); err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}

	logger.Info("package installed", "modules", len(pkg.Modules))
	i.report(ctx, target(opts), notify.StatusCompleted, 100, nil)
	if opts.Reboot {
		i.reboot(ctx, opts.RebootDelay)
	}
	return nil
}

// InstallSystemUpdate runs a downloaded update script. Completion is
// confirmed immediately, or after the requested reboot at next startup.
func (i *Installer) InstallSystemUpdate(ctx context.Context, opts *options.Install) error {
	logger := i.logger.With("job_id", opts.JobID, "package", opts.Name, "version", opts.Version)
	logger.Info("starting system update")
	i.report(ctx, target(opts), notify.StatusInProgress, 0, nil)

	c := storage.Confirmation{
		JobID:             opts.JobID,
		Name:              opts.Name,
		Version:           opts.Version,
		RequesterClientID: opts.RequesterClientID,
		CreatedAt:         time.Now().UTC(),
	}
	if i.cfg.VerificationDir != "" {
		verifier := download.VerifierPath(i.cfg.VerificationDir, opts)
		if _, err := os.Stat(verifier); err == nil {
			c.VerifierPath = verifier
		}
	}
	// Persisted before the script runs since the script may restart the device.
	if err := i.store.SaveConfirmation(c); err != nil {
		return fmt.Errorf("failed to persist install confirmation: %w", err)
	}

	if err := runScript(ctx, logger, i.cfg.Shell, opts.DownloadFile()); err != nil {
		if derr := i.store.DeleteConfirmation(c.JobID); derr != nil {
			logger.Warn("failed to drop install confirmation", "error", derr)
		}
		return fmt.Errorf("system update script failed: %w", err)
	}
	i.report(ctx, target(opts), notify.StatusInProgress, 50, nil)

	if opts.Reboot {
		i.reboot(ctx, opts.RebootDelay)
		return nil
	}
	return i.confirm(ctx, c)
}

// InstallFailed reports a failed installation
func (i *Installer) InstallFailed(ctx context.Context, opts *options.Install, err error) {
	i.logger.Error("installation failed", "job_id", opts.JobID, "package", opts.Name, "error", err)
	i.report(ctx, target(opts), notify.StatusFailed, 0, err)
}

// SendInstallConfirmations verifies and reports every system update that
// completed before the last restart
func (i *Installer) SendInstallConfirmations(ctx context.Context) error {
	pending, err := i.store.GetConfirmations()
	if err != nil {
		return fmt.Errorf("failed to read install confirmations: %w", err)
	}
	var errs []error
	for _, c := range pending {
		if err := i.confirm(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (i *Installer) confirm(ctx context.Context, c storage.Confirmation) error {
	logger := i.logger.With("job_id", c.JobID, "package", c.Name, "version", c.Version)
	t := reportTarget{jobID: c.JobID, name: c.Name, version: c.Version, requester: c.RequesterClientID}

	var verifyErr error
	if c.VerifierPath != "" {
		logger.Info("running update verifier", "verifier", c.VerifierPath)
		verifyErr = runScript(ctx, logger, i.cfg.Shell, c.VerifierPath)
	}

	if verifyErr != nil {
		logger.Error("system update verification failed", "error", verifyErr)
		i.report(ctx, t, notify.StatusFailed, 100, fmt.Errorf("system update verification failed: %w", verifyErr))
	} else {
		if err := i.store.SavePackage(storage.Package{
			Name:         c.Name,
			Version:      c.Version,
			InstalledAt:  time.Now().UTC(),
			SystemUpdate: true,
			Modules:      []storage.Module{},
		}); err != nil {
			logger.Warn("failed to record system update", "error", err)
		}
		logger.Info("system update confirmed")
		i.report(ctx, t, notify.StatusCompleted, 100, nil)
	}

	if c.VerifierPath != "" {
		if err := os.Remove(c.VerifierPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove verifier", "error", err)
		}
	}
	if err := i.store.DeleteConfirmation(c.JobID); err != nil {
		return fmt.Errorf("failed to drop install confirmation %d: %w", c.JobID, err)
	}
	return nil
}

func (i *Installer) reboot(ctx context.Context, delay time.Duration) {
	if i.cfg.Rebooter == nil {
		i.logger.Warn("reboot requested but no rebooter is configured")
		return
	}
	if err := i.cfg.Rebooter.Reboot(ctx, delay); err != nil {
		i.logger.Error("reboot failed", "error", err)
	}
}

type reportTarget struct {
	jobID     int64
	name      string
	version   string
	requester string
}

func target(opts *options.Install) reportTarget {
	return reportTarget{jobID: opts.JobID, name: opts.Name, version: opts.Version, requester: opts.RequesterClientID}
}

func (i *Installer) report(ctx context.Context, t reportTarget, status notify.OperationStatus, progress int, err error) {
	if i.reporter == nil {
		return
	}
	n := notify.New(notify.TypeInstall, t.requester).
		With(notify.MetricJobID, t.jobID).
		With(notify.MetricName, t.name).
		With(notify.MetricVersion, t.version).
		With(notify.MetricInstallProgress, progress).
		With(notify.MetricInstallStatus, string(status))
	if err != nil {
		n.With(notify.MetricInstallErrorMessage, err.Error())
	}
	if nerr := i.reporter.Notify(context.WithoutCancel(ctx), n); nerr != nil {
		i.logger.Warn("failed to publish install notification", "status", status, "error", nerr)
	}
}

// runScript executes a shell script and streams its output to the logger
func runScript(ctx context.Context, logger *slog.Logger, shell, script string) error {
	cmd := exec.CommandContext(ctx, shell, script)
	cmd.Dir = filepath.Dir(script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", filepath.Base(script), err)
	}

	var wg sync.WaitGroup
	stream := func(r io.Reader, name string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info("script output", "script", filepath.Base(script), "stream", name, "line", scanner.Text())
		}
	}
	wg.Add(2)
	go stream(stdout, "stdout")
	go stream(stderr, "stderr")
	wg.Wait()

	return cmd.Wait()
}
