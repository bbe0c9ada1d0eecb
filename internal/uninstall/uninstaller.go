package uninstall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/storage"
	"deploy-agent/internal/system"
)

// ErrNotInstalled is returned when the package to remove is not in the inventory
var ErrNotInstalled = errors.New("package is not installed")

// Remover tears down the deployed resources of a package
type Remover interface {
	Teardown(ctx context.Context, pkg storage.Package) error
}

// Uninstaller removes installed packages and reports through the notifier
type Uninstaller struct {
	store    storage.Storage
	remover  Remover
	reporter notify.Reporter
	rebooter system.Rebooter
	logger   *slog.Logger
}

// NewUninstaller creates an uninstaller; rebooter may be nil
func NewUninstaller(store storage.Storage, remover Remover, reporter notify.Reporter, rebooter system.Rebooter, logger *slog.Logger) *Uninstaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uninstaller{
		store:    store,
		remover:  remover,
		reporter: reporter,
		rebooter: rebooter,
		logger:   logger,
	}
}

// Uninstall removes the package's containers, terraform resources and files
// and drops it from the inventory
func (u *Uninstaller) Uninstall(ctx context.Context, opts *options.Uninstall) error {
	logger := u.logger.With("job_id", opts.JobID, "package", opts.Name)
	logger.Info("starting uninstallation")
	u.report(ctx, opts, notify.StatusInProgress, 0, nil)

	pkg, err := u.store.GetPackage(opts.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", opts.Name, ErrNotInstalled)
		}
		return fmt.Errorf("failed to read inventory: %w", err)
	}

	if err := u.remover.Teardown(ctx, pkg); err != nil {
		return fmt.Errorf("failed to remove package resources: %w", err)
	}
	u.report(ctx, opts, notify.StatusInProgress, 50, nil)

	if err := u.store.DeletePackage(pkg.Name); err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}

	logger.Info("uninstallation complete", "version", pkg.Version)
	u.report(ctx, opts, notify.StatusCompleted, 100, nil)
	if opts.Reboot {
		u.reboot(ctx, opts.RebootDelay)
	}
	return nil
}

// UninstallFailed reports a failed uninstallation
func (u *Uninstaller) UninstallFailed(ctx context.Context, opts *options.Uninstall, err error) {
	u.logger.Error("uninstallation failed", "job_id", opts.JobID, "package", opts.Name, "error", err)
	u.report(ctx, opts, notify.StatusFailed, 0, err)
}

func (u *Uninstaller) reboot(ctx context.Context, delay time.Duration) {
	if u.rebooter == nil {
		u.logger.Warn("reboot requested but no rebooter is configured")
		return
	}
	if err := u.rebooter.Reboot(ctx, delay); err != nil {
		u.logger.Error("reboot failed", "error", err)
	}
}

func (u *Uninstaller) report(ctx context.Context, opts *options.Uninstall, status notify.OperationStatus, progress int, err error) {
	if u.reporter == nil {
		return
	}
	n := notify.New(notify.TypeUninstall, opts.RequesterClientID).
		With(notify.MetricJobID, opts.JobID).
		With(notify.MetricName, opts.Name).
		With(notify.MetricUninstallProgress, progress).
		With(notify.MetricUninstallStatus, string(status))
	if err != nil {
		n.With(notify.MetricUninstallErrorMessage, err.Error())
	}
	if nerr := u.reporter.Notify(context.WithoutCancel(ctx), n); nerr != nil {
		u.logger.Warn("failed to publish uninstall notification", "status", status, "error", nerr)
	}
}
