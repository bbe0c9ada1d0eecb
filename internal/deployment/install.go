package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"deploy-agent/internal/command"
	"deploy-agent/internal/hooks"
	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/queue"
)

var (
	errInstallBusy   = errors.New("another install or uninstall is in progress")
	errNotDownloaded = errors.New("package has not been downloaded")
)

// InstallOrchestrator installs previously downloaded artifacts. It shares
// its guard with the uninstall orchestrator.
type InstallOrchestrator struct {
	guard     *installGuard
	driver    InstallDriver
	downloads DownloadDriver
	hooks     HookResolver
	worker    Submitter

	downloadDir string
	clientID    string
	logger      *slog.Logger
}

// Execute validates an install request, runs the post-download hook and
// queues the installation
func (o *InstallOrchestrator) Execute(ctx context.Context, req *command.Request) *command.Response {
	opts, err := options.ParseInstall(req, o.downloadDir, o.clientID)
	if err != nil {
		o.logger.Error("malformed install request", "error", err)
		return command.Fail(command.CodeError, "Malformed install request", err)
	}
	logger := o.logger.With("job_id", opts.JobID, "package", opts.Name, "version", opts.Version)

	hook, err := o.hooks.Resolve(opts.RequestType)
	if err != nil {
		logger.Warn("install rejected", "error", err)
		return command.Fail(command.CodeError, err.Error(), err)
	}

	already, err := o.downloads.AlreadyDownloaded(opts)
	if err != nil {
		logger.Error("failed to check download status", "error", err)
		return command.Fail(command.CodeError, "Error checking download status", err)
	}
	if !already {
		logger.Info("install rejected, package not downloaded")
		return alreadyInstalling(errNotDownloaded)
	}
	if o.guard.snapshot().busy {
		logger.Info("install rejected, guard busy")
		return alreadyInstalling(errInstallBusy)
	}

	if hook != nil {
		if err := hook.PostDownload(ctx, requestContext(opts), opts.HookProperties); err != nil {
			logger.Warn("hook cancelled operation at post-download phase", "error", err)
			return command.Fail(command.CodeError, "Exception during install", err)
		}
	}

	owner, ok := o.guard.acquireInstall(opts)
	if !ok {
		return alreadyInstalling(errInstallBusy)
	}
	h, err := o.worker.Submit(queue.Job{
		Name: categoryInstall,
		Run: func(ctx context.Context) error {
			return o.install(ctx, opts, hook)
		},
		Finish: func(status queue.JobStatus, err error) {
			o.guard.release(owner)
		},
	})
	if err != nil {
		o.guard.release(owner)
		logger.Error("failed to queue install", "error", err)
		return command.Fail(command.CodeError, "Exception during install", err)
	}
	o.guard.attach(owner, h)

	logger.Info("install queued", "system_update", opts.SystemUpdate)
	return command.NewResponse(command.CodeOK)
}

// install runs the install strategy selected by the request and the
// post-install hook. Failures are reported by the driver and the artifact
// is removed.
func (o *InstallOrchestrator) install(ctx context.Context, opts *options.Install, hook hooks.Hook) error {
	var err error
	if opts.SystemUpdate {
		err = o.driver.InstallSystemUpdate(ctx, opts)
	} else {
		err = o.driver.InstallPackage(ctx, opts)
	}
	if err == nil && hook != nil {
		if herr := hook.PostInstall(ctx, requestContext(opts), opts.HookProperties); herr != nil {
			err = fmt.Errorf("post-install hook failed: %w", herr)
		}
	}
	if err != nil {
		o.driver.InstallFailed(ctx, opts, err)
		if rerr := os.Remove(opts.DownloadFile()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			o.logger.Debug("failed to delete downloaded artifact", "file", opts.DownloadFile(), "error", rerr)
		}
		return err
	}
	return nil
}

// installAfterDownload installs a freshly downloaded package from inside
// the download job. It takes the install guard for the duration.
func (o *InstallOrchestrator) installAfterDownload(ctx context.Context, opts *options.Install, hook hooks.Hook) error {
	owner, ok := o.guard.acquireInstall(opts)
	if !ok {
		o.driver.InstallFailed(ctx, opts, errInstallBusy)
		return errInstallBusy
	}
	defer o.guard.release(owner)

	if hook != nil {
		if err := hook.PostDownload(ctx, requestContext(opts), opts.HookProperties); err != nil {
			o.logger.Warn("hook cancelled operation at post-download phase", "job_id", opts.JobID, "error", err)
			o.driver.InstallFailed(ctx, opts, err)
			return err
		}
	}
	return o.install(ctx, opts, hook)
}

// Read reports IN_PROGRESS while an install or uninstall holds the guard
// and IDLE otherwise
func (o *InstallOrchestrator) Read(ctx context.Context, req *command.Request) *command.Response {
	resp := command.NewResponse(command.CodeOK)
	state := o.guard.snapshot()
	if !state.busy {
		resp.AddMetric(notify.MetricInstallStatus, string(notify.StatusIdle))
		return resp
	}

	resp.AddMetric(notify.MetricInstallStatus, string(notify.StatusInProgress))
	switch {
	case state.install != nil:
		resp.AddMetric(notify.MetricJobID, state.install.JobID).
			AddMetric(notify.MetricName, state.install.Name).
			AddMetric(notify.MetricVersion, state.install.Version)
	case state.uninstall != "":
		resp.AddMetric(notify.MetricName, state.uninstall)
	}
	return resp
}

func alreadyInstalling(err error) *command.Response {
	return command.Fail(command.CodeError, "Already installing/uninstalling", err)
}
