package deployment

import (
	"context"
	"log/slog"

	"deploy-agent/internal/command"
	"deploy-agent/internal/download"
	"deploy-agent/internal/hooks"
	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/queue"
	"deploy-agent/internal/security"
)

// MetricDownloadStatus is set on the reply rejecting a concurrent download
const MetricDownloadStatus = "download.status"

// DownloadOrchestrator accepts download requests and runs at most one
// transfer at a time
type DownloadOrchestrator struct {
	guard   downloadGuard
	driver  DownloadDriver
	hooks   HookResolver
	worker  Submitter
	install *InstallOrchestrator

	downloadDir     string
	verificationDir string
	clientID        string
	tls             security.Provider
	logger          *slog.Logger
}

// Execute validates a download request, runs the pre-download hook and
// queues the transfer. The guard is held from here until the job finishes.
func (o *DownloadOrchestrator) Execute(ctx context.Context, req *command.Request) *command.Response {
	opts, err := options.ParseDownload(req, o.downloadDir, o.clientID)
	if err != nil {
		o.logger.Info("malformed download request", "error", err)
		return command.Fail(command.CodeError, "Malformed download request", err)
	}
	transfer, err := o.driver.NewTransfer(opts)
	if err != nil {
		o.logger.Info("malformed download request", "error", err)
		return command.Fail(command.CodeError, "Malformed download request", err)
	}
	logger := o.logger.With("job_id", opts.JobID, "package", opts.Name, "version", opts.Version)

	hook, err := o.hooks.Resolve(opts.RequestType)
	if err != nil {
		logger.Warn("download rejected", "error", err)
		return command.Fail(command.CodeError, err.Error(), err)
	}

	if state := o.guard.snapshot(); state.busy {
		logger.Info("another download is pending", "pending_uri", state.token)
		return alreadyDownloading()
	}

	already, err := o.driver.AlreadyDownloaded(&opts.Install)
	if err != nil {
		logger.Error("failed to check download status", "error", err)
		return command.Fail(command.CodeError, "Error checking download status", err)
	}

	if hook != nil {
		if err := hook.PreDownload(ctx, requestContext(&opts.Install), opts.HookProperties); err != nil {
			logger.Warn("hook cancelled operation at pre-download phase", "error", err)
			return command.Fail(command.CodeError, err.Error(), err)
		}
	}

	owner, ok := o.guard.acquire(opts.URI, transfer, opts)
	if !ok {
		return alreadyDownloading()
	}
	transfer.Configure(download.Settings{
		VerificationDir:   o.verificationDir,
		TLS:               o.tls,
		AlreadyDownloaded: already,
	})

	h, err := o.worker.Submit(queue.Job{
		Name: categoryDownload,
		Run: func(ctx context.Context) error {
			return o.run(ctx, logger, transfer, opts, hook)
		},
		Finish: func(status queue.JobStatus, err error) {
			o.guard.release(owner)
		},
	})
	if err != nil {
		o.guard.release(owner)
		logger.Error("failed to queue download", "uri", opts.URI, "error", err)
		return command.Fail(command.CodeError, err.Error(), err)
	}
	o.guard.attach(owner, h)

	logger.Info("download queued", "uri", opts.URI, "already_downloaded", already)
	return command.NewResponse(command.CodeOK)
}

func (o *DownloadOrchestrator) run(ctx context.Context, logger *slog.Logger, t Transfer, opts *options.Download, hook hooks.Hook) error {
	if err := t.Download(ctx); err != nil {
		logger.Warn("package download failed", "error", err)
		if derr := t.DeleteDownloadedFile(); derr != nil {
			logger.Debug("failed to delete partial download", "error", derr)
		}
		return err
	}
	if !opts.AutoInstall || o.install == nil {
		return nil
	}
	return o.install.installAfterDownload(ctx, &opts.Install, hook)
}

// Read reports the pending download's progress, or ALREADY DONE when no
// download is pending
func (o *DownloadOrchestrator) Read(ctx context.Context, req *command.Request) *command.Response {
	resp := command.NewResponse(command.CodeOK)
	state := o.guard.snapshot()
	if !state.busy {
		resp.AddMetric(notify.MetricDownloadStatus, string(notify.DownloadAlreadyDone))
		return resp
	}

	p := state.transfer.Progress()
	resp.AddMetric(notify.MetricDownloadSize, p.TotalBytes).
		AddMetric(notify.MetricDownloadProgress, p.Percent).
		AddMetric(notify.MetricDownloadStatus, string(notify.DownloadInProgress))
	if state.opts != nil {
		resp.AddMetric(notify.MetricJobID, state.opts.JobID).
			AddMetric(notify.MetricName, state.opts.Name).
			AddMetric(notify.MetricVersion, state.opts.Version)
	}
	return resp
}

// Delete cancels the pending transfer and removes its partial artifact. The
// guard is left to the job, which frees it once the transfer unwinds.
func (o *DownloadOrchestrator) Delete(ctx context.Context, req *command.Request) *command.Response {
	state := o.guard.snapshot()
	if state.transfer == nil {
		return command.NewResponse(command.CodeOK)
	}
	if err := state.transfer.Cancel(); err != nil {
		o.logger.Warn("error cancelling download", "error", err)
		return command.Fail(command.CodeError, "Error cancelling download!", err)
	}
	if err := state.transfer.DeleteDownloadedFile(); err != nil {
		o.logger.Warn("error cancelling download", "error", err)
		return command.Fail(command.CodeError, "Error cancelling download!", err)
	}
	o.logger.Info("download cancelled", "uri", state.token)
	return command.NewResponse(command.CodeOK)
}

// cancel stops the job holding the guard, if any
func (o *DownloadOrchestrator) cancel() {
	state := o.guard.snapshot()
	if state.transfer != nil {
		_ = state.transfer.Cancel()
	}
	if state.handle != nil {
		state.handle.Cancel()
	}
}

func alreadyDownloading() *command.Response {
	resp := command.Fail(command.CodeError, "Another resource is already in download", nil)
	resp.AddMetric(MetricDownloadStatus, string(notify.DownloadInProgress))
	return resp
}
