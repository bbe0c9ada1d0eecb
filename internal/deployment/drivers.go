package deployment

import (
	"context"

	"deploy-agent/internal/download"
	"deploy-agent/internal/hooks"
	"deploy-agent/internal/options"
	"deploy-agent/internal/queue"
	"deploy-agent/internal/storage"
)

// Transfer is one download run by the download driver
type Transfer interface {
	Configure(s download.Settings)
	Download(ctx context.Context) error
	Cancel() error
	DeleteDownloadedFile() error
	Progress() download.Progress
}

// DownloadDriver creates transfers and probes for downloaded artifacts
type DownloadDriver interface {
	NewTransfer(opts *options.Download) (Transfer, error)
	AlreadyDownloaded(opts *options.Install) (bool, error)
}

// InstallDriver installs downloaded artifacts and reports the outcome
// through its own notifications
type InstallDriver interface {
	InstallPackage(ctx context.Context, opts *options.Install) error
	InstallSystemUpdate(ctx context.Context, opts *options.Install) error
	InstallFailed(ctx context.Context, opts *options.Install, err error)
}

// UninstallDriver removes packages and reports the outcome through its own
// notifications
type UninstallDriver interface {
	Uninstall(ctx context.Context, opts *options.Uninstall) error
	UninstallFailed(ctx context.Context, opts *options.Uninstall, err error)
}

// HookResolver finds the hook associated with a request type
type HookResolver interface {
	Resolve(requestType string) (hooks.Hook, error)
}

// Submitter queues background jobs
type Submitter interface {
	Submit(job queue.Job) (*queue.Handle, error)
}

// Inventory lists installed packages
type Inventory interface {
	GetPackages() ([]storage.Package, error)
}

type downloaderDriver struct {
	d *download.Downloader
}

// Downloads adapts a download.Downloader to DownloadDriver
func Downloads(d *download.Downloader) DownloadDriver {
	return downloaderDriver{d: d}
}

func (a downloaderDriver) NewTransfer(opts *options.Download) (Transfer, error) {
	t, err := a.d.NewTransfer(opts)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (a downloaderDriver) AlreadyDownloaded(opts *options.Install) (bool, error) {
	return a.d.AlreadyDownloaded(opts)
}

func requestContext(opts *options.Install) hooks.RequestContext {
	return hooks.RequestContext{
		DownloadFilePath: opts.DownloadFile(),
		RequestType:      opts.RequestType,
		JobID:            opts.JobID,
		PackageName:      opts.Name,
		PackageVersion:   opts.Version,
	}
}
