package notify

import (
	"context"
	"log/slog"
	"time"
)

// Type identifies the operation a notification reports on
type Type string

const (
	TypeDownload  Type = "download"
	TypeInstall   Type = "install"
	TypeUninstall Type = "uninstall"
)

// DownloadStatus is the reported state of a download
type DownloadStatus string

const (
	DownloadInProgress  DownloadStatus = "IN_PROGRESS"
	DownloadCompleted   DownloadStatus = "COMPLETED"
	DownloadFailed      DownloadStatus = "FAILED"
	DownloadAlreadyDone DownloadStatus = "ALREADY DONE"
	DownloadCancelled   DownloadStatus = "CANCELLED"
)

// OperationStatus is the reported state of an install or uninstall
type OperationStatus string

const (
	StatusIdle        OperationStatus = "IDLE"
	StatusInProgress  OperationStatus = "IN_PROGRESS"
	StatusCompleted   OperationStatus = "COMPLETED"
	StatusFailed      OperationStatus = "FAILED"
	StatusAlreadyDone OperationStatus = "ALREADY DONE"
)

// Metric keys carried by notifications and status replies
const (
	MetricJobID   = "job.id"
	MetricName    = "dp.name"
	MetricVersion = "dp.version"

	MetricDownloadSize         = "dp.download.size"
	MetricDownloadProgress     = "dp.download.progress"
	MetricDownloadStatus       = "dp.download.status"
	MetricDownloadErrorMessage = "dp.download.error.message"

	MetricInstallProgress     = "dp.install.progress"
	MetricInstallStatus       = "dp.install.status"
	MetricInstallErrorMessage = "dp.install.error.message"

	MetricUninstallProgress     = "dp.uninstall.progress"
	MetricUninstallStatus       = "dp.uninstall.status"
	MetricUninstallErrorMessage = "dp.uninstall.error.message"
)

// Notification is an asynchronous status message sent to a requester
type Notification struct {
	Type              Type
	RequesterClientID string
	Metrics           map[string]any
	Timestamp         time.Time
}

// New creates a notification with an empty metric set
func New(t Type, requester string) *Notification {
	return &Notification{
		Type:              t,
		RequesterClientID: requester,
		Metrics:           make(map[string]any),
		Timestamp:         time.Now().UTC(),
	}
}

// With sets a metric and returns the notification for chaining
func (n *Notification) With(key string, value any) *Notification {
	n.Metrics[key] = value
	return n
}

// Reporter delivers notifications to requesters
type Reporter interface {
	Notify(ctx context.Context, n *Notification) error
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, n *Notification) error

// Notify calls f(ctx, n)
func (f ReporterFunc) Notify(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// LogReporter writes notifications to a logger. It is used when no
// transport is connected.
type LogReporter struct {
	Logger *slog.Logger
}

// Notify logs n at info level
func (r LogReporter) Notify(ctx context.Context, n *Notification) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "type", n.Type, "requester", n.RequesterClientID, "metrics", n.Metrics)
	return nil
}

// Multi fans a notification out to several reporters and returns the first
// error encountered
func Multi(reporters ...Reporter) Reporter {
	return ReporterFunc(func(ctx context.Context, n *Notification) error {
		var first error
		for _, r := range reporters {
			if err := r.Notify(ctx, n); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
