package deployment

import (
	"context"
	"log/slog"

	"deploy-agent/internal/command"
	"deploy-agent/internal/options"
	"deploy-agent/internal/queue"
)

// UninstallOrchestrator removes installed packages. Only the uninstall job
// releases the guard it takes.
type UninstallOrchestrator struct {
	guard  *installGuard
	driver UninstallDriver
	worker Submitter

	clientID string
	logger   *slog.Logger
}

// Execute validates an uninstall request and queues the removal
func (o *UninstallOrchestrator) Execute(ctx context.Context, req *command.Request) *command.Response {
	opts, err := options.ParseUninstall(req, o.clientID)
	if err != nil {
		o.logger.Error("malformed uninstall request", "error", err)
		return command.Fail(command.CodeError, "Malformed uninstall request", err)
	}
	logger := o.logger.With("job_id", opts.JobID, "package", opts.Name)

	owner, ok := o.guard.acquireUninstall(opts.Name)
	if !ok {
		state := o.guard.snapshot()
		logger.Info("another request is still pending", "pending_uninstall", state.uninstall, "installing", state.install != nil)
		return command.Fail(command.CodeError, "Only one request at a time is allowed", nil)
	}

	h, err := o.worker.Submit(queue.Job{
		Name: categoryUninstall,
		Run: func(ctx context.Context) error {
			if err := o.driver.Uninstall(ctx, opts); err != nil {
				o.driver.UninstallFailed(ctx, opts, err)
				return err
			}
			return nil
		},
		Finish: func(status queue.JobStatus, err error) {
			o.guard.release(owner)
		},
	})
	if err != nil {
		o.guard.release(owner)
		logger.Error("failed to queue uninstall", "error", err)
		return command.Fail(command.CodeError, err.Error(), err)
	}
	o.guard.attach(owner, h)

	logger.Info("uninstall queued")
	return command.NewResponse(command.CodeOK)
}
