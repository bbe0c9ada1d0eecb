package deployment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"deploy-agent/internal/download"
	"deploy-agent/internal/hooks"
	"deploy-agent/internal/modules"
	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/storage"
)

type fakeTransfer struct {
	opts      *options.Download
	release   chan struct{}
	cancelled chan struct{}
	started   chan struct{}
	cancelErr error
	err       error
	explode   bool

	mu       sync.Mutex
	settings download.Settings
	once     sync.Once
	start    sync.Once
	deletes  atomic.Int32
}

func newFakeTransfer(opts *options.Download) *fakeTransfer {
	return &fakeTransfer{
		opts:      opts,
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
		started:   make(chan struct{}),
	}
}

func (t *fakeTransfer) Configure(s download.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = s
}

func (t *fakeTransfer) Settings() download.Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *fakeTransfer) Download(ctx context.Context) error {
	t.start.Do(func() { close(t.started) })
	if t.explode {
		panic("transfer exploded")
	}
	select {
	case <-t.release:
		return t.err
	case <-t.cancelled:
		return download.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransfer) Cancel() error {
	if t.cancelErr != nil {
		return t.cancelErr
	}
	t.once.Do(func() { close(t.cancelled) })
	return nil
}

func (t *fakeTransfer) DeleteDownloadedFile() error {
	t.deletes.Add(1)
	return nil
}

func (t *fakeTransfer) Progress() download.Progress {
	return download.Progress{TotalBytes: 1000, DownloadedBytes: 250, Percent: 25, Status: notify.DownloadInProgress}
}

func (t *fakeTransfer) finish() {
	close(t.release)
}

type fakeDownloads struct {
	mu         sync.Mutex
	already    bool
	alreadyErr error
	newErr     error
	setup      func(t *fakeTransfer)
	transfers  []*fakeTransfer
}

func (d *fakeDownloads) NewTransfer(opts *options.Download) (Transfer, error) {
	if d.newErr != nil {
		return nil, d.newErr
	}
	t := newFakeTransfer(opts)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setup != nil {
		d.setup(t)
	}
	d.transfers = append(d.transfers, t)
	return t, nil
}

func (d *fakeDownloads) AlreadyDownloaded(opts *options.Install) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.already, d.alreadyErr
}

func (d *fakeDownloads) last() *fakeTransfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers[len(d.transfers)-1]
}

func (d *fakeDownloads) setAlready(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.already = v
}

type fakeInstaller struct {
	gate chan struct{}
	err  error

	mu       sync.Mutex
	packages []string
	updates  []string
	failed   []error
}

func (f *fakeInstaller) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeInstaller) InstallPackage(ctx context.Context, opts *options.Install) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packages = append(f.packages, opts.Name)
	return f.err
}

func (f *fakeInstaller) InstallSystemUpdate(ctx context.Context, opts *options.Install) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, opts.Name)
	return f.err
}

func (f *fakeInstaller) InstallFailed(ctx context.Context, opts *options.Install, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, err)
}

func (f *fakeInstaller) snapshot() (packages, updates []string, failed []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.packages...), append([]string{}, f.updates...), append([]error{}, f.failed...)
}

type fakeUninstaller struct {
	gate chan struct{}
	err  error

	mu      sync.Mutex
	removed []string
	failed  []error
}

func (f *fakeUninstaller) Uninstall(ctx context.Context, opts *options.Uninstall) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, opts.Name)
	return f.err
}

func (f *fakeUninstaller) UninstallFailed(ctx context.Context, opts *options.Uninstall, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, err)
}

func (f *fakeUninstaller) failures() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error{}, f.failed...)
}

type fakeHook struct {
	preErr          error
	postDownloadErr error
	postInstallErr  error

	mu    sync.Mutex
	calls []hooks.Phase
	props map[string]any
	rc    hooks.RequestContext
}

func (h *fakeHook) record(p hooks.Phase, rc hooks.RequestContext, props map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, p)
	h.rc = rc
	h.props = props
}

func (h *fakeHook) PreDownload(ctx context.Context, rc hooks.RequestContext, props map[string]any) error {
	h.record(hooks.PhasePreDownload, rc, props)
	return h.preErr
}

func (h *fakeHook) PostDownload(ctx context.Context, rc hooks.RequestContext, props map[string]any) error {
	h.record(hooks.PhasePostDownload, rc, props)
	return h.postDownloadErr
}

func (h *fakeHook) PostInstall(ctx context.Context, rc hooks.RequestContext, props map[string]any) error {
	h.record(hooks.PhasePostInstall, rc, props)
	return h.postInstallErr
}

func (h *fakeHook) phases() []hooks.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hooks.Phase{}, h.calls...)
}

type fakeInventory struct {
	pkgs []storage.Package
	err  error
}

func (f *fakeInventory) GetPackages() ([]storage.Package, error) { return f.pkgs, f.err }

type fakeRegistry struct {
	mods     []modules.Module
	startErr error
	started  []int64
	stopped  []int64
}

func (f *fakeRegistry) List(ctx context.Context) ([]modules.Module, error) { return f.mods, nil }

func (f *fakeRegistry) Get(ctx context.Context, id int64) (modules.Module, error) {
	for _, m := range f.mods {
		if m.ID == id {
			return m, nil
		}
	}
	return modules.Module{}, modules.ErrNotFound
}

func (f *fakeRegistry) Start(ctx context.Context, id int64) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRegistry) Stop(ctx context.Context, id int64) error {
	f.stopped = append(f.stopped, id)
	return nil
}

var errBoom = errors.New("boom")
