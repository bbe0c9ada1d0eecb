package deployment

import (
	"sync"

	"deploy-agent/internal/options"
	"deploy-agent/internal/queue"
)

// GuardObserver is told whenever a guard is taken or freed
type GuardObserver func(category string, busy bool)

const (
	categoryDownload  = "download"
	categoryInstall   = "install"
	categoryUninstall = "uninstall"
)

// downloadGuard admits one download at a time. The target URL is the token.
// Only the holder of the owner id returned by acquire can release it.
type downloadGuard struct {
	mu       sync.Mutex
	busy     bool
	owner    uint64
	seq      uint64
	token    string
	transfer Transfer
	opts     *options.Download
	handle   *queue.Handle
	observe  GuardObserver
}

func (g *downloadGuard) acquire(token string, t Transfer, opts *options.Download) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return 0, false
	}
	g.seq++
	g.busy = true
	g.owner = g.seq
	g.token = token
	g.transfer = t
	g.opts = opts
	g.handle = nil
	g.notify(true)
	return g.owner, true
}

// attach records the worker handle of the job holding the guard
func (g *downloadGuard) attach(owner uint64, h *queue.Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy && g.owner == owner {
		g.handle = h
	}
}

// release frees the guard if owner still holds it; repeated calls are no-ops
func (g *downloadGuard) release(owner uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.busy || g.owner != owner {
		return false
	}
	g.busy = false
	g.token = ""
	g.transfer = nil
	g.opts = nil
	g.handle = nil
	g.notify(false)
	return true
}

type downloadState struct {
	busy     bool
	token    string
	transfer Transfer
	opts     *options.Download
	handle   *queue.Handle
}

func (g *downloadGuard) snapshot() downloadState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return downloadState{busy: g.busy, token: g.token, transfer: g.transfer, opts: g.opts, handle: g.handle}
}

func (g *downloadGuard) notify(busy bool) {
	if g.observe != nil {
		g.observe(categoryDownload, busy)
	}
}

// installGuard is shared by install and uninstall so at most one of them
// runs at a time. It records what the holder is working on.
type installGuard struct {
	mu        sync.Mutex
	busy      bool
	owner     uint64
	seq       uint64
	install   *options.Install
	uninstall string
	handle    *queue.Handle
	observe   GuardObserver
}

func (g *installGuard) acquireInstall(opts *options.Install) (uint64, bool) {
	return g.acquire(opts, "")
}

func (g *installGuard) acquireUninstall(name string) (uint64, bool) {
	return g.acquire(nil, name)
}

func (g *installGuard) acquire(install *options.Install, uninstall string) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return 0, false
	}
	g.seq++
	g.busy = true
	g.owner = g.seq
	g.install = install
	g.uninstall = uninstall
	g.handle = nil
	if g.observe != nil {
		g.observe(categoryInstall, true)
	}
	return g.owner, true
}

func (g *installGuard) attach(owner uint64, h *queue.Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy && g.owner == owner {
		g.handle = h
	}
}

func (g *installGuard) release(owner uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.busy || g.owner != owner {
		return false
	}
	g.busy = false
	g.install = nil
	g.uninstall = ""
	g.handle = nil
	if g.observe != nil {
		g.observe(categoryInstall, false)
	}
	return true
}

type installState struct {
	busy      bool
	install   *options.Install
	uninstall string
	handle    *queue.Handle
}

func (g *installGuard) snapshot() installState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return installState{busy: g.busy, install: g.install, uninstall: g.uninstall, handle: g.handle}
}
