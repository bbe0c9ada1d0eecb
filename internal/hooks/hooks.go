package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Phase is a point of the deployment flow where hooks run
type Phase string

const (
	PhasePreDownload  Phase = "pre_download"
	PhasePostDownload Phase = "post_download"
	PhasePostInstall  Phase = "post_install"
)

// RequestContext describes the request a hook is invoked for
type RequestContext struct {
	DownloadFilePath string
	RequestType      string
	JobID            int64
	PackageName      string
	PackageVersion   string
}

// Hook is an extension invoked around download and install. Returning an
// error vetoes the operation.
type Hook interface {
	PreDownload(ctx context.Context, rc RequestContext, props map[string]any) error
	PostDownload(ctx context.Context, rc RequestContext, props map[string]any) error
	PostInstall(ctx context.Context, rc RequestContext, props map[string]any) error
}

// ErrNoHookAssociated is matched by errors returned when a request type has
// no usable hook
var ErrNoHookAssociated = errors.New("no hook associated")

// AssociationError reports a request type without a registered hook
type AssociationError struct {
	RequestType string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("no hook is currently associated to request type %s, aborting operation", e.RequestType)
}

// Is reports whether target is ErrNoHookAssociated
func (e *AssociationError) Is(target error) bool {
	return target == ErrNoHookAssociated
}

// Manager maps request types to registered hooks
type Manager struct {
	mu    sync.RWMutex
	hooks map[string]Hook

	associations atomic.Pointer[map[string]string]
	logger       *slog.Logger
}

// NewManager creates a manager with no hooks and no associations
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		hooks:  make(map[string]Hook),
		logger: logger,
	}
	empty := map[string]string{}
	m.associations.Store(&empty)
	return m
}

// Register adds or replaces the hook with the given id
func (m *Manager) Register(id string, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[id] = h
	m.logger.Info("hook registered", "hook", id)
}

// Unregister removes the hook with the given id
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, id)
}

// SetHooks replaces the registered hooks with hooks
func (m *Manager) SetHooks(hooks map[string]Hook) {
	next := make(map[string]Hook, len(hooks))
	for id, h := range hooks {
		next[id] = h
	}
	m.mu.Lock()
	m.hooks = next
	m.mu.Unlock()
	m.logger.Info("hooks replaced", "count", len(next))
}

// HookIDs returns the sorted ids of registered hooks
func (m *Manager) HookIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.hooks))
	for id := range m.hooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateAssociations atomically replaces the request type to hook id table
func (m *Manager) UpdateAssociations(assoc map[string]string) {
	next := make(map[string]string, len(assoc))
	for k, v := range assoc {
		next[k] = v
	}
	m.associations.Store(&next)
	m.logger.Info("hook associations updated", "count", len(next))
}

// Associations returns a copy of the current association table
func (m *Manager) Associations() map[string]string {
	current := *m.associations.Load()
	out := make(map[string]string, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// Lookup returns the hook associated with requestType, if any
func (m *Manager) Lookup(requestType string) (Hook, bool) {
	id, ok := (*m.associations.Load())[requestType]
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hooks[id]
	return h, ok
}

// Resolve returns the hook for requestType. An empty request type needs no
// hook and yields nil, nil. A request type with no registered hook yields an
// *AssociationError.
func (m *Manager) Resolve(requestType string) (Hook, error) {
	if requestType == "" {
		return nil, nil
	}
	h, ok := m.Lookup(requestType)
	if !ok {
		return nil, &AssociationError{RequestType: requestType}
	}
	return h, nil
}
