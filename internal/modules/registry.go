package modules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"deploy-agent/internal/docker"
	"deploy-agent/internal/storage"
)

// Runtime is the container API the Docker registry needs
type Runtime interface {
	ListContainers(ctx context.Context, labelKey string) ([]docker.ContainerInfo, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
}

// DockerRegistry joins the package inventory with container state
type DockerRegistry struct {
	runtime Runtime
	store   storage.Storage
	logger  *slog.Logger
}

// NewDockerRegistry creates a registry backed by the container runtime
func NewDockerRegistry(runtime Runtime, store storage.Storage, logger *slog.Logger) *DockerRegistry {
	return &DockerRegistry{runtime: runtime, store: store, logger: logger}
}

// List returns every module recorded in the inventory with its live state
func (r *DockerRegistry) List(ctx context.Context) ([]Module, error) {
	containers, err := r.containersByModule(ctx)
	if err != nil {
		return nil, err
	}
	pkgs, err := r.store.GetPackages()
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	out := []Module{}
	for _, p := range pkgs {
		for _, m := range p.Modules {
			state := StateInstalled
			if c, ok := containers[m.ID]; ok {
				state = StateFromContainer(c.State)
			}
			out = append(out, Module{ID: m.ID, Name: m.Name, Version: m.Version, Package: p.Name, State: state})
		}
	}
	return out, nil
}

// Get returns one module by id
func (r *DockerRegistry) Get(ctx context.Context, id int64) (Module, error) {
	all, err := r.List(ctx)
	if err != nil {
		return Module{}, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("module %d: %w", id, ErrNotFound)
}

// Start starts the module's container
func (r *DockerRegistry) Start(ctx context.Context, id int64) error {
	c, err := r.container(ctx, id)
	if err != nil {
		return err
	}
	if c.State == "running" {
		r.logger.Info("module already running", "module_id", id)
		return nil
	}
	if err := r.runtime.StartContainer(ctx, c.ID); err != nil {
		return err
	}
	r.logger.Info("module started", "module_id", id, "container", c.Name)
	return nil
}

// Stop stops the module's container
func (r *DockerRegistry) Stop(ctx context.Context, id int64) error {
	c, err := r.container(ctx, id)
	if err != nil {
		return err
	}
	if c.State != "running" && c.State != "restarting" {
		r.logger.Info("module already stopped", "module_id", id)
		return nil
	}
	if err := r.runtime.StopContainer(ctx, c.ID); err != nil {
		return err
	}
	r.logger.Info("module stopped", "module_id", id, "container", c.Name)
	return nil
}

func (r *DockerRegistry) container(ctx context.Context, id int64) (docker.ContainerInfo, error) {
	containers, err := r.containersByModule(ctx)
	if err != nil {
		return docker.ContainerInfo{}, err
	}
	c, ok := containers[id]
	if !ok {
		return docker.ContainerInfo{}, fmt.Errorf("module %d: %w", id, ErrNotFound)
	}
	return c, nil
}

func (r *DockerRegistry) containersByModule(ctx context.Context) (map[int64]docker.ContainerInfo, error) {
	list, err := r.runtime.ListContainers(ctx, LabelModuleID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]docker.ContainerInfo, len(list))
	for _, c := range list {
		id, err := strconv.ParseInt(c.Labels[LabelModuleID], 10, 64)
		if err != nil {
			r.logger.Warn("container has invalid module id label", "container", c.Name, "label", c.Labels[LabelModuleID])
			continue
		}
		out[id] = c
	}
	return out, nil
}

// StateFromContainer maps a Docker container state onto a module state
func StateFromContainer(state string) State {
	switch state {
	case "running":
		return StateActive
	case "restarting":
		return StateStarting
	case "removing":
		return StateStopping
	case "created", "exited", "paused", "dead":
		return StateResolved
	default:
		return StateInstalled
	}
}

// InventoryRegistry lists modules from the inventory alone. It is used when
// no container runtime is available and cannot start or stop modules.
type InventoryRegistry struct {
	store storage.Storage
}

// NewInventoryRegistry creates an inventory-only registry
func NewInventoryRegistry(store storage.Storage) *InventoryRegistry {
	return &InventoryRegistry{store: store}
}

func (r *InventoryRegistry) List(ctx context.Context) ([]Module, error) {
	pkgs, err := r.store.GetPackages()
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	out := []Module{}
	for _, p := range pkgs {
		for _, m := range p.Modules {
			out = append(out, Module{ID: m.ID, Name: m.Name, Version: m.Version, Package: p.Name, State: StateInstalled})
		}
	}
	return out, nil
}

func (r *InventoryRegistry) Get(ctx context.Context, id int64) (Module, error) {
	all, err := r.List(ctx)
	if err != nil {
		return Module{}, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("module %d: %w", id, ErrNotFound)
}

func (r *InventoryRegistry) Start(ctx context.Context, id int64) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrUnsupported
}

func (r *InventoryRegistry) Stop(ctx context.Context, id int64) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrUnsupported
}
