package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"deploy-agent/internal/docker"
	"deploy-agent/internal/modules"
	"deploy-agent/internal/storage"
	"deploy-agent/internal/system"
	"deploy-agent/internal/terraform"
)

// Runtime is the container API used to provision package modules
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	EnsureNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, labelKey string) ([]docker.ContainerInfo, error)
}

// Terraform runs a package's terraform configuration
type Terraform interface {
	Init(ctx context.Context) error
	Apply(ctx context.Context, variables map[string]string) error
	Destroy(ctx context.Context, variables map[string]string) error
}

// TerraformFactory opens a terraform runner in a package directory
type TerraformFactory func(dir string) (Terraform, error)

// NewTerraform is the default factory backed by the terraform binary
func NewTerraform(dir string) (Terraform, error) {
	tf, err := terraform.NewExecutor(dir)
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// Deployer turns an unpacked package into running modules and back
type Deployer struct {
	runtime      Runtime
	store        storage.Storage
	newTerraform TerraformFactory
	host         system.Host
	logger       *slog.Logger
}

// NewDeployer creates a deployer. A nil runtime records modules in the
// inventory without provisioning containers.
func NewDeployer(runtime Runtime, store storage.Storage, newTerraform TerraformFactory, host system.Host, logger *slog.Logger) *Deployer {
	if newTerraform == nil {
		newTerraform = NewTerraform
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		runtime:      runtime,
		store:        store,
		newTerraform: newTerraform,
		host:         host,
		logger:       logger,
	}
}

// NetworkName is the Docker network shared by a package's modules
func NetworkName(pkg string) string {
	return "deploy-" + pkg
}

// ContainerName is the container name of a package module
func ContainerName(pkg, module string) string {
	return pkg + "-" + module
}

// Deploy provisions the modules and terraform resources of the package
// unpacked at dir. On failure whatever was created is torn down.
func (d *Deployer) Deploy(ctx context.Context, dir string, m *Manifest) (storage.Package, error) {
	logger := d.logger.With("package", m.Name, "version", m.Version)
	pkg := storage.Package{
		Name:        m.Name,
		Version:     m.Version,
		InstalledAt: time.Now().UTC(),
		Path:        dir,
		Terraform:   terraform.HasConfiguration(dir),
		Modules:     []storage.Module{},
	}

	if err := d.provision(ctx, logger, dir, m, &pkg); err != nil {
		if terr := d.Teardown(context.WithoutCancel(ctx), pkg); terr != nil {
			logger.Warn("failed to roll back partial deployment", "error", terr)
		}
		return storage.Package{}, err
	}
	logger.Info("package deployed", "modules", len(pkg.Modules), "terraform", pkg.Terraform)
	return pkg, nil
}

func (d *Deployer) provision(ctx context.Context, logger *slog.Logger, dir string, m *Manifest, pkg *storage.Package) error {
	network := NetworkName(m.Name)
	if d.runtime != nil && len(m.Modules) > 0 {
		logger.Info("creating docker network", "network", network)
		if err := d.runtime.EnsureNetwork(ctx, network); err != nil {
			return err
		}
	} else if d.runtime == nil && len(m.Modules) > 0 {
		logger.Warn("container runtime disabled, modules are recorded but not started")
	}

	for _, spec := range m.Modules {
		id, err := d.store.NextModuleID()
		if err != nil {
			return fmt.Errorf("failed to allocate module id: %w", err)
		}
		mod := storage.Module{
			ID:      id,
			Name:    spec.Name,
			Version: m.ModuleVersion(spec),
			Image:   spec.Image,
		}
		if d.runtime != nil {
			mod.ContainerName = ContainerName(m.Name, spec.Name)
			if err := d.startModule(ctx, dir, network, m, spec, mod); err != nil {
				return fmt.Errorf("module %s: %w", spec.Name, err)
			}
			logger.Info("module started", "module", spec.Name, "module_id", id)
		}
		pkg.Modules = append(pkg.Modules, mod)
	}

	if pkg.Terraform {
		logger.Info("applying terraform")
		tf, err := d.newTerraform(dir)
		if err != nil {
			return fmt.Errorf("failed to create terraform executor: %w", err)
		}
		if err := tf.Init(ctx); err != nil {
			return fmt.Errorf("terraform init failed: %w", err)
		}
		if err := tf.Apply(ctx, d.variables(dir, m.Name, m.Version)); err != nil {
			return fmt.Errorf("terraform apply failed: %w", err)
		}
	}
	return nil
}

func (d *Deployer) startModule(ctx context.Context, dir, network string, m *Manifest, spec ModuleSpec, mod storage.Module) error {
	if err := d.runtime.EnsureImage(ctx, spec.Image); err != nil {
		return err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	binds, err := moduleBinds(dir, spec.Volumes)
	if err != nil {
		return err
	}

	id, err := d.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:    mod.ContainerName,
		Image:   spec.Image,
		Cmd:     spec.Command,
		Env:     env,
		Network: network,
		Binds:   binds,
		Labels: map[string]string{
			modules.LabelModuleID: strconv.FormatInt(mod.ID, 10),
			modules.LabelPackage:  m.Name,
			modules.LabelModule:   spec.Name,
			modules.LabelVersion:  mod.Version,
		},
	})
	if err != nil {
		return err
	}
	return d.runtime.StartContainer(ctx, id)
}

// moduleBinds resolves relative host paths against the package data directory
func moduleBinds(dir string, volumes []string) ([]string, error) {
	var binds []string
	for _, v := range volumes {
		host, target, _ := strings.Cut(v, ":")
		if !filepath.IsAbs(host) {
			host = filepath.Join(dir, "data", host)
			if err := os.MkdirAll(host, 0755); err != nil {
				return nil, fmt.Errorf("failed to create volume directory: %w", err)
			}
		}
		binds = append(binds, host+":"+target)
	}
	return binds, nil
}

// Teardown removes the containers, terraform resources, network and
// directory of an installed package. Every step is attempted.
func (d *Deployer) Teardown(ctx context.Context, pkg storage.Package) error {
	logger := d.logger.With("package", pkg.Name, "version", pkg.Version)
	var errs []error

	if d.runtime != nil {
		containers, err := d.runtime.ListContainers(ctx, modules.LabelPackage)
		if err != nil {
			errs = append(errs, err)
		}
		for _, c := range containers {
			if c.Labels[modules.LabelPackage] != pkg.Name {
				continue
			}
			logger.Info("removing container", "container", c.Name)
			if err := d.runtime.RemoveContainer(ctx, c.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if pkg.Terraform && pkg.Path != "" {
		logger.Info("destroying terraform resources")
		if err := d.destroy(ctx, pkg); err != nil {
			errs = append(errs, err)
		}
	}

	if d.runtime != nil {
		if err := d.runtime.RemoveNetwork(ctx, NetworkName(pkg.Name)); err != nil {
			logger.Warn("failed to remove docker network", "error", err)
		}
	}

	if pkg.Path != "" {
		if err := os.RemoveAll(pkg.Path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove package directory: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *Deployer) destroy(ctx context.Context, pkg storage.Package) error {
	tf, err := d.newTerraform(pkg.Path)
	if err != nil {
		return fmt.Errorf("failed to create terraform executor: %w", err)
	}
	if err := tf.Init(ctx); err != nil {
		return fmt.Errorf("terraform init failed: %w", err)
	}
	if err := tf.Destroy(ctx, d.variables(pkg.Path, pkg.Name, pkg.Version)); err != nil {
		return fmt.Errorf("terraform destroy failed: %w", err)
	}
	return nil
}

func (d *Deployer) variables(dir, name, version string) map[string]string {
	return map[string]string{
		"deploy_package_name":    name,
		"deploy_package_version": version,
		"deploy_package_dir":     dir,
		"deploy_network_name":    NetworkName(name),
		"deploy_arch":            d.host.Arch,
		"deploy_gpu_vendor":      d.host.GPUVendor,
	}
}
