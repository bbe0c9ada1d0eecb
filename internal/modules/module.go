package modules

import (
	"context"
	"errors"
)

// State is the lifecycle state of a runtime module
type State string

const (
	StateUninstalled State = "UNINSTALLED"
	StateInstalled   State = "INSTALLED"
	StateResolved    State = "RESOLVED"
	StateStarting    State = "STARTING"
	StateStopping    State = "STOPPING"
	StateActive      State = "ACTIVE"
)

// Container labels identifying agent-managed module containers
const (
	LabelModuleID = "deploy-agent.module.id"
	LabelPackage  = "deploy-agent.package"
	LabelModule   = "deploy-agent.module"
	LabelVersion  = "deploy-agent.version"
)

var (
	// ErrNotFound is returned for an unknown module id
	ErrNotFound = errors.New("module not found")
	// ErrUnsupported is returned when lifecycle control is unavailable
	ErrUnsupported = errors.New("module lifecycle control is not available")
)

// Module is an individually addressable runtime component
type Module struct {
	ID      int64  `json:"id" xml:"id"`
	Name    string `json:"name" xml:"name"`
	Version string `json:"version" xml:"version"`
	Package string `json:"package,omitempty" xml:"package,omitempty"`
	State   State  `json:"state" xml:"state"`
}

// Registry enumerates and controls runtime modules
type Registry interface {
	List(ctx context.Context) ([]Module, error)
	Get(ctx context.Context, id int64) (Module, error)
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
}
