package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Package is an installed deployment package
type Package struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	InstalledAt  time.Time `json:"installed_at"`
	SystemUpdate bool      `json:"system_update,omitempty"`
	Path         string    `json:"path,omitempty"`      // unpacked package directory
	Terraform    bool      `json:"terraform,omitempty"` // package carried a main.tf
	Modules      []Module  `json:"modules"`
}

// Module is a runtime component shipped by a package
type Module struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Image         string `json:"image,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// Confirmation is a completed system update waiting to be reported after
// the restart it triggered
type Confirmation struct {
	JobID             int64     `json:"job_id"`
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	RequesterClientID string    `json:"requester_client_id"`
	VerifierPath      string    `json:"verifier_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Storage is an abstract persistent store for the package inventory.
// Implementations may be local (BoltDB) or remote.
type Storage interface {
	Open() error
	Close() error

	// Package operations
	GetPackages() ([]Package, error)
	GetPackage(name string) (Package, error)
	SavePackage(p Package) error
	DeletePackage(name string) error

	// NextModuleID allocates a unique, increasing module id
	NextModuleID() (int64, error)

	// Confirmation operations
	GetConfirmations() ([]Confirmation, error)
	SaveConfirmation(c Confirmation) error
	DeleteConfirmation(jobID int64) error
}
