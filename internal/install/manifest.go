package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the descriptor every package archive carries at its root
const ManifestFile = "manifest.yaml"

// Manifest describes the contents of a deployment package
type Manifest struct {
	Name    string       `yaml:"name" validate:"required,excludesall=/\\"`
	Version string       `yaml:"version" validate:"required"`
	Modules []ModuleSpec `yaml:"modules" validate:"dive"`
}

// ModuleSpec is one container-backed runtime module of a package
type ModuleSpec struct {
	Name    string            `yaml:"name" validate:"required,excludesall=/\\"`
	Version string            `yaml:"version"`
	Image   string            `yaml:"image" validate:"required"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Volumes []string          `yaml:"volumes" validate:"dive,contains=:"`
}

// ReadManifest loads and validates the manifest of an unpacked package
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and module name uniqueness
func (m *Manifest) Validate() error {
	if err := validator.New().Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid package manifest: field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid package manifest: %w", err)
	}
	if m.Name == "." || m.Name == ".." {
		return fmt.Errorf("invalid package manifest: bad package name %q", m.Name)
	}
	seen := make(map[string]bool, len(m.Modules))
	for _, mod := range m.Modules {
		if seen[mod.Name] {
			return fmt.Errorf("invalid package manifest: duplicate module %q", mod.Name)
		}
		seen[mod.Name] = true
	}
	return nil
}

// ModuleVersion returns the module's version, defaulting to the package's
func (m *Manifest) ModuleVersion(spec ModuleSpec) string {
	if spec.Version != "" {
		return spec.Version
	}
	return m.Version
}
