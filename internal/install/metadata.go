package install

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Metadata records where an unpacked package came from
type Metadata struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Source      string    `json:"source"`
	JobID       int64     `json:"job_id"`
	InstalledAt time.Time `json:"installed_at"`
}

const metadataFileName = ".deploy-agent.json"

// SaveMetadata writes metadata next to the package contents
func SaveMetadata(packageDir string, metadata *Metadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(packageDir, metadataFileName), data, 0644)
}

// LoadMetadata reads package metadata; a directory without one yields nil
func LoadMetadata(packageDir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(packageDir, metadataFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}
