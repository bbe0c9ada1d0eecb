package internal

import (
	"os"
	"path/filepath"
)

const defaultStorageRoot = "/var/lib/deploy-agent"

// GetStorageRoot returns the storage root directory from environment or default
func GetStorageRoot() string {
	root := os.Getenv("DEPLOY_AGENT_DATA_DIR")
	if root == "" {
		root = defaultStorageRoot
	}
	return root
}

// GetDownloadsDir returns the directory downloaded packages are written to
func GetDownloadsDir(root string) string {
	return filepath.Join(root, "downloads")
}

// GetPackagesDir returns the directory installed packages are unpacked into
func GetPackagesDir(root string) string {
	return filepath.Join(root, "packages")
}

// GetVerificationDir returns the directory holding system update verifier scripts
func GetVerificationDir(root string) string {
	return filepath.Join(root, "verification")
}

// GetInventoryPath returns the path of the package inventory database
func GetInventoryPath(root string) string {
	return filepath.Join(root, "inventory.db")
}
