package utils

import (
	"os"
	"strings"
)

const (
	StorageProviderGCS  = "gcs"
	StorageProviderNone = "none"
)

// GetStorageProvider reads STORAGE_PROVIDER. "none" disables uploads of
// rendered records and backups (local development).
func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

func StorageEnabled() bool {
	return GetStorageProvider() == StorageProviderGCS && strings.TrimSpace(os.Getenv("GCS_BUCKET")) != ""
}
