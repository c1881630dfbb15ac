package storage

import (
	"fmt"

	"github.com/chutehq/chute/internal/upload"
	"github.com/chutehq/chute/pkg/config"
)

// StorageFactory creates store instances based on configuration.
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory.
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStore creates a store instance based on the configured type.
func (sf *StorageFactory) CreateStore() (upload.Store, error) {
	switch sf.config.Type {
	case "disk":
		return NewDiskStore(sf.config.Path)
	case "leveldb":
		return NewLevelDBStore(sf.config.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
