package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chutehq/chute/pkg/config"
)

func TestStorageFactory(t *testing.T) {
	t.Run("disk", func(t *testing.T) {
		factory := NewStorageFactory(&config.StorageConfig{Type: "disk", Path: t.TempDir()})
		store, err := factory.CreateStore()
		require.NoError(t, err)
		assert.IsType(t, &DiskStore{}, store)
	})

	t.Run("leveldb", func(t *testing.T) {
		factory := NewStorageFactory(&config.StorageConfig{Type: "leveldb", Path: t.TempDir()})
		store, err := factory.CreateStore()
		require.NoError(t, err)
		require.IsType(t, &LevelDBStore{}, store)
		store.(*LevelDBStore).Close()
	})

	t.Run("unsupported", func(t *testing.T) {
		factory := NewStorageFactory(&config.StorageConfig{Type: "s3"})
		_, err := factory.CreateStore()
		assert.ErrorContains(t, err, "unsupported storage type")
	})
}
