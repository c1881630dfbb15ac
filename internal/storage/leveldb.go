package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chutehq/chute/internal/upload"
)

// LevelDBStore keeps payload files on disk like DiskStore but holds the
// metadata records and tombstones in an embedded LevelDB database instead
// of sidecar files. The write discipline is the same: payload bytes are
// synced before the record with the advanced offset is put.
type LevelDBStore struct {
	db       *leveldb.DB
	dataPath string
}

const (
	infoKeyPrefix = "info:"
	goneKeyPrefix = "gone:"
)

// NewLevelDBStore opens (or creates) a store rooted at basePath, with
// payloads under data/ and the metadata database under meta/.
func NewLevelDBStore(basePath string) (*LevelDBStore, error) {
	dataPath := filepath.Join(basePath, "data")
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(basePath, "meta"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	log.Info().Str("path", basePath).Msg("leveldb store initialized")
	return &LevelDBStore{db: db, dataPath: dataPath}, nil
}

// Close releases the metadata database.
func (ls *LevelDBStore) Close() error {
	return ls.db.Close()
}

// Allocate creates the empty payload file and puts the initial record.
func (ls *LevelDBStore) Allocate(ctx context.Context, info upload.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := os.OpenFile(ls.payloadPath(info.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create payload file: %w", err)
	}
	payload.Close()

	if err := ls.putInfo(info); err != nil {
		os.Remove(ls.payloadPath(info.ID))
		return err
	}

	return nil
}

// WriteChunk appends src to the payload file and commits the advanced
// offset only after a successful sync.
func (ls *LevelDBStore) WriteChunk(ctx context.Context, id string, offset int64, src io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := ls.getInfo(id)
	if err != nil {
		return 0, err
	}

	payload, err := os.OpenFile(ls.payloadPath(id), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, upload.ErrNotFound
		}
		return 0, fmt.Errorf("failed to open payload file: %w", err)
	}
	defer payload.Close()

	written, copyErr := io.Copy(payload, src)

	if syncErr := payload.Sync(); syncErr != nil {
		return 0, fmt.Errorf("failed to sync payload file: %w", syncErr)
	}

	if written > 0 {
		info.Offset = offset + written
		if err := ls.putInfo(info); err != nil {
			// The bytes are already durable; reads reconcile the offset from
			// the payload size, so the write still counts.
			return written, err
		}
	}

	return written, copyErr
}

// ReadInfo returns the metadata record for an upload.
func (ls *LevelDBStore) ReadInfo(ctx context.Context, id string) (upload.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return upload.FileInfo{}, err
	}
	return ls.getInfo(id)
}

// DeclareLength fixes the total length of a deferred-length upload.
func (ls *LevelDBStore) DeclareLength(ctx context.Context, id string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := ls.getInfo(id)
	if err != nil {
		return err
	}

	info.Size = size
	info.SizeIsDeferred = false
	return ls.putInfo(info)
}

// Terminate atomically swaps the metadata record for a tombstone and
// removes the payload file.
func (ls *LevelDBStore) Terminate(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := ls.getInfo(id); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(infoKeyPrefix + id))
	batch.Put([]byte(goneKeyPrefix+id), []byte(time.Now().UTC().Format(time.RFC3339)))
	if err := ls.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}

	if err := os.Remove(ls.payloadPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove payload file: %w", err)
	}

	log.Info().Str("id", id).Msg("upload discarded from leveldb store")
	return nil
}

// ListExpired iterates the metadata records for unfinished uploads whose
// expiry has passed.
func (ls *LevelDBStore) ListExpired(ctx context.Context) ([]string, error) {
	now := time.Now()
	var expired []string

	iter := ls.db.NewIterator(util.BytesPrefix([]byte(infoKeyPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var info upload.FileInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			log.Error().Err(err).Str("key", string(iter.Key())).Msg("skipping undecodable metadata record")
			continue
		}

		if info.IsExpired(now) && !info.IsFinished() {
			expired = append(expired, info.ID)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata records: %w", err)
	}
	return expired, nil
}

// ReadPayload opens the stored payload for streaming.
func (ls *LevelDBStore) ReadPayload(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := ls.getInfo(id); err != nil {
		return nil, err
	}

	payload, err := os.Open(ls.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, upload.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open payload file: %w", err)
	}
	return payload, nil
}

func (ls *LevelDBStore) payloadPath(id string) string {
	return filepath.Join(ls.dataPath, id)
}

func (ls *LevelDBStore) getInfo(id string) (upload.FileInfo, error) {
	gone, err := ls.db.Has([]byte(goneKeyPrefix+id), nil)
	if err != nil {
		return upload.FileInfo{}, fmt.Errorf("failed to check tombstone: %w", err)
	}
	if gone {
		return upload.FileInfo{}, upload.ErrUploadGone
	}

	data, err := ls.db.Get([]byte(infoKeyPrefix+id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return upload.FileInfo{}, upload.ErrNotFound
		}
		return upload.FileInfo{}, fmt.Errorf("failed to read metadata record: %w", err)
	}

	var info upload.FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return upload.FileInfo{}, fmt.Errorf("failed to decode metadata record: %w", err)
	}

	// Same recovery rule as the disk store: the payload file's size
	// overrides a record whose commit was lost to a crash after the append.
	stat, err := os.Stat(ls.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return upload.FileInfo{}, upload.ErrNotFound
		}
		return upload.FileInfo{}, fmt.Errorf("failed to stat payload file: %w", err)
	}
	if stat.Size() > info.Offset {
		info.Offset = stat.Size()
	}

	return info, nil
}

func (ls *LevelDBStore) putInfo(info upload.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode metadata record: %w", err)
	}
	if err := ls.db.Put([]byte(infoKeyPrefix+info.ID), data, nil); err != nil {
		return fmt.Errorf("failed to put metadata record: %w", err)
	}
	return nil
}
