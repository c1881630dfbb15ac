package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chutehq/chute/internal/upload"
)

// DiskStore is the reference backend. Each upload occupies one payload file
// named after its id and one sidecar record <id>.info holding the metadata.
// The sidecar is replaced atomically and only after payload bytes are
// synced, so a crash mid-write never leaves the recorded offset ahead of
// the stored bytes; in the inverse case, where appended bytes outlive a
// crash that lost the sidecar commit, reads report the payload file's real
// size so a retried chunk cannot be appended twice. Terminated and expired
// uploads leave an empty <id>.gone marker so the id can never be
// resurrected.
type DiskStore struct {
	basePath string
}

const (
	infoSuffix = ".info"
	goneSuffix = ".gone"
)

// NewDiskStore creates a disk store rooted at basePath.
func NewDiskStore(basePath string) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create upload directory")
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("disk store initialized")
	return &DiskStore{basePath: basePath}, nil
}

// Allocate creates the empty payload file and the initial metadata record.
func (ds *DiskStore) Allocate(ctx context.Context, info upload.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := os.OpenFile(ds.payloadPath(info.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create payload file: %w", err)
	}
	payload.Close()

	if err := ds.writeInfo(info); err != nil {
		os.Remove(ds.payloadPath(info.ID))
		return err
	}

	log.Debug().Str("id", info.ID).Int64("size", info.Size).Msg("upload allocated on disk")
	return nil
}

// WriteChunk appends src to the payload file, syncs it, and only then
// commits the advanced offset to the sidecar. The count of bytes that made
// it to disk is committed and returned even when the copy fails partway.
func (ds *DiskStore) WriteChunk(ctx context.Context, id string, offset int64, src io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := ds.readInfo(id)
	if err != nil {
		return 0, err
	}

	payload, err := os.OpenFile(ds.payloadPath(id), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, upload.ErrNotFound
		}
		return 0, fmt.Errorf("failed to open payload file: %w", err)
	}
	defer payload.Close()

	written, copyErr := io.Copy(payload, src)

	if syncErr := payload.Sync(); syncErr != nil {
		// Without a successful sync nothing is known to be durable, so no
		// offset advance is committed.
		return 0, fmt.Errorf("failed to sync payload file: %w", syncErr)
	}

	if written > 0 {
		info.Offset = offset + written
		if err := ds.writeInfo(info); err != nil {
			// The bytes are already durable; reads reconcile the offset from
			// the payload size, so the write still counts.
			return written, err
		}
	}

	return written, copyErr
}

// ReadInfo returns the metadata record for an upload.
func (ds *DiskStore) ReadInfo(ctx context.Context, id string) (upload.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return upload.FileInfo{}, err
	}
	return ds.readInfo(id)
}

// DeclareLength fixes the total length of a deferred-length upload.
func (ds *DiskStore) DeclareLength(ctx context.Context, id string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := ds.readInfo(id)
	if err != nil {
		return err
	}

	info.Size = size
	info.SizeIsDeferred = false
	return ds.writeInfo(info)
}

// Terminate removes payload and metadata and writes the tombstone marker.
// The marker is written first: once it exists the id is dead even if the
// removals are interrupted.
func (ds *DiskStore) Terminate(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := ds.readInfo(id); err != nil {
		return err
	}

	marker, err := os.OpenFile(ds.gonePath(id), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	marker.Close()

	if err := os.Remove(ds.infoPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata record: %w", err)
	}
	if err := os.Remove(ds.payloadPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove payload file: %w", err)
	}

	log.Info().Str("id", id).Msg("upload discarded from disk")
	return nil
}

// ListExpired scans the sidecar records for unfinished uploads whose expiry
// has passed.
func (ds *DiskStore) ListExpired(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(ds.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload directory: %w", err)
	}

	now := time.Now()
	var expired []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), infoSuffix) {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), infoSuffix)
		info, err := ds.readInfo(id)
		if err != nil {
			// The record may have been reclaimed between the directory scan
			// and this read.
			continue
		}

		if info.IsExpired(now) && !info.IsFinished() {
			expired = append(expired, id)
		}
	}

	return expired, nil
}

// ReadPayload opens the stored payload for streaming.
func (ds *DiskStore) ReadPayload(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := ds.readInfo(id); err != nil {
		return nil, err
	}

	payload, err := os.Open(ds.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, upload.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open payload file: %w", err)
	}
	return payload, nil
}

func (ds *DiskStore) payloadPath(id string) string {
	return filepath.Join(ds.basePath, id)
}

func (ds *DiskStore) infoPath(id string) string {
	return filepath.Join(ds.basePath, id+infoSuffix)
}

func (ds *DiskStore) gonePath(id string) string {
	return filepath.Join(ds.basePath, id+goneSuffix)
}

func (ds *DiskStore) readInfo(id string) (upload.FileInfo, error) {
	if _, err := os.Stat(ds.gonePath(id)); err == nil {
		return upload.FileInfo{}, upload.ErrUploadGone
	}

	data, err := os.ReadFile(ds.infoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return upload.FileInfo{}, upload.ErrNotFound
		}
		return upload.FileInfo{}, fmt.Errorf("failed to read metadata record: %w", err)
	}

	var info upload.FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return upload.FileInfo{}, fmt.Errorf("failed to decode metadata record: %w", err)
	}

	// The payload file is authoritative for the offset. After a crash
	// between the payload sync and the sidecar replace, the recorded offset
	// lags the appended bytes; reporting the stale value would let a retry
	// append the same chunk twice.
	stat, err := os.Stat(ds.payloadPath(info.ID))
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

// writeInfo replaces the sidecar record using a temp file, fsync and rename
// so readers never observe a torn record.
func (ds *DiskStore) writeInfo(info upload.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode metadata record: %w", err)
	}

	finalPath := ds.infoPath(info.ID)
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())

	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary record: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write metadata record: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync metadata record: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to replace metadata record: %w", err)
	}

	return nil
}
