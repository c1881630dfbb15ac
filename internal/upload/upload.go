package upload

import (
	"context"
	"io"
	"time"
)

// MetaData holds the client-supplied key/value pairs attached to an upload
// at creation time. The engine never interprets them.
type MetaData map[string]string

// FileInfo describes the current state of a single upload resource.
type FileInfo struct {
	// ID is the opaque token identifying the upload. It is generated at
	// creation, immutable and never reused, even after termination.
	ID string `json:"id"`

	// Size is the total length of the upload in bytes. It is only
	// meaningful when SizeIsDeferred is false.
	Size int64 `json:"size"`

	// SizeIsDeferred indicates that the client has not declared the total
	// length yet (creation-defer-length extension).
	SizeIsDeferred bool `json:"size_is_deferred"`

	// Offset is the number of bytes durably stored so far.
	Offset int64 `json:"offset"`

	MetaData MetaData `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is set when the expiration extension is active for this
	// upload. A nil value means the upload never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsFinished reports whether the upload has received all of its bytes.
func (i FileInfo) IsFinished() bool {
	return !i.SizeIsDeferred && i.Offset == i.Size
}

// IsExpired reports whether the upload's expiry has passed at the given time.
func (i FileInfo) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

// Store is the contract every storage backend must fulfil. The engine
// serializes all mutating calls for one upload behind an exclusive lock, so
// implementations do not need to synchronize access to a single upload
// themselves.
type Store interface {
	// Allocate prepares storage for a new upload and persists its initial
	// metadata record.
	Allocate(ctx context.Context, info FileInfo) error

	// WriteChunk appends bytes from src to the upload's payload starting at
	// the given offset and returns the number of bytes written. The
	// metadata record with the advanced offset must only be committed after
	// the payload bytes are durable, so a crash never leaves the recorded
	// offset ahead of stored bytes. Partial writes are committed: the
	// returned count reflects what was durably stored even when an error is
	// returned alongside it.
	WriteChunk(ctx context.Context, id string, offset int64, src io.Reader) (int64, error)

	// ReadInfo returns the current metadata record for an upload. The
	// reported offset must cover every durably stored payload byte, even
	// ones whose record commit was lost to a crash, so a client retrying a
	// chunk that already landed observes a conflict instead of appending it
	// twice. It returns ErrNotFound for unknown ids and ErrUploadGone for
	// ids that were terminated or expired.
	ReadInfo(ctx context.Context, id string) (FileInfo, error)
}

// LengthDeclarer is implemented by stores that support the
// creation-defer-length extension.
type LengthDeclarer interface {
	DeclareLength(ctx context.Context, id string, size int64) error
}

// Terminator is implemented by stores that support the termination
// extension. Terminate discards payload and metadata and leaves a durable
// tombstone so the id can never be resurrected.
type Terminator interface {
	Terminate(ctx context.Context, id string) error
}

// Expirer is implemented by stores that support the expiration extension.
type Expirer interface {
	// ListExpired returns the ids of uploads whose expiry has passed and
	// which are not finished. The engine re-validates each candidate under
	// the upload's exclusive lock before reclaiming it.
	ListExpired(ctx context.Context) ([]string, error)
}

// Reader is implemented by stores that can stream back the stored payload.
// It backs the non-normative GET endpoint and is not part of the protocol.
type Reader interface {
	ReadPayload(ctx context.Context, id string) (io.ReadCloser, error)
}
