package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config holds the engine's upload policy.
type Config struct {
	// MaxSize caps the total length of a single upload. Zero means
	// unlimited. It also bounds how much body a deferred-length upload may
	// accumulate.
	MaxSize int64

	// Expiry is the time-to-live granted to every upload at creation when
	// the expiration extension is negotiated. The expiry is fixed at
	// creation and not refreshed by chunk writes. Zero disables expiration.
	Expiry time.Duration
}

// Engine is the upload lifecycle state machine. It validates and applies
// creation, chunk-write, status, length-declaration and termination
// operations, serializing mutations per upload through the lock registry
// and delegating persistence to the store.
type Engine struct {
	store Store
	locks *LockRegistry
	hooks *Dispatcher
	exts  Extensions
	cfg   Config

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine wires an engine to a store and hook dispatcher and negotiates
// the extension set.
func NewEngine(store Store, hooks *Dispatcher, cfg Config) *Engine {
	if hooks == nil {
		hooks = NewDispatcher()
	}

	engine := &Engine{
		store: store,
		locks: NewLockRegistry(),
		hooks: hooks,
		exts:  NegotiateExtensions(store, cfg),
		cfg:   cfg,
		now:   time.Now,
	}

	log.Info().
		Stringer("extensions", engine.exts).
		Int64("max_size", cfg.MaxSize).
		Dur("expiry", cfg.Expiry).
		Msg("upload engine initialized")

	return engine
}

// Extensions returns the negotiated capability set.
func (e *Engine) Extensions() Extensions {
	return e.exts
}

// CreateRequest describes a create operation.
type CreateRequest struct {
	// Size is the declared total length. Ignored when SizeIsDeferred.
	Size int64

	// SizeIsDeferred requests the creation-defer-length extension.
	SizeIsDeferred bool

	MetaData MetaData

	// InitialChunk, when non-nil, is applied as an immediate chunk write
	// at offset 0 (creation-with-upload extension).
	InitialChunk io.Reader

	// InitialChunkLength is the declared byte count of InitialChunk, or -1
	// when unknown (chunked transfer encoding).
	InitialChunkLength int64
}

// Create allocates a new upload resource. The returned FileInfo reflects
// the state after any initial chunk was consumed; when the initial chunk
// write fails partway, the info is returned together with the error.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (FileInfo, error) {
	if req.SizeIsDeferred && !e.exts.Has(ExtCreationDeferLength) {
		return FileInfo{}, ErrUnsupportedExtension
	}
	if !req.SizeIsDeferred && req.Size < 0 {
		return FileInfo{}, ErrUploadRejected
	}
	if !req.SizeIsDeferred && e.cfg.MaxSize > 0 && req.Size > e.cfg.MaxSize {
		return FileInfo{}, ErrMaxSizeExceeded
	}
	if req.InitialChunk != nil && !e.exts.Has(ExtCreationWithUpload) {
		return FileInfo{}, ErrUnsupportedExtension
	}

	now := e.now()
	info := FileInfo{
		Size:           req.Size,
		SizeIsDeferred: req.SizeIsDeferred,
		MetaData:       req.MetaData,
		CreatedAt:      now,
	}
	if info.MetaData == nil {
		info.MetaData = MetaData{}
	}
	if e.exts.Has(ExtExpiration) {
		expiresAt := now.Add(e.cfg.Expiry)
		info.ExpiresAt = &expiresAt
	}

	// Admission runs before any state is touched. The id is not assigned
	// yet, mirroring the fact that nothing has been allocated.
	if err := e.hooks.admit(ctx, HookEvent{Upload: info}); err != nil {
		return FileInfo{}, err
	}

	info.ID = uuid.NewString()

	if err := e.store.Allocate(ctx, info); err != nil {
		return FileInfo{}, fmt.Errorf("allocating upload %s: %w", info.ID, err)
	}

	log.Info().
		Str("id", info.ID).
		Int64("size", info.Size).
		Bool("size_deferred", info.SizeIsDeferred).
		Msg("upload created")

	e.hooks.fireCreated(ctx, HookEvent{Upload: info})

	// An upload declared with zero length is complete the moment it is
	// created; any creation body is necessarily empty and skipped rather
	// than run through chunk validation, which would reject the write.
	if info.IsFinished() {
		e.hooks.fireFinished(ctx, HookEvent{Upload: info})
		return info, nil
	}

	if req.InitialChunk == nil {
		return info, nil
	}

	release, err := e.locks.LockExclusive(ctx, info.ID)
	if err != nil {
		return info, err
	}
	defer release()

	newOffset, err := e.writeChunkLocked(ctx, info, 0, req.InitialChunk, req.InitialChunkLength)
	info.Offset = newOffset
	return info, err
}

// Status returns a consistent snapshot of the upload under the shared lock.
// It never mutates state.
func (e *Engine) Status(ctx context.Context, id string) (FileInfo, error) {
	release, err := e.locks.LockShared(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	defer release()

	return e.getLiveInfo(ctx, id)
}

// WriteChunk appends bytes at the given offset under the exclusive lock and
// returns the new offset. length is the declared chunk size, or -1 when
// unknown. Partial writes commit the bytes that were durably stored, so the
// returned offset is valid even when an error is returned.
func (e *Engine) WriteChunk(ctx context.Context, id string, offset int64, src io.Reader, length int64) (int64, error) {
	release, err := e.locks.LockExclusive(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	info, err := e.getLiveInfo(ctx, id)
	if err != nil {
		return 0, err
	}

	return e.writeChunkLocked(ctx, info, offset, src, length)
}

// DeclareLength sets the total length of a deferred-length upload. It is
// legal exactly once and only before any finishing write.
func (e *Engine) DeclareLength(ctx context.Context, id string, size int64) error {
	if !e.exts.Has(ExtCreationDeferLength) {
		return ErrUnsupportedExtension
	}

	release, err := e.locks.LockExclusive(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	info, err := e.getLiveInfo(ctx, id)
	if err != nil {
		return err
	}

	if !info.SizeIsDeferred {
		return ErrLengthAlreadyDeclared
	}
	if size < info.Offset {
		return ErrLengthBelowOffset
	}
	if e.cfg.MaxSize > 0 && size > e.cfg.MaxSize {
		return ErrMaxSizeExceeded
	}

	declarer := e.store.(LengthDeclarer)
	if err := declarer.DeclareLength(ctx, id, size); err != nil {
		return fmt.Errorf("declaring length for upload %s: %w", id, err)
	}

	log.Info().Str("id", id).Int64("size", size).Msg("upload length declared")

	info.Size = size
	info.SizeIsDeferred = false
	if info.IsFinished() {
		e.hooks.fireFinished(ctx, HookEvent{Upload: info})
	}

	return nil
}

// Terminate discards the upload's bytes and metadata, records the durable
// tombstone and evicts the lock entry. The id is never reassigned.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	if !e.exts.Has(ExtTermination) {
		return ErrTerminationUnsupported
	}

	release, err := e.locks.LockExclusive(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	info, err := e.getLiveInfo(ctx, id)
	if err != nil {
		return err
	}

	return e.reclaimLocked(ctx, info)
}

// reclaimLocked discards storage for an upload whose exclusive lock the
// caller holds, evicting the lock entry afterwards. Used by both client
// initiated termination and the expiration sweeper.
func (e *Engine) reclaimLocked(ctx context.Context, info FileInfo) error {
	term, ok := e.store.(Terminator)
	if !ok {
		return ErrTerminationUnsupported
	}

	if err := term.Terminate(ctx, info.ID); err != nil {
		return fmt.Errorf("terminating upload %s: %w", info.ID, err)
	}

	e.locks.Evict(info.ID)

	log.Info().Str("id", info.ID).Int64("offset", info.Offset).Msg("upload terminated")
	e.hooks.fireTerminated(ctx, HookEvent{Upload: info})

	return nil
}

// OpenPayload returns the upload's info together with a reader over its
// stored bytes. The shared lock is only held while opening; streaming to
// the client happens after it is released.
func (e *Engine) OpenPayload(ctx context.Context, id string) (FileInfo, io.ReadCloser, error) {
	reader, ok := e.store.(Reader)
	if !ok {
		return FileInfo{}, nil, ErrDownloadUnsupported
	}

	release, err := e.locks.LockShared(ctx, id)
	if err != nil {
		return FileInfo{}, nil, err
	}
	defer release()

	info, err := e.getLiveInfo(ctx, id)
	if err != nil {
		return FileInfo{}, nil, err
	}

	src, err := reader.ReadPayload(ctx, id)
	if err != nil {
		return FileInfo{}, nil, fmt.Errorf("opening payload of upload %s: %w", id, err)
	}

	return info, src, nil
}

// getLiveInfo loads the info record and rejects expired uploads with Gone.
// Finished uploads are exempt from expiration: once complete, the payload
// is an application asset and only the application may remove it.
func (e *Engine) getLiveInfo(ctx context.Context, id string) (FileInfo, error) {
	info, err := e.store.ReadInfo(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if info.IsExpired(e.now()) && !info.IsFinished() {
		return FileInfo{}, ErrUploadGone
	}
	return info, nil
}

// writeChunkLocked performs the validated chunk write. The caller holds the
// exclusive lock for info.ID.
func (e *Engine) writeChunkLocked(ctx context.Context, info FileInfo, offset int64, src io.Reader, length int64) (int64, error) {
	if info.IsFinished() {
		return info.Offset, ErrUploadFinished
	}
	if offset != info.Offset {
		return info.Offset, ErrOffsetMismatch
	}

	// Reject oversized chunks before consuming any bytes when the chunk
	// length is known up front.
	if length >= 0 {
		if !info.SizeIsDeferred && offset+length > info.Size {
			return info.Offset, ErrSizeExceeded
		}
		if info.SizeIsDeferred && e.cfg.MaxSize > 0 && offset+length > e.cfg.MaxSize {
			return info.Offset, ErrMaxSizeExceeded
		}
	}

	src = e.boundChunk(info, offset, src)

	written, err := e.store.WriteChunk(ctx, info.ID, offset, src)
	newOffset := offset + written

	log.Debug().
		Str("id", info.ID).
		Int64("offset", offset).
		Int64("written", written).
		Msg("chunk written")

	// The committed bytes decide completion, even when the copy failed at
	// the tail: whatever reached durable storage counts.
	info.Offset = newOffset
	if info.IsFinished() {
		log.Info().Str("id", info.ID).Int64("size", info.Size).Msg("upload finished")
		e.hooks.fireFinished(ctx, HookEvent{Upload: info})
	}

	return newOffset, err
}

// boundChunk wraps src so the write can never pass the declared length, or
// the configured maximum for deferred-length uploads. This covers chunked
// transfer encodings where no length was declared up front.
func (e *Engine) boundChunk(info FileInfo, offset int64, src io.Reader) io.Reader {
	switch {
	case !info.SizeIsDeferred:
		return &boundedReader{r: src, remaining: info.Size - offset, limitErr: ErrSizeExceeded}
	case e.cfg.MaxSize > 0:
		return &boundedReader{r: src, remaining: e.cfg.MaxSize - offset, limitErr: ErrMaxSizeExceeded}
	default:
		return src
	}
}

// boundedReader reads at most remaining bytes and fails with limitErr when
// the source holds more, unlike io.LimitReader which truncates silently.
type boundedReader struct {
	r         io.Reader
	remaining int64
	limitErr  error
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// Probe for surplus bytes; any data past the limit is an error.
		n, err := b.r.Read(p[:min(len(p), 1)])
		if n > 0 {
			return 0, b.limitErr
		}
		return 0, err
	}

	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}
