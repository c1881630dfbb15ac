package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chutehq/chute/internal/upload"
)

const (
	// tusVersion is the protocol version token required on every mutating
	// request and echoed on every response.
	tusVersion = "1.0.0"

	// offsetContentType marks a request body as a chunk at the current
	// offset.
	offsetContentType = "application/offset+octet-stream"

	// deferLengthValue is the only accepted Upload-Defer-Length value.
	deferLengthValue = "1"
)

// Wire-level validation failures, rejected before any entity is touched.
var (
	errUnsupportedVersion = upload.NewError("ERR_UNSUPPORTED_VERSION", "missing, invalid or unsupported Tus-Resumable header", http.StatusPreconditionFailed)
	errInvalidContentType = upload.NewError("ERR_INVALID_CONTENT_TYPE", "missing or invalid Content-Type header", http.StatusBadRequest)
	errInvalidOffset      = upload.NewError("ERR_INVALID_OFFSET", "missing or invalid Upload-Offset header", http.StatusBadRequest)
	errInvalidLength      = upload.NewError("ERR_INVALID_LENGTH", "missing or invalid Upload-Length header", http.StatusBadRequest)
	errAmbiguousLength    = upload.NewError("ERR_AMBIGUOUS_LENGTH", "provided both Upload-Length and Upload-Defer-Length", http.StatusBadRequest)
	errInvalidDeferLength = upload.NewError("ERR_INVALID_DEFER_LENGTH", "invalid Upload-Defer-Length header", http.StatusBadRequest)
)

// Handler exposes the resumable upload protocol over HTTP.
type Handler struct {
	engine   *upload.Engine
	basePath string
	maxSize  int64
}

// NewHandler creates a handler serving uploads under basePath.
func NewHandler(engine *upload.Engine, basePath string, maxSize int64) *Handler {
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	return &Handler{engine: engine, basePath: basePath, maxSize: maxSize}
}

// Register mounts the protocol routes on the router.
func (h *Handler) Register(router *gin.Engine) {
	group := router.Group(strings.TrimSuffix(h.basePath, "/"))
	group.Use(h.protocol())

	group.POST("", h.create)
	group.OPTIONS("", h.options)
	group.OPTIONS("/:id", h.options)
	group.POST("/:id", h.overridePost)
	group.HEAD("/:id", h.status)
	group.GET("/:id", h.download)
	group.PATCH("/:id", h.writeChunk)
	group.DELETE("/:id", h.terminate)
}

// protocol enforces the version token on protocol requests and stamps the
// response headers every protocol reply carries.
func (h *Handler) protocol() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Tus-Resumable", tusVersion)
		c.Header("X-Content-Type-Options", "nosniff")

		// OPTIONS is the discovery request and GET is not part of the
		// protocol; everything else must carry the version token.
		switch c.Request.Method {
		case http.MethodPost, http.MethodHead, http.MethodPatch, http.MethodDelete:
			if c.GetHeader("Tus-Resumable") != tusVersion {
				c.Header("Tus-Version", tusVersion)
				h.sendError(c, errUnsupportedVersion)
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

// overridePost lets clients that cannot issue PATCH or DELETE requests
// tunnel them through POST with the X-HTTP-Method-Override header.
func (h *Handler) overridePost(c *gin.Context) {
	switch c.GetHeader("X-HTTP-Method-Override") {
	case http.MethodPatch:
		h.writeChunk(c)
	case http.MethodDelete:
		h.terminate(c)
	default:
		c.Status(http.StatusMethodNotAllowed)
	}
}

// create handles upload creation, optionally consuming a first chunk when
// the request carries one (creation-with-upload).
func (h *Handler) create(c *gin.Context) {
	size, deferred, err := parseLengthHeaders(c.GetHeader("Upload-Length"), c.GetHeader("Upload-Defer-Length"))
	if err != nil {
		h.sendError(c, err)
		return
	}

	req := upload.CreateRequest{
		Size:           size,
		SizeIsDeferred: deferred,
		MetaData:       ParseMetadataHeader(c.GetHeader("Upload-Metadata")),
	}

	// Any other content type is ignored rather than rejected: some HTTP
	// clients force a default value for this header.
	containsChunk := c.GetHeader("Content-Type") == offsetContentType
	if containsChunk && c.Request.Body != nil {
		req.InitialChunk = c.Request.Body
		req.InitialChunkLength = c.Request.ContentLength
	}

	info, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.Header("Location", h.absURL(c, info.ID))
	if info.ExpiresAt != nil {
		c.Header("Upload-Expires", info.ExpiresAt.UTC().Format(http.TimeFormat))
	}
	if containsChunk {
		c.Header("Upload-Offset", strconv.FormatInt(info.Offset, 10))
	}

	c.Status(http.StatusCreated)
}

// status reports the current offset and length. It never mutates and runs
// freely concurrent with chunk writes.
func (h *Handler) status(c *gin.Context) {
	info, err := h.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Upload-Offset", strconv.FormatInt(info.Offset, 10))

	if info.SizeIsDeferred {
		c.Header("Upload-Defer-Length", deferLengthValue)
	} else {
		c.Header("Upload-Length", strconv.FormatInt(info.Size, 10))
	}
	if len(info.MetaData) != 0 {
		c.Header("Upload-Metadata", SerializeMetadataHeader(info.MetaData))
	}
	if info.ExpiresAt != nil {
		c.Header("Upload-Expires", info.ExpiresAt.UTC().Format(http.TimeFormat))
	}

	c.Status(http.StatusOK)
}

// writeChunk appends a chunk at the offset the client claims. A deferred
// length upload may declare its final length on the same request.
func (h *Handler) writeChunk(c *gin.Context) {
	if c.GetHeader("Content-Type") != offsetContentType {
		h.sendError(c, errInvalidContentType)
		return
	}

	offset, err := strconv.ParseInt(c.GetHeader("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		h.sendError(c, errInvalidOffset)
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()

	if lengthHeader := c.GetHeader("Upload-Length"); lengthHeader != "" {
		size, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil || size < 0 {
			h.sendError(c, errInvalidLength)
			return
		}
		if err := h.engine.DeclareLength(ctx, id, size); err != nil {
			h.sendError(c, err)
			return
		}
	}

	var body io.Reader = http.NoBody
	if c.Request.Body != nil {
		body = c.Request.Body
	}

	newOffset, err := h.engine.WriteChunk(ctx, id, offset, body, c.Request.ContentLength)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.Header("Upload-Offset", strconv.FormatInt(newOffset, 10))
	c.Status(http.StatusNoContent)
}

// terminate discards the upload permanently.
func (h *Handler) terminate(c *gin.Context) {
	if err := h.engine.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		h.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// options advertises the protocol version and the negotiated extensions.
func (h *Handler) options(c *gin.Context) {
	c.Header("Tus-Version", tusVersion)
	c.Header("Tus-Extension", h.engine.Extensions().String())
	if h.maxSize > 0 {
		c.Header("Tus-Max-Size", strconv.FormatInt(h.maxSize, 10))
	}

	// 200 instead of 204: some browsers treat 204 preflight responses as
	// rejections.
	c.Status(http.StatusOK)
}

// download streams the stored bytes back. Not part of the protocol.
func (h *Handler) download(c *gin.Context) {
	info, src, err := h.engine.OpenPayload(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	defer src.Close()

	if info.Offset == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	contentType := "application/octet-stream"
	disposition := "attachment"
	if filetype := info.MetaData["filetype"]; filetype != "" {
		contentType = filetype
	}
	if filename, ok := info.MetaData["filename"]; ok {
		disposition += ";filename=" + strconv.Quote(filename)
	}

	c.Header("Content-Length", strconv.FormatInt(info.Offset, 10))
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", disposition)
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, src); err != nil {
		log.Error().Err(err).Str("id", info.ID).Msg("payload download interrupted")
	}
}

// sendError maps an error to its wire representation. HEAD responses carry
// no body.
func (h *Handler) sendError(c *gin.Context, err error) {
	perr := upload.AsProtocolError(err)
	if perr.Code == upload.ErrStorageFailure.Code {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("internal error handling upload request")
	}

	if c.Request.Method == http.MethodHead {
		c.Status(perr.Status)
		return
	}

	c.JSON(perr.Status, gin.H{"error": perr.Code, "message": perr.Message})
}

// absURL builds the Location URL for a new upload, honoring forwarding
// headers set by proxies.
func (h *Handler) absURL(c *gin.Context, id string) string {
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded == "http" || forwarded == "https" {
		proto = forwarded
	}

	host := c.Request.Host
	if forwarded := c.GetHeader("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}

	return proto + "://" + host + h.basePath + id
}

// parseLengthHeaders validates the mutually exclusive Upload-Length and
// Upload-Defer-Length creation headers.
func parseLengthHeaders(lengthHeader, deferHeader string) (size int64, deferred bool, err error) {
	switch {
	case lengthHeader != "" && deferHeader != "":
		return 0, false, errAmbiguousLength
	case deferHeader != "":
		if deferHeader != deferLengthValue {
			return 0, false, errInvalidDeferLength
		}
		return 0, true, nil
	case lengthHeader != "":
		size, parseErr := strconv.ParseInt(lengthHeader, 10, 64)
		if parseErr != nil || size < 0 {
			return 0, false, errInvalidLength
		}
		return size, false, nil
	default:
		return 0, false, errInvalidLength
	}
}
