package upload

import (
	"errors"
	"net/http"
)

// Error is a protocol-level failure with a machine-readable code and the
// HTTP status it maps to at the wire boundary. Every rejected operation
// leaves the upload in the exact state it was in before the call.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e Error) Error() string {
	return e.Message
}

// NewError builds a protocol error value.
func NewError(code, message string, status int) Error {
	return Error{Code: code, Message: message, Status: status}
}

var (
	ErrNotFound              = NewError("ERR_UPLOAD_NOT_FOUND", "upload not found", http.StatusNotFound)
	ErrUploadGone            = NewError("ERR_UPLOAD_GONE", "upload was terminated or has expired", http.StatusGone)
	ErrOffsetMismatch        = NewError("ERR_OFFSET_MISMATCH", "offset does not match the current upload offset", http.StatusConflict)
	ErrUploadFinished        = NewError("ERR_UPLOAD_FINISHED", "upload is already finished and accepts no further writes", http.StatusConflict)
	ErrSizeExceeded          = NewError("ERR_SIZE_EXCEEDED", "write would exceed the upload's declared length", http.StatusRequestEntityTooLarge)
	ErrMaxSizeExceeded       = NewError("ERR_MAX_SIZE_EXCEEDED", "upload length exceeds the configured maximum", http.StatusRequestEntityTooLarge)
	ErrLengthAlreadyDeclared = NewError("ERR_LENGTH_ALREADY_DECLARED", "upload length was already declared", http.StatusConflict)
	ErrLengthBelowOffset     = NewError("ERR_LENGTH_BELOW_OFFSET", "declared length is smaller than the current offset", http.StatusConflict)
	ErrUnsupportedExtension  = NewError("ERR_EXTENSION_UNSUPPORTED", "operation requires an extension that is not negotiated", http.StatusBadRequest)
	ErrUploadRejected        = NewError("ERR_UPLOAD_REJECTED", "upload was rejected by a pre-create hook", http.StatusBadRequest)

	// Termination on a store without the termination extension is reported
	// like a missing resource instead of revealing the capability gap.
	ErrTerminationUnsupported = NewError("ERR_TERMINATION_UNSUPPORTED", "termination is not supported for this upload", http.StatusNotFound)

	// Downloading is not part of the protocol and only available when the
	// store can stream payloads back.
	ErrDownloadUnsupported = NewError("ERR_DOWNLOAD_UNSUPPORTED", "downloading is not supported by this store", http.StatusNotImplemented)

	ErrStorageFailure = NewError("ERR_STORAGE_FAILURE", "storage backend failure", http.StatusInternalServerError)
)

// AsProtocolError extracts a protocol Error from err. Unrecognized errors
// are folded into ErrStorageFailure so backend failures always surface as a
// server-side fault.
func AsProtocolError(err error) Error {
	var perr Error
	if errors.As(err, &perr) {
		return perr
	}
	return ErrStorageFailure
}
