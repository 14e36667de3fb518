package xfer

import "net/http"

// Error is the stable error envelope returned by every Manager
// operation and rendered verbatim by internal/httpapi.
type Error struct {
	Code        string
	Message     string
	TransferID  string
	Recoverable bool
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus maps an error code to the status returned to external callers.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "FILE_NOT_FOUND", "TRANSFER_NOT_FOUND":
		return http.StatusNotFound
	case "PERMISSION_DENIED":
		return http.StatusForbidden
	case "FILE_TOO_LARGE", "INVALID_PATH", "INVALID_REQUEST", "HASH_MISMATCH",
		"CHUNK_INTEGRITY", "FILE_CHANGED":
		return http.StatusBadRequest
	case "DISK_FULL":
		return http.StatusInsufficientStorage
	case "MAX_TRANSFERS":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newErr(code, transferID, msg string, recoverable bool) *Error {
	return &Error{Code: code, Message: msg, TransferID: transferID, Recoverable: recoverable}
}

func errFileNotFound(path string) *Error {
	return newErr("FILE_NOT_FOUND", "", "file not found: "+path, false)
}

func errPermissionDenied(msg string) *Error {
	return newErr("PERMISSION_DENIED", "", msg, false)
}

func errTransferNotFound(id string) *Error {
	return newErr("TRANSFER_NOT_FOUND", id, "transfer not found: "+id, false)
}

func errInvalidRequest(msg string) *Error {
	return newErr("INVALID_REQUEST", "", msg, false)
}

func errInvalidPath(msg string) *Error {
	return newErr("INVALID_PATH", "", msg, false)
}

func errFileTooLarge(id string) *Error {
	return newErr("FILE_TOO_LARGE", id, "file exceeds max_upload_size", false)
}

func errDiskFull(id string) *Error {
	return newErr("DISK_FULL", id, "insufficient free disk space", false)
}

func errMaxTransfers() *Error {
	return newErr("MAX_TRANSFERS", "", "maximum concurrent transfers reached", false)
}

func errFileChanged(id string) *Error {
	return newErr("FILE_CHANGED", id, "source file changed since transfer began", true)
}

func errChunkIntegrity(id string) *Error {
	return newErr("CHUNK_INTEGRITY", id, "chunk hash mismatch", true)
}

func errHashMismatch(id string) *Error {
	return newErr("HASH_MISMATCH", id, "assembled file hash does not match declared full_hash", false)
}

func errInternal(id string, err error) *Error {
	return newErr("INTERNAL", id, err.Error(), false)
}
