// Package apperr defines the error taxonomy shared by the manager, the
// conversation engine and the HTTP bridge. Every failure a caller can
// observe carries a machine-readable code alongside the human message.
package apperr

import "fmt"

// Machine-readable error codes surfaced to callers.
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeNotFound         = "NOT_FOUND"
	CodeCreateFailed     = "CREATE_FAILED"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeDeleteFailed     = "DELETE_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeAlreadyLoading   = "ALREADY_LOADING"
	CodeUnavailable      = "UNAVAILABLE"
)

// E is a coded error. Use the constructors below rather than building one
// by hand so codes stay consistent.
type E struct {
	Code string
	Msg  string
}

func (e *E) Error() string { return e.Msg }

// CodeOf extracts the machine code from err, or empty when err is not an *E.
func CodeOf(err error) string {
	if ce, ok := err.(*E); ok {
		return ce.Code
	}
	return ""
}

// InvalidArguments signals missing or malformed caller input. Fails fast;
// no partial state change happened.
func InvalidArguments(format string, args ...any) *E {
	return &E{Code: CodeInvalidArguments, Msg: fmt.Sprintf(format, args...)}
}

// NotFound covers both "never existed" and "already disposed" ids.
func NotFound(format string, args ...any) *E {
	return &E{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// CreateFailed signals that conversation or handle creation failed.
func CreateFailed(format string, args ...any) *E {
	return &E{Code: CodeCreateFailed, Msg: fmt.Sprintf(format, args...)}
}

// GenerationFailed signals that a generation could not be started.
func GenerationFailed(format string, args ...any) *E {
	return &E{Code: CodeGenerationFailed, Msg: fmt.Sprintf(format, args...)}
}

// DeleteFailed signals a model delete that could not complete.
func DeleteFailed(format string, args ...any) *E {
	return &E{Code: CodeDeleteFailed, Msg: fmt.Sprintf(format, args...)}
}

// DownloadFailed signals a transient download/network failure. Surfaced,
// never auto-retried.
func DownloadFailed(format string, args ...any) *E {
	return &E{Code: CodeDownloadFailed, Msg: fmt.Sprintf(format, args...)}
}

// AlreadyLoading is the programming error for load/unload while a load is
// in flight (no queuing; the caller must wait).
func AlreadyLoading(format string, args ...any) *E {
	return &E{Code: CodeAlreadyLoading, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable signals a missing runtime dependency (e.g. the inference
// engine was not built in).
func Unavailable(format string, args ...any) *E {
	return &E{Code: CodeUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// IsInvalidArguments reports whether err carries CodeInvalidArguments.
func IsInvalidArguments(err error) bool { return CodeOf(err) == CodeInvalidArguments }

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsCreateFailed reports whether err carries CodeCreateFailed.
func IsCreateFailed(err error) bool { return CodeOf(err) == CodeCreateFailed }

// IsGenerationFailed reports whether err carries CodeGenerationFailed.
func IsGenerationFailed(err error) bool { return CodeOf(err) == CodeGenerationFailed }

// IsDeleteFailed reports whether err carries CodeDeleteFailed.
func IsDeleteFailed(err error) bool { return CodeOf(err) == CodeDeleteFailed }

// IsDownloadFailed reports whether err carries CodeDownloadFailed.
func IsDownloadFailed(err error) bool { return CodeOf(err) == CodeDownloadFailed }

// IsAlreadyLoading reports whether err carries CodeAlreadyLoading.
func IsAlreadyLoading(err error) bool { return CodeOf(err) == CodeAlreadyLoading }

// IsUnavailable reports whether err carries CodeUnavailable.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }
