package remote

import (
	"errors"
	"fmt"
)

// Error codes mirror the standard rpc status categories. Only the codes that
// can actually surface from this layer are defined.
type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodeInternal          Code = "internal"
	CodeNotFound          Code = "not_found"
	CodePermissionDenied  Code = "permission_denied"
	CodeUnauthenticated   Code = "unauthenticated"
	CodeUnavailable       Code = "unavailable"
	CodeDeadlineExceeded  Code = "deadline_exceeded"
	CodeResourceExhausted Code = "resource_exhausted"
)

type StatusError struct {
	Code    Code
	Message string
}

func NewStatusError(code Code, format string, a ...any) *StatusError {
	return &StatusError{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

// ErrorCode extracts the status code from an error chain.
// Errors without a code are classified as unavailable, since anything that
// reaches this layer without a code came from the transport.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return CodeUnavailable
}

// Retryable codes are transient backend or connectivity conditions.
// Internal errors indicate a protocol or bookkeeping bug and are never
// retried at this layer.
func IsRetryable(code Code) bool {
	switch code {
	case CodeUnavailable, CodeDeadlineExceeded, CodeResourceExhausted, CodeUnauthenticated:
		return true
	default:
		return false
	}
}

// codeForWireStatus maps a numeric grpc-style status code reported in-band
// by the backend (e.g. a target cause) to a Code.
func codeForWireStatus(code int) Code {
	switch code {
	case 3:
		return CodeInvalidArgument
	case 4:
		return CodeDeadlineExceeded
	case 5:
		return CodeNotFound
	case 7:
		return CodePermissionDenied
	case 8:
		return CodeResourceExhausted
	case 14:
		return CodeUnavailable
	case 16:
		return CodeUnauthenticated
	default:
		return CodeInternal
	}
}
