package wire

import (
	"context"
	"errors"

	"github.com/satriahrh/revvoice/domain"
)

// Error codes carried by error messages and error frames
const (
	CodeInvalidMessage     = "invalid_message"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeStreamInterrupted  = "stream_interrupted"
	CodeTransmissionFailed = "transmission_failed"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

// ErrorCode classifies a turn failure for the client
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return CodeUnsupportedFormat
	case errors.Is(err, domain.ErrStreamInterrupted):
		return CodeStreamInterrupted
	case errors.Is(err, domain.ErrTransmissionFailed):
		return CodeTransmissionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
