package repositories

import (
	"context"
	"io"

	"github.com/satriahrh/revvoice/domain/entities"
)

// AudioInput is a capture device.
type AudioInput interface {
	// Supports reports whether the device can produce the given format.
	Supports(format entities.AudioFormat) bool
	// Open acquires the device and starts capturing. Read blocks until audio
	// is available; Close stops the device and unblocks pending reads.
	Open(ctx context.Context, format entities.AudioFormat) (io.ReadCloser, error)
}

// AudioOutput opens renderers on a playback device.
type AudioOutput interface {
	Open(ctx context.Context, format entities.AudioFormat) (Renderer, error)
}

// Renderer is a decode-and-play pipeline that accepts one operation at a time.
type Renderer interface {
	// Append queues data for playback. Malformed data yields domain.ErrDecodeRejected.
	Append(ctx context.Context, data []byte) error
	// Drain blocks until every appended byte has been played.
	Drain(ctx context.Context) error
	// Close halts output immediately and releases the renderer. It is idempotent
	// and may be called while Append or Drain is running.
	Close() error
}
