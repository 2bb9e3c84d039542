package voice

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

// Sink consumes received audio. Playback implements it.
type Sink interface {
	Enqueue(chunk entities.AudioChunk) error
	// Interrupt drops audio that was queued but not yet played.
	Interrupt()
	// CloseInput signals that no more audio follows.
	CloseInput()
}

// Receiver reads a response stream and forwards its audio to a sink as it arrives.
type Receiver struct {
	onTranscript func(entities.Transcript)
	logger       *zap.Logger
}

// NewReceiver creates a receiver. onTranscript may be nil.
func NewReceiver(onTranscript func(entities.Transcript), logger *zap.Logger) *Receiver {
	return &Receiver{onTranscript: onTranscript, logger: logger}
}

// Run consumes down until it ends. Closing down is left to the caller, which
// may still be sending on the same connection. The sink's input is closed
// exactly once on every path, so audio delivered before a failure keeps
// playing. A transport failure is reported as domain.ErrStreamInterrupted.
func (r *Receiver) Run(ctx context.Context, down repositories.Downlink, sink Sink) error {
	defer sink.CloseInput()

	seq := 0
	muted := false
	for {
		frame, err := down.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.logger.Debug("Response stream completed", zap.Int("chunks", seq))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: after %d chunks: %w", domain.ErrStreamInterrupted, seq, err)
		}

		switch frame.Kind {
		case entities.FrameAudio:
			if len(frame.Data) == 0 || muted {
				continue
			}
			err := sink.Enqueue(entities.AudioChunk{Seq: seq, Data: frame.Data})
			seq++
			if errors.Is(err, domain.ErrPlaybackStopped) {
				// Playback was stopped by the user; keep reading so the
				// remote turn completes, but discard its audio.
				r.logger.Debug("Playback stopped, discarding remaining audio")
				muted = true
				continue
			}
			if err != nil {
				return err
			}
		case entities.FrameTranscript:
			if r.onTranscript != nil {
				r.onTranscript(frame.Transcript)
			}
		case entities.FrameInterrupted:
			r.logger.Debug("Response interrupted by remote")
			if !muted {
				sink.Interrupt()
			}
		}
	}
}
